package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestLockUnlock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "nested", "test.lock")

	lock := NewFileLock(lockPath)
	if lock.Path() != lockPath {
		t.Errorf("Expected lock path %s, got %s", lockPath, lock.Path())
	}

	if err := lock.Lock(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
}

func TestTryLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	lock1 := NewFileLock(lockPath)
	lock2 := NewFileLock(lockPath)

	acquired, err := lock1.TryLock()
	if err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	if !acquired {
		t.Fatal("First TryLock should succeed")
	}

	acquired, err = lock2.TryLock()
	if err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	if acquired {
		t.Error("Second TryLock should fail when lock is held")
	}

	if err := lock1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	acquired, err = lock2.TryLock()
	if err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	if !acquired {
		t.Error("TryLock should succeed after unlock")
	}
	lock2.Unlock()
}

func TestTryAcquireReportsErrLocked(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	first, err := TryAcquire(target)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	defer first.Unlock()

	_, err = TryAcquire(target)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestAtomicWriteOverwrite(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), "test.txt")

	if err := os.WriteFile(targetPath, []byte("Initial content"), 0644); err != nil {
		t.Fatalf("Failed to write initial file: %v", err)
	}

	if err := AtomicWrite(targetPath, []byte("New content")); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	got, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(got) != "New content" {
		t.Errorf("Expected %q, got %q", "New content", string(got))
	}

	info, err := os.Stat(targetPath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("Expected permissions 0644, got %v", info.Mode().Perm())
	}
}

func TestAtomicWriteCreatesDirectoryAndLeavesNoTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	targetPath := filepath.Join(dir, "state.json")

	for i := 0; i < 5; i++ {
		if err := AtomicWrite(targetPath, []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("AtomicWrite failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, got %d entries", len(entries))
	}
}

func TestLockAndUpdateSerializesWriters(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), "counter.txt")

	const goroutines = 5
	const iterations = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				err := LockAndUpdate(targetPath, func(current []byte) ([]byte, error) {
					var n int
					fmt.Sscanf(string(current), "%d", &n)
					return []byte(fmt.Sprintf("%d", n+1)), nil
				})
				if err != nil {
					t.Errorf("LockAndUpdate failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("Failed to read counter: %v", err)
	}
	if want := fmt.Sprintf("%d", goroutines*iterations); string(data) != want {
		t.Errorf("Expected counter %s, got %s", want, string(data))
	}
}

func TestLockAndUpdateErrorKeepsOriginal(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), "prd.json")
	if err := os.WriteFile(targetPath, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := LockAndUpdate(targetPath, func([]byte) ([]byte, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected update error, got %v", err)
	}

	data, _ := os.ReadFile(targetPath)
	if string(data) != "original" {
		t.Errorf("file changed after failed update: %q", data)
	}
	lock := NewFileLock(targetPath + ".lock")
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Errorf("lock should be released after a failed update: ok=%v err=%v", ok, err)
	}
	lock.Unlock()
}

func TestLockAndWrite(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), "out.txt")
	if err := LockAndWrite(targetPath, []byte("hello")); err != nil {
		t.Fatalf("LockAndWrite failed: %v", err)
	}
	data, _ := os.ReadFile(targetPath)
	if string(data) != "hello" {
		t.Errorf("got %q", data)
	}
}
