package executor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/ralph/internal/diagnosis"
	"github.com/harrison/ralph/internal/models"
)

func TestBasePrompt(t *testing.T) {
	p := BasePrompt(loginTask)

	assert.True(t, strings.HasPrefix(p, "# Task US-001: Add login\n"))
	assert.Contains(t, p, "Users sign in with email.")
	assert.Contains(t, p, "1. Form renders\n2. Typecheck passes\n")
	assert.Contains(t, p, "Verify every acceptance criterion")
}

func TestBasePromptWithoutCriteria(t *testing.T) {
	p := BasePrompt(models.Task{ID: "T1", Title: "Bare"})
	assert.NotContains(t, p, "Acceptance criteria")
	assert.Contains(t, p, "Before you finish")
}

func TestBuildPrompt(t *testing.T) {
	retry := diagnosis.Context{Reason: "lint failed"}

	tests := []struct {
		name      string
		attempt   int
		retry     diagnosis.Context
		wantRetry bool
	}{
		{"first attempt ignores context", 1, retry, false},
		{"retry without context", 2, diagnosis.Context{}, false},
		{"retry with context", 2, retry, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := BuildPrompt(loginTask, tt.attempt, 3, tt.retry)
			assert.True(t, strings.HasPrefix(p, BasePrompt(loginTask)))
			assert.Equal(t, tt.wantRetry, strings.Contains(p, "## Retry context (attempt 2 of 3)"))
		})
	}
}

func TestRetryFromHistory(t *testing.T) {
	assert.True(t, retryFromHistory(nil).Empty())

	ctx := retryFromHistory([]models.ErrorEntry{
		{Reason: "old", Diagnosis: "old diagnosis"},
		{Reason: "new", Diagnosis: "new diagnosis"},
	})
	assert.Equal(t, "new", ctx.Reason)
	assert.Equal(t, "new diagnosis", ctx.Diagnosis)
}

func TestFileSink(t *testing.T) {
	root := t.TempDir()
	sink := NewFileSink(root)
	assert.Equal(t, filepath.Join(root, "unassigned"), sink.Dir())

	sink.Begin("run-1")
	assert.Equal(t, filepath.Join(root, "run-1"), sink.Dir())
	assert.Equal(t, filepath.Join(root, "run-1", "a_b", "attempt-3"), sink.AttemptDir("a/b", 3))

	require.NoError(t, sink.WritePrompt("US-001", 1, "prompt text"))
	require.NoError(t, sink.WriteResponse("US-001", 1, []byte(`{"result":"x"}`), "x"))
	entry := models.ErrorEntry{Code: models.ErrorGeneric, Attempt: 1, Reason: "boom"}
	require.NoError(t, sink.WriteFailure("US-001", 1, FailureLog{Entry: entry, ExitCode: 1}, "+added"))

	dir := sink.AttemptDir("US-001", 1)
	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "prompt text", read(ArtifactPrompt))
	assert.Equal(t, `{"result":"x"}`, read(ArtifactResponse))
	assert.Equal(t, "x", read(ArtifactResult))
	assert.Equal(t, "+added\n", read(ArtifactDiff))

	var got FailureLog
	require.NoError(t, json.Unmarshal([]byte(read(ArtifactFailure)), &got))
	assert.Equal(t, "boom", got.Entry.Reason)
	assert.Equal(t, 1, got.ExitCode)
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	s.Begin("x")
	assert.NoError(t, s.WritePrompt("a", 1, "p"))
	assert.NoError(t, s.WriteResponse("a", 1, nil, ""))
	assert.NoError(t, s.WriteFailure("a", 1, FailureLog{}, "d"))
}
