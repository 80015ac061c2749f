// Package state persists per-task progress for a run.
//
// The store keeps one JSON object keyed by project. Every mutation is
// written through filelock.AtomicWrite before the call returns, so a crash
// at any point leaves the last completed mutation on disk and never a
// partial file. On resume, a task found "running" is evidence of a crash and
// is reset to "pending" with its attempt counter untouched.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harrison/ralph/internal/filelock"
	"github.com/harrison/ralph/internal/models"
)

var (
	// ErrCorruptState indicates the state file exists but cannot be decoded.
	ErrCorruptState = errors.New("state: corrupt state file")
	// ErrUnknownTask indicates a mutation for a task id the store does not track.
	ErrUnknownTask = errors.New("state: unknown task")
	// ErrNotInitialized indicates a call before Initialize.
	ErrNotInitialized = errors.New("state: store not initialized")
	// ErrNonMonotonic indicates a write that would decrease a cumulative field.
	ErrNonMonotonic = errors.New("state: cumulative field cannot decrease")
	// ErrInvalidValue indicates a value of the wrong type for a field.
	ErrInvalidValue = errors.New("state: invalid value for field")
)

// Field names a mutable TaskState field.
type Field string

// Mutable TaskState fields.
const (
	FieldStatus       Field = "status"
	FieldAttempts     Field = "attempts"
	FieldDurationSecs Field = "duration_secs"
	FieldCostUSD      Field = "cost_usd"
	FieldInputTokens  Field = "input_tokens"
	FieldOutputTokens Field = "output_tokens"
	FieldStartedAt    Field = "started_at"
	FieldFinishedAt   Field = "finished_at"
)

// Store is the crash-safe mapping from task id to TaskState for one project.
// It is safe for concurrent use, though the engine drives it from one goroutine.
type Store struct {
	path    string
	project string

	mu     sync.Mutex
	run    *models.RunState
	others map[string]json.RawMessage // Other projects sharing the file, preserved verbatim

	readOnly bool // Dry runs: state is tracked in memory, never written

	clock func() time.Time
	newID func() string
}

// NewStore creates a Store for project backed by the file at path.
// Nothing is read or written until Initialize.
func NewStore(path, project string) *Store {
	return &Store{
		path:    path,
		project: project,
		clock:   time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// NewReadOnlyStore creates a Store that loads from path but keeps every
// mutation in memory. Dry runs use it so previewing a run never rewrites
// recorded progress.
func NewReadOnlyStore(path, project string) *Store {
	s := NewStore(path, project)
	s.readOnly = true
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Initialize creates a fresh RunState, or loads and repairs the stored one
// when resume is true. Tasks in the document but missing from the stored
// state are added; tasks only in the stored state are kept untouched.
func (s *Store) Initialize(tasks []models.Task, resume bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := readFile(s.path)
	if err != nil {
		return err
	}

	s.others = make(map[string]json.RawMessage, len(all))
	var prior *models.RunState
	for project, raw := range all {
		if project != s.project {
			s.others[project] = raw
			continue
		}
		if !resume {
			continue
		}
		prior = &models.RunState{}
		if err := json.Unmarshal(raw, prior); err != nil {
			return fmt.Errorf("%w: project %s: %v", ErrCorruptState, project, err)
		}
	}

	if prior == nil {
		s.run = s.freshRun(tasks)
		return s.persistLocked(s.run)
	}

	if prior.Tasks == nil {
		prior.Tasks = make(map[string]*models.TaskState)
	}
	for id, ts := range prior.Tasks {
		if ts == nil {
			prior.Tasks[id] = models.NewTaskState(false)
			continue
		}
		if ts.Status == models.StatusRunning || !ts.Status.IsValid() {
			ts.Status = models.StatusPending
		}
		if ts.Errors == nil {
			ts.Errors = []models.ErrorEntry{}
		}
	}
	for _, task := range tasks {
		ts, ok := prior.Tasks[task.ID]
		if !ok {
			prior.Tasks[task.ID] = models.NewTaskState(task.Passes)
			continue
		}
		// A task the document already marks as passing is never run again.
		if task.Passes {
			ts.Status = models.StatusSuccess
		}
	}
	prior.Project = s.project
	prior.FinishedAt = nil
	if prior.RunID == "" {
		prior.RunID = s.newID()
	}

	s.run = prior
	return s.persistLocked(s.run)
}

func (s *Store) freshRun(tasks []models.Task) *models.RunState {
	run := &models.RunState{
		Project:   s.project,
		RunID:     s.newID(),
		StartedAt: s.clock().UTC(),
		Tasks:     make(map[string]*models.TaskState, len(tasks)),
	}
	for _, task := range tasks {
		run.Tasks[task.ID] = models.NewTaskState(task.Passes)
	}
	return run
}

// SetBranch records the branch label of the run.
func (s *Store) SetBranch(branch string) error {
	return s.mutateRun(func(run *models.RunState) error {
		run.Branch = branch
		return nil
	})
}

// SetField sets one field of a task's state and persists the result.
// Cumulative fields (attempts, duration, cost, tokens) reject decreases.
func (s *Store) SetField(taskID string, field Field, value any) error {
	return s.mutateTask(taskID, func(ts *models.TaskState) error {
		return applyField(ts, field, value)
	})
}

// SetErrorHistory replaces a task's error history and persists the result.
func (s *Store) SetErrorHistory(taskID string, entries []models.ErrorEntry) error {
	return s.mutateTask(taskID, func(ts *models.TaskState) error {
		ts.Errors = append([]models.ErrorEntry{}, entries...)
		return nil
	})
}

// AppendError appends one entry to a task's error history.
func (s *Store) AppendError(taskID string, entry models.ErrorEntry) error {
	return s.mutateTask(taskID, func(ts *models.TaskState) error {
		ts.Errors = append(ts.Errors, entry)
		return nil
	})
}

// Finalize records the run's finish timestamp.
func (s *Store) Finalize(at time.Time) error {
	return s.mutateRun(func(run *models.RunState) error {
		t := at.UTC()
		run.FinishedAt = &t
		return nil
	})
}

// GetField returns a task field. Absent tasks report the defaults:
// status pending, numeric fields zero, timestamps nil.
func (s *Store) GetField(taskID string, field Field) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ts *models.TaskState
	if s.run != nil {
		ts = s.run.Tasks[taskID]
	}
	if ts == nil {
		ts = models.NewTaskState(false)
	}

	switch field {
	case FieldStatus:
		return ts.Status
	case FieldAttempts:
		return ts.Attempts
	case FieldDurationSecs:
		return ts.DurationSecs
	case FieldCostUSD:
		return ts.CostUSD
	case FieldInputTokens:
		return ts.InputTokens
	case FieldOutputTokens:
		return ts.OutputTokens
	case FieldStartedAt:
		return ts.StartedAt
	case FieldFinishedAt:
		return ts.FinishedAt
	default:
		return nil
	}
}

// Status is a typed shorthand for GetField(taskID, FieldStatus).
func (s *Store) Status(taskID string) models.TaskStatus {
	return s.GetField(taskID, FieldStatus).(models.TaskStatus)
}

// Attempts is a typed shorthand for GetField(taskID, FieldAttempts).
func (s *Store) Attempts(taskID string) int {
	return s.GetField(taskID, FieldAttempts).(int)
}

// Snapshot returns a copy of a task's state.
func (s *Store) Snapshot(taskID string) (models.TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return models.TaskState{}, false
	}
	ts, ok := s.run.Tasks[taskID]
	if !ok {
		return models.TaskState{}, false
	}
	return ts.Clone(), true
}

// Run returns a copy of the run record.
func (s *Store) Run() models.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return models.RunState{}
	}
	return cloneRun(s.run)
}

// mutateTask applies fn to a copy of the task state, persists the whole run
// and only then publishes the copy, so memory never runs ahead of disk.
func (s *Store) mutateTask(taskID string, fn func(*models.TaskState) error) error {
	return s.mutateRun(func(run *models.RunState) error {
		ts, ok := run.Tasks[taskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		return fn(ts)
	})
}

func (s *Store) mutateRun(fn func(*models.RunState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		return ErrNotInitialized
	}
	next := cloneRun(s.run)
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persistLocked(&next); err != nil {
		return err
	}
	s.run = &next
	return nil
}

func (s *Store) persistLocked(run *models.RunState) error {
	if s.readOnly {
		return nil
	}
	all := make(map[string]any, len(s.others)+1)
	for project, raw := range s.others {
		all[project] = raw
	}
	all[s.project] = run

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := filelock.AtomicWrite(s.path, append(data, '\n')); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func applyField(ts *models.TaskState, field Field, value any) error {
	switch field {
	case FieldStatus:
		v, ok := value.(models.TaskStatus)
		if !ok || !v.IsValid() {
			return fmt.Errorf("%w: %s=%v", ErrInvalidValue, field, value)
		}
		ts.Status = v
	case FieldAttempts:
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("%w: %s=%v", ErrInvalidValue, field, value)
		}
		if v < ts.Attempts {
			return fmt.Errorf("%w: %s %d -> %d", ErrNonMonotonic, field, ts.Attempts, v)
		}
		ts.Attempts = v
	case FieldDurationSecs, FieldCostUSD:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%w: %s=%v", ErrInvalidValue, field, value)
		}
		target := &ts.DurationSecs
		if field == FieldCostUSD {
			target = &ts.CostUSD
		}
		if v < *target {
			return fmt.Errorf("%w: %s %g -> %g", ErrNonMonotonic, field, *target, v)
		}
		*target = v
	case FieldInputTokens, FieldOutputTokens:
		v, ok := value.(int64)
		if !ok {
			return fmt.Errorf("%w: %s=%v", ErrInvalidValue, field, value)
		}
		target := &ts.InputTokens
		if field == FieldOutputTokens {
			target = &ts.OutputTokens
		}
		if v < *target {
			return fmt.Errorf("%w: %s %d -> %d", ErrNonMonotonic, field, *target, v)
		}
		*target = v
	case FieldStartedAt, FieldFinishedAt:
		var at *time.Time
		switch v := value.(type) {
		case time.Time:
			u := v.UTC()
			at = &u
		case *time.Time:
			if v != nil {
				u := v.UTC()
				at = &u
			}
		case nil:
		default:
			return fmt.Errorf("%w: %s=%v", ErrInvalidValue, field, value)
		}
		if field == FieldStartedAt {
			ts.StartedAt = at
		} else {
			ts.FinishedAt = at
		}
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidValue, field)
	}
	return nil
}

func cloneRun(run *models.RunState) models.RunState {
	c := *run
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		c.FinishedAt = &t
	}
	c.Tasks = make(map[string]*models.TaskState, len(run.Tasks))
	for id, ts := range run.Tasks {
		clone := ts.Clone()
		c.Tasks[id] = &clone
	}
	return c
}

func readFile(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorruptState, path)
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	if all == nil {
		all = map[string]json.RawMessage{}
	}
	return all, nil
}

// Load reads every project's RunState from a state file without modifying it.
func Load(path string) (map[string]*models.RunState, error) {
	all, err := readFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.RunState, len(all))
	for project, raw := range all {
		run := &models.RunState{}
		if err := json.Unmarshal(raw, run); err != nil {
			return nil, fmt.Errorf("%w: project %s: %v", ErrCorruptState, project, err)
		}
		out[project] = run
	}
	return out, nil
}
