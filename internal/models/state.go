package models

import "time"

// TaskStatus is the derived status of a task within a run.
type TaskStatus string

// Task status values.
const (
	StatusPending TaskStatus = "pending"
	StatusRunning TaskStatus = "running"
	StatusSuccess TaskStatus = "success"
	StatusFailed  TaskStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further attempts will be made in this run.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ErrorCode classifies a failed attempt.
type ErrorCode string

// Attempt failure classifications, in the priority order they are tested.
const (
	ErrorTimeout     ErrorCode = "timeout"
	ErrorMaxTurns    ErrorCode = "max_turns"
	ErrorEmptyResult ErrorCode = "empty_result"
	ErrorGeneric     ErrorCode = "generic"
)

// ErrorEntry is an append-only record of one failed attempt.
type ErrorEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Code         ErrorCode `json:"code"`
	Attempt      int       `json:"attempt"`
	DurationSecs float64   `json:"duration_secs"`
	Reason       string    `json:"reason"`
	Diagnosis    string    `json:"diagnosis"`
}

// TaskState is the persisted progress of a single task.
type TaskState struct {
	Status       TaskStatus   `json:"status"`
	Attempts     int          `json:"attempts"`
	DurationSecs float64      `json:"duration_secs"`
	CostUSD      float64      `json:"cost_usd"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	Errors       []ErrorEntry `json:"errors"`
	StartedAt    *time.Time   `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at"`
}

// NewTaskState returns the initial state for a task given its prior pass flag.
func NewTaskState(passes bool) *TaskState {
	status := StatusPending
	if passes {
		status = StatusSuccess
	}
	return &TaskState{Status: status, Errors: []ErrorEntry{}}
}

// Clone returns a deep copy safe to hand to callers.
func (s *TaskState) Clone() TaskState {
	c := *s
	c.Errors = append([]ErrorEntry(nil), s.Errors...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// RunState is the process-wide record persisted by the state store.
type RunState struct {
	Project    string                `json:"project"`
	RunID      string                `json:"run_id"`
	Branch     string                `json:"branch,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at"`
	Tasks      map[string]*TaskState `json:"tasks"`
}

// Counts tallies tasks by status.
func (r *RunState) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int, 4)
	for _, ts := range r.Tasks {
		counts[ts.Status]++
	}
	return counts
}
