package models

import "time"

// Outcome is the terminal classification of one task in a run.
type Outcome string

// Task outcomes reported by the retry controller.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeDryRun      Outcome = "dry-run"     // Prompt materialized, nothing executed
	OutcomeInterrupted Outcome = "interrupted" // Stopped between attempts; task left pending
)

// TaskResult represents the result of driving a single task to a terminal state
type TaskResult struct {
	Task     Task
	Outcome  Outcome
	Attempts int
	Duration time.Duration // Wall clock spent in this run
	CostUSD  float64       // Cumulative, including earlier runs
	Note     string        // Last note reported to the task source
}

// ExecutionResult represents the aggregate result of a run
type ExecutionResult struct {
	Project     string
	RunID       string
	TotalTasks  int
	Skipped     int // Already successful before the run
	Passed      int
	Failed      int
	DryRun      int
	Remaining   int // Not reached, e.g. after an interrupt
	CostUSD     float64
	Duration    time.Duration
	FailedTasks []TaskResult
}

// Incomplete reports whether the queue was left unfinished.
func (r *ExecutionResult) Incomplete() bool {
	return r.Remaining > 0
}

// Clean reports whether every task ended successfully and the queue was drained.
func (r *ExecutionResult) Clean() bool {
	return r.Failed == 0 && !r.Incomplete()
}

// AttemptResult summarizes one attempt for loggers and the history store.
type AttemptResult struct {
	Attempt    int
	MaxRetries int
	Success    bool
	Code       ErrorCode // Empty on success
	Reason     string
	Diagnosis  string
	Duration   time.Duration
	Response   NormalizedResponse
}
