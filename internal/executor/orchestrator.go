package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harrison/ralph/internal/models"
	"github.com/harrison/ralph/internal/tasksource"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitSetupError = 1
	ExitIncomplete = 2 // A task failed or the queue was not drained
)

// Logger defines the interface for logging run progress and results.
type Logger interface {
	LogTrace(message string)
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogRunStart(project, runID string, total, pending int)
	LogTaskStart(task models.Task, position, total int)
	LogAttempt(task models.Task, attempt, maxRetries int)
	LogAttemptResult(task models.Task, result models.AttemptResult)
	LogTaskResult(result models.TaskResult) error
	LogSummary(result models.ExecutionResult)
}

// TaskRunner drives a single task to a terminal outcome.
type TaskRunner interface {
	Begin(run models.RunState)
	Run(ctx context.Context, task models.Task) (models.TaskResult, error)
}

// RunStore is the slice of state.Store the orchestrator needs.
type RunStore interface {
	Initialize(tasks []models.Task, resume bool) error
	SetBranch(branch string) error
	Status(taskID string) models.TaskStatus
	Finalize(at time.Time) error
	Run() models.RunState
}

// RunResult is the outcome of a whole run.
type RunResult struct {
	models.ExecutionResult
}

// ExitCode maps the result to the process exit status: ExitOK when every
// task succeeded and the queue was drained, ExitIncomplete otherwise.
func (r *RunResult) ExitCode() int {
	if r == nil {
		return ExitSetupError
	}
	if r.Clean() {
		return ExitOK
	}
	return ExitIncomplete
}

// Orchestrator walks the priority-ordered queue one task at a time.
type Orchestrator struct {
	runner TaskRunner
	store  RunStore
	logger Logger
	resume bool

	// HandleSignals installs SIGINT/SIGTERM handling for the run. The queue
	// stops before the next attempt; the attempt in flight runs to completion.
	HandleSignals bool

	clock func() time.Time
}

// NewOrchestrator creates a new Orchestrator instance.
// The logger parameter is optional and can be nil.
func NewOrchestrator(runner TaskRunner, store RunStore, logger Logger, resume bool) *Orchestrator {
	if runner == nil {
		panic("task runner cannot be nil")
	}
	if store == nil {
		panic("run store cannot be nil")
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Orchestrator{
		runner: runner,
		store:  store,
		logger: logger,
		resume: resume,
		clock:  time.Now,
	}
}

// Execute runs every not-yet-successful task of doc in ascending priority
// order. A task's terminal failure never stops the run. The error is non-nil
// for setup failures (wrapped in SetupError) and for state that could not be
// persisted; in the latter case the partial result is still returned.
func (o *Orchestrator) Execute(ctx context.Context, doc *models.TaskDocument) (*RunResult, error) {
	if doc == nil {
		return nil, NewSetupError("load task document", errors.New("task document cannot be nil"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.HandleSignals {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		go func() {
			select {
			case sig := <-sigChan:
				o.logger.LogWarn(fmt.Sprintf("Received %s, stopping after the current attempt...", sig))
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	start := o.clock()
	tasks := tasksource.SortByPriority(doc.Tasks)

	if err := o.store.Initialize(tasks, o.resume); err != nil {
		return nil, NewSetupError("initialize state", err)
	}
	if doc.Branch != "" {
		if err := o.store.SetBranch(doc.Branch); err != nil {
			return nil, NewSetupError("record branch", err)
		}
	}

	run := o.store.Run()
	o.runner.Begin(run)

	result := &RunResult{ExecutionResult: models.ExecutionResult{
		Project:     doc.Project,
		RunID:       run.RunID,
		TotalTasks:  len(tasks),
		FailedTasks: []models.TaskResult{},
	}}

	var queue []models.Task
	for _, task := range tasks {
		if o.store.Status(task.ID) == models.StatusSuccess {
			result.Skipped++
			continue
		}
		queue = append(queue, task)
	}
	o.logger.LogRunStart(doc.Project, run.RunID, len(tasks), len(queue))

	var runErr error
	for i, task := range queue {
		if ctx.Err() != nil {
			result.Remaining = len(queue) - i
			break
		}

		o.logger.LogTaskStart(task, i+1, len(queue))
		res, err := o.runner.Run(ctx, task)
		if err != nil {
			runErr = fmt.Errorf("task %s: %w", task.ID, err)
			result.Remaining = len(queue) - i
			break
		}

		if res.Outcome == models.OutcomeInterrupted {
			result.Remaining = len(queue) - i
			break
		}
		switch res.Outcome {
		case models.OutcomeSuccess:
			result.Passed++
		case models.OutcomeFailed:
			result.Failed++
			result.FailedTasks = append(result.FailedTasks, res)
		case models.OutcomeDryRun:
			result.DryRun++
		}
		if err := o.logger.LogTaskResult(res); err != nil {
			o.logger.LogWarn(fmt.Sprintf("failed to log task result: %v", err))
		}
	}

	final := o.store.Run()
	for _, ts := range final.Tasks {
		result.CostUSD += ts.CostUSD
	}
	result.Duration = o.clock().Sub(start)

	if runErr == nil && result.Remaining == 0 {
		if err := o.store.Finalize(o.clock()); err != nil {
			runErr = fmt.Errorf("finalize state: %w", err)
		}
	}

	o.logger.LogSummary(result.ExecutionResult)
	return result, runErr
}

// nopLogger stands in when no logger is configured.
type nopLogger struct{}

func (nopLogger) LogTrace(string)                                    {}
func (nopLogger) LogDebug(string)                                    {}
func (nopLogger) LogInfo(string)                                     {}
func (nopLogger) LogWarn(string)                                     {}
func (nopLogger) LogError(string)                                    {}
func (nopLogger) LogRunStart(string, string, int, int)               {}
func (nopLogger) LogTaskStart(models.Task, int, int)                 {}
func (nopLogger) LogAttempt(models.Task, int, int)                   {}
func (nopLogger) LogAttemptResult(models.Task, models.AttemptResult) {}
func (nopLogger) LogTaskResult(models.TaskResult) error              { return nil }
func (nopLogger) LogSummary(models.ExecutionResult)                  {}
