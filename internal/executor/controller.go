package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/ralph/internal/backend"
	"github.com/harrison/ralph/internal/diagnosis"
	"github.com/harrison/ralph/internal/history"
	"github.com/harrison/ralph/internal/models"
	"github.com/harrison/ralph/internal/ratelimit"
	"github.com/harrison/ralph/internal/state"
)

// StateStore is the slice of state.Store the controller drives.
type StateStore interface {
	SetField(taskID string, field state.Field, value any) error
	AppendError(taskID string, entry models.ErrorEntry) error
	GetField(taskID string, field state.Field) any
	Snapshot(taskID string) (models.TaskState, bool)
}

// TaskReporter writes a task's pass flag and note back to the task source.
type TaskReporter interface {
	ReportPass(taskID, note string) error
	ReportFail(taskID, note string) error
}

// HistoryRecorder persists one row per attempt.
type HistoryRecorder interface {
	Record(ctx context.Context, a *history.Attempt) error
}

// ControllerConfig holds the resolved run settings the controller needs.
type ControllerConfig struct {
	MaxRetries int
	Timeout    time.Duration
	DryRun     bool
}

// Controller drives one task through its attempts: pending, running, then
// success, back to pending for a retry, or failed once the budget is spent.
// Every transition is persisted through the StateStore before the next step.
type Controller struct {
	adapter  backend.Adapter
	store    StateStore
	reporter TaskReporter
	cfg      ControllerConfig
	run      models.RunState // Identity of the current run, set by Begin

	// Optional collaborators; nil values are replaced with no-op defaults.
	Builder *diagnosis.Builder
	Sink    Sink
	History HistoryRecorder
	Logger  Logger

	// RateLimit, when set, pauses before a retry whose predecessor hit a
	// usage limit.
	RateLimit *ratelimit.Waiter

	clock func() time.Time
}

// NewController creates a Controller. adapter, store and reporter are required.
func NewController(adapter backend.Adapter, store StateStore, reporter TaskReporter, cfg ControllerConfig) (*Controller, error) {
	if adapter == nil {
		return nil, fmt.Errorf("backend adapter is required")
	}
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if reporter == nil {
		return nil, fmt.Errorf("task reporter is required")
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("max retries must be at least 1, got %d", cfg.MaxRetries)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	return &Controller{
		adapter:  adapter,
		store:    store,
		reporter: reporter,
		cfg:      cfg,
		clock:    time.Now,
	}, nil
}

func (c *Controller) builder() *diagnosis.Builder {
	if c.Builder == nil {
		c.Builder = diagnosis.NewBuilder(diagnosis.DefaultConfig(), nil, nil)
	}
	return c.Builder
}

func (c *Controller) sink() Sink {
	if c.Sink == nil {
		return NopSink{}
	}
	return c.Sink
}

func (c *Controller) logger() Logger {
	if c.Logger == nil {
		return nopLogger{}
	}
	return c.Logger
}

// Begin records the identity of the run the following tasks belong to.
func (c *Controller) Begin(run models.RunState) {
	c.run = models.RunState{Project: run.Project, RunID: run.RunID, Branch: run.Branch, StartedAt: run.StartedAt}
	c.sink().Begin(run.RunID)
}

// attemptOutcome is what one attempt produced before classification.
type attemptOutcome struct {
	exec     *backend.Execution
	execErr  error
	resp     models.NormalizedResponse
	duration time.Duration
}

func (o attemptOutcome) succeeded() bool {
	return o.execErr == nil && o.exec.Clean() && !o.resp.IsError && strings.TrimSpace(o.resp.Result) != ""
}

// Run drives task until it succeeds, exhausts the retry budget, or ctx is
// cancelled between attempts. An in-flight attempt is never cancelled by ctx;
// only the per-call timeout bounds it. The returned error is non-nil only
// when state could not be persisted, which ends the run.
func (c *Controller) Run(ctx context.Context, task models.Task) (models.TaskResult, error) {
	start := c.clock()
	result := models.TaskResult{Task: task}

	snap, _ := c.store.Snapshot(task.ID)
	attempt := snap.Attempts
	retry := retryFromHistory(snap.Errors)

	if c.cfg.DryRun {
		return c.dryRun(task, attempt+1, retry, start)
	}

	maxRetries := c.cfg.MaxRetries
	for attempt < maxRetries {
		if ctx.Err() != nil {
			result.Outcome = models.OutcomeInterrupted
			result.Attempts = attempt
			result.Duration = c.clock().Sub(start)
			result.CostUSD = c.cost(task.ID)
			return result, nil
		}

		attempt++
		if err := c.beginAttempt(task.ID, attempt); err != nil {
			return result, err
		}
		c.logger().LogAttempt(task, attempt, maxRetries)

		revision := c.builder().Checkpoint(ctx)
		prompt := BuildPrompt(task, attempt, maxRetries, retry)
		if err := c.sink().WritePrompt(task.ID, attempt, prompt); err != nil {
			c.logger().LogWarn(fmt.Sprintf("task %s: %v", task.ID, err))
		}

		out := c.execute(ctx, task.ID, attempt, prompt)
		if err := c.accumulate(task.ID, out); err != nil {
			return result, err
		}

		if out.succeeded() {
			note := fmt.Sprintf("passed on attempt %d of %d in %s", attempt, maxRetries, out.duration.Round(time.Second))
			if err := c.finish(task.ID, models.StatusSuccess); err != nil {
				return result, err
			}
			c.record(ctx, task, attempt, out, nil, "")
			c.logger().LogAttemptResult(task, models.AttemptResult{
				Attempt: attempt, MaxRetries: maxRetries, Success: true,
				Duration: out.duration, Response: out.resp,
			})
			c.report(task.ID, true, note)

			result.Outcome = models.OutcomeSuccess
			result.Attempts = attempt
			result.Duration = c.clock().Sub(start)
			result.CostUSD = c.cost(task.ID)
			result.Note = note
			return result, nil
		}

		code, reason := classify(out, c.cfg.Timeout)
		failure := NewAttemptError(task.ID, attempt, code, reason)

		dctx := c.builder().Build(context.WithoutCancel(ctx), diagnosis.Failure{
			Task:       task,
			Attempt:    attempt,
			Reason:     reason,
			LastOutput: lastOutput(out),
			Revision:   revision,
		})
		if dctx.Err != nil {
			c.logger().LogWarn(fmt.Sprintf("task %s attempt %d: %v", task.ID, attempt, dctx.Err))
		}

		entry := models.ErrorEntry{
			Timestamp:    failure.Timestamp.UTC(),
			Code:         code,
			Attempt:      attempt,
			DurationSecs: out.duration.Seconds(),
			Reason:       reason,
			Diagnosis:    dctx.Diagnosis,
		}
		if err := c.store.AppendError(task.ID, entry); err != nil {
			return result, err
		}
		if err := c.sink().WriteFailure(task.ID, attempt, failureLog(entry, out), dctx.Diff); err != nil {
			c.logger().LogWarn(fmt.Sprintf("task %s: %v", task.ID, err))
		}
		c.record(ctx, task, attempt, out, failure, dctx.Diagnosis)
		c.logger().LogAttemptResult(task, models.AttemptResult{
			Attempt: attempt, MaxRetries: maxRetries, Code: code, Reason: reason,
			Diagnosis: dctx.Diagnosis, Duration: out.duration, Response: out.resp,
		})

		note := attemptNote(attempt, maxRetries, code, summarize(entry))
		c.report(task.ID, false, note)
		result.Note = note

		if attempt < maxRetries {
			if err := c.store.SetField(task.ID, state.FieldStatus, models.StatusPending); err != nil {
				return result, err
			}
			c.waitForLimit(ctx, task.ID, out)
		}
		retry = dctx
	}

	summary := "retry budget already exhausted"
	if final, _ := c.store.Snapshot(task.ID); len(final.Errors) > 0 {
		summary = summarize(final.Errors[len(final.Errors)-1])
	}
	note := fmt.Sprintf("failed after %d attempts: %s", attempt, summary)
	if err := c.finish(task.ID, models.StatusFailed); err != nil {
		return result, err
	}
	c.report(task.ID, false, note)

	result.Outcome = models.OutcomeFailed
	result.Attempts = attempt
	result.Duration = c.clock().Sub(start)
	result.CostUSD = c.cost(task.ID)
	result.Note = note
	return result, nil
}

// dryRun materializes the next attempt's prompt without executing it,
// touching the task source, or changing any state.
func (c *Controller) dryRun(task models.Task, attempt int, retry diagnosis.Context, start time.Time) (models.TaskResult, error) {
	prompt := BuildPrompt(task, attempt, c.cfg.MaxRetries, retry)
	if err := c.sink().WritePrompt(task.ID, attempt, prompt); err != nil {
		return models.TaskResult{Task: task}, fmt.Errorf("write dry-run prompt: %w", err)
	}
	return models.TaskResult{
		Task:     task,
		Outcome:  models.OutcomeDryRun,
		Attempts: attempt - 1,
		Duration: c.clock().Sub(start),
		CostUSD:  c.cost(task.ID),
		Note:     fmt.Sprintf("dry run: prompt for attempt %d written", attempt),
	}, nil
}

// waitForLimit blocks until a usage limit reported by the failed attempt
// resets, provided the reset falls within the waiter's bound. A cancelled
// ctx ends the wait early; the loop then stops before the next attempt.
func (c *Controller) waitForLimit(ctx context.Context, taskID string, out attemptOutcome) {
	if c.RateLimit == nil {
		return
	}
	var stderr string
	if out.exec != nil {
		stderr = out.exec.Stderr
	}
	info := ratelimit.Detect(c.clock(), stderr, out.resp.Result)
	if info == nil {
		return
	}
	if !c.RateLimit.ShouldWait(info) {
		c.logger().LogWarn(fmt.Sprintf("task %s: usage limit resets at %s, beyond the %s wait bound; retrying now",
			taskID, info.ResetAt.Format(time.RFC3339), c.RateLimit.MaxWait))
		return
	}
	c.logger().LogWarn(fmt.Sprintf("task %s: usage limit reached, waiting %s before the next attempt",
		taskID, c.RateLimit.TimeUntilResume(info).Round(time.Second)))
	if err := c.RateLimit.Wait(ctx, info); err != nil {
		c.logger().LogDebug(fmt.Sprintf("task %s: usage limit wait ended: %v", taskID, err))
	}
}

func (c *Controller) beginAttempt(taskID string, attempt int) error {
	if err := c.store.SetField(taskID, state.FieldAttempts, attempt); err != nil {
		return err
	}
	if err := c.store.SetField(taskID, state.FieldStatus, models.StatusRunning); err != nil {
		return err
	}
	return c.store.SetField(taskID, state.FieldStartedAt, c.clock())
}

func (c *Controller) execute(ctx context.Context, taskID string, attempt int, prompt string) attemptOutcome {
	begin := c.clock()
	exec, err := c.adapter.Execute(context.WithoutCancel(ctx), prompt, c.cfg.Timeout)
	out := attemptOutcome{exec: exec, execErr: err, duration: c.clock().Sub(begin)}
	if err != nil || exec == nil {
		if err == nil {
			out.execErr = fmt.Errorf("backend %s returned no execution", c.adapter.Name())
		}
		return out
	}
	if exec.Duration > 0 {
		out.duration = exec.Duration
	}
	out.resp = c.adapter.Parse(exec.Output)
	if err := c.sink().WriteResponse(taskID, attempt, exec.Output, out.resp.Result); err != nil {
		c.logger().LogWarn(fmt.Sprintf("task %s: %v", taskID, err))
	}
	return out
}

// accumulate adds the attempt's usage to the task's cumulative counters.
// Negative values reported by a backend are ignored so totals never shrink.
func (c *Controller) accumulate(taskID string, out attemptOutcome) error {
	snap, _ := c.store.Snapshot(taskID)
	updates := []struct {
		field state.Field
		value any
	}{
		{state.FieldDurationSecs, snap.DurationSecs + max(out.duration.Seconds(), 0)},
		{state.FieldCostUSD, snap.CostUSD + max(out.resp.CostUSD, 0)},
		{state.FieldInputTokens, snap.InputTokens + max(out.resp.TotalInput(), 0)},
		{state.FieldOutputTokens, snap.OutputTokens + max(out.resp.OutputTokens, 0)},
	}
	for _, u := range updates {
		if err := c.store.SetField(taskID, u.field, u.value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) finish(taskID string, status models.TaskStatus) error {
	if err := c.store.SetField(taskID, state.FieldStatus, status); err != nil {
		return err
	}
	return c.store.SetField(taskID, state.FieldFinishedAt, c.clock())
}

func (c *Controller) cost(taskID string) float64 {
	v, _ := c.store.GetField(taskID, state.FieldCostUSD).(float64)
	return v
}

// report writes back to the task source. The task source is a collaborator;
// a failed write is logged and the run continues.
func (c *Controller) report(taskID string, passed bool, note string) {
	var err error
	if passed {
		err = c.reporter.ReportPass(taskID, note)
	} else {
		err = c.reporter.ReportFail(taskID, note)
	}
	if err != nil {
		c.logger().LogWarn(fmt.Sprintf("task %s: report to task source failed: %v", taskID, err))
	}
}

func (c *Controller) record(ctx context.Context, task models.Task, attempt int, out attemptOutcome, failure *AttemptError, diag string) {
	if c.History == nil {
		return
	}
	row := &history.Attempt{
		RunID:        c.run.RunID,
		Project:      c.run.Project,
		TaskID:       task.ID,
		TaskTitle:    task.Title,
		Backend:      c.adapter.Name(),
		Attempt:      attempt,
		Success:      failure == nil,
		Diagnosis:    diag,
		DurationSecs: out.duration.Seconds(),
		CostUSD:      out.resp.CostUSD,
		InputTokens:  out.resp.TotalInput(),
		OutputTokens: out.resp.OutputTokens,
		NumTurns:     out.resp.NumTurns,
		Timestamp:    c.clock(),
	}
	if failure != nil {
		row.ErrorCode = string(CodeOf(failure))
		row.Reason = failure.Reason
	}
	if err := c.History.Record(context.WithoutCancel(ctx), row); err != nil {
		c.logger().LogWarn(fmt.Sprintf("task %s: record attempt history: %v", task.ID, err))
	}
}

// classify resolves a failed attempt to one code, testing timeout, then
// max turns, then empty result, then everything else.
func classify(out attemptOutcome, timeout time.Duration) (models.ErrorCode, string) {
	if out.execErr != nil {
		if IsTimeout(out.execErr) {
			return models.ErrorTimeout, fmt.Sprintf("backend call hit its deadline: %v", out.execErr)
		}
		return models.ErrorGeneric, fmt.Sprintf("backend could not run: %v", out.execErr)
	}
	exec, resp := out.exec, out.resp
	resultEmpty := strings.TrimSpace(resp.Result) == ""

	switch {
	case exec.TimedOut:
		return models.ErrorTimeout, fmt.Sprintf("timed out after %s; process tree killed", timeout)
	case backend.IsMaxTurns(resp.Subtype):
		return models.ErrorMaxTurns, fmt.Sprintf("turn budget exhausted after %d turns (subtype %q)", resp.NumTurns, resp.Subtype)
	case exec.ExitCode == 0 && resultEmpty:
		return models.ErrorEmptyResult, fmt.Sprintf("clean exit with empty result text (subtype %q)", resp.Subtype)
	}

	reason := fmt.Sprintf("exit code %d, is_error=%t, subtype=%q, empty result=%t",
		exec.ExitCode, resp.IsError, resp.Subtype, resultEmpty)
	if detail := firstLine(resp.Result); detail != "" {
		reason += ": " + detail
	} else if detail := firstLine(exec.Stderr); detail != "" {
		reason += ": " + detail
	}
	return models.ErrorGeneric, reason
}

func lastOutput(out attemptOutcome) string {
	if out.resp.Result != "" {
		return out.resp.Result
	}
	if out.exec != nil {
		return out.exec.Stderr
	}
	return ""
}

func failureLog(entry models.ErrorEntry, out attemptOutcome) FailureLog {
	fl := FailureLog{
		Entry:    entry,
		ExitCode: -1,
		IsError:  out.resp.IsError,
		Subtype:  out.resp.Subtype,
		NumTurns: out.resp.NumTurns,
	}
	if out.exec != nil {
		fl.ExitCode = out.exec.ExitCode
		fl.TimedOut = out.exec.TimedOut
		fl.Stderr = diagnosis.TailTruncate(out.exec.Stderr, diagnosis.DefaultOutputMaxChars)
	}
	return fl
}

// summarize prefers the first line of a real diagnosis over the raw reason.
func summarize(entry models.ErrorEntry) string {
	if entry.Diagnosis != "" && !diagnosis.IsPlaceholder(entry.Diagnosis) {
		if s := diagnosis.Summary(entry.Diagnosis); s != "" {
			return s
		}
	}
	if s := firstLine(entry.Reason); s != "" {
		return s
	}
	return string(entry.Code)
}

func attemptNote(attempt, maxRetries int, code models.ErrorCode, summary string) string {
	return fmt.Sprintf("attempt %d/%d failed (%s): %s", attempt, maxRetries, code, summary)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
