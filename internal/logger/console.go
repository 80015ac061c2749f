// Package logger provides logging implementations for ralph runs.
//
// ConsoleLogger writes a compact, optionally colored progress stream;
// FileLogger keeps a per-run log file plus one detailed log per task.
// Both implement executor.Logger and are safe for concurrent use.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/ralph/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs execution progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps for tracking execution flow.
// Color output is enabled only when the writer is a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal reports whether w is a TTY that should receive ANSI colors.
// NO_COLOR (via color.NoColor) disables colors even on a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return cl.writer != nil && logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) { cl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) { cl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) { cl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) { cl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) { cl.logWithLevel("ERROR", message) }

// logWithLevel writes "[HH:MM:SS] [LEVEL] <message>" if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}
	label := level
	if cl.colorOutput {
		label = levelColor(level).Sprint(level)
	}
	cl.write(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), label, message))
}

func levelColor(level string) *color.Color {
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack)
	case "DEBUG":
		return color.New(color.FgCyan)
	case "INFO":
		return color.New(color.FgBlue)
	case "WARN":
		return color.New(color.FgYellow)
	case "ERROR":
		return color.New(color.FgRed)
	}
	return color.New(color.Reset)
}

func (cl *ConsoleLogger) write(s string) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.writer.Write([]byte(s))
}

func (cl *ConsoleLogger) paint(c color.Attribute, s string) string {
	if !cl.colorOutput {
		return s
	}
	return color.New(c).Sprint(s)
}

// LogRunStart logs the run header at INFO level.
// Format: "[HH:MM:SS] Run <id> for <project>: <pending> of <total> tasks pending"
func (cl *ConsoleLogger) LogRunStart(project, runID string, total, pending int) {
	if !cl.shouldLog("info") {
		return
	}
	cl.write(fmt.Sprintf("[%s] Run %s for %s: %d of %d tasks pending\n",
		timestamp(), shortID(runID), cl.paint(color.Bold, project), pending, total))
}

// LogTaskStart logs the start of a task with queue progress at INFO level.
// Format: "[HH:MM:SS] [===   ] 2/5 (40%) Task <id>: <title>"
func (cl *ConsoleLogger) LogTaskStart(task models.Task, position, total int) {
	if !cl.shouldLog("info") {
		return
	}
	pb := NewProgressBar(total, 10, cl.colorOutput)
	pb.Update(position - 1)
	cl.write(fmt.Sprintf("[%s] %s Task %s\n", timestamp(), pb.Render(), cl.paint(color.Bold, task.Label())))
}

// LogAttempt logs the start of an attempt at DEBUG level.
func (cl *ConsoleLogger) LogAttempt(task models.Task, attempt, maxRetries int) {
	if !cl.shouldLog("debug") {
		return
	}
	cl.write(fmt.Sprintf("[%s]   attempt %d/%d for %s\n", timestamp(), attempt, maxRetries, task.ID))
}

// LogAttemptResult logs the outcome of one attempt. Failures are logged at
// WARN level, successes at DEBUG.
func (cl *ConsoleLogger) LogAttemptResult(task models.Task, result models.AttemptResult) {
	if result.Success {
		if !cl.shouldLog("debug") {
			return
		}
		cl.write(fmt.Sprintf("[%s]   attempt %d/%d %s (%s, $%.4f)\n", timestamp(),
			result.Attempt, result.MaxRetries, cl.paint(color.FgGreen, "passed"),
			formatDuration(result.Duration), result.Response.CostUSD))
		return
	}

	if !cl.shouldLog("warn") {
		return
	}
	line := fmt.Sprintf("[%s]   attempt %d/%d %s [%s] %s (%s)\n", timestamp(),
		result.Attempt, result.MaxRetries, cl.paint(color.FgYellow, "failed"),
		result.Code, firstLine(result.Reason), formatDuration(result.Duration))
	if result.Diagnosis != "" {
		line += fmt.Sprintf("[%s]     diagnosis: %s\n", timestamp(), firstLine(result.Diagnosis))
	}
	cl.write(line)
}

// LogTaskResult logs the terminal outcome of a task at INFO level.
// Format: "[HH:MM:SS] Task <id> (<title>): <OUTCOME> after N attempt(s)"
func (cl *ConsoleLogger) LogTaskResult(result models.TaskResult) error {
	if !cl.shouldLog("info") {
		return nil
	}

	var outcome string
	switch result.Outcome {
	case models.OutcomeSuccess:
		outcome = cl.paint(color.FgGreen, "PASSED")
	case models.OutcomeFailed:
		outcome = cl.paint(color.FgRed, "FAILED")
	case models.OutcomeDryRun:
		outcome = cl.paint(color.FgCyan, "DRY-RUN")
	default:
		outcome = string(result.Outcome)
	}

	message := fmt.Sprintf("[%s] Task %s (%s): %s after %d attempt(s) in %s\n",
		timestamp(), result.Task.ID, result.Task.Title, outcome, result.Attempts, formatDuration(result.Duration))
	if result.Outcome == models.OutcomeFailed && result.Note != "" {
		message += fmt.Sprintf("[%s]   %s\n", timestamp(), result.Note)
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	_, err := cl.writer.Write([]byte(message))
	return err
}

// LogSummary logs the run summary at INFO level.
func (cl *ConsoleLogger) LogSummary(result models.ExecutionResult) {
	if !cl.shouldLog("info") {
		return
	}

	ts := timestamp()
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s\n", ts, cl.paint(color.Bold, "=== Run Summary ==="))
	fmt.Fprintf(&sb, "[%s] Total tasks: %d\n", ts, result.TotalTasks)
	fmt.Fprintf(&sb, "[%s] Already passing: %d\n", ts, result.Skipped)
	fmt.Fprintf(&sb, "[%s] %s\n", ts, cl.paint(color.FgGreen, fmt.Sprintf("Passed: %d", result.Passed)))

	failed := fmt.Sprintf("Failed: %d", result.Failed)
	if result.Failed > 0 {
		failed = cl.paint(color.FgRed, failed)
	}
	fmt.Fprintf(&sb, "[%s] %s\n", ts, failed)
	if result.DryRun > 0 {
		fmt.Fprintf(&sb, "[%s] Dry-run: %d\n", ts, result.DryRun)
	}
	if result.Remaining > 0 {
		fmt.Fprintf(&sb, "[%s] %s\n", ts, cl.paint(color.FgYellow, fmt.Sprintf("Not reached: %d", result.Remaining)))
	}
	fmt.Fprintf(&sb, "[%s] Cost: $%.4f\n", ts, result.CostUSD)
	fmt.Fprintf(&sb, "[%s] Duration: %s\n", ts, formatDuration(result.Duration))

	if len(result.FailedTasks) > 0 {
		fmt.Fprintf(&sb, "[%s] %s\n", ts, cl.paint(color.FgRed, "Failed tasks:"))
		for _, ft := range result.FailedTasks {
			fmt.Fprintf(&sb, "[%s]   - %s: %s\n", ts, ft.Task.Label(), ft.Note)
		}
	}
	cl.write(sb.String())
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, remainder/time.Second)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, remainder/time.Second)
	default:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	}
}
