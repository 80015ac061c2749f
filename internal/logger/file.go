package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harrison/ralph/internal/models"
)

// FileLogger logs run events to files under the configured log directory.
// It creates timestamped per-run log files, per-task detailed logs,
// and maintains a latest.log symlink pointing to the most recent run.
// It is thread-safe and implements the executor.Logger interface.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	tasksDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLoggerWithDir creates a new FileLogger with a custom log directory.
// Uses default log level "info".
func NewFileLoggerWithDir(logDir string) (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(logDir, "info")
}

// NewFileLoggerWithDirAndLevel creates a new FileLogger with a custom log directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	tasksDir := filepath.Join(logDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	logger := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		tasksDir: tasksDir,
		logLevel: normalizeLogLevel(logLevel),
	}

	logger.writeRunLog("=== Ralph Run Log ===\n")
	logger.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return logger, nil
}

// RunFile returns the path of the current run log.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// shouldLog checks if a message at the given level should be logged.
func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) {
	fl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.logWithLevel("ERROR", message)
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogRunStart records the run identity at INFO level.
func (fl *FileLogger) LogRunStart(project, runID string, total, pending int) {
	if !fl.shouldLog("info") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] Run %s for %s: %d of %d tasks pending\n", timestamp(), runID, project, pending, total))
}

// LogTaskStart records the start of a task at INFO level.
func (fl *FileLogger) LogTaskStart(task models.Task, position, total int) {
	if !fl.shouldLog("info") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] Task %d/%d started: %s\n", timestamp(), position, total, task.Label()))
}

// LogAttempt records the start of an attempt at DEBUG level.
func (fl *FileLogger) LogAttempt(task models.Task, attempt, maxRetries int) {
	if !fl.shouldLog("debug") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] Task %s: attempt %d/%d\n", timestamp(), task.ID, attempt, maxRetries))
}

// LogAttemptResult writes one line to the run log and appends the full
// attempt record to the task's detailed log. The detailed log is written
// regardless of level.
func (fl *FileLogger) LogAttemptResult(task models.Task, result models.AttemptResult) {
	if result.Success {
		if fl.shouldLog("debug") {
			fl.writeRunLog(fmt.Sprintf("[%s] Task %s: attempt %d/%d passed (%.1fs, $%.4f)\n",
				timestamp(), task.ID, result.Attempt, result.MaxRetries, result.Duration.Seconds(), result.Response.CostUSD))
		}
	} else if fl.shouldLog("warn") {
		fl.writeRunLog(fmt.Sprintf("[%s] Task %s: attempt %d/%d failed [%s] %s\n",
			timestamp(), task.ID, result.Attempt, result.MaxRetries, result.Code, firstLine(result.Reason)))
	}

	var sb strings.Builder
	status := "PASSED"
	if !result.Success {
		status = fmt.Sprintf("FAILED (%s)", result.Code)
	}
	fmt.Fprintf(&sb, "#### Attempt %d/%d - %s\n", result.Attempt, result.MaxRetries, status)
	fmt.Fprintf(&sb, "Finished at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Duration: %.1fs\n", result.Duration.Seconds())
	fmt.Fprintf(&sb, "Cost: $%.4f\n", result.Response.CostUSD)
	fmt.Fprintf(&sb, "Turns: %d\n", result.Response.NumTurns)
	fmt.Fprintf(&sb, "Tokens: %d in / %d out\n\n", result.Response.TotalInput(), result.Response.OutputTokens)
	if result.Reason != "" {
		fmt.Fprintf(&sb, "Reason:\n%s\n\n", result.Reason)
	}
	if result.Diagnosis != "" {
		fmt.Fprintf(&sb, "Diagnosis:\n%s\n\n", result.Diagnosis)
	}
	if result.Response.Result != "" {
		fmt.Fprintf(&sb, "Output:\n%s\n\n", result.Response.Result)
	}

	if err := fl.appendTaskLog(task, sb.String()); err != nil {
		fl.writeRunLog(fmt.Sprintf("[%s] [WARN] %v\n", timestamp(), err))
	}
}

// LogTaskResult records the terminal outcome in the run log and closes the
// task's detailed log with a summary block.
func (fl *FileLogger) LogTaskResult(result models.TaskResult) error {
	if fl.shouldLog("info") {
		fl.writeRunLog(fmt.Sprintf("[%s] Task %s: %s after %d attempt(s) in %.1fs\n",
			timestamp(), result.Task.ID, result.Outcome, result.Attempts, result.Duration.Seconds()))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Result: %s ===\n", result.Outcome)
	fmt.Fprintf(&sb, "Attempts: %d\n", result.Attempts)
	fmt.Fprintf(&sb, "Duration: %.1fs\n", result.Duration.Seconds())
	fmt.Fprintf(&sb, "Cumulative cost: $%.4f\n", result.CostUSD)
	if result.Note != "" {
		fmt.Fprintf(&sb, "Note: %s\n", result.Note)
	}
	fmt.Fprintf(&sb, "Completed at: %s\n\n", time.Now().Format(time.RFC3339))

	return fl.appendTaskLog(result.Task, sb.String())
}

// LogSummary logs the run summary at INFO level.
func (fl *FileLogger) LogSummary(result models.ExecutionResult) {
	if !fl.shouldLog("info") {
		return
	}

	var sb strings.Builder
	sb.WriteString("\n=== Run Summary ===\n")
	fmt.Fprintf(&sb, "Run ID: %s\n", result.RunID)
	fmt.Fprintf(&sb, "Project: %s\n", result.Project)
	fmt.Fprintf(&sb, "Total tasks: %d\n", result.TotalTasks)
	fmt.Fprintf(&sb, "Already passing: %d\n", result.Skipped)
	fmt.Fprintf(&sb, "Passed: %d\n", result.Passed)
	fmt.Fprintf(&sb, "Failed: %d\n", result.Failed)
	fmt.Fprintf(&sb, "Dry-run: %d\n", result.DryRun)
	fmt.Fprintf(&sb, "Not reached: %d\n", result.Remaining)
	fmt.Fprintf(&sb, "Cost: $%.4f\n", result.CostUSD)
	fmt.Fprintf(&sb, "Duration: %.1fs\n", result.Duration.Seconds())
	for _, ft := range result.FailedTasks {
		fmt.Fprintf(&sb, "  - %s: %s\n", ft.Task.Label(), ft.Note)
	}
	fmt.Fprintf(&sb, "Completed at: %s\n", time.Now().Format(time.RFC3339))

	fl.writeRunLog(sb.String())
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog == nil {
		return nil
	}
	if err := fl.runLog.Sync(); err != nil {
		return fmt.Errorf("failed to sync run log: %w", err)
	}
	err := fl.runLog.Close()
	fl.runLog = nil
	return err
}

// writeRunLog writes a message to the run log file with immediate sync.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog == nil {
		return
	}
	fl.runLog.WriteString(message)
	fl.runLog.Sync()
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// TaskLogPath returns the detailed log path for a task id.
func (fl *FileLogger) TaskLogPath(taskID string) string {
	name := unsafeFileChars.ReplaceAllString(taskID, "_")
	if name == "" || name == "." || name == ".." {
		name = "task"
	}
	return filepath.Join(fl.tasksDir, fmt.Sprintf("task-%s.log", name))
}

func (fl *FileLogger) appendTaskLog(task models.Task, content string) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	path := fl.TaskLogPath(task.ID)
	_, statErr := os.Stat(path)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open task log file: %w", err)
	}
	defer file.Close()

	if os.IsNotExist(statErr) {
		content = fmt.Sprintf("=== Task %s ===\n\n", task.Label()) + content
	}
	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("failed to write task log: %w", err)
	}
	return nil
}
