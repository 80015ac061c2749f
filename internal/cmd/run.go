package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/ralph/internal/backend"
	"github.com/harrison/ralph/internal/config"
	"github.com/harrison/ralph/internal/diagnosis"
	"github.com/harrison/ralph/internal/executor"
	"github.com/harrison/ralph/internal/filelock"
	"github.com/harrison/ralph/internal/history"
	"github.com/harrison/ralph/internal/logger"
	"github.com/harrison/ralph/internal/models"
	"github.com/harrison/ralph/internal/ratelimit"
	"github.com/harrison/ralph/internal/state"
	"github.com/harrison/ralph/internal/tasksource"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task-document>",
		Short: "Work through every pending task of a task document",
		Long: `Work through the tasks of a task document (JSON or YAML) in ascending
priority order, one at a time, by driving the configured agent CLI.

Tasks already marked as passing are skipped. Each remaining task gets up to
max-retries attempts; the outcome and a short note are written back to the
document. Progress is persisted to .ralph/state.json after every step.

Configuration precedence, lowest first: built-in defaults, .ralph/config.yaml
(or config.toml), RALPH_* environment variables, the document's config block,
explicit flags.

Exit status is 0 when every task passed, 1 on setup errors and 2 when a task
failed or the run was interrupted.

Examples:
  ralph run prd.json
  ralph run --resume prd.json               # Continue an interrupted run
  ralph run --dry-run prd.json              # Write prompts without executing
  ralph run --backend codex --max-retries 5 tasks.yaml
  ralph run --mode learning --timeout 45m prd.json`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	// Add flags
	cmd.Flags().String("config", "", "Path to config file (default: .ralph/config.yaml)")
	cmd.Flags().String("dir", ".", "Project directory the agent works in")
	cmd.Flags().Bool("resume", false, "Continue from the state file instead of starting fresh")
	cmd.Flags().Bool("dry-run", false, "Write each task's next prompt without invoking the backend")
	cmd.Flags().String("backend", "", "Agent CLI to drive ("+strings.Join(backend.Names(), ", ")+")")
	cmd.Flags().String("model", "", "Model passed through to the backend")
	cmd.Flags().Int("max-retries", 0, "Maximum attempts per task")
	cmd.Flags().String("timeout", "", "Per-attempt timeout (e.g., 30m, 1h, or 90 for seconds)")
	cmd.Flags().Int("max-turns", 0, "Per-attempt turn budget (0 = backend default)")
	cmd.Flags().String("mode", "", "Retry context mode (plain, learning)")
	cmd.Flags().String("log-dir", "", "Directory for log files")
	cmd.Flags().Bool("verbose", false, "Show attempt-level detail")
	cmd.Flags().Bool("no-history", false, "Do not record attempts in the history database")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	docPath := args[0]

	dirFlag, _ := cmd.Flags().GetString("dir")
	workDir, err := filepath.Abs(dirFlag)
	if err != nil {
		return fmt.Errorf("failed to resolve project directory: %w", err)
	}

	doc, err := tasksource.Load(docPath)
	if err != nil {
		return fmt.Errorf("failed to load task document: %w", err)
	}

	flags, err := flagOverrides(cmd)
	if err != nil {
		return err
	}
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Resolve(config.Sources{
		ConfigFile: configPath,
		Dir:        workDir,
		Document:   doc.Config,
		Flags:      flags,
	})
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = config.Rebase(cfg, workDir)
	if noHistory, _ := cmd.Flags().GetBool("no-history"); noHistory {
		cfg.History.Enabled = false
	}

	adapter, err := backend.New(cfg.Backend, backend.Options{
		Binary:           cfg.Binary,
		Model:            cfg.Model,
		WorkDir:          workDir,
		MaxTurns:         cfg.MaxTurns,
		DiagnoseMaxTurns: cfg.Diagnosis.MaxTurns,
		AuxTimeout:       cfg.Diagnosis.Timeout,
	})
	if err != nil {
		return err
	}

	consoleLog := logger.NewConsoleLogger(cmd.OutOrStdout(), cfg.LogLevel)
	loggers := []executor.Logger{consoleLog}

	// A dry run reads saved progress but never writes it, so it needs
	// neither the run lock nor a run log.
	resume := cfg.Resume
	var store *state.Store
	if cfg.DryRun {
		store = state.NewReadOnlyStore(cfg.StateFile, doc.Project)
		resume = true
	} else {
		lock, err := filelock.TryAcquire(cfg.StateFile)
		if err != nil {
			return fmt.Errorf("cannot start run: %w", err)
		}
		defer lock.Unlock()
		store = state.NewStore(cfg.StateFile, doc.Project)

		fileLog, err := logger.NewFileLoggerWithDirAndLevel(cfg.LogDir, cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to create file logger: %w", err)
		}
		defer fileLog.Close()
		loggers = append(loggers, fileLog)
	}
	multiLog := &multiLogger{loggers: loggers}

	reporter, err := tasksource.NewReporter(docPath)
	if err != nil {
		return fmt.Errorf("failed to open task document for write-back: %w", err)
	}

	ctrl, err := executor.NewController(adapter, store, reporter, executor.ControllerConfig{
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout,
		DryRun:     cfg.DryRun,
	})
	if err != nil {
		return fmt.Errorf("failed to create retry controller: %w", err)
	}
	ctrl.Builder = diagnosis.NewBuilder(diagnosis.Config{
		Mode:         diagnosis.Mode(cfg.Mode),
		DiffMaxLines: cfg.Diagnosis.DiffMaxLines,
	}, adapter, diagnosis.NewGitVCS(workDir))
	sink := executor.NewFileSink(cfg.ArtifactsDir)
	ctrl.Sink = sink
	ctrl.Logger = multiLog
	if cfg.RateLimit.Enabled && !cfg.DryRun {
		waiter := ratelimit.NewWaiter(cfg.RateLimit.MaxWait, cfg.RateLimit.SafetyBuffer)
		waiter.Interval = time.Minute
		waiter.OnTick = func(remaining time.Duration) {
			multiLog.LogInfo(fmt.Sprintf("Waiting for usage limit reset: %s remaining", remaining.Round(time.Second)))
		}
		ctrl.RateLimit = waiter
	}

	if cfg.History.Enabled && !cfg.DryRun {
		hist, err := history.NewStore(cfg.History.DBPath)
		if err != nil {
			multiLog.LogWarn(fmt.Sprintf("Attempt history disabled: %v", err))
		} else {
			defer hist.Close()
			ctrl.History = hist
		}
	}

	multiLog.LogDebug(fmt.Sprintf("Backend %s, max retries %d, timeout %s, mode %s",
		adapter.Name(), cfg.MaxRetries, cfg.Timeout, cfg.Mode))

	orch := executor.NewOrchestrator(ctrl, store, multiLog, resume)
	orch.HandleSignals = true

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := orch.Execute(ctx, doc)
	if err != nil {
		if executor.IsSetupError(err) {
			return err
		}
		return &ExitError{Code: result.ExitCode(), Err: fmt.Errorf("run stopped: %w", err)}
	}

	if code := result.ExitCode(); code != executor.ExitOK {
		return &ExitError{
			Code: code,
			Err:  fmt.Errorf("%d task(s) failed, %d not reached", result.Failed, result.Remaining),
		}
	}

	if cfg.DryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "\nPrompts written to: %s\n", sink.Dir())
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nAll tasks passed.\nLogs written to: %s\n", cfg.LogDir)
	return nil
}

// flagOverrides collects the explicitly set flags. Unset flags stay nil so
// they never mask lower configuration layers.
func flagOverrides(cmd *cobra.Command) (config.FlagOverrides, error) {
	var f config.FlagOverrides
	flags := cmd.Flags()

	if flags.Changed("backend") {
		v, _ := flags.GetString("backend")
		f.Backend = &v
	}
	if flags.Changed("model") {
		v, _ := flags.GetString("model")
		f.Model = &v
	}
	if flags.Changed("max-retries") {
		v, _ := flags.GetInt("max-retries")
		f.MaxRetries = &v
	}
	if flags.Changed("max-turns") {
		v, _ := flags.GetInt("max-turns")
		f.MaxTurns = &v
	}
	if flags.Changed("mode") {
		v, _ := flags.GetString("mode")
		f.Mode = &v
	}
	if flags.Changed("log-dir") {
		v, _ := flags.GetString("log-dir")
		f.LogDir = &v
	}
	if flags.Changed("timeout") {
		s, _ := flags.GetString("timeout")
		timeout, err := config.ParseDuration(s)
		if err != nil {
			return f, fmt.Errorf("invalid timeout format %q: %w", s, err)
		}
		f.Timeout = &timeout
	}
	if flags.Changed("dry-run") {
		v, _ := flags.GetBool("dry-run")
		f.DryRun = &v
	}
	if flags.Changed("resume") {
		v, _ := flags.GetBool("resume")
		f.Resume = &v
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		level := "debug"
		f.LogLevel = &level
	}
	return f, nil
}

// multiLogger implements executor.Logger by delegating to multiple loggers
type multiLogger struct {
	loggers []executor.Logger
}

func (ml *multiLogger) LogTrace(message string) {
	for _, l := range ml.loggers {
		l.LogTrace(message)
	}
}

func (ml *multiLogger) LogDebug(message string) {
	for _, l := range ml.loggers {
		l.LogDebug(message)
	}
}

func (ml *multiLogger) LogInfo(message string) {
	for _, l := range ml.loggers {
		l.LogInfo(message)
	}
}

func (ml *multiLogger) LogWarn(message string) {
	for _, l := range ml.loggers {
		l.LogWarn(message)
	}
}

func (ml *multiLogger) LogError(message string) {
	for _, l := range ml.loggers {
		l.LogError(message)
	}
}

// LogRunStart forwards to all loggers
func (ml *multiLogger) LogRunStart(project, runID string, total, pending int) {
	for _, l := range ml.loggers {
		l.LogRunStart(project, runID, total, pending)
	}
}

// LogTaskStart forwards to all loggers
func (ml *multiLogger) LogTaskStart(task models.Task, position, total int) {
	for _, l := range ml.loggers {
		l.LogTaskStart(task, position, total)
	}
}

// LogAttempt forwards to all loggers
func (ml *multiLogger) LogAttempt(task models.Task, attempt, maxRetries int) {
	for _, l := range ml.loggers {
		l.LogAttempt(task, attempt, maxRetries)
	}
}

// LogAttemptResult forwards to all loggers
func (ml *multiLogger) LogAttemptResult(task models.Task, result models.AttemptResult) {
	for _, l := range ml.loggers {
		l.LogAttemptResult(task, result)
	}
}

// LogTaskResult forwards to all loggers
func (ml *multiLogger) LogTaskResult(result models.TaskResult) error {
	var lastErr error
	for _, l := range ml.loggers {
		if err := l.LogTaskResult(result); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// LogSummary forwards to all loggers
func (ml *multiLogger) LogSummary(result models.ExecutionResult) {
	for _, l := range ml.loggers {
		l.LogSummary(result)
	}
}
