package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/ralph/internal/executor"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for ralph
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ralph",
		Short: "Crash-safe, retrying task runner for coding agents",
		Long: `Ralph works through a task document one task at a time by driving an
external coding agent CLI (claude, codex or gemini).

Each task gets a bounded number of attempts. Failed attempts are classified,
optionally diagnosed, and fed back into the next prompt. Progress is persisted
after every step so an interrupted run can be resumed with --resume.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text; main prints the error
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewHistoryCommand())
	cmd.AddCommand(NewConvertCommand())

	return cmd
}

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by a command to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return executor.ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return executor.ExitSetupError
}
