package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/ralph/internal/config"
	"github.com/harrison/ralph/internal/models"
	"github.com/harrison/ralph/internal/state"
)

// NewStatusCommand creates the 'ralph status' command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [project]",
		Short: "Show saved progress from the state file",
		Long: `Display the progress recorded in the state file: per task status,
attempts used, cumulative cost and the most recent failure.

Without a project argument every project in the state file is shown.
The state file is only read, so status is safe to run next to a live run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStatus,
	}

	addProjectFlags(cmd)
	return cmd
}

// addProjectFlags registers the flags shared by read-only commands.
func addProjectFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to config file (default: .ralph/config.yaml)")
	cmd.Flags().String("dir", ".", "Project directory holding .ralph")
}

// projectConfig resolves configuration for read-only commands: defaults,
// config file and environment, with paths rebased on --dir.
func projectConfig(cmd *cobra.Command) (config.Config, error) {
	dirFlag, _ := cmd.Flags().GetString("dir")
	dir, err := filepath.Abs(dirFlag)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Resolve(config.Sources{ConfigFile: configPath, Dir: dir})
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return config.Rebase(cfg, dir), nil
}

// runStatus executes the status command
func runStatus(cmd *cobra.Command, args []string) error {
	output := cmd.OutOrStdout()

	cfg, err := projectConfig(cmd)
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.StateFile); os.IsNotExist(err) {
		fmt.Fprintf(output, "No state file found at %s\n", cfg.StateFile)
		return nil
	}

	runs, err := state.Load(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}

	projects := make([]string, 0, len(runs))
	for name := range runs {
		if len(args) == 1 && name != args[0] {
			continue
		}
		projects = append(projects, name)
	}
	sort.Strings(projects)

	if len(projects) == 0 {
		if len(args) == 1 {
			return fmt.Errorf("project %q not found in %s", args[0], cfg.StateFile)
		}
		fmt.Fprintf(output, "State file %s holds no projects\n", cfg.StateFile)
		return nil
	}

	for _, name := range projects {
		printRunState(output, runs[name])
	}
	return nil
}

// printRunState formats one project's saved progress
func printRunState(w io.Writer, run *models.RunState) {
	cyan := color.New(color.FgCyan, color.Bold)

	cyan.Fprintf(w, "\n=== %s ===\n", run.Project)
	fmt.Fprintf(w, "  Run: %s\n", run.RunID)
	if run.Branch != "" {
		fmt.Fprintf(w, "  Branch: %s\n", run.Branch)
	}
	fmt.Fprintf(w, "  Started: %s\n", run.StartedAt.Local().Format(time.DateTime))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, "  Finished: %s\n", run.FinishedAt.Local().Format(time.DateTime))
	} else {
		fmt.Fprintf(w, "  Finished: -\n")
	}

	counts := run.Counts()
	fmt.Fprintf(w, "  Tasks: %d (", len(run.Tasks))
	statusColor(models.StatusSuccess).Fprintf(w, "%d success", counts[models.StatusSuccess])
	fmt.Fprintf(w, ", ")
	statusColor(models.StatusFailed).Fprintf(w, "%d failed", counts[models.StatusFailed])
	fmt.Fprintf(w, ", %d pending", counts[models.StatusPending])
	if counts[models.StatusRunning] > 0 {
		fmt.Fprintf(w, ", ")
		statusColor(models.StatusRunning).Fprintf(w, "%d running", counts[models.StatusRunning])
	}
	fmt.Fprintf(w, ")\n\n")

	ids := make([]string, 0, len(run.Tasks))
	for id := range run.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var total float64
	for _, id := range ids {
		ts := run.Tasks[id]
		total += ts.CostUSD

		fmt.Fprintf(w, "  %-12s ", id)
		statusColor(ts.Status).Fprintf(w, "%-8s", ts.Status)
		fmt.Fprintf(w, " attempts=%d cost=$%.4f", ts.Attempts, ts.CostUSD)
		if n := len(ts.Errors); n > 0 {
			last := ts.Errors[n-1]
			fmt.Fprintf(w, " last_error=%s", last.Code)
		}
		fmt.Fprintf(w, "\n")
	}
	fmt.Fprintf(w, "\n  Total cost: $%.4f\n", total)
}

// statusColor picks the display color for a task status
func statusColor(status models.TaskStatus) *color.Color {
	switch status {
	case models.StatusSuccess:
		return color.New(color.FgGreen)
	case models.StatusFailed:
		return color.New(color.FgRed)
	case models.StatusRunning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}
