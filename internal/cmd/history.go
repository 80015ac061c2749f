package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/ralph/internal/diagnosis"
	"github.com/harrison/ralph/internal/history"
)

// NewHistoryCommand creates the 'ralph history' command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "Show recorded attempts from the history database",
		Long: `Display attempt history recorded across runs.

Without a task id a per-task summary is printed: attempts, successes,
cumulative cost and the code of the most recent attempt. With a task id
every recorded attempt of that task is listed, newest first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistory,
	}

	addProjectFlags(cmd)
	cmd.Flags().String("project", "", "Only show attempts of this project")
	cmd.Flags().Int("limit", 20, "Maximum attempts to list for a task (0 = all)")
	return cmd
}

// runHistory executes the history command
func runHistory(cmd *cobra.Command, args []string) error {
	output := cmd.OutOrStdout()

	cfg, err := projectConfig(cmd)
	if err != nil {
		return err
	}
	dbPath := cfg.History.DBPath

	// Check if database exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(output, "No attempt history found\n")
		fmt.Fprintf(output, "Database path: %s\n", dbPath)
		return nil
	}

	store, err := history.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	project, _ := cmd.Flags().GetString("project")

	if len(args) == 1 {
		limit, _ := cmd.Flags().GetInt("limit")
		attempts, err := store.List(cmd.Context(), history.Filter{Project: project, TaskID: args[0], Limit: limit})
		if err != nil {
			return fmt.Errorf("list attempts: %w", err)
		}
		if len(attempts) == 0 {
			fmt.Fprintf(output, "No attempts recorded for task %s\n", args[0])
			return nil
		}
		printAttempts(output, args[0], attempts)
		return nil
	}

	summaries, err := store.Summarize(cmd.Context(), project)
	if err != nil {
		return fmt.Errorf("summarize attempts: %w", err)
	}
	if project == "" {
		project = "all projects"
	}
	if len(summaries) == 0 {
		fmt.Fprintf(output, "No attempts recorded for %s\n", project)
		return nil
	}
	printSummaries(output, project, summaries)
	return nil
}

// printSummaries formats the per-task summary table
func printSummaries(w io.Writer, project string, summaries []history.TaskSummary) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	cyan.Fprintf(w, "\n=== Attempt History for %s ===\n\n", project)

	var attempts, successes int
	var cost float64
	for _, s := range summaries {
		attempts += s.Attempts
		successes += s.Successes
		cost += s.CostUSD

		fmt.Fprintf(w, "  %-12s attempts=%d ", s.TaskID, s.Attempts)
		if s.Successes > 0 {
			green.Fprintf(w, "successes=%d", s.Successes)
		} else {
			red.Fprintf(w, "successes=0")
		}
		fmt.Fprintf(w, " cost=$%.4f", s.CostUSD)
		if s.LastCode != "" {
			fmt.Fprintf(w, " last=%s", s.LastCode)
		} else {
			fmt.Fprintf(w, " last=success")
		}
		fmt.Fprintf(w, " seen=%s\n", s.LastSeen.Local().Format(time.DateTime))
	}

	fmt.Fprintf(w, "\n  Total attempts: %d (%d successful)\n", attempts, successes)
	fmt.Fprintf(w, "  Total cost: $%.4f\n", cost)
}

// printAttempts formats every recorded attempt of one task
func printAttempts(w io.Writer, taskID string, attempts []*history.Attempt) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	cyan.Fprintf(w, "\n=== Attempts of %s ===\n", taskID)
	for _, a := range attempts {
		fmt.Fprintf(w, "\n  %s run %s attempt %d (%s): ",
			a.Timestamp.Local().Format(time.DateTime), shortRunID(a.RunID), a.Attempt, a.Backend)
		if a.Success {
			green.Fprintf(w, "PASSED\n")
		} else {
			red.Fprintf(w, "FAILED (%s)\n", a.ErrorCode)
		}
		fmt.Fprintf(w, "    Duration: %.1fs, cost: $%.4f, turns: %d, tokens: %d in / %d out\n",
			a.DurationSecs, a.CostUSD, a.NumTurns, a.InputTokens, a.OutputTokens)
		if a.Reason != "" {
			fmt.Fprintf(w, "    Reason: %s\n", a.Reason)
		}
		if a.Diagnosis != "" {
			fmt.Fprintf(w, "    Diagnosis: %s\n", diagnosis.Summary(a.Diagnosis))
		}
	}
	fmt.Fprintf(w, "\n")
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
