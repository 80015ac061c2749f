package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/harrison/ralph/internal/backend"
	"github.com/harrison/ralph/internal/filelock"
	"github.com/harrison/ralph/internal/models"
	"github.com/harrison/ralph/internal/tasksource"
)

// ErrNoDocument indicates the backend reply held no JSON task document.
var ErrNoDocument = errors.New("backend reply contains no JSON task document")

// NewConvertCommand creates the 'ralph convert' command
func NewConvertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Turn a free-form requirements file into a task document",
		Long: `Ask the backend, in a single turn, to turn a free-form requirements file
(for example a markdown PRD) into a task document ralph can run.

The reply is validated like any task document before it is written. The
output format follows the output extension (.json, .yaml or .yml).

Examples:
  ralph convert prd.md prd.json
  ralph convert --backend gemini notes.txt tasks.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: runConvert,
	}

	addProjectFlags(cmd)
	cmd.Flags().String("backend", "", "Agent CLI to ask (default from config)")
	cmd.Flags().String("project", "", "Project name for the converted document")
	cmd.Flags().Bool("force", false, "Overwrite an existing output file")
	return cmd
}

// runConvert executes the convert command
func runConvert(cmd *cobra.Command, args []string) error {
	input, output := args[0], args[1]

	format := tasksource.DetectFormat(output)
	if format == tasksource.FormatUnknown {
		return fmt.Errorf("%w: %s", tasksource.ErrUnsupportedFormat, output)
	}
	if force, _ := cmd.Flags().GetBool("force"); !force {
		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("output file %s already exists (use --force to overwrite)", output)
		}
	}

	content, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	cfg, err := projectConfig(cmd)
	if err != nil {
		return err
	}
	name := cfg.Backend
	if cmd.Flags().Changed("backend") {
		name, _ = cmd.Flags().GetString("backend")
	}
	adapter, err := backend.New(name, backend.Options{
		Binary:     cfg.Binary,
		Model:      cfg.Model,
		AuxTimeout: cfg.Diagnosis.Timeout,
	})
	if err != nil {
		return err
	}

	project, _ := cmd.Flags().GetString("project")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Converting %s with %s...\n", input, adapter.Name())
	reply, err := adapter.ConvertOnce(ctx, ConversionPrompt(string(content), project))
	if err != nil {
		return fmt.Errorf("conversion failed: %w", err)
	}

	doc, err := DocumentFromReply(reply)
	if err != nil {
		return err
	}
	if project != "" {
		doc.Project = project
	}

	data, err := encodeDocument(doc, format)
	if err != nil {
		return err
	}
	// The run reporter rewrites this document under the same lock.
	if err := filelock.LockAndWrite(output, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d task(s) for %s to %s\n", len(doc.Tasks), doc.Project, output)
	return nil
}

// ConversionPrompt asks for a JSON task document describing requirements.
func ConversionPrompt(requirements, project string) string {
	var sb strings.Builder
	sb.WriteString("Convert the requirements below into a JSON task document. ")
	sb.WriteString("Reply with the JSON object only, no commentary.\n\n")
	sb.WriteString("Schema:\n")
	sb.WriteString(`{"project": string, "branchName": string, "description": string, "userStories": [` +
		`{"id": "US-001", "title": string, "description": string, "acceptanceCriteria": [string], ` +
		`"priority": number, "passes": false, "notes": ""}]}`)
	sb.WriteString("\n\nRules:\n")
	sb.WriteString("- One story per independently verifiable change, small enough for a single agent session.\n")
	sb.WriteString("- Number ids US-001, US-002, ... and set priority in dependency order, 1 first.\n")
	sb.WriteString("- Acceptance criteria must be checkable; include \"Typecheck passes\" where code changes.\n")
	sb.WriteString("- passes is always false and notes always empty.\n")
	if project != "" {
		fmt.Fprintf(&sb, "- Use %q as the project name.\n", project)
	}
	sb.WriteString("\nRequirements:\n\n")
	sb.WriteString(strings.TrimSpace(requirements))
	sb.WriteString("\n")
	return sb.String()
}

// DocumentFromReply extracts and validates the task document in a backend
// reply. Surrounding prose and markdown code fences are ignored.
func DocumentFromReply(reply string) (*models.TaskDocument, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end < start {
		return nil, ErrNoDocument
	}
	raw := reply[start : end+1]
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrNoDocument)
	}

	doc, err := tasksource.Parse([]byte(raw), tasksource.FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("converted document is invalid: %w", err)
	}
	for i := range doc.Tasks {
		doc.Tasks[i].Passes = false
	}
	return doc, nil
}

func encodeDocument(doc *models.TaskDocument, format tasksource.Format) ([]byte, error) {
	switch format {
	case tasksource.FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode task document: %w", err)
		}
		return append(data, '\n'), nil
	case tasksource.FormatYAML:
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode task document: %w", err)
		}
		return data, nil
	}
	return nil, tasksource.ErrUnsupportedFormat
}
