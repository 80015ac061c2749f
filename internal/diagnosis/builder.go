// Package diagnosis turns a failed attempt into context for the next one.
//
// In plain mode the context is the raw failure reason. In learning mode the
// builder also captures the bounded change-set left by the attempt and asks
// the backend for a short structured diagnosis. A failed diagnosis call is
// replaced by a placeholder; it never blocks the retry loop.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harrison/ralph/internal/models"
)

// Mode selects how retry context is built.
type Mode string

// Retry context modes.
const (
	ModePlain    Mode = "plain"
	ModeLearning Mode = "learning"
)

// Defaults for the bounded context.
const (
	DefaultDiffMaxLines   = 200
	DefaultReasonMaxChars = 2000
	DefaultOutputMaxChars = 3000
)

// ErrDiagnosisUnavailable marks a context whose auxiliary diagnosis failed.
var ErrDiagnosisUnavailable = errors.New("diagnosis unavailable")

// Diagnoser is the slice of a backend adapter the builder needs.
type Diagnoser interface {
	DiagnoseOnce(ctx context.Context, prompt string) (string, error)
}

// Config bounds the context produced by the builder.
type Config struct {
	Mode           Mode
	DiffMaxLines   int
	ReasonMaxChars int
	OutputMaxChars int
}

// DefaultConfig returns plain mode with the default bounds.
func DefaultConfig() Config {
	return Config{
		Mode:           ModePlain,
		DiffMaxLines:   DefaultDiffMaxLines,
		ReasonMaxChars: DefaultReasonMaxChars,
		OutputMaxChars: DefaultOutputMaxChars,
	}
}

// Failure describes one failed attempt.
type Failure struct {
	Task       models.Task
	Attempt    int
	Reason     string
	LastOutput string
	Revision   string // Recorded before the attempt; empty outside learning mode
}

// Context is the retry context carried into the next attempt. Only the most
// recent attempt's context is ever kept.
type Context struct {
	Reason      string
	Diagnosis   string
	Diff        string // Bounded change-set, possibly annotated as truncated
	DiffLines   int    // True line count before bounding
	Unavailable bool   // Auxiliary diagnosis failed; Diagnosis holds a placeholder
	Err         error  // Why diagnosis or diff capture failed, if it did
}

// Empty reports whether there is nothing to carry forward.
func (c Context) Empty() bool {
	return c.Reason == "" && c.Diagnosis == "" && c.Diff == ""
}

// Builder produces retry context.
type Builder struct {
	cfg       Config
	diagnoser Diagnoser
	vcs       VCS
}

// NewBuilder creates a Builder. diagnoser and vcs are only used in learning
// mode and may be nil otherwise.
func NewBuilder(cfg Config, diagnoser Diagnoser, vcs VCS) *Builder {
	if cfg.Mode == "" {
		cfg.Mode = ModePlain
	}
	if cfg.DiffMaxLines <= 0 {
		cfg.DiffMaxLines = DefaultDiffMaxLines
	}
	if cfg.ReasonMaxChars <= 0 {
		cfg.ReasonMaxChars = DefaultReasonMaxChars
	}
	if cfg.OutputMaxChars <= 0 {
		cfg.OutputMaxChars = DefaultOutputMaxChars
	}
	return &Builder{cfg: cfg, diagnoser: diagnoser, vcs: vcs}
}

// Learning reports whether the builder runs in learning mode.
func (b *Builder) Learning() bool {
	return b.cfg.Mode == ModeLearning && b.vcs != nil
}

// Checkpoint records the revision an attempt starts from. Outside learning
// mode, or when the revision cannot be read, it returns "".
func (b *Builder) Checkpoint(ctx context.Context) string {
	if !b.Learning() {
		return ""
	}
	rev, err := b.vcs.Revision(ctx)
	if err != nil {
		return ""
	}
	return rev
}

// Build produces the retry context for a failed attempt.
func (b *Builder) Build(ctx context.Context, f Failure) Context {
	out := Context{Reason: f.Reason}
	if b.cfg.Mode != ModeLearning {
		return out
	}

	var errs []error
	if b.vcs != nil && f.Revision != "" {
		diff, err := b.vcs.Diff(ctx, f.Revision)
		if err != nil {
			errs = append(errs, err)
		} else {
			out.Diff, out.DiffLines = BoundDiff(diff, b.cfg.DiffMaxLines)
		}
	}

	if b.diagnoser == nil {
		out.Unavailable = true
		out.Diagnosis = placeholder(errors.New("no diagnoser configured"))
		errs = append(errs, ErrDiagnosisUnavailable)
	} else {
		text, err := b.diagnoser.DiagnoseOnce(ctx, b.prompt(f))
		text = strings.TrimSpace(text)
		switch {
		case err != nil:
			out.Unavailable = true
			out.Diagnosis = placeholder(err)
			errs = append(errs, fmt.Errorf("%w: %v", ErrDiagnosisUnavailable, err))
		case text == "":
			out.Unavailable = true
			out.Diagnosis = placeholder(errors.New("empty diagnosis"))
			errs = append(errs, ErrDiagnosisUnavailable)
		default:
			out.Diagnosis = text
		}
	}

	out.Err = errors.Join(errs...)
	return out
}

const placeholderPrefix = "diagnosis unavailable: "

func placeholder(err error) string {
	return placeholderPrefix + err.Error()
}

// IsPlaceholder reports whether text is the stand-in for a failed diagnosis.
func IsPlaceholder(text string) bool {
	return strings.HasPrefix(text, placeholderPrefix)
}

func (b *Builder) prompt(f Failure) string {
	var sb strings.Builder
	sb.WriteString("An autonomous coding agent failed to complete the task below. ")
	sb.WriteString("Diagnose why, briefly. Do not modify any files.\n\n")

	fmt.Fprintf(&sb, "## Task\n%s\n\n%s\n\n", f.Task.Title, strings.TrimSpace(f.Task.Description))
	if len(f.Task.AcceptanceCriteria) > 0 {
		sb.WriteString("## Acceptance criteria\n")
		for i, c := range f.Task.AcceptanceCriteria {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "## Failure reason (attempt %d)\n%s\n\n", f.Attempt, TailTruncate(f.Reason, b.cfg.ReasonMaxChars))
	if out := strings.TrimSpace(f.LastOutput); out != "" {
		fmt.Fprintf(&sb, "## Agent's last output\n%s\n\n", TailTruncate(out, b.cfg.OutputMaxChars))
	}

	sb.WriteString("Answer in at most 12 lines using exactly these headings:\n")
	sb.WriteString("ROOT CAUSE: <one sentence>\n")
	sb.WriteString("UNMET CRITERIA: <criterion numbers and why>\n")
	sb.WriteString("AVOID: <what the next attempt must not repeat>\n")
	sb.WriteString("TRY INSTEAD: <concrete alternative approach>\n")
	return sb.String()
}

// Render formats the context as the retry block appended to the next prompt.
func (c Context) Render(attempt, maxAttempts int) string {
	if c.Empty() {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Retry context (attempt %d of %d)\n\n", attempt, maxAttempts)
	sb.WriteString("The previous attempt failed. Do not repeat the same approach.\n\n")

	if c.Diagnosis != "" {
		fmt.Fprintf(&sb, "### Diagnosis of the previous attempt\n%s\n\n", c.Diagnosis)
	}
	if c.Reason != "" {
		fmt.Fprintf(&sb, "### Failure reason\n%s\n\n", c.Reason)
	}
	if c.Diff != "" {
		fmt.Fprintf(&sb, "### Changes left by the previous attempt\n```diff\n%s\n```\n", strings.TrimRight(c.Diff, "\n"))
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// BoundDiff keeps at most maxLines lines of diff. When lines are dropped the
// result ends with a note stating the true total, so context loss is visible.
// It returns the bounded text and the original line count.
func BoundDiff(diff string, maxLines int) (string, int) {
	trimmed := strings.TrimRight(diff, "\n")
	if trimmed == "" {
		return "", 0
	}
	lines := strings.Split(trimmed, "\n")
	total := len(lines)
	if maxLines <= 0 || total <= maxLines {
		return trimmed, total
	}
	head := strings.Join(lines[:maxLines], "\n")
	return fmt.Sprintf("%s\n... [diff truncated: showing %d of %d lines]", head, maxLines, total), total
}

// TailTruncate keeps at most the last maxChars bytes of s, where failures
// usually surface, and marks the cut. The cut never splits a UTF-8 sequence.
func TailTruncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := len(s) - maxChars
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "...[truncated]..." + s[cut:]
}
