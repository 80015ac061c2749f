package executor

import (
	"fmt"
	"strings"

	"github.com/harrison/ralph/internal/diagnosis"
	"github.com/harrison/ralph/internal/models"
)

// BasePrompt renders the task as the agent sees it on the first attempt:
// title, description, numbered acceptance criteria and the instruction to
// verify every criterion before finishing.
func BasePrompt(task models.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Task %s: %s\n\n", task.ID, task.Title)

	if desc := strings.TrimSpace(task.Description); desc != "" {
		sb.WriteString(desc)
		sb.WriteString("\n\n")
	}

	if len(task.AcceptanceCriteria) > 0 {
		sb.WriteString("## Acceptance criteria\n\n")
		for i, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.TrimSpace(c))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Before you finish\n\n")
	sb.WriteString("Verify every acceptance criterion above against the working tree. ")
	sb.WriteString("Do not report completion until each one holds; if one cannot be met, say which and why.\n")
	return sb.String()
}

// BuildPrompt returns the full prompt for an attempt. From the second
// attempt on, the most recent retry context is appended.
func BuildPrompt(task models.Task, attempt, maxRetries int, retry diagnosis.Context) string {
	base := BasePrompt(task)
	if attempt <= 1 || retry.Empty() {
		return base
	}
	return base + "\n" + retry.Render(attempt, maxRetries)
}

// retryFromHistory rebuilds the retry context from the last recorded error,
// so a resumed task carries forward what the previous run learned.
func retryFromHistory(errs []models.ErrorEntry) diagnosis.Context {
	if len(errs) == 0 {
		return diagnosis.Context{}
	}
	last := errs[len(errs)-1]
	return diagnosis.Context{Reason: last.Reason, Diagnosis: last.Diagnosis}
}
