package models

import (
	"errors"
	"fmt"
	"strings"
)

// Task represents a single unit of work from the task document.
// The engine never mutates a Task; progress lives in TaskState.
type Task struct {
	ID                 string   `json:"id" yaml:"id"`
	Title              string   `json:"title" yaml:"title"`
	Description        string   `json:"description" yaml:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria" yaml:"acceptance_criteria"`
	Priority           int      `json:"priority" yaml:"priority"`
	Passes             bool     `json:"passes" yaml:"passes"` // Prior pass flag supplied by the document
	Notes              string   `json:"notes" yaml:"notes"`
}

// Validate checks if the task has all required fields
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("task %s: title is required", t.ID)
	}
	return nil
}

// Label returns "ID: Title" for log lines.
func (t *Task) Label() string {
	return fmt.Sprintf("%s: %s", t.ID, t.Title)
}

// DocumentConfig is the optional configuration block of a task document.
// Nil fields were not set and fall through to lower precedence layers.
type DocumentConfig struct {
	MaxRetries     *int    `json:"maxRetries,omitempty" yaml:"max_retries,omitempty"`
	TimeoutSeconds *int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxTurns       *int    `json:"maxTurns,omitempty" yaml:"max_turns,omitempty"`
	Backend        *string `json:"backend,omitempty" yaml:"backend,omitempty"`
}

// TaskDocument is the external task source: a project with an ordered task list.
type TaskDocument struct {
	Project     string          `json:"project" yaml:"project"`
	Branch      string          `json:"branchName,omitempty" yaml:"branch,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Config      *DocumentConfig `json:"config,omitempty" yaml:"config,omitempty"`
	Tasks       []Task          `json:"userStories" yaml:"tasks"`
	FilePath    string          `json:"-" yaml:"-"` // Original file path (for write-back)
}

// Validate checks document-level invariants: a project name, valid tasks and
// unique task identifiers.
func (d *TaskDocument) Validate() error {
	if strings.TrimSpace(d.Project) == "" {
		return errors.New("project is required")
	}
	seen := make(map[string]bool, len(d.Tasks))
	for i := range d.Tasks {
		if err := d.Tasks[i].Validate(); err != nil {
			return err
		}
		if seen[d.Tasks[i].ID] {
			return fmt.Errorf("duplicate task id %q", d.Tasks[i].ID)
		}
		seen[d.Tasks[i].ID] = true
	}
	return nil
}
