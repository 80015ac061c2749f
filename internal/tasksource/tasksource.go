// Package tasksource reads task documents and writes per-task results back
// into them.
//
// Two formats are supported, chosen by file extension:
//
//   - JSON (.json): {"project", "branchName", "description", "config",
//     "userStories": [...]}. "tasks" is accepted in place of "userStories".
//   - YAML (.yaml, .yml): {project, branch, description, config, tasks: [...]}.
//
// Write-back only touches the "passes" and "notes" fields of one task. JSON is
// edited in place with sjson so every other byte of the document survives;
// YAML is edited at the node level so comments and key order survive.
package tasksource

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/harrison/ralph/internal/models"
)

// Format identifies a task document encoding.
type Format int

// Supported formats.
const (
	FormatUnknown Format = iota
	FormatJSON
	FormatYAML
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

var (
	// ErrUnsupportedFormat indicates the document extension is not recognised.
	ErrUnsupportedFormat = errors.New("tasksource: unsupported document format")
	// ErrInvalidDocument indicates the document cannot be parsed or is missing required structure.
	ErrInvalidDocument = errors.New("tasksource: invalid task document")
	// ErrTaskNotFound indicates the task id is not present in the document.
	ErrTaskNotFound = errors.New("tasksource: task not found")
)

// DetectFormat determines the document format from its extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatUnknown
	}
}

// Load reads and validates a task document.
func Load(path string) (*models.TaskDocument, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task document: %w", err)
	}

	doc, err := Parse(content, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.FilePath = path
	return doc, nil
}

// Parse decodes document content in the given format.
func Parse(content []byte, format Format) (*models.TaskDocument, error) {
	var doc models.TaskDocument
	switch format {
	case FormatJSON:
		if !gjson.ValidBytes(content) {
			return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidDocument)
		}
		if err := json.Unmarshal(content, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		if !gjson.GetBytes(content, "userStories").Exists() {
			tasks := gjson.GetBytes(content, "tasks")
			if tasks.IsArray() {
				if err := json.Unmarshal([]byte(tasks.Raw), &doc.Tasks); err != nil {
					return nil, fmt.Errorf("%w: tasks: %v", ErrInvalidDocument, err)
				}
			}
		}
	case FormatYAML:
		if err := yaml.NewDecoder(bytes.NewReader(content)).Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	default:
		return nil, ErrUnsupportedFormat
	}

	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// SortByPriority returns the tasks ordered by ascending priority. Ties keep
// their document order.
func SortByPriority(tasks []models.Task) []models.Task {
	sorted := make([]models.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted
}
