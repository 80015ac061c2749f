package tasksource

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	"github.com/harrison/ralph/internal/filelock"
)

// Reporter writes task results back into a task document.
type Reporter struct {
	path   string
	format Format
}

// NewReporter creates a Reporter for the document at path.
func NewReporter(path string) (*Reporter, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return &Reporter{path: path, format: format}, nil
}

// Path returns the document path.
func (r *Reporter) Path() string { return r.path }

// ReportPass marks the task as passing with the given note.
func (r *Reporter) ReportPass(taskID, note string) error {
	return r.report(taskID, true, note)
}

// ReportFail marks the task as not passing with the given note.
func (r *Reporter) ReportFail(taskID, note string) error {
	return r.report(taskID, false, note)
}

func (r *Reporter) report(taskID string, passes bool, note string) error {
	err := filelock.LockAndUpdate(r.path, func(content []byte) ([]byte, error) {
		switch r.format {
		case FormatJSON:
			return updateJSON(content, taskID, passes, note)
		case FormatYAML:
			return updateYAML(content, taskID, passes, note)
		}
		return nil, ErrUnsupportedFormat
	})
	if err != nil {
		return fmt.Errorf("failed to update task %s in %s: %w", taskID, r.path, err)
	}
	return nil
}

func updateJSON(content []byte, taskID string, passes bool, note string) ([]byte, error) {
	if !gjson.ValidBytes(content) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidDocument)
	}

	key := "userStories"
	if !gjson.GetBytes(content, key).Exists() {
		key = "tasks"
	}
	list := gjson.GetBytes(content, key)
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: %s array not found", ErrInvalidDocument, key)
	}

	index := -1
	for i, item := range list.Array() {
		if item.Get("id").String() == taskID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	prefix := key + "." + strconv.Itoa(index)
	updated, err := sjson.SetBytes(content, prefix+".passes", passes)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(updated, prefix+".notes", note)
}

func updateYAML(content []byte, taskID string, passes bool, note string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(content)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: missing document node", ErrInvalidDocument)
	}

	tasksNode := findMapValue(doc.Content[0], "tasks")
	if tasksNode == nil || tasksNode.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: tasks sequence not found", ErrInvalidDocument)
	}

	taskNode := findTaskNode(tasksNode, taskID)
	if taskNode == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	setMapScalar(taskNode, "passes", "!!bool", strconv.FormatBool(passes), 0)
	setMapScalar(taskNode, "notes", "!!str", note, yaml.DoubleQuotedStyle)

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode YAML document: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func findMapValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func findTaskNode(tasks *yaml.Node, taskID string) *yaml.Node {
	for _, item := range tasks.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		if id := findMapValue(item, "id"); id != nil && id.Value == taskID {
			return item
		}
	}
	return nil
}

func setMapScalar(mapping *yaml.Node, key, tag, value string, style yaml.Style) {
	if v := findMapValue(mapping, key); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = tag
		v.Style = style
		v.Value = value
		v.Content = nil
		return
	}

	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	valueNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Style: style, Value: value}
	mapping.Content = append(mapping.Content, keyNode, valueNode)
}
