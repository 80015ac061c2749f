package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/harrison/ralph/internal/models"
)

// Artifact file names inside an attempt directory.
const (
	ArtifactPrompt   = "prompt.md"
	ArtifactResponse = "response.raw"
	ArtifactResult   = "result.txt"
	ArtifactFailure  = "failure.json"
	ArtifactDiff     = "diff.patch"
)

// Sink receives the diagnostic exhaust of each attempt. Nothing written to
// a sink is read back by the engine.
type Sink interface {
	Begin(runID string)
	WritePrompt(taskID string, attempt int, prompt string) error
	WriteResponse(taskID string, attempt int, raw []byte, result string) error
	WriteFailure(taskID string, attempt int, failure FailureLog, diff string) error
}

// FailureLog is the structured record written for a failed attempt.
type FailureLog struct {
	Entry    models.ErrorEntry `json:"entry"`
	ExitCode int               `json:"exit_code"`
	TimedOut bool              `json:"timed_out"`
	IsError  bool              `json:"is_error"`
	Subtype  string            `json:"subtype"`
	NumTurns int               `json:"num_turns"`
	Stderr   string            `json:"stderr,omitempty"`
}

// FileSink writes artifacts to <root>/<runID>/<task>/attempt-N/.
type FileSink struct {
	root string
	dir  string
}

// NewFileSink creates a FileSink under root. Until Begin is called the
// artifacts land in <root>/unassigned. Directories are created lazily.
func NewFileSink(root string) *FileSink {
	return &FileSink{root: root, dir: filepath.Join(root, "unassigned")}
}

// Begin implements Sink by selecting the run's directory.
func (s *FileSink) Begin(runID string) {
	if runID != "" {
		s.dir = filepath.Join(s.root, runID)
	}
}

// Dir returns the run's artifact directory.
func (s *FileSink) Dir() string {
	return s.dir
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// AttemptDir returns the directory holding one attempt's artifacts.
func (s *FileSink) AttemptDir(taskID string, attempt int) string {
	name := unsafePathChars.ReplaceAllString(taskID, "_")
	if name == "" || name == "." || name == ".." {
		name = "task"
	}
	return filepath.Join(s.dir, name, fmt.Sprintf("attempt-%d", attempt))
}

// WritePrompt implements Sink.
func (s *FileSink) WritePrompt(taskID string, attempt int, prompt string) error {
	return s.write(taskID, attempt, ArtifactPrompt, []byte(prompt))
}

// WriteResponse implements Sink.
func (s *FileSink) WriteResponse(taskID string, attempt int, raw []byte, result string) error {
	if err := s.write(taskID, attempt, ArtifactResponse, raw); err != nil {
		return err
	}
	return s.write(taskID, attempt, ArtifactResult, []byte(result))
}

// WriteFailure implements Sink. The diff is only written when non-empty.
func (s *FileSink) WriteFailure(taskID string, attempt int, failure FailureLog, diff string) error {
	data, err := json.MarshalIndent(failure, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal failure log: %w", err)
	}
	if err := s.write(taskID, attempt, ArtifactFailure, append(data, '\n')); err != nil {
		return err
	}
	if diff == "" {
		return nil
	}
	return s.write(taskID, attempt, ArtifactDiff, []byte(diff+"\n"))
}

func (s *FileSink) write(taskID string, attempt int, name string, data []byte) error {
	dir := s.AttemptDir(taskID, attempt)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return nil
}

// NopSink discards all artifacts.
type NopSink struct{}

func (NopSink) Begin(string)                                       {}
func (NopSink) WritePrompt(string, int, string) error              { return nil }
func (NopSink) WriteResponse(string, int, []byte, string) error    { return nil }
func (NopSink) WriteFailure(string, int, FailureLog, string) error { return nil }
