// Package backend adapts external agent CLIs to one contract.
//
// Every backend implements Adapter: Execute runs a full agent turn budget
// against the working tree, ConvertOnce and DiagnoseOnce are short auxiliary
// calls, and Parse normalizes the backend's own response schema into a
// models.NormalizedResponse. Adapters hold no mutable state; each call spawns
// its own process and nothing is written to disk by the adapter itself.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harrison/ralph/internal/models"
)

// Subtypes produced by the adapters themselves rather than the backend.
const (
	SubtypeUnparseable = "unparseable"
	SubtypeEmptyResult = "empty_result"
)

var (
	// ErrUnknownBackend indicates a backend name with no registered adapter.
	ErrUnknownBackend = errors.New("backend: unknown backend")
	// ErrAuxiliaryFailed indicates a ConvertOnce/DiagnoseOnce call produced no usable text.
	ErrAuxiliaryFailed = errors.New("backend: auxiliary call failed")
)

// Adapter is the capability set every agent backend provides.
type Adapter interface {
	// Name returns the backend's registry name.
	Name() string

	// Execute runs prompt with the full turn budget. The timeout is enforced
	// by killing the whole process tree; a killed run reports TimedOut rather
	// than an error. An error is returned only when the process cannot run.
	Execute(ctx context.Context, prompt string, timeout time.Duration) (*Execution, error)

	// ConvertOnce runs prompt as a single-turn call and returns the result text.
	ConvertOnce(ctx context.Context, prompt string) (string, error)

	// DiagnoseOnce runs prompt with a small turn budget and returns the result text.
	DiagnoseOnce(ctx context.Context, prompt string) (string, error)

	// Parse normalizes raw backend output.
	Parse(raw []byte) models.NormalizedResponse
}

// Execution captures one finished (or killed) backend process.
type Execution struct {
	Output   []byte // stdout
	Stderr   string
	ExitCode int // -1 when the process was killed
	TimedOut bool
	Duration time.Duration
}

// Clean reports whether the process exited on its own with status 0.
func (e *Execution) Clean() bool {
	return e != nil && !e.TimedOut && e.ExitCode == 0
}

// Options configures adapter construction.
type Options struct {
	Binary           string        // Overrides the backend's default executable name
	Model            string        // Optional model selector passed through to the CLI
	WorkDir          string        // Working directory of the spawned process
	MaxTurns         int           // Turn budget for Execute (0 = backend default)
	DiagnoseMaxTurns int           // Turn budget for DiagnoseOnce
	AuxTimeout       time.Duration // Deadline for ConvertOnce/DiagnoseOnce
	ExtraArgs        []string      // Appended to every invocation
}

func (o Options) binary(def string) string {
	if strings.TrimSpace(o.Binary) != "" {
		return o.Binary
	}
	return def
}

func (o Options) auxTimeout() time.Duration {
	if o.AuxTimeout > 0 {
		return o.AuxTimeout
	}
	return 5 * time.Minute
}

func (o Options) diagnoseTurns() int {
	if o.DiagnoseMaxTurns > 0 {
		return o.DiagnoseMaxTurns
	}
	return 3
}

type factory func(Options) Adapter

var registry = map[string]factory{
	"claude": func(o Options) Adapter { return NewClaude(o) },
	"codex":  func(o Options) Adapter { return NewCodex(o) },
	"gemini": func(o Options) Adapter { return NewGemini(o) },
}

// New constructs the adapter registered under name.
func New(name string, opts Options) (Adapter, error) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownBackend, name, strings.Join(Names(), ", "))
	}
	return f(opts), nil
}

// Names lists the registered backends in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsMaxTurns reports whether a response subtype means the turn budget ran
// out before the agent finished.
func IsMaxTurns(subtype string) bool {
	s := strings.ToLower(subtype)
	return strings.Contains(s, "max_turns") || strings.Contains(s, "turnlimit") || strings.Contains(s, "turn_limit")
}

// auxiliary runs a short call and extracts its result text through parse.
func auxiliary(ctx context.Context, a Adapter, inv invocation) (string, error) {
	result, err := run(ctx, inv)
	if err != nil {
		return "", err
	}
	if result.TimedOut {
		return "", fmt.Errorf("%w: %s timed out after %s", ErrAuxiliaryFailed, a.Name(), inv.timeout)
	}
	resp := a.Parse(result.Output)
	if result.ExitCode != 0 || resp.IsError {
		return "", fmt.Errorf("%w: %s exit=%d subtype=%q: %s",
			ErrAuxiliaryFailed, a.Name(), result.ExitCode, resp.Subtype, truncate(firstNonEmpty(resp.Result, result.Stderr), 200))
	}
	return resp.Result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// truncate returns s truncated to maxLen characters with "..." suffix if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
