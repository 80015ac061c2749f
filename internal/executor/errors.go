package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/ralph/internal/diagnosis"
	"github.com/harrison/ralph/internal/models"
)

// Attempt failure sentinels. AttemptError unwraps to exactly one of them.
var (
	// ErrAttemptTimeout indicates the backend was killed at the per-call deadline.
	ErrAttemptTimeout = errors.New("attempt timed out")
	// ErrAttemptMaxTurns indicates the backend ran out of turns before finishing.
	ErrAttemptMaxTurns = errors.New("attempt exceeded max turns")
	// ErrAttemptGeneric indicates any other non-success outcome.
	ErrAttemptGeneric = errors.New("attempt failed")
	// ErrEmptyResult indicates a clean exit that produced no usable result text.
	ErrEmptyResult = errors.New("attempt produced an empty result")
	// ErrDiagnosisUnavailable indicates the auxiliary diagnosis call failed.
	// It is recorded but never fatal.
	ErrDiagnosisUnavailable = diagnosis.ErrDiagnosisUnavailable
)

// SetupError is a fatal error raised before any task runs: invalid
// configuration, an unreadable task source or a corrupt state file.
type SetupError struct {
	Op  string // What was being set up
	Err error
}

// NewSetupError wraps err as a SetupError for op.
func NewSetupError(op string, err error) *SetupError {
	return &SetupError{Op: op, Err: err}
}

// Error implements the error interface for SetupError.
func (e *SetupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("setup: %s", e.Op)
	}
	return fmt.Sprintf("setup: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error wrapping support.
func (e *SetupError) Unwrap() error {
	return e.Err
}

// AttemptError describes one failed attempt. It never escapes the retry
// loop as a returned error; it is surfaced through ErrorEntry records,
// notes and loggers.
type AttemptError struct {
	TaskID    string
	Attempt   int
	Code      models.ErrorCode
	Reason    string
	Timestamp time.Time
}

// NewAttemptError creates an AttemptError with the current timestamp.
func NewAttemptError(taskID string, attempt int, code models.ErrorCode, reason string) *AttemptError {
	return &AttemptError{
		TaskID:    taskID,
		Attempt:   attempt,
		Code:      code,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface for AttemptError.
func (e *AttemptError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("task %s attempt %d: %s", e.TaskID, e.Attempt, e.Code))
	if e.Reason != "" {
		sb.WriteString(fmt.Sprintf(": %s", e.Reason))
	}
	return sb.String()
}

// Unwrap returns the sentinel matching Code, so errors.Is works on codes.
func (e *AttemptError) Unwrap() error {
	return sentinelFor(e.Code)
}

func sentinelFor(code models.ErrorCode) error {
	switch code {
	case models.ErrorTimeout:
		return ErrAttemptTimeout
	case models.ErrorMaxTurns:
		return ErrAttemptMaxTurns
	case models.ErrorEmptyResult:
		return ErrEmptyResult
	default:
		return ErrAttemptGeneric
	}
}

// IsSetupError checks if the error is or wraps a SetupError.
func IsSetupError(err error) bool {
	if err == nil {
		return false
	}
	var se *SetupError
	return errors.As(err, &se)
}

// IsTimeout checks if the error is a timed-out attempt or wraps
// context.DeadlineExceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// CodeOf returns the classification of an attempt error, or "" if err is
// not an AttemptError.
func CodeOf(err error) models.ErrorCode {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
