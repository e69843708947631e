// Package apperr holds the error taxonomy shared by the pipeline, its adapters
// and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AdapterError is an upstream service failure (network, auth, quota or an
// upstream job that reported an error).
type AdapterError struct {
	Service    string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *AdapterError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(" failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AdapterError) Unwrap() error { return e.Err }

// TimeoutError means we stopped waiting, as opposed to the upstream refusing.
type TimeoutError struct {
	Op       string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %d attempts", e.Op, e.Attempts)
}

// AssemblyError is a local rendering failure with the captured subprocess output.
type AssemblyError struct {
	Stage    string
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *AssemblyError) Error() string {
	msg := fmt.Sprintf("assembly %s failed", e.Stage)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := lastLines(e.Stderr, 5); tail != "" {
		msg += "\nffmpeg: " + tail
	}
	return msg
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// FatalTaskError aborts the whole run.
type FatalTaskError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *FatalTaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s: %s: %v", e.TaskID, e.Reason, e.Err)
	}
	return fmt.Sprintf("task %s: %s", e.TaskID, e.Reason)
}

func (e *FatalTaskError) Unwrap() error { return e.Err }

// ErrTaskNotFound is wrapped by FatalTaskError when the task has no record.
var ErrTaskNotFound = errors.New("task not found")

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsAdapter(err error) bool {
	var a *AdapterError
	return errors.As(err, &a)
}

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

func IsAssembly(err error) bool {
	var a *AssemblyError
	return errors.As(err, &a)
}

func IsFatal(err error) bool {
	var f *FatalTaskError
	return errors.As(err, &f)
}

// Kind names the taxonomy bucket of err, for logs and stored chapter rows.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsFatal(err):
		return "fatal"
	case IsValidation(err):
		return "validation"
	case IsTimeout(err):
		return "timeout"
	case IsAdapter(err):
		return "adapter"
	case IsAssembly(err):
		return "assembly"
	default:
		return "internal"
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
