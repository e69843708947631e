package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindThroughWrapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", Invalid("end_chapter", "must be >= %d", 2), "validation"},
		{"adapter", fmt.Errorf("voice: %w", &AdapterError{Service: "elevenlabs", StatusCode: 429}), "adapter"},
		{"timeout", fmt.Errorf("transcribe: %w", &TimeoutError{Op: "gladia poll", Attempts: 30}), "timeout"},
		{"assembly", &AssemblyError{Stage: "concat", ExitCode: 1}, "assembly"},
		{"fatal", &FatalTaskError{TaskID: "t1", Reason: "lookup", Err: ErrTaskNotFound}, "fatal"},
		{"plain", errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Kind(tc.err); got != tc.want {
				t.Fatalf("Kind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTimeoutIsNotAdapter(t *testing.T) {
	err := error(&TimeoutError{Op: "poll", Attempts: 3})
	if IsAdapter(err) {
		t.Fatal("timeout must be distinguishable from an upstream failure")
	}
}

func TestFatalUnwrapsNotFound(t *testing.T) {
	err := &FatalTaskError{TaskID: "abc", Reason: "lookup", Err: ErrTaskNotFound}
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatal("expected ErrTaskNotFound in chain")
	}
}

func TestAssemblyErrorIncludesStderrTail(t *testing.T) {
	err := &AssemblyError{
		Stage:    "segment",
		ExitCode: 1,
		Stderr:   "l1\nl2\nl3\nl4\nl5\nl6\nInvalid argument\n",
	}
	msg := err.Error()
	if !strings.Contains(msg, "exit code 1") || !strings.Contains(msg, "Invalid argument") {
		t.Fatalf("unexpected message: %q", msg)
	}
	if strings.Contains(msg, "l1") {
		t.Fatalf("expected only the stderr tail, got %q", msg)
	}
}
