package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Result is the captured outcome of one subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec. When ctx is cancelled the process is
// sent an interrupt and given GracePeriod to finish writing before it is killed.
type ExecRunner struct {
	GracePeriod time.Duration
}

func (r ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	grace := r.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s interrupted: %w", c.Path, ctxErr)
		}
		return res, fmt.Errorf("%s execution failed: %w", c.Path, err)
	}
	return res, nil
}
