package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps how much test output is kept for the failure message.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Tester runs the test suite for a rebased workspace.
type Tester interface {
	Test(ctx context.Context, workspace, dir string) error
}

// TesterFunc adapts a function to Tester.
type TesterFunc func(ctx context.Context, workspace, dir string) error

func (f TesterFunc) Test(ctx context.Context, workspace, dir string) error {
	return f(ctx, workspace, dir)
}

// TestFailure is a test command that ran and exited non-zero.
type TestFailure struct {
	Workspace string
	ExitCode  int
	Output    string
}

func (e *TestFailure) Error() string {
	return fmt.Sprintf("tests failed for %s (exit %d): %s", e.Workspace, e.ExitCode, e.Output)
}

// Retryable is false: the same head will fail the same way.
func (e *TestFailure) Retryable() bool { return false }

// CommandTester runs a shell command in the workspace checkout.
type CommandTester struct {
	Command string
	Timeout time.Duration
}

// Test runs `sh -c Command` with TRAINYARD_WORKSPACE set. On timeout the
// process gets SIGTERM, then SIGKILL after a grace period, and the returned
// error wraps context.DeadlineExceeded.
func (c CommandTester) Test(ctx context.Context, workspace, dir string) error {
	if c.Command == "" {
		return nil
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TRAINYARD_WORKSPACE="+workspace)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminationGracePeriod

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("test command for %s: %w", workspace, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &TestFailure{Workspace: workspace, ExitCode: exitErr.ExitCode(), Output: truncate(out.String())}
	}
	return fmt.Errorf("run test command for %s: %w", workspace, err)
}

// truncate keeps the tail, where test runners print their summary.
func truncate(s string) string {
	if len(s) > maxOutputBytes {
		return s[len(s)-maxOutputBytes:]
	}
	return s
}
