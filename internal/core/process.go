package core

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

// Command describes one external process invocation.
type Command struct {
	// Name is the executable name or path.
	Name string

	// Args are the command arguments.
	Args []string

	// Env is an overlay of NAME=value assignments applied on top of the
	// ambient environment. Later assignments win.
	Env []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Timeout bounds the run. Zero means no timeout.
	Timeout time.Duration
}

// ProcessResult contains the observable results of a process.
type ProcessResult struct {
	// Stdout is the captured standard output.
	Stdout []byte

	// Stderr is the captured standard error.
	Stderr []byte

	// ExitCode is the process exit code, -1 when the process was killed.
	ExitCode int

	// TimedOut is set when the process was killed because Command.Timeout
	// elapsed. It is distinct from a non-zero exit.
	TimedOut bool
}

// ProcessRunner starts external tools.
//
// Run returns an error only when the process could not be started or the
// context was cancelled; a non-zero exit or an elapsed Command.Timeout are
// reported in the ProcessResult.
//
// Implementations must be safe for concurrent use.
type ProcessRunner interface {
	Run(ctx context.Context, cmd Command) (*ProcessResult, error)
}

// ExecRunner implements ProcessRunner with os/exec.
//
// Every process is started in its own process group so that a timeout or
// cancellation kills the whole tree, including anything a wrapper script
// spawned.
type ExecRunner struct{}

// NewExecRunner creates an ExecRunner.
func NewExecRunner() *ExecRunner { return &ExecRunner{} }

// Run executes cmd and waits for it, its timeout, or ctx.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*ProcessResult, error) {
	if c.Name == "" {
		return nil, errors.New("command name is empty")
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = overlayEnv(os.Environ(), c.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Do not wait forever on pipes held open by orphaned grandchildren.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-runCtx.Done():
		// Kill the process group (negative PID).
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}
		return &ProcessResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: -1,
			TimedOut: true,
		}, nil
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", c.Name, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ProcessResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}

// overlayEnv appends overlay to base. os/exec keeps the last value of a
// duplicated key, so overlay entries take precedence.
func overlayEnv(base, overlay []string) []string {
	out := make([]string, 0, len(base)+len(overlay))
	out = append(out, base...)
	return append(out, overlay...)
}

var _ ProcessRunner = (*ExecRunner)(nil)
