package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	// ExitNotFound is reported when the command binary cannot be started.
	ExitNotFound int32 = 127
	// ExitTimedOut is reported when a command outlives ExecRunner.Timeout.
	ExitTimedOut int32 = 124
)

// CommandRunner abstracts shell command execution for build and runtime hooks.
type CommandRunner interface {
	Run(dir string, name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host. A zero Timeout never
// kills the command.
type ExecRunner struct {
	Timeout time.Duration
}

// Run executes name in dir and reports its output and exit code. An empty
// dir runs in the daemon's working directory.
func (r ExecRunner) Run(dir string, name string, args ...string) ([]byte, []byte, int32, error) {
	ctx := context.Background()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return stdout.Bytes(), stderr.Bytes(), ExitTimedOut, fmt.Errorf("timed out after %v: %w", r.Timeout, err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = ExitNotFound
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}
