// Package hostcmd runs host CLI tools (nmcli, tailscale) and returns their
// output as structured results instead of raw byte slices.
package hostcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single command when the caller's context carries
// no deadline of its own.
const DefaultTimeout = 30 * time.Second

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.Code, msg)
}

// Runner executes a named program with arguments.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Timeout overrides DefaultTimeout. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Run executes name with args and captures stdout and stderr. A non-zero
// exit returns the Result alongside an *ExitError so callers that only care
// about the exit code can inspect Result.ExitCode.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	// A command killed by the context also surfaces as *exec.ExitError, so
	// the context is checked first.
	if ctx.Err() != nil {
		return res, fmt.Errorf("running %s: %w", commandLine(name, args), ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Cmd: commandLine(name, args), Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("running %s: %w", commandLine(name, args), err)
}

// ExitCode extracts the exit status from an error returned by Run.
// It reports false when the error is not an *ExitError.
func ExitCode(err error) (int, bool) {
	var e *ExitError
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
