// Package shellexec runs host-local shell commands with a hard timeout
// and full output capture.
//
// Every call spawns exactly one child process and guarantees it is
// reaped before returning, on every exit path: success, non-zero exit,
// timeout, or I/O error. A timed-out child is killed and then waited
// for, so no zombie survives the call.
package shellexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout reports a command that exceeded its watchdog timeout.
var ErrTimeout = errors.New("shellexec: command timed out")

// DefaultTimeout bounds commands that do not specify their own.
const DefaultTimeout = 60 * time.Second

// Command describes one shell invocation.
type Command struct {
	// Script is passed to "sh -c".
	Script string
	// AcceptExitCodes lists exit codes treated as success. Empty means
	// only 0 is acceptable.
	AcceptExitCodes []int
	// Timeout bounds the whole invocation. Zero means DefaultTimeout.
	Timeout time.Duration
	// Env is overlaid on the parent environment.
	Env map[string]string
	// Dir is the working directory. Empty inherits the parent's.
	Dir string
}

// Result captures what the child did.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output returns stdout and stderr joined for diagnostics.
func (r *Result) Output() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// ExitError reports a child that exited with a code outside
// AcceptExitCodes. The Result is still populated.
type ExitError struct {
	Script   string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with unacceptable code %d: %s", e.ExitCode, e.Script)
}

// Run executes cmd and blocks until the child has been fully reaped.
//
// The returned Result is non-nil whenever the child actually ran, even
// when err is non-nil. Timeout surfaces as ErrTimeout (wrapped).
func Run(ctx context.Context, cmd Command) (*Result, error) {
	if strings.TrimSpace(cmd.Script) == "" {
		return nil, errors.New("shellexec: script is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	child := exec.CommandContext(runCtx, "sh", "-c", cmd.Script)
	child.Dir = cmd.Dir
	child.Env = overlayEnv(cmd.Env)

	// If the shell spawns grandchildren that hold the pipes open, give
	// up on them shortly after kill instead of blocking forever.
	child.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	child.Stdout = &stdout
	child.Stderr = &stderr

	start := time.Now()
	runErr := child.Run()
	exitCode := -1
	if child.ProcessState != nil {
		exitCode = child.ProcessState.ExitCode()
	}
	res := &Result{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, cmd.Script)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Start failure or I/O error; the child (if any) is reaped by Run.
			return res, fmt.Errorf("run command: %w", runErr)
		}
	}

	if !exitCodeAccepted(res.ExitCode, cmd.AcceptExitCodes) {
		return res, &ExitError{Script: cmd.Script, ExitCode: res.ExitCode}
	}
	return res, nil
}

func exitCodeAccepted(code int, accepted []int) bool {
	if len(accepted) == 0 {
		return code == 0
	}
	for _, a := range accepted {
		if code == a {
			return true
		}
	}
	return false
}

func overlayEnv(overlay map[string]string) []string {
	if len(overlay) == 0 {
		return os.Environ()
	}
	env := os.Environ()
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}
