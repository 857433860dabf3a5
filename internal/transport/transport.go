// Package transport runs agent processes and reports what happened,
// without judging success. Interpretation of output belongs to the
// classifier.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// timeoutExitCode mirrors the conventional shell timeout exit status.
const timeoutExitCode = 124

// Result captures one finished process: raw streams, exit code, and
// whether a deadline cut it short.
type Result struct {
	Command  string
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes an argv and returns its observable outcome. A non-nil
// error means the process could not be started or observed at all;
// non-zero exits and timeouts are reported in the Result, not as errors.
type Runner interface {
	Invoke(ctx context.Context, argv []string, timeout time.Duration) (*Result, error)
}

// Local runs commands on the local machine.
type Local struct {
	workDir string
}

// NewLocal creates a runner executing in workDir ("" means inherit).
func NewLocal(workDir string) *Local {
	return &Local{workDir: workDir}
}

// Invoke runs argv to completion. A zero timeout means unbounded (the
// context still applies). When the timeout fires the process is killed
// and the result carries TimedOut with exit code 124.
func (l *Local) Invoke(ctx context.Context, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if l.workDir != "" {
		cmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Command:  argv[0],
		Args:     argv[1:],
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	if timedOut(runCtx, ctx) {
		res.TimedOut = true
		res.ExitCode = timeoutExitCode
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("exec %s: %w", argv[0], err)
	}
	return res, nil
}

// InvokeStream runs argv while forwarding stdout lines to onLine as they
// arrive, so long-running agent sessions stay observable. The full
// streams are still collected into the result.
func (l *Local) InvokeStream(ctx context.Context, argv []string, timeout time.Duration, onLine func(string)) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if onLine == nil {
		return l.Invoke(ctx, argv, timeout)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if l.workDir != "" {
		cmd.Dir = l.workDir
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec %s: %w", argv[0], err)
	}

	var stdout strings.Builder
	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		onLine(line)
	}
	// Drain errors surface through Wait below.
	_ = scanner.Err()

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	res := &Result{
		Command:  argv[0],
		Args:     argv[1:],
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	if timedOut(runCtx, ctx) {
		res.TimedOut = true
		res.ExitCode = timeoutExitCode
		return res, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("exec %s: %w", argv[0], waitErr)
	}
	return res, nil
}

// timedOut reports whether the run context expired on its own deadline,
// as opposed to the parent being cancelled.
func timedOut(runCtx, parent context.Context) bool {
	if runCtx == parent {
		return false
	}
	return errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil
}
