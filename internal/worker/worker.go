// Package worker launches and supervises the external worker process for
// one session: one invocation of the autonomous agent against one feature.
//
// The launcher streams the child's output line by line, reporting each
// line as a heartbeat and watching for a completion sentinel. On context
// cancellation it terminates the child gracefully (SIGTERM, grace period,
// then SIGKILL). The Launcher interface lets the supervisor and
// coordinator be tested with a fake instead of real processes.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is the wait between SIGTERM and SIGKILL when no grace
// period is configured.
const DefaultGrace = 10 * time.Second

// outputTailLines bounds the captured output kept in a Result.
const outputTailLines = 200

// Spec describes one worker invocation.
type Spec struct {
	// Command is the worker executable.
	Command string

	// Args are passed to the executable verbatim.
	Args []string

	// Dir is the working directory, normally the project checkout on the
	// session's branch.
	Dir string

	// Env entries are appended to the inherited environment.
	Env []string

	// Model identifies the model the worker should use, exported as
	// FEATRUN_MODEL when set.
	Model string

	// FeatureID is exported as FEATRUN_FEATURE_ID when set.
	FeatureID string

	// MaxIterations is exported as FEATRUN_MAX_ITERATIONS when positive.
	MaxIterations int

	// Sentinels are completion markers searched for in output lines,
	// case-insensitively. Any match marks the session completed.
	Sentinels []string

	// Heartbeat, when set, is called once per output line.
	Heartbeat func(line string)
}

// Result is the outcome of one worker invocation.
type Result struct {
	// Completed is true when a completion sentinel appeared in output.
	Completed bool

	// Sentinel is the marker that matched, when Completed.
	Sentinel string

	// ExitCode is the child's exit code; -1 when it was killed.
	ExitCode int

	// TimedOut is true when the child was terminated because the context
	// ended before it exited.
	TimedOut bool

	// Duration is the child's wall time.
	Duration time.Duration

	// OutputTail holds the last lines of combined output, for diagnostics.
	OutputTail string
}

// Launcher runs one worker session and blocks until it ends.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (*Result, error)
}

// -----------------------------------------------------------------------------
// Command Launcher
// -----------------------------------------------------------------------------

// CommandLauncher runs the worker as a child process.
type CommandLauncher struct {
	// Grace is how long to wait after SIGTERM before SIGKILL.
	// Zero means DefaultGrace.
	Grace time.Duration
}

// Compile-time interface check.
var _ Launcher = (*CommandLauncher)(nil)

// Launch implements Launcher. It returns the context error when the child
// had to be terminated; the returned Result is still populated in that
// case.
func (l *CommandLauncher) Launch(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("worker command is empty")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.Model != "" {
		cmd.Env = append(cmd.Env, "FEATRUN_MODEL="+spec.Model)
	}
	if spec.FeatureID != "" {
		cmd.Env = append(cmd.Env, "FEATRUN_FEATURE_ID="+spec.FeatureID)
	}
	if spec.MaxIterations > 0 {
		cmd.Env = append(cmd.Env, "FEATRUN_MAX_ITERATIONS="+strconv.Itoa(spec.MaxIterations))
	}

	// Single pipe for combined stdout and stderr, scanned line by line.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	started := time.Now()
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	result := &Result{}
	var tail []string
	var scanDone sync.WaitGroup
	scanDone.Add(1)
	go func() {
		defer scanDone.Done()
		defer pr.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if spec.Heartbeat != nil {
				spec.Heartbeat(line)
			}
			if !result.Completed {
				if s, ok := matchSentinel(line, spec.Sentinels); ok {
					result.Completed = true
					result.Sentinel = s
				}
			}
			tail = append(tail, line)
			if len(tail) > outputTailLines {
				tail = tail[1:]
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	grace := l.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		result.TimedOut = true
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case waitErr = <-waitCh:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			waitErr = <-waitCh
		}
	}

	scanDone.Wait()
	result.Duration = time.Since(started)
	result.OutputTail = strings.Join(tail, "\n")
	result.ExitCode = exitCode(cmd, waitErr)

	if result.TimedOut {
		return result, ctx.Err()
	}
	return result, nil
}

// exitCode extracts the child's exit code from Wait's error.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// matchSentinel reports the first sentinel contained in the line,
// compared case-insensitively.
func matchSentinel(line string, sentinels []string) (string, bool) {
	upper := strings.ToUpper(line)
	for _, s := range sentinels {
		if s != "" && strings.Contains(upper, strings.ToUpper(s)) {
			return s, true
		}
	}
	return "", false
}
