// Package errors provides centralized error definitions and error handling
// utilities for the featrun codebase. It defines domain-specific errors,
// error constructors with context wrapping, and classification helpers.
//
// # Error Types
//
// Fatal pre-flight errors abort before any worker process is launched:
//   - ValidationError: malformed feature list, unknown dependency, cycle
//   - ConfigurationError: bad worker budget, bad timeout
//
// Run-time errors map to the supervisor and coordinator life cycle:
//   - AlreadyRunningError: a live process holds the run lock for a branch
//   - TimeoutError: a worker session exceeded its timeout or stalled
//   - MergeConflictError: a completed branch could not be merged cleanly
//   - GitError: a version-control operation failed
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewValidationError("duplicate feature id").WithFeatureID("feat-3")
//	err := errors.NewCycleError([]string{"a", "b", "a"})
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrCycle) { ... }
//
//	var conflict *errors.MergeConflictError
//	if errors.As(err, &conflict) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Graph and plan sentinel errors
var (
	// ErrCycle indicates a dependency cycle among explicit edges.
	ErrCycle = New("dependency cycle detected")
	// ErrUnknownDependency indicates a reference to a feature ID that does not exist.
	ErrUnknownDependency = New("unknown dependency")
	// ErrDuplicateFeature indicates a feature ID appears more than once.
	ErrDuplicateFeature = New("duplicate feature id")
	// ErrSelfDependency indicates a feature depends on itself.
	ErrSelfDependency = New("feature depends on itself")
	// ErrPlanNotFound indicates no persisted execution plan exists.
	ErrPlanNotFound = New("execution plan not found")
)

// Run life-cycle sentinel errors
var (
	// ErrRunLocked indicates the run lock for a branch is held by a live process.
	ErrRunLocked = New("run is locked by another process")
	// ErrTimeout indicates a worker session exceeded its timeout.
	ErrTimeout = New("operation timed out")
	// ErrStalled indicates a worker produced no output for longer than the
	// heartbeat timeout, even though the process may still be alive.
	ErrStalled = New("worker stalled")
	// ErrMergeConflict indicates a branch merge produced conflicts.
	ErrMergeConflict = New("merge conflict")
	// ErrCanceled indicates the run was canceled by the user.
	ErrCanceled = New("run canceled")
	// ErrBlocked indicates a feature was never attempted because one of its
	// dependencies reached a terminal failure.
	ErrBlocked = New("feature blocked by failed dependency")
	// ErrWorkerFailed indicates the worker process exited without completing
	// its feature.
	ErrWorkerFailed = New("worker failed")
)

// -----------------------------------------------------------------------------
// ValidationError
// -----------------------------------------------------------------------------

// ValidationError represents a malformed feature list: duplicate IDs,
// references to unknown dependencies, or a cycle among explicit edges.
// Validation errors are fatal and are returned before any side effects occur.
//
// Example:
//
//	err := errors.NewValidationError("unknown dependency 'feat-9'").
//		WithFeatureID("feat-2").
//		WithCause(errors.ErrUnknownDependency)
type ValidationError struct {
	message   string
	cause     error
	FeatureID string
	Cycle     []string
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{message: message}
}

// NewCycleError creates a ValidationError describing a dependency cycle.
// The nodes slice is the offending cycle's node sequence, first node repeated
// at the end.
func NewCycleError(nodes []string) *ValidationError {
	return &ValidationError{
		message: fmt.Sprintf("dependency cycle: %s", strings.Join(nodes, " -> ")),
		cause:   ErrCycle,
		Cycle:   nodes,
	}
}

// WithFeatureID adds the offending feature ID to the error context.
func (e *ValidationError) WithFeatureID(id string) *ValidationError {
	e.FeatureID = id
	return e
}

// WithCause adds an underlying cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	prefix := "validation error"
	if e.FeatureID != "" {
		prefix = fmt.Sprintf("validation error [feature=%s]", e.FeatureID)
	}
	if e.cause != nil && !errors.Is(e.cause, ErrCycle) {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error { return e.cause }

// Is reports whether this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// ConfigurationError
// -----------------------------------------------------------------------------

// ConfigurationError represents an invalid configuration value, such as a
// worker budget below one or a non-positive timeout. Configuration errors are
// fatal at the same stage as validation errors.
type ConfigurationError struct {
	message string
	Field   string
	Value   any
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(message string) *ConfigurationError {
	return &ConfigurationError{message: message}
}

// WithField adds the offending configuration field to the error context.
func (e *ConfigurationError) WithField(field string) *ConfigurationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ConfigurationError) WithValue(value any) *ConfigurationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ConfigurationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "configuration error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("configuration error [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is reports whether this error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}

// -----------------------------------------------------------------------------
// AlreadyRunningError
// -----------------------------------------------------------------------------

// AlreadyRunningError indicates that the run lock for a branch is held by a
// live process. It is fatal for this invocation but not destructive: the
// competing process identity is reported so the user can decide what to do.
type AlreadyRunningError struct {
	Branch   string
	PID      int
	Hostname string
}

// NewAlreadyRunningError creates a new AlreadyRunningError.
func NewAlreadyRunningError(branch string, pid int, hostname string) *AlreadyRunningError {
	return &AlreadyRunningError{Branch: branch, PID: pid, Hostname: hostname}
}

// Error returns the formatted error message.
func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("branch %q is locked by PID %d on %s", e.Branch, e.PID, e.Hostname)
}

// Is reports whether this error matches the target.
func (e *AlreadyRunningError) Is(target error) bool {
	_, ok := target.(*AlreadyRunningError)
	return ok
}

// Unwrap returns ErrRunLocked so errors.Is(err, ErrRunLocked) holds.
func (e *AlreadyRunningError) Unwrap() error { return ErrRunLocked }

// -----------------------------------------------------------------------------
// TimeoutError
// -----------------------------------------------------------------------------

// TimeoutError represents a worker session that exceeded its timeout or
// stalled. Timeouts are recoverable per caller policy: skip, retry with an
// extended timeout, or abort the run.
type TimeoutError struct {
	Operation string
	FeatureID string
	Duration  time.Duration
	Stalled   bool
	cause     error
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration, cause: ErrTimeout}
}

// NewStallError creates a TimeoutError for a worker whose heartbeat went
// silent even though the process may still be alive.
func NewStallError(featureID string, silence time.Duration) *TimeoutError {
	return &TimeoutError{
		Operation: "waiting for worker output",
		FeatureID: featureID,
		Duration:  silence,
		Stalled:   true,
		cause:     ErrStalled,
	}
}

// WithFeatureID adds the affected feature ID to the error context.
func (e *TimeoutError) WithFeatureID(id string) *TimeoutError {
	e.FeatureID = id
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	kind := "timeout"
	if e.Stalled {
		kind = "stalled"
	}
	if e.FeatureID != "" {
		return fmt.Sprintf("%s error [feature=%s]: %s (after %s)", kind, e.FeatureID, e.Operation, e.Duration)
	}
	return fmt.Sprintf("%s error: %s (after %s)", kind, e.Operation, e.Duration)
}

// Unwrap returns the underlying sentinel (ErrTimeout or ErrStalled).
func (e *TimeoutError) Unwrap() error { return e.cause }

// Is reports whether this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// MergeConflictError
// -----------------------------------------------------------------------------

// MergeConflictError indicates that a completed feature branch could not be
// merged into the integration branch. Conflicts are recoverable only by a
// human: the error carries the conflicting files and the branch is left
// intact for manual resolution. Automatic resolution is never attempted.
type MergeConflictError struct {
	Branch    string
	Target    string
	FeatureID string
	Files     []string
}

// NewMergeConflictError creates a new MergeConflictError.
func NewMergeConflictError(branch, target string, files []string) *MergeConflictError {
	return &MergeConflictError{Branch: branch, Target: target, Files: files}
}

// WithFeatureID adds the affected feature ID to the error context.
func (e *MergeConflictError) WithFeatureID(id string) *MergeConflictError {
	e.FeatureID = id
	return e
}

// Error returns the formatted error message.
func (e *MergeConflictError) Error() string {
	msg := fmt.Sprintf("merge conflict: %s into %s", e.Branch, e.Target)
	if len(e.Files) > 0 {
		msg = fmt.Sprintf("%s (files: %s)", msg, strings.Join(e.Files, ", "))
	}
	return msg
}

// Unwrap returns ErrMergeConflict so errors.Is matching holds.
func (e *MergeConflictError) Unwrap() error { return ErrMergeConflict }

// Is reports whether this error matches the target.
func (e *MergeConflictError) Is(target error) bool {
	_, ok := target.(*MergeConflictError)
	return ok
}

// -----------------------------------------------------------------------------
// GitError
// -----------------------------------------------------------------------------

// GitError represents a failed version-control operation.
//
// Example:
//
//	err := errors.NewGitError("failed to create branch", cause).
//		WithBranch("featrun/parallel/feat-2").
//		WithGitOutput(string(output))
type GitError struct {
	message   string
	cause     error
	Branch    string
	Dir       string
	GitOutput string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{message: message, cause: cause}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithDir adds the repository directory to the error context.
func (e *GitError) WithDir(dir string) *GitError {
	e.Dir = dir
	return e
}

// WithGitOutput adds captured git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Dir != "" {
		parts = append(parts, fmt.Sprintf("dir=%s", e.Dir))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap returns the underlying cause.
func (e *GitError) Unwrap() error { return e.cause }

// Is reports whether this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry: timeouts and stalled workers. Merge conflicts,
// validation and configuration errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrTimeout) || Is(err, ErrStalled)
}

// IsFatal returns true if the error must abort the invocation before any
// worker is launched: validation errors, configuration errors, and lock
// contention.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var validation *ValidationError
	var configuration *ConfigurationError
	return As(err, &validation) || As(err, &configuration) || Is(err, ErrRunLocked)
}

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to persist plan")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
