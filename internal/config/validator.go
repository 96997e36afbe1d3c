package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "execution.max_workers")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters
// Branch names should start with alphanumeric and can contain alphanumeric, hyphen, underscore
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateExecution()...)
	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateBranch()...)
	errors = append(errors, c.validateEstimation()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

// validateExecution validates the ExecutionConfig
func (c *Config) validateExecution() []ValidationError {
	var errors []ValidationError

	const minMaxWorkers = 1
	const maxMaxWorkers = 20

	if c.Execution.MaxWorkers < minMaxWorkers {
		errors = append(errors, ValidationError{
			Field:   "execution.max_workers",
			Value:   c.Execution.MaxWorkers,
			Message: fmt.Sprintf("must be at least %d", minMaxWorkers),
		})
	}
	if c.Execution.MaxWorkers > maxMaxWorkers {
		errors = append(errors, ValidationError{
			Field:   "execution.max_workers",
			Value:   c.Execution.MaxWorkers,
			Message: fmt.Sprintf("exceeds maximum of %d", maxMaxWorkers),
		})
	}

	if c.Execution.Mode != "" && !slices.Contains(ValidExecutionModes(), c.Execution.Mode) {
		errors = append(errors, ValidationError{
			Field:   "execution.mode",
			Value:   c.Execution.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidExecutionModes(), ", ")),
		})
	}

	return errors
}

// validateSession validates the SessionConfig
func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	// Timeout must be positive; a run without a session budget never terminates
	if c.Session.TimeoutMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.timeout_minutes",
			Value:   c.Session.TimeoutMinutes,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound on a single session
	const maxTimeoutMinutes = 24 * 60
	if c.Session.TimeoutMinutes > maxTimeoutMinutes {
		errors = append(errors, ValidationError{
			Field:   "session.timeout_minutes",
			Value:   c.Session.TimeoutMinutes,
			Message: fmt.Sprintf("exceeds maximum of %d minutes (24 hours)", maxTimeoutMinutes),
		})
	}

	if c.Session.GraceSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.grace_seconds",
			Value:   c.Session.GraceSeconds,
			Message: "must be non-negative",
		})
	}

	if c.Session.HeartbeatSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.heartbeat_seconds",
			Value:   c.Session.HeartbeatSeconds,
			Message: "must be positive",
		})
	}

	// 0 disables stall detection, negative is invalid
	if c.Session.StallTimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.stall_timeout_minutes",
			Value:   c.Session.StallTimeoutMinutes,
			Message: "must be non-negative (0 disables stall detection)",
		})
	}

	if c.Session.MaxConsecutiveFailures < 1 {
		errors = append(errors, ValidationError{
			Field:   "session.max_consecutive_failures",
			Value:   c.Session.MaxConsecutiveFailures,
			Message: "must be at least 1",
		})
	}

	if c.Session.MaxSessions < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.max_sessions",
			Value:   c.Session.MaxSessions,
			Message: "must be non-negative (0 disables limit)",
		})
	}

	if c.Session.ReserveSessions < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.reserve_sessions",
			Value:   c.Session.ReserveSessions,
			Message: "must be non-negative",
		})
	}

	// The reserve must leave at least one session for normal progression
	if c.Session.MaxSessions > 0 && c.Session.ReserveSessions >= c.Session.MaxSessions {
		errors = append(errors, ValidationError{
			Field:   "session.reserve_sessions",
			Value:   c.Session.ReserveSessions,
			Message: "must be less than session.max_sessions",
		})
	}

	if c.Session.OnTimeout != "" && !slices.Contains(ValidTimeoutActions(), c.Session.OnTimeout) {
		errors = append(errors, ValidationError{
			Field:   "session.on_timeout",
			Value:   c.Session.OnTimeout,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTimeoutActions(), ", ")),
		})
	}

	if c.Session.RetryExtensionFactor < 1 {
		errors = append(errors, ValidationError{
			Field:   "session.retry_extension_factor",
			Value:   c.Session.RetryExtensionFactor,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateWorker validates the WorkerConfig
func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Worker.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "worker.command",
			Value:   c.Worker.Command,
			Message: "cannot be empty",
		})
	}

	for i, sentinel := range c.Worker.CompletionSentinels {
		if strings.TrimSpace(sentinel) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("worker.completion_sentinels[%d]", i),
				Value:   sentinel,
				Message: "sentinel cannot be empty",
			})
		}
	}

	return errors
}

// validateBranch validates the BranchConfig
func (c *Config) validateBranch() []ValidationError {
	var errors []ValidationError

	if c.Branch.Prefix == "" {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "cannot be empty",
		})
	} else if !branchPrefixRegex.MatchString(c.Branch.Prefix) {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "must start with a letter and contain only alphanumeric characters, hyphens, or underscores",
		})
	}

	// Git branch names have length limits
	const maxBranchPrefixLength = 50
	if len(c.Branch.Prefix) > maxBranchPrefixLength {
		errors = append(errors, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", maxBranchPrefixLength),
		})
	}

	return errors
}

// validateEstimation validates the EstimationConfig
func (c *Config) validateEstimation() []ValidationError {
	var errors []ValidationError

	if c.Estimation.DefaultMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "estimation.default_minutes",
			Value:   c.Estimation.DefaultMinutes,
			Message: "must be positive",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	// StateDir validation - if set, check for invalid characters
	if c.Paths.StateDir != "" {
		path := c.Paths.StateDir

		// Check for null bytes which are invalid in paths
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   "paths.state_dir",
				Value:   path,
				Message: "path contains invalid null character",
			})
		}

		// Reasonable path length limit (most filesystems have limits around 4096)
		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   "paths.state_dir",
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}
