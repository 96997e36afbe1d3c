package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete featrun configuration
type Config struct {
	Execution  ExecutionConfig     `mapstructure:"execution"`
	Session    SessionConfig       `mapstructure:"session"`
	Worker     WorkerConfig        `mapstructure:"worker"`
	Collab     CollaboratorsConfig `mapstructure:"collaborators"`
	Branch     BranchConfig        `mapstructure:"branch"`
	Estimation EstimationConfig    `mapstructure:"estimation"`
	Logging    LoggingConfig       `mapstructure:"logging"`
	Paths      PathsConfig         `mapstructure:"paths"`
}

// ExecutionConfig controls how the run schedules workers
type ExecutionConfig struct {
	// MaxWorkers is the maximum number of concurrent workers per level (default: 3)
	MaxWorkers int `mapstructure:"max_workers"`
	// Mode selects how features are executed
	// Options: "parallel" (level at a time, branch-isolated workers),
	// "sequential" (one worker at a time on the current branch)
	Mode string `mapstructure:"mode"`
	// InferImplicitDeps enables tag and description based edge inference
	// on top of explicitly declared dependencies (default: true)
	InferImplicitDeps bool `mapstructure:"infer_implicit_deps"`
}

// SessionConfig controls worker session lifetime and failure handling
type SessionConfig struct {
	// TimeoutMinutes is the maximum wall-clock runtime per worker session (default: 30)
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// GraceSeconds is how long to wait after SIGTERM before sending SIGKILL (default: 10)
	GraceSeconds int `mapstructure:"grace_seconds"`
	// HeartbeatSeconds is the interval for recording worker liveness (default: 30)
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
	// StallTimeoutMinutes is the number of minutes of no output before a worker
	// is considered stalled (0 = disabled, default: 5)
	StallTimeoutMinutes int `mapstructure:"stall_timeout_minutes"`
	// MaxConsecutiveFailures aborts the run after this many sessions in a row
	// finish without making progress (default: 3)
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
	// MaxSessions limits the total number of worker sessions per run (0 = unlimited)
	MaxSessions int `mapstructure:"max_sessions"`
	// ReserveSessions is how many of MaxSessions are held back from normal
	// session progression and spent only on timeout retries (default: 0).
	// Ignored when MaxSessions is 0.
	ReserveSessions int `mapstructure:"reserve_sessions"`
	// OnTimeout controls what happens when a session times out
	// Options: "skip" (mark failed, continue), "retry" (one retry with extended
	// timeout), "abort" (stop the run)
	OnTimeout string `mapstructure:"on_timeout"`
	// RetryExtensionFactor multiplies the timeout on the retry attempt (default: 1.5)
	RetryExtensionFactor float64 `mapstructure:"retry_extension_factor"`
}

// WorkerConfig controls how worker processes are launched
type WorkerConfig struct {
	// Command is the executable run for each worker session (default: "claude")
	Command string `mapstructure:"command"`
	// Args are additional arguments passed to every worker invocation
	Args []string `mapstructure:"args"`
	// Model is passed to workers through their environment (default: "sonnet")
	Model string `mapstructure:"model"`
	// CompletionSentinels are output lines that signal the worker finished all
	// of its assigned work
	CompletionSentinels []string `mapstructure:"completion_sentinels"`
}

// CollaboratorsConfig toggles optional worker-side collaborators. The
// settings are exported to workers through their environment; featrun itself
// does not interpret them.
type CollaboratorsConfig struct {
	// SemanticMemory lets workers persist and recall context across sessions
	// (default: true)
	SemanticMemory bool `mapstructure:"semantic_memory"`
	// AdaptiveModel lets workers downgrade to a cheaper model for routine
	// steps (default: true)
	AdaptiveModel bool `mapstructure:"adaptive_model"`
	// ApprovalGates makes workers pause for approval before risky operations
	// (default: true)
	ApprovalGates bool `mapstructure:"approval_gates"`
}

// BranchConfig controls branch naming conventions
type BranchConfig struct {
	// Prefix is the branch name prefix (default: "featrun")
	// Workers run on <prefix>/parallel/<feature-id>
	Prefix string `mapstructure:"prefix"`
	// Integration is the branch completed feature branches are merged into.
	// Empty means the branch that was checked out when the run started.
	Integration string `mapstructure:"integration"`
}

// EstimationConfig controls duration estimates used by the planner
type EstimationConfig struct {
	// DefaultMinutes is the estimated duration for a feature with no
	// explicit estimate (default: 15)
	DefaultMinutes int `mapstructure:"default_minutes"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where featrun stores run state
type PathsConfig struct {
	// StateDir is the directory where run artifacts, locks, and logs live.
	// If empty, defaults to ".featrun" relative to the repository root.
	// Supports ~ for home directory expansion.
	StateDir string `mapstructure:"state_dir"`
}

// ResolveStateDir returns the resolved state directory path.
// If StateDir is empty, it returns the default path relative to baseDir.
// If StateDir starts with ~, it expands to the user's home directory.
// If StateDir is a relative path, it's resolved relative to baseDir.
func (p *PathsConfig) ResolveStateDir(baseDir string) string {
	if p.StateDir == "" {
		return filepath.Join(baseDir, ".featrun")
	}

	path := p.StateDir

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	// If relative path, resolve relative to baseDir
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			MaxWorkers:        3,
			Mode:              "parallel",
			InferImplicitDeps: true,
		},
		Session: SessionConfig{
			TimeoutMinutes:         30,
			GraceSeconds:           10,
			HeartbeatSeconds:       30,
			StallTimeoutMinutes:    5,
			MaxConsecutiveFailures: 3,
			MaxSessions:            0, // No limit by default
			ReserveSessions:        0,
			OnTimeout:              "retry",
			RetryExtensionFactor:   1.5,
		},
		Worker: WorkerConfig{
			Command: "claude",
			Args:    []string{},
			Model:   "sonnet",
			CompletionSentinels: []string{
				"ALL FEATURES COMPLETE",
				"SUCCESS",
			},
		},
		Collab: CollaboratorsConfig{
			SemanticMemory: true,
			AdaptiveModel:  true,
			ApprovalGates:  true,
		},
		Branch: BranchConfig{
			Prefix:      "featrun",
			Integration: "", // Empty means the branch checked out at run start
		},
		Estimation: EstimationConfig{
			DefaultMinutes: 15,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			StateDir: "", // Empty means use default: .featrun
		},
	}
}

// Timeout returns the session timeout as a time.Duration
func (c *SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// Grace returns the SIGTERM grace period as a time.Duration
func (c *SessionConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// Heartbeat returns the heartbeat interval as a time.Duration
func (c *SessionConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// StallTimeout returns the stall timeout as a time.Duration (0 means disabled)
func (c *SessionConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMinutes) * time.Minute
}

// ExtendedTimeout returns the timeout for a retry attempt after a timeout.
func (c *SessionConfig) ExtendedTimeout() time.Duration {
	factor := c.RetryExtensionFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(c.Timeout()) * factor)
}

// DefaultEstimate returns the default feature duration as a time.Duration
func (c *EstimationConfig) DefaultEstimate() time.Duration {
	return time.Duration(c.DefaultMinutes) * time.Minute
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Execution defaults
	viper.SetDefault("execution.max_workers", defaults.Execution.MaxWorkers)
	viper.SetDefault("execution.mode", defaults.Execution.Mode)
	viper.SetDefault("execution.infer_implicit_deps", defaults.Execution.InferImplicitDeps)

	// Session defaults
	viper.SetDefault("session.timeout_minutes", defaults.Session.TimeoutMinutes)
	viper.SetDefault("session.grace_seconds", defaults.Session.GraceSeconds)
	viper.SetDefault("session.heartbeat_seconds", defaults.Session.HeartbeatSeconds)
	viper.SetDefault("session.stall_timeout_minutes", defaults.Session.StallTimeoutMinutes)
	viper.SetDefault("session.max_consecutive_failures", defaults.Session.MaxConsecutiveFailures)
	viper.SetDefault("session.max_sessions", defaults.Session.MaxSessions)
	viper.SetDefault("session.reserve_sessions", defaults.Session.ReserveSessions)
	viper.SetDefault("session.on_timeout", defaults.Session.OnTimeout)
	viper.SetDefault("session.retry_extension_factor", defaults.Session.RetryExtensionFactor)

	// Worker defaults
	viper.SetDefault("worker.command", defaults.Worker.Command)
	viper.SetDefault("worker.args", defaults.Worker.Args)
	viper.SetDefault("worker.model", defaults.Worker.Model)
	viper.SetDefault("worker.completion_sentinels", defaults.Worker.CompletionSentinels)

	// Collaborator defaults
	viper.SetDefault("collaborators.semantic_memory", defaults.Collab.SemanticMemory)
	viper.SetDefault("collaborators.adaptive_model", defaults.Collab.AdaptiveModel)
	viper.SetDefault("collaborators.approval_gates", defaults.Collab.ApprovalGates)

	// Branch defaults
	viper.SetDefault("branch.prefix", defaults.Branch.Prefix)
	viper.SetDefault("branch.integration", defaults.Branch.Integration)

	// Estimation defaults
	viper.SetDefault("estimation.default_minutes", defaults.Estimation.DefaultMinutes)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "featrun")
	}
	// Fall back to ~/.config/featrun
	home, err := os.UserHomeDir()
	if err != nil {
		return ".featrun"
	}
	return filepath.Join(home, ".config", "featrun")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidExecutionModes returns the list of valid execution mode values
func ValidExecutionModes() []string {
	return []string{"parallel", "sequential"}
}

// ValidTimeoutActions returns the list of valid on_timeout values
func ValidTimeoutActions() []string {
	return []string{"skip", "retry", "abort"}
}
