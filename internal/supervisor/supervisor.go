// Package supervisor drives worker sessions for a single feature. It owns
// the session lifecycle: acquiring the run lock for the feature's branch,
// launching worker sessions with per-session timeouts, watching for stalls,
// applying the configured timeout policy, checkpointing progress, and
// guaranteeing cleanup on every exit path.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/featrun/featrun/internal/config"
	"github.com/featrun/featrun/internal/errors"
	"github.com/featrun/featrun/internal/feature"
	"github.com/featrun/featrun/internal/lockfile"
	"github.com/featrun/featrun/internal/logging"
	"github.com/featrun/featrun/internal/state"
	"github.com/featrun/featrun/internal/worker"
)

// -----------------------------------------------------------------------------
// Timeout Policy
// -----------------------------------------------------------------------------

// TimeoutAction is what the supervisor does when a session times out.
type TimeoutAction string

const (
	// ActionSkip marks the feature timed out and moves on.
	ActionSkip TimeoutAction = "skip"

	// ActionRetry retries the session once with an extended timeout, then
	// behaves like ActionSkip.
	ActionRetry TimeoutAction = "retry"

	// ActionAbort stops the whole run.
	ActionAbort TimeoutAction = "abort"
)

// ParseTimeoutAction validates an on_timeout config value.
func ParseTimeoutAction(s string) (TimeoutAction, error) {
	switch TimeoutAction(s) {
	case ActionSkip, ActionRetry, ActionAbort:
		return TimeoutAction(s), nil
	case "":
		return ActionRetry, nil
	}
	return "", errors.NewConfigurationError(fmt.Sprintf("unknown timeout action %q", s)).
		WithField("session.on_timeout").
		WithValue(s)
}

// -----------------------------------------------------------------------------
// Outcome
// -----------------------------------------------------------------------------

// Outcome is the final disposition of one supervised feature.
type Outcome struct {
	// FeatureID identifies the supervised feature.
	FeatureID string

	// Status is the terminal session status.
	Status state.SessionStatus

	// Sessions is how many worker sessions ran.
	Sessions int

	// Duration is total wall time across all sessions.
	Duration time.Duration

	// Abort is true when the run should stop rather than continue with
	// other features.
	Abort bool

	// Message explains failures and timeouts in one line.
	Message string

	// Err carries the terminal error, when Status is not succeeded.
	Err error
}

// Succeeded reports whether the feature ended up passing.
func (o *Outcome) Succeeded() bool {
	return o.Status == state.StatusSucceeded
}

// -----------------------------------------------------------------------------
// Hooks
// -----------------------------------------------------------------------------

// Hooks are optional observation points for callers that track sessions
// externally, such as the parallel coordinator's worker registry. All
// callbacks may be nil.
type Hooks struct {
	// SessionStarted fires before each worker session launches.
	SessionStarted func(featureID string, session int)

	// Heartbeat fires for worker output, throttled to the configured
	// heartbeat interval.
	Heartbeat func(featureID string, at time.Time)

	// SessionEnded fires after each worker session returns.
	SessionEnded func(featureID string, session int, res *worker.Result)
}

// -----------------------------------------------------------------------------
// Supervisor
// -----------------------------------------------------------------------------

// Supervisor runs worker sessions for one feature at a time.
type Supervisor struct {
	cfg      *config.Config
	launcher worker.Launcher
	features *feature.Store
	state    *state.Store
	log      *logging.Logger
	hooks    Hooks

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHooks installs observation callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Supervisor) { s.hooks = h }
}

// WithClock overrides the supervisor's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a Supervisor. The launcher runs worker sessions, the feature
// store records passes, and the state store receives checkpoints and
// progress lines.
func New(cfg *config.Config, launcher worker.Launcher, features *feature.Store, st *state.Store, log *logging.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		features: features,
		state:    st,
		log:      log,
		now:      time.Now,
	}
	if s.log == nil {
		s.log = logging.NopLogger()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run supervises sessions for feat on the given branch until the feature
// passes, a limit is hit, or the context ends. dir is the working directory
// workers launch in. The returned Outcome is always non-nil; Outcome.Err
// holds the terminal error for non-succeeded statuses. Run itself only
// returns an error when it could not start at all, such as when the
// branch's run lock is held by a live process.
func (s *Supervisor) Run(ctx context.Context, feat *feature.Feature, branch, dir string) (*Outcome, error) {
	action, err := ParseTimeoutAction(s.cfg.Session.OnTimeout)
	if err != nil {
		return nil, err
	}

	lock, err := lockfile.Acquire(s.state.Dir(), branch)
	if err != nil {
		return nil, err
	}

	log := s.log.WithFeature(feat.ID)
	outcome := &Outcome{FeatureID: feat.ID}
	start := s.now()

	// Cleanup runs on every exit path, including panics in the session
	// loop: the lock is released, the final checkpoint reflects the
	// outcome, and the progress log gets a terminal line.
	defer func() {
		outcome.Duration = s.now().Sub(start)
		s.cleanup(lock, feat, outcome, log)
	}()

	startSession := 1
	failures := 0
	if cp, err := s.state.LoadCheckpoint(feat.ID); err == nil && cp != nil {
		startSession = cp.CurrentSession + 1
		failures = cp.ConsecutiveFailures
		log.Info("resuming from checkpoint", "session", startSession, "consecutive_failures", failures)
	}

	retried := false
	for session := startSession; ; session++ {
		if limit := s.sessionLimit(retried); limit > 0 && session > limit {
			outcome.Status = state.StatusFailed
			outcome.Message = fmt.Sprintf("session limit reached (%d)", limit)
			outcome.Err = errors.NewValidationError(outcome.Message).WithFeatureID(feat.ID)
			return outcome, nil
		}
		if err := ctx.Err(); err != nil {
			outcome.Status = state.StatusFailed
			outcome.Message = "run canceled"
			outcome.Err = errors.Wrap(err, "run canceled")
			return outcome, nil
		}

		timeout := s.cfg.Session.Timeout()
		if retried {
			timeout = s.cfg.Session.ExtendedTimeout()
		}

		if s.hooks.SessionStarted != nil {
			s.hooks.SessionStarted(feat.ID, session)
		}
		log.Info("starting worker session", "session", session, "timeout", timeout.String())

		res, sessErr := s.runSession(ctx, feat, dir, timeout)
		outcome.Sessions++

		if s.hooks.SessionEnded != nil {
			s.hooks.SessionEnded(feat.ID, session, res)
		}
		s.saveCheckpoint(feat.ID, session, failures)

		switch {
		case res.Completed:
			if err := s.features.MarkPassed(feat.ID); err != nil {
				outcome.Status = state.StatusFailed
				outcome.Message = "could not record pass"
				outcome.Err = err
				return outcome, nil
			}
			log.Info("feature passed", "session", session, "sentinel", res.Sentinel)
			outcome.Status = state.StatusSucceeded
			return outcome, nil

		case res.TimedOut:
			var terr *errors.TimeoutError
			if errors.As(sessErr, &terr) {
				outcome.Err = terr
				outcome.Message = terr.Error()
			} else {
				outcome.Err = errors.NewTimeoutError("worker session", timeout).WithFeatureID(feat.ID)
				outcome.Message = outcome.Err.Error()
			}
			if action == ActionRetry && !retried {
				retried = true
				log.Warn("session timed out, retrying with extended timeout",
					"session", session, "extended_timeout", s.cfg.Session.ExtendedTimeout().String())
				continue
			}
			outcome.Status = state.StatusTimedOut
			outcome.Abort = action == ActionAbort
			log.Error("session timed out", "session", session, "action", string(action))
			return outcome, nil

		default:
			failures++
			log.Warn("session ended without completion",
				"session", session, "exit_code", res.ExitCode, "consecutive_failures", failures)
			if failures >= s.cfg.Session.MaxConsecutiveFailures {
				outcome.Status = state.StatusFailed
				outcome.Message = fmt.Sprintf("%d consecutive sessions without progress", failures)
				outcome.Err = errors.NewStallError(feat.ID, time.Duration(failures)*timeout)
				outcome.Abort = true
				return outcome, nil
			}
		}
	}
}

// sessionLimit returns the effective session cap, 0 meaning unlimited.
// Reserved sessions are held back from normal progression; a timeout retry
// may spend them.
func (s *Supervisor) sessionLimit(retried bool) int {
	max := s.cfg.Session.MaxSessions
	if max <= 0 || retried {
		return max
	}
	limit := max - s.cfg.Session.ReserveSessions
	if limit < 1 {
		limit = 1
	}
	return limit
}

// runSession launches one worker session with its own timeout and a stall
// watchdog that cancels the session when the worker goes silent.
func (s *Supervisor) runSession(ctx context.Context, feat *feature.Feature, dir string, timeout time.Duration) (*worker.Result, error) {
	sessCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	watch := newStallWatch(s.cfg.Session.StallTimeout(), cancel)
	defer watch.stop()

	var lastBeat time.Time
	var beatMu sync.Mutex
	spec := worker.Spec{
		Command:   s.cfg.Worker.Command,
		Args:      s.cfg.Worker.Args,
		Dir:       dir,
		Env:       collaboratorEnv(&s.cfg.Collab),
		Model:     s.cfg.Worker.Model,
		FeatureID: feat.ID,
		Sentinels: s.cfg.Worker.CompletionSentinels,
		Heartbeat: func(string) {
			watch.touch()
			if s.hooks.Heartbeat == nil {
				return
			}
			now := s.now()
			beatMu.Lock()
			due := now.Sub(lastBeat) >= s.cfg.Session.Heartbeat()
			if due {
				lastBeat = now
			}
			beatMu.Unlock()
			if due {
				s.hooks.Heartbeat(feat.ID, now)
			}
		},
	}
	if max := s.cfg.Session.MaxSessions; max > 0 {
		spec.MaxIterations = max
	}

	res, err := s.launcher.Launch(sessCtx, spec)
	if res == nil {
		res = &worker.Result{ExitCode: -1}
	}
	if res.TimedOut && watch.stalled() {
		silence := s.cfg.Session.StallTimeout()
		err = errors.NewStallError(feat.ID, silence)
	}
	return res, err
}

// collaboratorEnv encodes the collaborator toggles for worker processes.
// Workers that do not understand them ignore them.
func collaboratorEnv(c *config.CollaboratorsConfig) []string {
	return []string{
		"FEATRUN_SEMANTIC_MEMORY=" + envBool(c.SemanticMemory),
		"FEATRUN_ADAPTIVE_MODEL=" + envBool(c.AdaptiveModel),
		"FEATRUN_APPROVAL_GATES=" + envBool(c.ApprovalGates),
	}
}

func envBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// saveCheckpoint records per-session progress for crash recovery. Failures
// to persist are logged, not fatal.
func (s *Supervisor) saveCheckpoint(featureID string, session, failures int) {
	list := s.currentList()
	cp := &state.Checkpoint{
		CurrentSession:      session,
		ConsecutiveFailures: failures,
		CurrentFeature:      featureID,
	}
	if list != nil {
		cp.FeaturesCompleted = list.Completed()
	}
	if err := s.state.SaveCheckpoint(cp); err != nil {
		s.log.Warn("could not save checkpoint", "error", err.Error())
	}
}

func (s *Supervisor) currentList() *feature.List {
	if s.features == nil {
		return nil
	}
	return s.features.List()
}

// cleanup releases the run lock and records the terminal state. It never
// fails; persistence errors are logged and swallowed because cleanup runs
// on paths that already carry an error.
func (s *Supervisor) cleanup(lock *lockfile.Lock, feat *feature.Feature, outcome *Outcome, log *logging.Logger) {
	if err := lock.Release(); err != nil {
		log.Warn("could not release run lock", "error", err.Error())
	}
	if outcome.Status == "" {
		outcome.Status = state.StatusFailed
		if outcome.Message == "" {
			outcome.Message = "supervisor exited unexpectedly"
		}
	}
	if outcome.Succeeded() {
		if err := s.state.ClearCheckpoint(feat.ID); err != nil {
			log.Warn("could not clear checkpoint", "error", err.Error())
		}
	}
	line := fmt.Sprintf("feature %s: %s after %d session(s)", feat.ID, outcome.Status, outcome.Sessions)
	if outcome.Message != "" {
		line += " (" + outcome.Message + ")"
	}
	if err := s.state.AppendProgress(line); err != nil {
		log.Warn("could not append progress", "error", err.Error())
	}
}

// -----------------------------------------------------------------------------
// Stall Watchdog
// -----------------------------------------------------------------------------

// stallWatch cancels a session when no output arrives within the window.
// A zero window disables it.
type stallWatch struct {
	timer  *time.Timer
	window time.Duration

	mu    sync.Mutex
	fired bool
	done  bool
}

func newStallWatch(window time.Duration, cancel context.CancelFunc) *stallWatch {
	w := &stallWatch{window: window}
	if window <= 0 {
		return w
	}
	w.timer = time.AfterFunc(window, func() {
		w.mu.Lock()
		w.fired = !w.done
		w.mu.Unlock()
		if w.fired {
			cancel()
		}
	})
	return w
}

// touch resets the silence window.
func (w *stallWatch) touch() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	if !w.done && !w.fired {
		w.timer.Reset(w.window)
	}
	w.mu.Unlock()
}

// stop disarms the watchdog.
func (w *stallWatch) stop() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
	w.timer.Stop()
}

// stalled reports whether the watchdog fired.
func (w *stallWatch) stalled() bool {
	if w.timer == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}
