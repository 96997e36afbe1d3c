// Package coordinator executes a plan level by level. In parallel mode
// each feature in a level runs on its own git branch, checked out in its
// own worktree, under its own supervisor, bounded by the level's
// parallelism; when the level's sessions are all terminal, succeeded
// branches are merged back into the integration branch one at a time. In
// sequential mode features run one after another on the integration
// branch itself, in the main working tree.
//
// Failure isolation: a failed or timed-out feature never halts its
// siblings, but features in later levels that depend on it are marked
// blocked and never attempted.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/featrun/featrun/internal/config"
	"github.com/featrun/featrun/internal/errors"
	"github.com/featrun/featrun/internal/feature"
	"github.com/featrun/featrun/internal/gitops"
	"github.com/featrun/featrun/internal/graph"
	"github.com/featrun/featrun/internal/logging"
	"github.com/featrun/featrun/internal/plan"
	"github.com/featrun/featrun/internal/state"
	"github.com/featrun/featrun/internal/supervisor"
	"github.com/featrun/featrun/internal/worker"
)

// BranchName returns the isolation branch for a feature.
func BranchName(prefix, featureID string) string {
	return prefix + "/parallel/" + featureID
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// EventType identifies a coordinator event.
type EventType string

const (
	EventLevelStarted     EventType = "level_started"
	EventLevelComplete    EventType = "level_complete"
	EventFeatureStarted   EventType = "feature_started"
	EventFeatureSucceeded EventType = "feature_succeeded"
	EventFeatureFailed    EventType = "feature_failed"
	EventFeatureTimedOut  EventType = "feature_timed_out"
	EventFeatureBlocked   EventType = "feature_blocked"
	EventMerged           EventType = "merged"
	EventMergeConflict    EventType = "merge_conflict"
	EventRunComplete      EventType = "run_complete"
)

// Event is emitted as the run progresses.
type Event struct {
	Type      EventType `json:"type"`
	FeatureID string    `json:"feature_id,omitempty"`
	Level     int       `json:"level,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// FeatureStatus is the coordinator's terminal disposition for one feature.
// It extends the session statuses with "blocked" for features whose
// requirements did not resolve.
type FeatureStatus string

const (
	FeatureSucceeded FeatureStatus = "succeeded"
	FeatureFailed    FeatureStatus = "failed"
	FeatureTimedOut  FeatureStatus = "timed_out"
	FeatureBlocked   FeatureStatus = "blocked"
)

// Result is the outcome of one feature within the run.
type Result struct {
	FeatureID string
	Branch    string
	Worktree  string
	Status    FeatureStatus
	Merged    bool
	Sessions  int
	Duration  time.Duration
	Message   string
	Err       error

	// Abort requests that the run stop after the current level, per the
	// supervisor's timeout policy or stall detection.
	Abort bool
}

// Report summarizes a whole run.
type Report struct {
	Results  map[string]*Result
	Aborted  bool
	Reason   string
	Duration time.Duration
}

// AllResolved reports whether every planned feature succeeded.
func (r *Report) AllResolved() bool {
	if r.Aborted || len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Status != FeatureSucceeded {
			return false
		}
	}
	return true
}

// byStatus returns the sorted feature IDs with the given status.
func (r *Report) byStatus(status FeatureStatus) []string {
	var ids []string
	for id, res := range r.Results {
		if res.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Succeeded returns the sorted IDs of features that passed and merged.
func (r *Report) Succeeded() []string { return r.byStatus(FeatureSucceeded) }

// Failed returns the sorted IDs of features that failed.
func (r *Report) Failed() []string { return r.byStatus(FeatureFailed) }

// TimedOut returns the sorted IDs of features that timed out.
func (r *Report) TimedOut() []string { return r.byStatus(FeatureTimedOut) }

// Blocked returns the sorted IDs of features that were never attempted
// because a requirement did not resolve.
func (r *Report) Blocked() []string { return r.byStatus(FeatureBlocked) }

// -----------------------------------------------------------------------------
// Coordinator
// -----------------------------------------------------------------------------

// Coordinator drives a run.
type Coordinator struct {
	cfg      *config.Config
	graph    *graph.Graph
	plan     *plan.Plan
	features *feature.Store
	st       *state.Store
	git      gitops.Git
	launcher worker.Launcher
	log      *logging.Logger
	repoDir  string

	mu       sync.Mutex
	registry *state.Registry

	eventChan chan Event
	eventCb   func(Event)
}

// New creates a Coordinator. repoDir is the project checkout workers run
// in and git operates on.
func New(cfg *config.Config, g *graph.Graph, p *plan.Plan, features *feature.Store, st *state.Store, git gitops.Git, launcher worker.Launcher, repoDir string, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Coordinator{
		cfg:       cfg,
		graph:     g,
		plan:      p,
		features:  features,
		st:        st,
		git:       git,
		launcher:  launcher,
		log:       log,
		repoDir:   repoDir,
		registry:  state.NewRegistry(),
		eventChan: make(chan Event, 100),
	}
}

// SetEventCallback installs a callback invoked for every event.
func (c *Coordinator) SetEventCallback(cb func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventCb = cb
}

// Events returns the buffered event channel for monitoring.
func (c *Coordinator) Events() <-chan Event {
	return c.eventChan
}

func (c *Coordinator) emit(event Event) {
	event.Timestamp = time.Now()

	select {
	case c.eventChan <- event:
	default:
	}

	c.mu.Lock()
	cb := c.eventCb
	c.mu.Unlock()
	if cb != nil {
		cb(event)
	}
}

// Run executes the plan in the configured mode and writes the handoff and
// completion artifacts before returning. The returned Report is always
// non-nil.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	integration := c.cfg.Branch.Integration
	if integration == "" {
		var err error
		integration, err = c.git.CurrentBranch()
		if err != nil {
			return nil, errors.Wrap(err, "could not determine integration branch")
		}
	}

	if dest, err := c.st.ArchiveRun(integration); err != nil {
		c.log.Warn("could not archive previous run", "error", err.Error())
	} else if dest != "" {
		c.log.Info("archived previous run", "dest", dest)
	}

	report := &Report{Results: make(map[string]*Result)}

	var err error
	switch c.cfg.Execution.Mode {
	case "sequential":
		err = c.runSequential(ctx, report, integration)
	case "parallel", "":
		err = c.runParallel(ctx, report, integration)
	default:
		return nil, errors.NewConfigurationError(fmt.Sprintf("unknown execution mode %q", c.cfg.Execution.Mode)).
			WithField("execution.mode").
			WithValue(c.cfg.Execution.Mode)
	}

	report.Duration = time.Since(start)
	c.finishRun(report, integration)
	return report, err
}

// runParallel executes each level as a bounded wave of branch-isolated
// supervisors, then merges succeeded branches serially.
func (c *Coordinator) runParallel(ctx context.Context, report *Report, integration string) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	resolved := make(map[string]bool)

	for _, level := range c.plan.Levels {
		if runCtx.Err() != nil {
			report.Aborted = true
			break
		}

		c.emit(Event{Type: EventLevelStarted, Level: level.Level})
		c.progress(fmt.Sprintf("level %d started: %s", level.Level, strings.Join(level.Features, ", ")))

		runnable := c.partitionBlocked(report, level.Features, resolved, level.Level)

		wave := pool.New().WithMaxGoroutines(level.MaxParallelism)
		for _, id := range runnable {
			feat := c.features.List().Get(id)
			branch := BranchName(c.cfg.Branch.Prefix, id)
			worktree := c.worktreePath(id)
			wave.Go(func() {
				res := c.runFeature(runCtx, feat, branch, integration, worktree, level.Level)
				c.mu.Lock()
				report.Results[id] = res
				c.mu.Unlock()
				// Failed features only block their dependents; the abort
				// timeout policy and fatal startup errors stop the run.
				if res.Abort && (res.Status != FeatureFailed || errors.IsFatal(res.Err)) {
					cancelRun()
				}
			})
		}
		wave.Wait()

		// Abort requested by a supervisor in this wave (stall or timeout
		// policy). Sessions already running were allowed to finish; no new
		// level starts.
		aborted := runCtx.Err() != nil && ctx.Err() == nil

		c.mergeLevel(report, runnable, integration, level.Level)

		for _, id := range runnable {
			if res := report.Results[id]; res != nil && res.Status == FeatureSucceeded {
				resolved[id] = true
			}
		}

		c.emit(Event{Type: EventLevelComplete, Level: level.Level})
		c.progress(fmt.Sprintf("level %d complete", level.Level))

		if aborted || ctx.Err() != nil {
			report.Aborted = true
			break
		}
	}

	if ctx.Err() != nil {
		report.Aborted = true
		return ctx.Err()
	}
	return nil
}

// runSequential supervises one feature at a time on the integration
// branch, in plan order. There is no branch isolation and nothing to
// merge; a pass counts as resolved immediately.
func (c *Coordinator) runSequential(ctx context.Context, report *Report, integration string) error {
	resolved := make(map[string]bool)

	for _, level := range c.plan.Levels {
		runnable := c.partitionBlocked(report, level.Features, resolved, level.Level)

		for _, id := range runnable {
			if ctx.Err() != nil {
				report.Aborted = true
				return ctx.Err()
			}

			feat := c.features.List().Get(id)
			res := c.runFeature(ctx, feat, integration, integration, "", level.Level)
			report.Results[id] = res
			if res.Status == FeatureSucceeded {
				resolved[id] = true
				continue
			}
			if res.Abort {
				report.Aborted = true
				return nil
			}
		}
	}
	return nil
}

// partitionBlocked records a blocked Result for every feature in the level
// whose requirements are not all resolved, and returns the rest.
func (c *Coordinator) partitionBlocked(report *Report, features []string, resolved map[string]bool, levelNum int) []string {
	var runnable []string
	for _, id := range features {
		var missing []string
		for _, req := range c.graph.Requirements(id) {
			if !resolved[req] {
				missing = append(missing, req)
			}
		}
		if len(missing) == 0 {
			runnable = append(runnable, id)
			continue
		}
		msg := "blocked by " + strings.Join(missing, ", ")
		report.Results[id] = &Result{
			FeatureID: id,
			Status:    FeatureBlocked,
			Message:   msg,
		}
		c.emit(Event{Type: EventFeatureBlocked, FeatureID: id, Level: levelNum, Message: msg})
		c.progress(fmt.Sprintf("feature %s: blocked (%s)", id, msg))
		c.log.WithFeature(id).Warn("feature blocked", "missing", strings.Join(missing, ","))
	}
	return runnable
}

// worktreePath returns the per-feature worktree directory for parallel
// sessions.
func (c *Coordinator) worktreePath(featureID string) string {
	return filepath.Join(c.st.Dir(), "worktrees", featureID)
}

// runFeature creates the feature's branch and worktree when isolated,
// registers the worker, and supervises sessions until terminal. An empty
// worktree means the feature runs in the main working tree on branch,
// which must already be checked out.
func (c *Coordinator) runFeature(ctx context.Context, feat *feature.Feature, branch, integration, worktree string, levelNum int) *Result {
	res := &Result{FeatureID: feat.ID, Branch: branch}

	dir := c.repoDir
	if worktree != "" {
		if err := c.git.AddWorktree(worktree, branch, integration); err != nil {
			res.Status = FeatureFailed
			res.Err = err
			res.Message = "could not create worktree"
			c.emit(Event{Type: EventFeatureFailed, FeatureID: feat.ID, Level: levelNum, Message: res.Message})
			return res
		}
		res.Worktree = worktree
		dir = worktree
	}

	workerID := "worker-" + feat.ID
	c.updateRegistry(func(r *state.Registry) {
		r.ActiveWorkers[workerID] = &state.WorkerSession{
			WorkerID:      workerID,
			FeatureID:     feat.ID,
			GitBranch:     branch,
			Model:         c.cfg.Worker.Model,
			PID:           os.Getpid(),
			Status:        state.StatusStarting,
			MaxSessions:   c.cfg.Session.MaxSessions,
			StartedAt:     time.Now().UTC(),
			LastHeartbeat: time.Now().UTC(),
		}
	})
	c.emit(Event{Type: EventFeatureStarted, FeatureID: feat.ID, Level: levelNum})

	hooks := supervisor.Hooks{
		SessionStarted: func(featureID string, session int) {
			c.updateRegistry(func(r *state.Registry) {
				if w := r.ActiveWorkers[workerID]; w != nil {
					w.Status = state.StatusRunning
					w.CurrentSession = session
					w.LastHeartbeat = time.Now().UTC()
				}
			})
		},
		Heartbeat: func(featureID string, at time.Time) {
			c.updateRegistry(func(r *state.Registry) {
				if w := r.ActiveWorkers[workerID]; w != nil {
					w.LastHeartbeat = at.UTC()
				}
			})
		},
	}

	sup := supervisor.New(c.cfg, c.launcher, c.features, c.st, c.log, supervisor.WithHooks(hooks))
	out, err := sup.Run(ctx, feat, branch, dir)
	if err != nil {
		res.Status = FeatureFailed
		res.Err = err
		res.Message = err.Error()
		res.Abort = errors.IsFatal(err)
		c.completeWorker(workerID, state.StatusFailed, res.Message)
		c.emit(Event{Type: EventFeatureFailed, FeatureID: feat.ID, Level: levelNum, Message: res.Message})
		return res
	}

	res.Sessions = out.Sessions
	res.Duration = out.Duration
	res.Message = out.Message
	res.Err = out.Err

	switch out.Status {
	case state.StatusSucceeded:
		res.Status = FeatureSucceeded
		c.completeWorker(workerID, state.StatusSucceeded, out.Message)
		c.emit(Event{Type: EventFeatureSucceeded, FeatureID: feat.ID, Level: levelNum})
	case state.StatusTimedOut:
		res.Status = FeatureTimedOut
		c.completeWorker(workerID, state.StatusTimedOut, out.Message)
		c.emit(Event{Type: EventFeatureTimedOut, FeatureID: feat.ID, Level: levelNum, Message: out.Message})
	default:
		res.Status = FeatureFailed
		c.completeWorker(workerID, state.StatusFailed, out.Message)
		c.emit(Event{Type: EventFeatureFailed, FeatureID: feat.ID, Level: levelNum, Message: out.Message})
	}
	res.Abort = out.Abort
	return res
}

// mergeLevel merges the level's succeeded branches into the integration
// branch one at a time, in level order. A clean merge retires the
// feature's worktree; its branch survives. A conflict fails that feature
// and reverts its pass; its branch and worktree are left intact for
// manual resolution and its siblings still merge.
func (c *Coordinator) mergeLevel(report *Report, runnable []string, integration string, levelNum int) {
	for _, id := range runnable {
		c.mu.Lock()
		res := report.Results[id]
		c.mu.Unlock()
		if res == nil || res.Status != FeatureSucceeded || res.Branch == integration {
			if res != nil && res.Status == FeatureSucceeded && res.Branch == integration {
				res.Merged = true
			}
			continue
		}

		log := c.log.WithFeature(id)
		if err := c.git.Merge(res.Branch, integration); err != nil {
			res.Status = FeatureFailed
			res.Err = err
			if perr := c.features.SetPassed(id, false); perr != nil {
				log.Warn("could not revert pass after failed merge", "error", perr.Error())
			}

			var conflict *errors.MergeConflictError
			if errors.As(err, &conflict) {
				res.Message = fmt.Sprintf("merge conflict in %s", strings.Join(conflict.Files, ", "))
				c.emit(Event{Type: EventMergeConflict, FeatureID: id, Level: levelNum, Message: res.Message})
				c.progress(fmt.Sprintf("feature %s: merge conflict (%s), branch %s left for manual resolution", id, strings.Join(conflict.Files, ", "), res.Branch))
				log.Error("merge conflict", "branch", res.Branch, "files", strings.Join(conflict.Files, ","))
			} else {
				res.Message = "merge failed"
				c.emit(Event{Type: EventFeatureFailed, FeatureID: id, Level: levelNum, Message: res.Message})
				log.Error("merge failed", "branch", res.Branch, "error", err.Error())
			}
			continue
		}

		res.Merged = true
		if res.Worktree != "" {
			if err := c.git.RemoveWorktree(res.Worktree); err != nil {
				log.Warn("could not remove worktree after merge", "worktree", res.Worktree, "error", err.Error())
			}
		}
		c.emit(Event{Type: EventMerged, FeatureID: id, Level: levelNum})
		c.progress(fmt.Sprintf("feature %s: merged %s into %s", id, res.Branch, integration))
	}
}

// finishRun persists the terminal registry, handoff, and completion
// artifacts. Persistence failures are logged; the report stands either way.
func (c *Coordinator) finishRun(report *Report, integration string) {
	c.mu.Lock()
	if err := c.st.SaveSessions(c.registry); err != nil {
		c.log.Warn("could not save session registry", "error", err.Error())
	}
	c.mu.Unlock()

	features := make(map[string]bool, len(report.Results))
	sessions := 0
	for id, res := range report.Results {
		features[id] = res.Status == FeatureSucceeded
		sessions += res.Sessions
	}

	status := "incomplete"
	reason := "features_unresolved"
	switch {
	case report.AllResolved():
		status = "complete"
		reason = "all_features_complete"
	case report.Aborted:
		status = "aborted"
		reason = "run_aborted"
		for _, res := range report.Results {
			if res.Abort && errors.Is(res.Err, errors.ErrStalled) {
				reason = "stall_detected"
				break
			}
		}
	}
	report.Reason = reason

	handoff := &state.Handoff{
		Version:      state.RegistryVersion,
		HandoffTime:  time.Now().UTC(),
		Mode:         c.cfg.Execution.Mode,
		Branch:       integration,
		Features:     features,
		SessionCount: sessions,
		Status:       status,
	}
	if err := c.st.SaveHandoff(handoff); err != nil {
		c.log.Warn("could not save handoff", "error", err.Error())
	}

	total := 0
	completed := 0
	if list := c.features.List(); list != nil {
		total = list.Len()
		completed = list.Completed()
	}
	completion := &state.Completion{
		Timestamp:         time.Now().UTC(),
		Reason:            reason,
		ProjectDir:        c.repoDir,
		SessionCount:      sessions,
		FeaturesCompleted: completed,
		TotalFeatures:     total,
	}
	if err := c.st.SignalCompletion(completion); err != nil {
		c.log.Warn("could not signal completion", "error", err.Error())
	}

	c.progress(fmt.Sprintf("run finished: %s (%d succeeded, %d failed, %d timed out, %d blocked)",
		reason, len(report.Succeeded()), len(report.Failed()), len(report.TimedOut()), len(report.Blocked())))
	c.emit(Event{Type: EventRunComplete, Message: reason})
}

// updateRegistry mutates the registry and writes it through in one
// critical section.
func (c *Coordinator) updateRegistry(fn func(*state.Registry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.registry)
	if err := c.st.SaveSessions(c.registry); err != nil {
		c.log.Warn("could not save session registry", "error", err.Error())
	}
}

// completeWorker moves the worker to the completed list and persists the
// registry before anything else happens on the feature.
func (c *Coordinator) completeWorker(workerID string, result state.SessionStatus, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.registry.Complete(workerID, result, message); err != nil {
		c.log.Warn("could not complete worker", "worker_id", workerID, "error", err.Error())
	}
	if err := c.st.SaveSessions(c.registry); err != nil {
		c.log.Warn("could not save session registry", "error", err.Error())
	}
}

func (c *Coordinator) progress(message string) {
	if err := c.st.AppendProgress(message); err != nil {
		c.log.Warn("could not append progress", "error", err.Error())
	}
}
