package state

import (
	"fmt"
	"os"
	"sort"
	"time"
)

// RegistryVersion is the schema version of the worker session registry.
const RegistryVersion = "1.0.0"

// SessionStatus is the lifecycle state of one worker session.
type SessionStatus string

const (
	// StatusStarting means the branch is created and the worker process
	// is being launched.
	StatusStarting SessionStatus = "starting"
	// StatusRunning means the worker process is executing.
	StatusRunning SessionStatus = "running"
	// StatusSucceeded means the worker reported completion and its test
	// passed.
	StatusSucceeded SessionStatus = "succeeded"
	// StatusFailed means the worker exited without completing, or its
	// branch could not be merged.
	StatusFailed SessionStatus = "failed"
	// StatusTimedOut means the worker exceeded its timeout or stalled.
	StatusTimedOut SessionStatus = "timed_out"
)

// IsTerminal returns true for statuses a session can never leave.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// WorkerSession is one execution attempt of the worker process against one
// feature on one branch. Sessions are ephemeral: created at start,
// moved to the completed list at the end regardless of outcome.
type WorkerSession struct {
	WorkerID       string        `json:"worker_id"`
	FeatureID      string        `json:"feature_id"`
	GitBranch      string        `json:"git_branch"`
	Model          string        `json:"model,omitempty"`
	PID            int           `json:"pid,omitempty"`
	Status         SessionStatus `json:"status"`
	CurrentSession int           `json:"current_session"`
	MaxSessions    int           `json:"max_sessions"`
	StartedAt      time.Time     `json:"started_at"`
	LastHeartbeat  time.Time     `json:"last_heartbeat"`
	ResultMessage  string        `json:"result_message,omitempty"`
}

// CompletedWorker is the registry record kept after a session ends.
type CompletedWorker struct {
	WorkerID     string        `json:"worker_id"`
	FeatureID    string        `json:"feature_id"`
	Result       SessionStatus `json:"result"`
	SessionsUsed int           `json:"sessions_used"`
	CompletedAt  time.Time     `json:"completed_at"`
	Message      string        `json:"message,omitempty"`
}

// Registry is the worker-sessions.json artifact: live sessions keyed by
// worker ID plus the history of completed ones.
type Registry struct {
	Version          string                    `json:"version"`
	ActiveWorkers    map[string]*WorkerSession `json:"active_workers"`
	CompletedWorkers []CompletedWorker         `json:"completed_workers"`
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		Version:       RegistryVersion,
		ActiveWorkers: make(map[string]*WorkerSession),
	}
}

// Active returns the live sessions sorted by worker ID.
func (r *Registry) Active() []*WorkerSession {
	out := make([]*WorkerSession, 0, len(r.ActiveWorkers))
	for _, w := range r.ActiveWorkers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Complete moves the worker to the completed list with the given terminal
// result. Returns an error if the worker is not active or the result is
// not terminal.
func (r *Registry) Complete(workerID string, result SessionStatus, message string) error {
	w, ok := r.ActiveWorkers[workerID]
	if !ok {
		return fmt.Errorf("worker %s is not active", workerID)
	}
	if !result.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", result)
	}
	r.CompletedWorkers = append(r.CompletedWorkers, CompletedWorker{
		WorkerID:     w.WorkerID,
		FeatureID:    w.FeatureID,
		Result:       result,
		SessionsUsed: w.CurrentSession,
		CompletedAt:  time.Now().UTC(),
		Message:      message,
	})
	delete(r.ActiveWorkers, workerID)
	return nil
}

// SaveSessions writes the worker session registry artifact.
func (s *Store) SaveSessions(r *Registry) error {
	return s.writeJSON(SessionsFileName, r)
}

// LoadSessions reads the registry, returning an empty one when the
// artifact does not exist yet.
func (s *Store) LoadSessions() (*Registry, error) {
	var r Registry
	if err := s.readJSON(SessionsFileName, &r); err != nil {
		if os.IsNotExist(err) {
			return NewRegistry(), nil
		}
		return nil, err
	}
	if r.ActiveWorkers == nil {
		r.ActiveWorkers = make(map[string]*WorkerSession)
	}
	return &r, nil
}
