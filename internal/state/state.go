// Package state persists run artifacts to the state directory
// (.featrun/ by default): the exported dependency graph and execution
// plan, the worker session registry, checkpoint and handoff records, the
// completion signal, and the append-only progress log.
//
// Every JSON artifact is written atomically via a temp file and rename,
// so a crashed run never leaves a half-written artifact behind. Artifacts
// are derivable or ephemeral; the durable source of truth stays the
// feature list itself.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Artifact file names inside the state directory.
const (
	GraphFileName    = "dependency-graph.json"
	PlanFileName     = "execution-plan.json"
	SessionsFileName = "worker-sessions.json"
	HandoffFileName  = "handoff.json"
	CompleteFileName = "complete.json"
	ProgressFileName = "progress.log"

	// CheckpointsDirName holds one crash-recovery checkpoint per feature.
	CheckpointsDirName = "checkpoints"

	// ArchiveDirName holds completed runs moved aside by Archive.
	ArchiveDirName = "archive"
)

// Store reads and writes run artifacts under one state directory.
// It is safe for concurrent use.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir, creating the directory if
// needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of an artifact file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// writeJSON marshals v and atomically replaces the named artifact.
func (s *Store) writeJSON(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := s.Path(name)
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// readJSON unmarshals the named artifact into v.
func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// Exists reports whether the named artifact is present.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Remove deletes the named artifact if present.
func (s *Store) Remove(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Graph and Plan Artifacts
// -----------------------------------------------------------------------------

// SaveGraph writes the exported dependency graph artifact.
// The caller passes the already-rendered export so this package does not
// depend on graph internals.
func (s *Store) SaveGraph(v any) error {
	return s.writeJSON(GraphFileName, v)
}

// LoadGraph reads the dependency graph artifact into v.
func (s *Store) LoadGraph(v any) error {
	return s.readJSON(GraphFileName, v)
}

// SavePlan writes the exported execution plan artifact.
func (s *Store) SavePlan(v any) error {
	return s.writeJSON(PlanFileName, v)
}

// LoadPlan reads the execution plan artifact into v.
func (s *Store) LoadPlan(v any) error {
	return s.readJSON(PlanFileName, v)
}

// -----------------------------------------------------------------------------
// Handoff and Completion
// -----------------------------------------------------------------------------

// Handoff is the record left for downstream collaborators when a run ends
// or transfers control.
type Handoff struct {
	Version      string          `json:"version"`
	HandoffTime  time.Time       `json:"handoff_time"`
	Mode         string          `json:"mode"`
	Branch       string          `json:"branch,omitempty"`
	Features     map[string]bool `json:"features"`
	SessionCount int             `json:"session_count"`
	Status       string          `json:"status"`
}

// SaveHandoff writes the handoff record.
func (s *Store) SaveHandoff(h *Handoff) error {
	return s.writeJSON(HandoffFileName, h)
}

// LoadHandoff reads the handoff record. Returns nil without error when no
// handoff has been written.
func (s *Store) LoadHandoff() (*Handoff, error) {
	var h Handoff
	if err := s.readJSON(HandoffFileName, &h); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

// Completion is the signal artifact written when a run finishes, for any
// reason.
type Completion struct {
	Timestamp         time.Time `json:"timestamp"`
	Reason            string    `json:"reason"`
	ProjectDir        string    `json:"project_dir"`
	SessionCount      int       `json:"session_count"`
	FeaturesCompleted int       `json:"features_completed"`
	TotalFeatures     int       `json:"total_features"`
}

// SignalCompletion writes the completion artifact.
func (s *Store) SignalCompletion(c *Completion) error {
	return s.writeJSON(CompleteFileName, c)
}

// LoadCompletion reads the completion artifact. Returns nil without error
// when the run has not signaled completion.
func (s *Store) LoadCompletion() (*Completion, error) {
	var c Completion
	if err := s.readJSON(CompleteFileName, &c); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// -----------------------------------------------------------------------------
// Progress Log
// -----------------------------------------------------------------------------

// AppendProgress appends a timestamped line to the progress log.
func (s *Store) AppendProgress(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path(ProgressFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open progress log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), message)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append progress: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Archiving
// -----------------------------------------------------------------------------

// Archive moves the current run's artifacts into archive/<runID>/ so the
// next run starts clean while the finished run stays inspectable. Missing
// artifacts are skipped.
func (s *Store) Archive(runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := filepath.Join(s.dir, ArchiveDirName, runID)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	names := []string{
		GraphFileName,
		PlanFileName,
		SessionsFileName,
		CheckpointsDirName,
		HandoffFileName,
		CompleteFileName,
		ProgressFileName,
	}
	for _, name := range names {
		src := s.Path(name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(src, filepath.Join(dest, name)); err != nil {
			return "", fmt.Errorf("failed to archive %s: %w", name, err)
		}
	}
	return dest, nil
}

// ArchiveRun archives the previous run's artifacts when the new run targets
// a different branch than the one recorded in the handoff. Returns the
// archive path, or "" when nothing was archived.
func (s *Store) ArchiveRun(branch string) (string, error) {
	prev, err := s.LoadHandoff()
	if err != nil {
		return "", err
	}
	if prev == nil || prev.Branch == "" || prev.Branch == branch {
		return "", nil
	}
	runID := time.Now().UTC().Format("20060102-150405") + "-" + sanitizeRunID(prev.Branch)
	return s.Archive(runID)
}

// sanitizeRunID makes a branch name safe as a directory component.
func sanitizeRunID(branch string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	return r.Replace(branch)
}
