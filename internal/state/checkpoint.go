package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the crash-recovery record written before and after each
// worker session. A surviving checkpoint on startup means the previous run
// died mid-flight and its counters can be restored. Checkpoints are kept
// per feature so concurrent supervisors never overwrite each other's
// resume records.
type Checkpoint struct {
	CheckpointTime      time.Time `json:"checkpoint_time"`
	CurrentSession      int       `json:"current_session"`
	FeaturesCompleted   int       `json:"features_completed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CurrentFeature      string    `json:"current_feature"`
}

// checkpointName returns the feature's checkpoint path relative to the
// state directory.
func checkpointName(featureID string) string {
	return filepath.Join(CheckpointsDirName, sanitizeRunID(featureID)+".json")
}

// SaveCheckpoint stamps and writes the checkpoint for c.CurrentFeature
// atomically.
func (s *Store) SaveCheckpoint(c *Checkpoint) error {
	if c.CurrentFeature == "" {
		return fmt.Errorf("checkpoint has no feature")
	}
	if err := os.MkdirAll(filepath.Join(s.dir, CheckpointsDirName), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoints directory: %w", err)
	}
	c.CheckpointTime = time.Now().UTC()
	return s.writeJSON(checkpointName(c.CurrentFeature), c)
}

// LoadCheckpoint reads the feature's checkpoint. Returns nil without error
// when no checkpoint exists, which is the normal case after a clean finish.
func (s *Store) LoadCheckpoint(featureID string) (*Checkpoint, error) {
	var c Checkpoint
	if err := s.readJSON(checkpointName(featureID), &c); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ClearCheckpoint removes the feature's checkpoint after it succeeds.
func (s *Store) ClearCheckpoint(featureID string) error {
	return s.Remove(checkpointName(featureID))
}
