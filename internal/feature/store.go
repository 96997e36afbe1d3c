package feature

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/featrun/featrun/internal/errors"
)

// DefaultFileName is the feature list file looked up in a project
// directory when no explicit path is given.
const DefaultFileName = "feature_list.json"

// Store loads and persists a feature list for one project.
//
// The backing file is either JSON (a bare array of features) or YAML,
// chosen by file extension. Writes are atomic: the list is marshaled to a
// temp file in the same directory and renamed over the original, so a
// crashed run never leaves a half-written list behind.
//
// Store is safe for concurrent use. Parallel workers mutate the list
// through a single shared Store so pass flags are never lost to a
// read-modify-write race.
type Store struct {
	path string

	mu   sync.Mutex
	list *List
}

// NewStore creates a store for the feature list at path.
// The file is not read until Load is called.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Resolve returns the feature list path for a project directory. When path
// is already a file path it is returned as-is; when it is a directory, the
// default file name inside it is used.
func Resolve(path string) string {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return filepath.Join(path, DefaultFileName)
	}
	return path
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the feature list from disk. The loaded list is
// retained by the store; subsequent mutation helpers operate on it.
func (s *Store) Load() (*List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature list: %w", err)
	}

	var features []Feature
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &features); err != nil {
			return nil, errors.NewValidationError("failed to parse feature list").WithCause(err)
		}
	default:
		if err := json.Unmarshal(data, &features); err != nil {
			return nil, errors.NewValidationError("failed to parse feature list").WithCause(err)
		}
	}

	list := &List{Features: features}
	if err := list.Validate(); err != nil {
		return nil, err
	}

	s.list = list
	return list, nil
}

// List returns the store's current list, or nil before Load.
func (s *Store) List() *List {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

// Save writes the given list back to disk atomically and retains it as the
// store's current list.
func (s *Store) Save(list *List) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(list); err != nil {
		return err
	}
	s.list = list
	return nil
}

// MarkPassed flips the Passes flag for the given feature and persists the
// updated list in one critical section.
func (s *Store) MarkPassed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.list == nil {
		return fmt.Errorf("feature list not loaded")
	}
	if err := s.list.MarkPassed(id); err != nil {
		return err
	}
	return s.write(s.list)
}

// SetPassed sets the Passes flag to an explicit value and persists the
// list. Used to revert a pass when the feature's branch fails to merge.
func (s *Store) SetPassed(id string, passed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.list == nil {
		return fmt.Errorf("feature list not loaded")
	}
	f := s.list.Get(id)
	if f == nil {
		return errors.NewValidationError("unknown feature '" + id + "'").WithFeatureID(id)
	}
	f.Passes = passed
	return s.write(s.list)
}

// write marshals and atomically replaces the backing file.
// Callers must hold s.mu.
func (s *Store) write(list *List) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(list.Features)
	default:
		data, err = json.MarshalIndent(list.Features, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal feature list: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpFile, s.path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
