// Package lockfile implements the per-branch run lock.
//
// One lock exists per logical branch, not per process: it stops a second
// supervisor from driving the same branch while the first is alive. The
// lock is a JSON file under <stateDir>/locks/ created with O_EXCL, holding
// the owner's PID, hostname, and start time. A lock whose owning process
// is dead is stale and reclaimed on the next acquire.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/featrun/featrun/internal/errors"
)

// LocksDirName is the subdirectory of the state directory that holds lock
// files.
const LocksDirName = "locks"

// Lock is an acquired run lock. Release it on every exit path.
type Lock struct {
	path string
	info Info
}

// Info is the JSON content of a lock file.
type Info struct {
	Branch    string    `json:"branch"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// Acquire takes the run lock for branch under stateDir.
//
// If a live process holds the lock, it fails with *errors.AlreadyRunningError.
// If the lock file exists but its owner is dead, the stale lock is removed
// and acquisition is retried once.
func Acquire(stateDir, branch string) (*Lock, error) {
	dir := filepath.Join(stateDir, LocksDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create locks directory: %w", err)
	}

	hostname, _ := os.Hostname()
	info := Info{
		Branch:    branch,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	}
	path := filepath.Join(dir, sanitize(branch)+".lock")

	if err := tryCreate(path, info); err == nil {
		return &Lock{path: path, info: info}, nil
	} else if !os.IsExist(err) {
		return nil, err
	}

	holder, err := Read(path)
	if err != nil {
		// Unreadable lock file: treat as stale.
		holder = nil
	}
	if holder != nil && processAlive(holder.PID) {
		return nil, errors.NewAlreadyRunningError(branch, holder.PID, holder.Hostname)
	}

	// Stale lock from a dead process. Reclaim it.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	if err := tryCreate(path, info); err != nil {
		if os.IsExist(err) {
			// Lost the race to another acquirer.
			if holder, rerr := Read(path); rerr == nil {
				return nil, errors.NewAlreadyRunningError(branch, holder.PID, holder.Hostname)
			}
			return nil, errors.NewAlreadyRunningError(branch, 0, "")
		}
		return nil, err
	}
	return &Lock{path: path, info: info}, nil
}

// Release removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Info returns the lock's owner record.
func (l *Lock) Info() Info {
	return l.info
}

// Read parses the lock file at path.
func Read(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &info, nil
}

// tryCreate writes the lock file exclusively, failing if it exists.
func tryCreate(path string, info Info) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	data, merr := json.MarshalIndent(info, "", "  ")
	if merr != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to marshal lock info: %w", merr)
	}
	if _, werr := f.Write(data); werr != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write lock file: %w", werr)
	}
	return f.Close()
}

// processAlive probes the PID with signal 0. A nonexistent process fails
// the probe; a live process owned by another user answers EPERM, which
// still counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// sanitize maps a branch name to a safe file name.
func sanitize(branch string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	return r.Replace(branch)
}
