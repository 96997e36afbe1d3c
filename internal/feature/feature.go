// Package feature defines the unit of work scheduled by featrun and the
// store that persists the feature list between runs.
//
// A feature list is an ordered array of Feature objects, loaded from
// feature_list.json (or a YAML equivalent) in the project directory. The
// list is the durable source of truth for what remains to be done: a
// worker run that completes a feature flips its Passes flag in place, and
// the store writes the updated list back atomically.
package feature

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/featrun/featrun/internal/errors"
)

// -----------------------------------------------------------------------------
// Feature
// -----------------------------------------------------------------------------

// Feature is a discrete unit of work executed by one worker session.
//
// Features form the nodes of the dependency graph. Dependencies reference
// other features by ID and must all exist within the same list; the
// declared edges must be acyclic.
type Feature struct {
	// ID uniquely identifies this feature within the list.
	// Follows a pattern like "feat-001" or "user-auth".
	ID string `json:"id" yaml:"id"`

	// Description contains the instructions handed to the executing worker.
	// Should be specific enough for independent execution.
	Description string `json:"description" yaml:"description"`

	// Test is the verification criterion a worker must satisfy before the
	// feature is considered done.
	Test string `json:"test,omitempty" yaml:"test,omitempty"`

	// Dependencies lists feature IDs that must complete before this one
	// can start. An empty list means the feature can run immediately.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Tags categorize the feature ("auth", "database", "api"). Tags feed
	// the implicit dependency heuristics in the graph package.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Priority orders features that become runnable at the same time.
	// Higher values run earlier.
	Priority int `json:"priority" yaml:"priority"`

	// Passes is true once a worker run has completed the feature and its
	// test passed. Mutated only by a successful run.
	Passes bool `json:"passes" yaml:"passes"`

	// EstimatedMinutes overrides the configured default duration estimate
	// for this feature. Zero means use the default.
	EstimatedMinutes int `json:"estimated_minutes,omitempty" yaml:"estimated_minutes,omitempty"`
}

// HasDependencies returns true if this feature depends on other features.
func (f *Feature) HasDependencies() bool {
	return len(f.Dependencies) > 0
}

// DependsOn returns true if id appears in this feature's dependency list.
func (f *Feature) DependsOn(id string) bool {
	for _, dep := range f.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// HasTag returns true if the feature carries the given tag,
// compared case-insensitively.
func (f *Feature) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Estimate returns the feature's estimated duration, falling back to the
// given default when no per-feature estimate is set.
func (f *Feature) Estimate(fallback time.Duration) time.Duration {
	if f.EstimatedMinutes > 0 {
		return time.Duration(f.EstimatedMinutes) * time.Minute
	}
	return fallback
}

// -----------------------------------------------------------------------------
// List
// -----------------------------------------------------------------------------

// List is an ordered collection of features.
//
// Order in the slice is the order of the source file and does not determine
// execution order; scheduling is derived from the dependency graph.
type List struct {
	Features []Feature
}

// Len returns the number of features in the list.
func (l *List) Len() int {
	return len(l.Features)
}

// Get returns the feature with the given ID, or nil if not found.
func (l *List) Get(id string) *Feature {
	for i := range l.Features {
		if l.Features[i].ID == id {
			return &l.Features[i]
		}
	}
	return nil
}

// Pending returns the features whose Passes flag is still false,
// in list order.
func (l *List) Pending() []*Feature {
	var out []*Feature
	for i := range l.Features {
		if !l.Features[i].Passes {
			out = append(out, &l.Features[i])
		}
	}
	return out
}

// NextPending returns the next feature to work on: highest priority first,
// declaration order breaking ties. Returns nil when every feature passes.
func (l *List) NextPending() *Feature {
	var next *Feature
	for i := range l.Features {
		f := &l.Features[i]
		if f.Passes {
			continue
		}
		if next == nil || f.Priority > next.Priority {
			next = f
		}
	}
	return next
}

// Completed returns the number of features whose Passes flag is true.
func (l *List) Completed() int {
	n := 0
	for i := range l.Features {
		if l.Features[i].Passes {
			n++
		}
	}
	return n
}

// AllPass returns true if every feature in the list has passed.
// An empty list trivially passes.
func (l *List) AllPass() bool {
	return l.Completed() == len(l.Features)
}

// IDs returns the feature IDs in list order.
func (l *List) IDs() []string {
	ids := make([]string, len(l.Features))
	for i := range l.Features {
		ids[i] = l.Features[i].ID
	}
	return ids
}

// MarkPassed flips the Passes flag for the given feature ID. Returns an
// error if the ID is not present in the list.
func (l *List) MarkPassed(id string) error {
	f := l.Get(id)
	if f == nil {
		return errors.NewValidationError("unknown feature '" + id + "'").WithFeatureID(id)
	}
	f.Passes = true
	return nil
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

// Validate checks structural invariants of the list: every feature has a
// non-empty ID and description, IDs are unique, dependency references
// resolve within the list, no feature depends on itself, and the declared
// dependencies are acyclic.
//
// The first violation found is returned as a *errors.ValidationError.
func (l *List) Validate() error {
	seen := make(map[string]bool, len(l.Features))
	for i := range l.Features {
		f := &l.Features[i]
		if strings.TrimSpace(f.ID) == "" {
			return errors.NewValidationError("feature at index " + strconv.Itoa(i) + " has an empty id")
		}
		if strings.TrimSpace(f.Description) == "" {
			return errors.NewValidationError("feature has an empty description").WithFeatureID(f.ID)
		}
		if seen[f.ID] {
			return errors.NewValidationError("duplicate feature id '" + f.ID + "'").
				WithFeatureID(f.ID).
				WithCause(errors.ErrDuplicateFeature)
		}
		seen[f.ID] = true
	}

	for i := range l.Features {
		f := &l.Features[i]
		for _, dep := range f.Dependencies {
			if dep == f.ID {
				return errors.NewValidationError("feature depends on itself").
					WithFeatureID(f.ID).
					WithCause(errors.ErrSelfDependency)
			}
			if !seen[dep] {
				return errors.NewValidationError("unknown dependency '" + dep + "'").
					WithFeatureID(f.ID).
					WithCause(errors.ErrUnknownDependency)
			}
		}
	}

	if cycle := l.findCycle(); cycle != nil {
		return errors.NewCycleError(cycle)
	}
	return nil
}

// findCycle runs a depth-first search over the declared dependencies and
// returns the node sequence of the first cycle found, or nil when the list
// is acyclic. Node IDs are visited in sorted order so the reported cycle is
// deterministic.
func (l *List) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(l.Features))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		stack = append(stack, id)
		f := l.Get(id)
		deps := append([]string(nil), f.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case inStack:
				// Slice the stack from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	ids := l.IDs()
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}
