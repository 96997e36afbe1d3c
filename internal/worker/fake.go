package worker

import (
	"context"
	"sync"
	"time"
)

// FakeLauncher is a Launcher test double. Results are keyed by feature ID,
// with a default for features not listed. A positive Delay makes each
// launch block, honoring context cancellation, so timeout paths can be
// exercised.
type FakeLauncher struct {
	mu sync.Mutex

	// Results maps feature ID to the canned result.
	Results map[string]*Result

	// Default is returned for features without an entry in Results.
	Default *Result

	// Delay blocks each launch before returning.
	Delay time.Duration

	// Lines are fed to the spec's heartbeat callback before returning.
	Lines []string

	launches []Spec
}

// Compile-time interface check.
var _ Launcher = (*FakeLauncher)(nil)

// Launch implements Launcher.
func (f *FakeLauncher) Launch(ctx context.Context, spec Spec) (*Result, error) {
	f.mu.Lock()
	f.launches = append(f.launches, spec)
	delay := f.Delay
	lines := f.Lines
	f.mu.Unlock()

	for _, line := range lines {
		if spec.Heartbeat != nil {
			spec.Heartbeat(line)
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &Result{TimedOut: true, ExitCode: -1}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return &Result{TimedOut: true, ExitCode: -1}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.Results[spec.FeatureID]; ok {
		out := *r
		return &out, nil
	}
	if f.Default != nil {
		out := *f.Default
		return &out, nil
	}
	return &Result{Completed: true, Sentinel: "SUCCESS"}, nil
}

// Launches returns a copy of the specs passed to Launch, in order.
func (f *FakeLauncher) Launches() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spec(nil), f.launches...)
}

// LaunchCount returns how many times Launch was called.
func (f *FakeLauncher) LaunchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}
