package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/featrun/featrun/internal/config"
	"github.com/featrun/featrun/internal/errors"
	"github.com/featrun/featrun/internal/feature"
	"github.com/featrun/featrun/internal/lockfile"
	"github.com/featrun/featrun/internal/state"
	"github.com/featrun/featrun/internal/worker"
)

// launcherFunc adapts a function to the worker.Launcher interface so tests
// can script per-session results.
type launcherFunc func(ctx context.Context, spec worker.Spec) (*worker.Result, error)

func (f launcherFunc) Launch(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
	return f(ctx, spec)
}

func newTestEnv(t *testing.T) (*config.Config, *feature.Store, *state.Store) {
	t.Helper()
	dir := t.TempDir()

	path := filepath.Join(dir, "feature_list.json")
	data := `[{"id": "f1", "description": "first feature"}]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	features := feature.NewStore(path)
	if _, err := features.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	st, err := state.NewStore(filepath.Join(dir, ".featrun"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	return config.Default(), features, st
}

func mustFeature(t *testing.T, features *feature.Store, id string) *feature.Feature {
	t.Helper()
	f := features.List().Get(id)
	if f == nil {
		t.Fatalf("feature %q not in list", id)
	}
	return f
}

func TestRun_SucceedsFirstSession(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		return &worker.Result{Completed: true, Sentinel: "SUCCESS"}, nil
	})

	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Succeeded() {
		t.Fatalf("Status = %s, want succeeded (%s)", out.Status, out.Message)
	}
	if out.Sessions != 1 {
		t.Errorf("Sessions = %d, want 1", out.Sessions)
	}

	// The pass must be persisted, not just in memory.
	reread := feature.NewStore(features.Path())
	list, err := reread.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !list.Get("f1").Passes {
		t.Error("f1 not marked passed on disk")
	}

	// Success clears the checkpoint.
	cp, err := st.LoadCheckpoint("f1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp != nil {
		t.Errorf("checkpoint not cleared: %+v", cp)
	}
}

func TestRun_ReleasesLockOnExit(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		return &worker.Result{Completed: true}, nil
	})

	sup := New(cfg, launcher, features, st, nil)
	if _, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lock, err := lockfile.Acquire(st.Dir(), "featrun/parallel/f1")
	if err != nil {
		t.Fatalf("lock not released after Run: %v", err)
	}
	_ = lock.Release()
}

func TestRun_FailsWhenBranchLocked(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	lock, err := lockfile.Acquire(st.Dir(), "featrun/parallel/f1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = lock.Release() }()

	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		t.Fatal("launcher should not run while the branch is locked")
		return nil, nil
	})
	sup := New(cfg, launcher, features, st, nil)
	_, err = sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if !errors.Is(err, errors.ErrRunLocked) {
		t.Fatalf("err = %v, want ErrRunLocked", err)
	}
}

func TestRun_AbortsAfterConsecutiveFailures(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	cfg.Session.MaxConsecutiveFailures = 3

	calls := 0
	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		calls++
		return &worker.Result{ExitCode: 1}, nil
	})

	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != state.StatusFailed {
		t.Errorf("Status = %s, want failed", out.Status)
	}
	if calls != 3 {
		t.Errorf("launcher ran %d times, want 3", calls)
	}
	if !out.Abort {
		t.Error("Abort = false, want true after repeated failures")
	}
	if !errors.Is(out.Err, errors.ErrStalled) {
		t.Errorf("Err = %v, want ErrStalled", out.Err)
	}
}

func TestRun_TimeoutSkip(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	cfg.Session.OnTimeout = "skip"

	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		return &worker.Result{TimedOut: true, ExitCode: -1}, context.DeadlineExceeded
	})

	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != state.StatusTimedOut {
		t.Errorf("Status = %s, want timed_out", out.Status)
	}
	if out.Abort {
		t.Error("Abort = true, want false for skip")
	}
	if out.Sessions != 1 {
		t.Errorf("Sessions = %d, want 1", out.Sessions)
	}
	if !errors.Is(out.Err, errors.ErrTimeout) {
		t.Errorf("Err = %v, want ErrTimeout", out.Err)
	}
}

func TestRun_TimeoutRetryWithExtendedTimeout(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	cfg.Session.OnTimeout = "retry"
	cfg.Session.TimeoutMinutes = 30
	cfg.Session.RetryExtensionFactor = 1.5

	var deadlines []time.Duration
	calls := 0
	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		calls++
		if dl, ok := ctx.Deadline(); ok {
			deadlines = append(deadlines, time.Until(dl))
		}
		if calls == 1 {
			return &worker.Result{TimedOut: true, ExitCode: -1}, context.DeadlineExceeded
		}
		return &worker.Result{Completed: true}, nil
	})

	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Succeeded() {
		t.Fatalf("Status = %s, want succeeded", out.Status)
	}
	if out.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", out.Sessions)
	}
	if len(deadlines) != 2 {
		t.Fatalf("recorded %d deadlines, want 2", len(deadlines))
	}
	if deadlines[0] > 31*time.Minute {
		t.Errorf("first session deadline %v exceeds base timeout", deadlines[0])
	}
	if deadlines[1] < 40*time.Minute {
		t.Errorf("retry deadline %v, want extended past 40m", deadlines[1])
	}
}

func TestRun_TimeoutRetryOnlyOnce(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	cfg.Session.OnTimeout = "retry"

	calls := 0
	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		calls++
		return &worker.Result{TimedOut: true, ExitCode: -1}, context.DeadlineExceeded
	})

	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Errorf("launcher ran %d times, want 2 (original plus one retry)", calls)
	}
	if out.Status != state.StatusTimedOut {
		t.Errorf("Status = %s, want timed_out", out.Status)
	}
}

func TestRun_TimeoutAbort(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	cfg.Session.OnTimeout = "abort"

	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		return &worker.Result{TimedOut: true, ExitCode: -1}, context.DeadlineExceeded
	})

	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != state.StatusTimedOut {
		t.Errorf("Status = %s, want timed_out", out.Status)
	}
	if !out.Abort {
		t.Error("Abort = false, want true for abort action")
	}
}

func TestRun_SessionLimit(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	cfg.Session.MaxSessions = 2
	cfg.Session.MaxConsecutiveFailures = 10

	calls := 0
	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		calls++
		return &worker.Result{ExitCode: 1}, nil
	})

	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Errorf("launcher ran %d times, want 2", calls)
	}
	if out.Status != state.StatusFailed {
		t.Errorf("Status = %s, want failed", out.Status)
	}
	if !strings.Contains(out.Message, "session limit") {
		t.Errorf("Message = %q, want session limit explanation", out.Message)
	}
}

func TestRun_ReserveSessionsHeldBackFromProgression(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	cfg.Session.MaxSessions = 4
	cfg.Session.ReserveSessions = 2
	cfg.Session.MaxConsecutiveFailures = 10

	calls := 0
	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		calls++
		return &worker.Result{ExitCode: 1}, nil
	})

	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Only max_sessions - reserve_sessions are available to normal progression.
	if calls != 2 {
		t.Errorf("launcher ran %d times, want 2", calls)
	}
	if out.Status != state.StatusFailed {
		t.Errorf("Status = %s, want failed", out.Status)
	}
	if !strings.Contains(out.Message, "session limit reached (2)") {
		t.Errorf("Message = %q, want reserve-reduced session limit", out.Message)
	}
}

func TestRun_TimeoutRetrySpendsReserve(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	cfg.Session.MaxSessions = 2
	cfg.Session.ReserveSessions = 1
	cfg.Session.OnTimeout = "retry"

	calls := 0
	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		calls++
		if calls == 1 {
			return &worker.Result{TimedOut: true}, nil
		}
		return &worker.Result{Completed: true, Sentinel: "SUCCESS"}, nil
	})

	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The retry session runs past the reserve-reduced limit of 1.
	if calls != 2 {
		t.Errorf("launcher ran %d times, want 2", calls)
	}
	if !out.Succeeded() {
		t.Errorf("Status = %s, want succeeded (%s)", out.Status, out.Message)
	}
}

func TestRun_CollaboratorTogglesReachWorkers(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	cfg.Collab.AdaptiveModel = false

	var env []string
	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		env = spec.Env
		return &worker.Result{Completed: true, Sentinel: "SUCCESS"}, nil
	})

	sup := New(cfg, launcher, features, st, nil)
	if _, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"FEATRUN_SEMANTIC_MEMORY=1",
		"FEATRUN_ADAPTIVE_MODEL=0",
		"FEATRUN_APPROVAL_GATES=1",
	}
	for _, entry := range want {
		if !slices.Contains(env, entry) {
			t.Errorf("worker env missing %q, got %v", entry, env)
		}
	}
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	cfg.Session.MaxSessions = 5
	cfg.Session.MaxConsecutiveFailures = 10
	if err := st.SaveCheckpoint(&state.Checkpoint{
		CurrentSession: 2,
		CurrentFeature: "f1",
	}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	var sessions []int
	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		return &worker.Result{ExitCode: 1}, nil
	})
	hooks := Hooks{
		SessionStarted: func(_ string, session int) { sessions = append(sessions, session) },
	}

	sup := New(cfg, launcher, features, st, nil, WithHooks(hooks))
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != state.StatusFailed {
		t.Fatalf("Status = %s, want failed at session limit", out.Status)
	}
	if len(sessions) == 0 || sessions[0] != 3 {
		t.Errorf("first session after checkpoint = %v, want to start at 3", sessions)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		t.Fatal("launcher should not run with canceled context")
		return nil, nil
	})
	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(ctx, mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != state.StatusFailed {
		t.Errorf("Status = %s, want failed", out.Status)
	}
	if out.Sessions != 0 {
		t.Errorf("Sessions = %d, want 0", out.Sessions)
	}
}

func TestParseTimeoutAction(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeoutAction
		wantErr bool
	}{
		{in: "skip", want: ActionSkip},
		{in: "retry", want: ActionRetry},
		{in: "abort", want: ActionAbort},
		{in: "", want: ActionRetry},
		{in: "explode", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTimeoutAction(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTimeoutAction(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeoutAction(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeoutAction(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStallWatch(t *testing.T) {
	t.Run("fires after silence", func(t *testing.T) {
		_, cancel := context.WithCancel(context.Background())
		fired := make(chan struct{})
		w := newStallWatch(20*time.Millisecond, func() {
			cancel()
			close(fired)
		})
		defer w.stop()

		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("watchdog did not fire")
		}
		if !w.stalled() {
			t.Error("stalled() = false after firing")
		}
	})

	t.Run("touch defers firing", func(t *testing.T) {
		_, cancel := context.WithCancel(context.Background())
		w := newStallWatch(50*time.Millisecond, cancel)
		defer w.stop()

		for range 5 {
			time.Sleep(20 * time.Millisecond)
			w.touch()
		}
		if w.stalled() {
			t.Error("watchdog fired despite steady output")
		}
	})

	t.Run("zero window disabled", func(t *testing.T) {
		w := newStallWatch(0, func() { t.Error("disabled watchdog fired") })
		w.touch()
		w.stop()
		if w.stalled() {
			t.Error("stalled() = true for disabled watchdog")
		}
	})
}

func TestRun_SuccessLeavesSiblingCheckpoints(t *testing.T) {
	cfg, features, st := newTestEnv(t)
	if err := st.SaveCheckpoint(&state.Checkpoint{
		CurrentSession: 4,
		CurrentFeature: "f2",
	}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	launcher := launcherFunc(func(ctx context.Context, spec worker.Spec) (*worker.Result, error) {
		return &worker.Result{Completed: true, Sentinel: "SUCCESS"}, nil
	})
	sup := New(cfg, launcher, features, st, nil)
	out, err := sup.Run(context.Background(), mustFeature(t, features, "f1"), "featrun/parallel/f1", t.TempDir())
	if err != nil || !out.Succeeded() {
		t.Fatalf("Run = (%+v, %v), want success", out, err)
	}

	// f1's success clears only f1's checkpoint.
	if cp, _ := st.LoadCheckpoint("f1"); cp != nil {
		t.Errorf("f1 checkpoint not cleared: %+v", cp)
	}
	cp, err := st.LoadCheckpoint("f2")
	if err != nil {
		t.Fatalf("LoadCheckpoint(f2): %v", err)
	}
	if cp == nil || cp.CurrentSession != 4 {
		t.Errorf("f2 checkpoint = %+v, want session 4 preserved", cp)
	}
}
