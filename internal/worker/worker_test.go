package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestMatchSentinel(t *testing.T) {
	sentinels := []string{"SUCCESS", "ALL FEATURES COMPLETE"}

	tests := []struct {
		name      string
		line      string
		wantMatch string
		wantOK    bool
	}{
		{name: "exact", line: "SUCCESS", wantMatch: "SUCCESS", wantOK: true},
		{name: "embedded", line: "final verdict: success!", wantMatch: "SUCCESS", wantOK: true},
		{name: "mixed case", line: "All Features Complete", wantMatch: "ALL FEATURES COMPLETE", wantOK: true},
		{name: "no match", line: "still working on it", wantOK: false},
		{name: "empty line", line: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matchSentinel(tt.line, sentinels)
			if ok != tt.wantOK {
				t.Fatalf("matchSentinel(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			}
			if got != tt.wantMatch {
				t.Errorf("matchSentinel(%q) = %q, want %q", tt.line, got, tt.wantMatch)
			}
		})
	}
}

func TestMatchSentinel_NoSentinels(t *testing.T) {
	if _, ok := matchSentinel("SUCCESS", nil); ok {
		t.Error("matchSentinel with no sentinels should never match")
	}
}

func TestCommandLauncher_SentinelDetection(t *testing.T) {
	launcher := &CommandLauncher{}
	res, err := launcher.Launch(context.Background(), Spec{
		Command:   "/bin/sh",
		Args:      []string{"-c", "echo working; echo SUCCESS"},
		Sentinels: []string{"SUCCESS"},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !res.Completed {
		t.Error("Completed = false, want true")
	}
	if res.Sentinel != "SUCCESS" {
		t.Errorf("Sentinel = %q, want %q", res.Sentinel, "SUCCESS")
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.OutputTail, "working") {
		t.Errorf("OutputTail missing earlier output: %q", res.OutputTail)
	}
}

func TestCommandLauncher_NoSentinel(t *testing.T) {
	launcher := &CommandLauncher{}
	res, err := launcher.Launch(context.Background(), Spec{
		Command:   "/bin/sh",
		Args:      []string{"-c", "echo nothing to see here"},
		Sentinels: []string{"SUCCESS"},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.Completed {
		t.Errorf("Completed = true with no sentinel in output (tail %q)", res.OutputTail)
	}
}

func TestCommandLauncher_ExitCode(t *testing.T) {
	launcher := &CommandLauncher{}
	res, err := launcher.Launch(context.Background(), Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Completed {
		t.Error("Completed = true for a failed run")
	}
}

func TestCommandLauncher_Heartbeat(t *testing.T) {
	var beats atomic.Int64
	launcher := &CommandLauncher{}
	_, err := launcher.Launch(context.Background(), Spec{
		Command:   "/bin/sh",
		Args:      []string{"-c", "echo one; echo two; echo three"},
		Heartbeat: func(string) { beats.Add(1) },
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if got := beats.Load(); got != 3 {
		t.Errorf("heartbeat count = %d, want 3", got)
	}
}

func TestCommandLauncher_Environment(t *testing.T) {
	launcher := &CommandLauncher{}
	res, err := launcher.Launch(context.Background(), Spec{
		Command:       "/bin/sh",
		Args:          []string{"-c", "echo $FEATRUN_MODEL $FEATRUN_FEATURE_ID $FEATRUN_MAX_ITERATIONS $EXTRA"},
		Env:           []string{"EXTRA=extra-value"},
		Model:         "standard",
		FeatureID:     "feat-1",
		MaxIterations: 5,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	want := "standard feat-1 5 extra-value"
	if !strings.Contains(res.OutputTail, want) {
		t.Errorf("OutputTail = %q, want it to contain %q", res.OutputTail, want)
	}
}

func TestCommandLauncher_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	launcher := &CommandLauncher{Grace: 500 * time.Millisecond}
	start := time.Now()
	res, err := launcher.Launch(ctx, Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
	})
	if err == nil {
		t.Fatal("Launch returned nil error for a timed out child")
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if res.Completed {
		t.Error("Completed = true for a timed out child")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Launch took %v, child was not terminated promptly", elapsed)
	}
}

func TestCommandLauncher_EmptyCommand(t *testing.T) {
	launcher := &CommandLauncher{}
	if _, err := launcher.Launch(context.Background(), Spec{}); err == nil {
		t.Fatal("Launch with empty command should fail")
	}
}

func TestFakeLauncher(t *testing.T) {
	fake := &FakeLauncher{
		Results: map[string]*Result{
			"feat-1": {Completed: true, Sentinel: "SUCCESS"},
			"feat-2": {ExitCode: 1},
		},
		Lines: []string{"tick"},
	}

	var beats int
	res, err := fake.Launch(context.Background(), Spec{
		FeatureID: "feat-1",
		Heartbeat: func(string) { beats++ },
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !res.Completed {
		t.Error("Completed = false for canned success")
	}
	if beats != 1 {
		t.Errorf("heartbeat count = %d, want 1", beats)
	}

	res, err = fake.Launch(context.Background(), Spec{FeatureID: "feat-2"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if res.Completed || res.ExitCode != 1 {
		t.Errorf("got %+v, want failed result with exit code 1", res)
	}

	if fake.LaunchCount() != 2 {
		t.Errorf("LaunchCount = %d, want 2", fake.LaunchCount())
	}
	if got := fake.Launches()[0].FeatureID; got != "feat-1" {
		t.Errorf("first launch feature = %q, want feat-1", got)
	}
}

func TestFakeLauncher_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := &FakeLauncher{Delay: time.Minute}
	res, err := fake.Launch(ctx, Spec{FeatureID: "feat-1"})
	if err == nil {
		t.Fatal("Launch with canceled context should fail")
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
}
