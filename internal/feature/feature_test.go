package feature

import (
	"strings"
	"testing"
	"time"

	"github.com/featrun/featrun/internal/errors"
)

func TestFeature_HasDependencies(t *testing.T) {
	f := Feature{ID: "feat-1"}
	if f.HasDependencies() {
		t.Error("expected no dependencies")
	}
	f.Dependencies = []string{"feat-0"}
	if !f.HasDependencies() {
		t.Error("expected dependencies")
	}
}

func TestFeature_DependsOn(t *testing.T) {
	f := Feature{ID: "feat-2", Dependencies: []string{"feat-1", "feat-0"}}
	if !f.DependsOn("feat-1") {
		t.Error("expected DependsOn(feat-1) to be true")
	}
	if f.DependsOn("feat-3") {
		t.Error("expected DependsOn(feat-3) to be false")
	}
}

func TestFeature_HasTag(t *testing.T) {
	f := Feature{ID: "feat-1", Tags: []string{"Auth", "api"}}

	tests := []struct {
		tag  string
		want bool
	}{
		{"auth", true},
		{"AUTH", true},
		{"api", true},
		{"database", false},
	}

	for _, tt := range tests {
		if got := f.HasTag(tt.tag); got != tt.want {
			t.Errorf("HasTag(%q) = %v, want %v", tt.tag, got, tt.want)
		}
	}
}

func TestFeature_Estimate(t *testing.T) {
	fallback := 15 * time.Minute

	f := Feature{ID: "feat-1"}
	if got := f.Estimate(fallback); got != fallback {
		t.Errorf("Estimate() = %v, want fallback %v", got, fallback)
	}

	f.EstimatedMinutes = 45
	if got := f.Estimate(fallback); got != 45*time.Minute {
		t.Errorf("Estimate() = %v, want 45m", got)
	}
}

func TestList_Get(t *testing.T) {
	list := &List{Features: []Feature{
		{ID: "feat-1", Description: "one"},
		{ID: "feat-2", Description: "two"},
	}}

	if f := list.Get("feat-2"); f == nil || f.Description != "two" {
		t.Errorf("Get(feat-2) = %+v, want description 'two'", f)
	}
	if f := list.Get("missing"); f != nil {
		t.Errorf("Get(missing) = %+v, want nil", f)
	}
}

func TestList_GetReturnsMutablePointer(t *testing.T) {
	list := &List{Features: []Feature{{ID: "feat-1", Description: "one"}}}

	list.Get("feat-1").Passes = true

	if !list.Features[0].Passes {
		t.Error("mutation through Get did not reach the list")
	}
}

func TestList_Pending(t *testing.T) {
	list := &List{Features: []Feature{
		{ID: "feat-1", Passes: true},
		{ID: "feat-2"},
		{ID: "feat-3"},
	}}

	pending := list.Pending()
	if len(pending) != 2 {
		t.Fatalf("Pending() returned %d features, want 2", len(pending))
	}
	if pending[0].ID != "feat-2" || pending[1].ID != "feat-3" {
		t.Errorf("Pending() = [%s, %s], want [feat-2, feat-3]", pending[0].ID, pending[1].ID)
	}
}

func TestList_NextPending(t *testing.T) {
	list := &List{Features: []Feature{
		{ID: "low", Description: "d", Priority: 1, Passes: true},
		{ID: "mid", Description: "d", Priority: 5},
		{ID: "high", Description: "d", Priority: 9},
		{ID: "tie", Description: "d", Priority: 9},
	}}

	if got := list.NextPending(); got == nil || got.ID != "high" {
		t.Errorf("NextPending() = %v, want high (priority desc, declaration order on ties)", got)
	}

	list.Features[2].Passes = true
	if got := list.NextPending(); got == nil || got.ID != "tie" {
		t.Errorf("NextPending() = %v, want tie", got)
	}

	for i := range list.Features {
		list.Features[i].Passes = true
	}
	if got := list.NextPending(); got != nil {
		t.Errorf("NextPending() = %v, want nil when all pass", got)
	}
}

func TestList_AllPass(t *testing.T) {
	tests := []struct {
		name     string
		features []Feature
		want     bool
	}{
		{"empty list", nil, true},
		{"all passing", []Feature{{ID: "a", Passes: true}, {ID: "b", Passes: true}}, true},
		{"one pending", []Feature{{ID: "a", Passes: true}, {ID: "b"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := &List{Features: tt.features}
			if got := list.AllPass(); got != tt.want {
				t.Errorf("AllPass() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestList_MarkPassed(t *testing.T) {
	list := &List{Features: []Feature{{ID: "feat-1", Description: "one"}}}

	if err := list.MarkPassed("feat-1"); err != nil {
		t.Fatalf("MarkPassed() error = %v", err)
	}
	if !list.Features[0].Passes {
		t.Error("feature not marked as passing")
	}

	err := list.MarkPassed("missing")
	if err == nil {
		t.Fatal("expected error for unknown feature")
	}
	var verr *errors.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("error is %T, want *errors.ValidationError", err)
	}
}

func TestList_Validate(t *testing.T) {
	tests := []struct {
		name     string
		features []Feature
		wantErr  string
	}{
		{
			name:     "valid list",
			features: []Feature{{ID: "a", Description: "one"}, {ID: "b", Description: "two", Dependencies: []string{"a"}}},
		},
		{
			name:     "empty list",
			features: nil,
		},
		{
			name:     "empty id",
			features: []Feature{{Description: "one"}},
			wantErr:  "empty id",
		},
		{
			name:     "empty description",
			features: []Feature{{ID: "a"}},
			wantErr:  "empty description",
		},
		{
			name:     "duplicate id",
			features: []Feature{{ID: "a", Description: "one"}, {ID: "a", Description: "two"}},
			wantErr:  "duplicate feature id 'a'",
		},
		{
			name:     "self dependency",
			features: []Feature{{ID: "a", Description: "one", Dependencies: []string{"a"}}},
			wantErr:  "depends on itself",
		},
		{
			name:     "unknown dependency",
			features: []Feature{{ID: "a", Description: "one", Dependencies: []string{"ghost"}}},
			wantErr:  "unknown dependency 'ghost'",
		},
		{
			name: "two node cycle",
			features: []Feature{
				{ID: "a", Description: "one", Dependencies: []string{"b"}},
				{ID: "b", Description: "two", Dependencies: []string{"a"}},
			},
			wantErr: "dependency cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := &List{Features: tt.features}
			err := list.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.wantErr)
			}
			var verr *errors.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error is %T, want *errors.ValidationError", err)
			}
		})
	}
}

func TestList_ValidateSentinels(t *testing.T) {
	tests := []struct {
		name     string
		features []Feature
		sentinel error
	}{
		{
			name:     "duplicate id",
			features: []Feature{{ID: "a", Description: "x"}, {ID: "a", Description: "y"}},
			sentinel: errors.ErrDuplicateFeature,
		},
		{
			name:     "self dependency",
			features: []Feature{{ID: "a", Description: "x", Dependencies: []string{"a"}}},
			sentinel: errors.ErrSelfDependency,
		},
		{
			name:     "unknown dependency",
			features: []Feature{{ID: "a", Description: "x", Dependencies: []string{"b"}}},
			sentinel: errors.ErrUnknownDependency,
		},
		{
			name: "cycle",
			features: []Feature{
				{ID: "a", Description: "x", Dependencies: []string{"b"}},
				{ID: "b", Description: "y", Dependencies: []string{"a"}},
			},
			sentinel: errors.ErrCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := &List{Features: tt.features}
			err := list.Validate()
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("Validate() error = %v, want Is(%v)", err, tt.sentinel)
			}
		})
	}
}

func TestList_ValidateReportsCycleNodes(t *testing.T) {
	list := &List{Features: []Feature{
		{ID: "a", Description: "x", Dependencies: []string{"c"}},
		{ID: "b", Description: "y", Dependencies: []string{"a"}},
		{ID: "c", Description: "z", Dependencies: []string{"b"}},
	}}

	err := list.Validate()
	if err == nil {
		t.Fatal("expected cycle error")
	}

	var verr *errors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error is %T, want *errors.ValidationError", err)
	}
	if len(verr.Cycle) != 3 {
		t.Errorf("cycle has %d nodes, want 3: %v", len(verr.Cycle), verr.Cycle)
	}
	for _, id := range []string{"a", "b", "c"} {
		found := false
		for _, node := range verr.Cycle {
			if node == id {
				found = true
			}
		}
		if !found {
			t.Errorf("cycle %v missing node %s", verr.Cycle, id)
		}
	}
}
