package gitops

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/featrun/featrun/internal/errors"
)

// mockCall records a single command invocation.
type mockCall struct {
	dir  string
	name string
	args []string
}

// mockExecutor is a test double for CommandExecutor.
type mockExecutor struct {
	calls      []mockCall
	runOutputs [][]byte
	runErrors  []error
	callIndex  int
}

func (m *mockExecutor) addResponse(output []byte, err error) {
	m.runOutputs = append(m.runOutputs, output)
	m.runErrors = append(m.runErrors, err)
}

func (m *mockExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, mockCall{dir: dir, name: name, args: args})
	idx := m.callIndex
	m.callIndex++
	if idx < len(m.runOutputs) {
		return m.runOutputs[idx], m.runErrors[idx]
	}
	return nil, nil
}

func (m *mockExecutor) argsOfCall(i int) []string {
	if i >= len(m.calls) {
		return nil
	}
	return m.calls[i].args
}

func TestCurrentBranch(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse([]byte("main\n"), nil)
	m := NewWithExecutor("/repo", exec)

	branch, err := m.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch() error = %v", err)
	}
	if branch != "main" {
		t.Errorf("CurrentBranch() = %q, want main", branch)
	}
	if got := exec.argsOfCall(0); !reflect.DeepEqual(got, []string{"rev-parse", "--abbrev-ref", "HEAD"}) {
		t.Errorf("git args = %v", got)
	}
	if exec.calls[0].dir != "/repo" {
		t.Errorf("command dir = %q, want /repo", exec.calls[0].dir)
	}
}

func TestCurrentBranch_Error(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse([]byte("fatal: not a git repository"), fmt.Errorf("exit status 128"))
	m := NewWithExecutor("/repo", exec)

	_, err := m.CurrentBranch()
	if err == nil {
		t.Fatal("expected error")
	}
	var gitErr *errors.GitError
	if !errors.As(err, &gitErr) {
		t.Errorf("error is %T, want *errors.GitError", err)
	}
	if !strings.Contains(err.Error(), "not a git repository") {
		t.Errorf("error %q does not carry git output", err.Error())
	}
}

func TestCreateBranch(t *testing.T) {
	exec := &mockExecutor{}
	m := NewWithExecutor("/repo", exec)

	if err := m.CreateBranch("featrun/parallel/feat-1", "main"); err != nil {
		t.Fatalf("CreateBranch() error = %v", err)
	}
	if got := exec.argsOfCall(0); !reflect.DeepEqual(got, []string{"checkout", "main"}) {
		t.Errorf("first call args = %v, want checkout main", got)
	}
	if got := exec.argsOfCall(1); !reflect.DeepEqual(got, []string{"checkout", "-b", "featrun/parallel/feat-1"}) {
		t.Errorf("second call args = %v, want checkout -b", got)
	}
}

func TestCreateBranch_BaseCheckoutFails(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse([]byte("error: pathspec 'ghost' did not match"), fmt.Errorf("exit status 1"))
	m := NewWithExecutor("/repo", exec)

	err := m.CreateBranch("feat", "ghost")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(exec.calls) != 1 {
		t.Errorf("made %d calls after base checkout failure, want 1", len(exec.calls))
	}
}

func TestMerge_Clean(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse(nil, nil) // checkout target
	exec.addResponse([]byte("Merge made by the 'ort' strategy."), nil)
	m := NewWithExecutor("/repo", exec)

	if err := m.Merge("featrun/parallel/feat-1", "main"); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if got := exec.argsOfCall(1); !reflect.DeepEqual(got, []string{"merge", "--no-ff", "featrun/parallel/feat-1"}) {
		t.Errorf("merge args = %v", got)
	}
}

func TestMerge_ConflictAbortsAndReportsFiles(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse(nil, nil)                                                                                   // checkout target
	exec.addResponse([]byte("CONFLICT (content): Merge conflict in api/routes.go"), fmt.Errorf("exit status 1")) // merge
	exec.addResponse([]byte("api/routes.go\ndb/schema.sql\n"), nil)                                              // diff --diff-filter=U
	exec.addResponse(nil, nil)                                                                                   // merge --abort
	m := NewWithExecutor("/repo", exec)

	err := m.Merge("featrun/parallel/feat-2", "main")
	if err == nil {
		t.Fatal("expected merge conflict error")
	}
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Errorf("error = %v, want Is(ErrMergeConflict)", err)
	}
	var conflict *errors.MergeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error is %T, want *errors.MergeConflictError", err)
	}
	if !reflect.DeepEqual(conflict.Files, []string{"api/routes.go", "db/schema.sql"}) {
		t.Errorf("conflict files = %v", conflict.Files)
	}
	if conflict.Branch != "featrun/parallel/feat-2" || conflict.Target != "main" {
		t.Errorf("conflict branches = %s into %s", conflict.Branch, conflict.Target)
	}

	// The abort must have been issued.
	aborted := false
	for _, call := range exec.calls {
		if reflect.DeepEqual(call.args, []string{"merge", "--abort"}) {
			aborted = true
		}
	}
	if !aborted {
		t.Error("merge --abort was never run")
	}
}

func TestMerge_FailureWithoutConflictsIsGitError(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse(nil, nil)                                                                              // checkout
	exec.addResponse([]byte("fatal: refusing to merge unrelated histories"), fmt.Errorf("exit status 128")) // merge
	exec.addResponse([]byte(""), nil)                                                                       // diff: no unmerged files
	exec.addResponse(nil, nil)                                                                              // abort
	m := NewWithExecutor("/repo", exec)

	err := m.Merge("feat", "main")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, errors.ErrMergeConflict) {
		t.Error("non-conflict merge failure reported as conflict")
	}
	var gitErr *errors.GitError
	if !errors.As(err, &gitErr) {
		t.Errorf("error is %T, want *errors.GitError", err)
	}
}

func TestDeleteBranch(t *testing.T) {
	exec := &mockExecutor{}
	m := NewWithExecutor("/repo", exec)

	if err := m.DeleteBranch("featrun/parallel/feat-1"); err != nil {
		t.Fatalf("DeleteBranch() error = %v", err)
	}
	if got := exec.argsOfCall(0); !reflect.DeepEqual(got, []string{"branch", "-D", "featrun/parallel/feat-1"}) {
		t.Errorf("args = %v", got)
	}
}

func TestResetHard(t *testing.T) {
	exec := &mockExecutor{}
	m := NewWithExecutor("/repo", exec)

	if err := m.ResetHard("HEAD~3"); err != nil {
		t.Fatalf("ResetHard() error = %v", err)
	}
	if got := exec.argsOfCall(0); !reflect.DeepEqual(got, []string{"reset", "--hard", "HEAD~3"}) {
		t.Errorf("args = %v", got)
	}
}

func TestFindMainBranch(t *testing.T) {
	t.Run("main exists", func(t *testing.T) {
		exec := &mockExecutor{}
		exec.addResponse([]byte("abc123"), nil)
		m := NewWithExecutor("/repo", exec)
		if got := m.FindMainBranch(); got != "main" {
			t.Errorf("FindMainBranch() = %q, want main", got)
		}
	})

	t.Run("falls back to master", func(t *testing.T) {
		exec := &mockExecutor{}
		exec.addResponse(nil, fmt.Errorf("exit status 128"))
		exec.addResponse([]byte("abc123"), nil)
		m := NewWithExecutor("/repo", exec)
		if got := m.FindMainBranch(); got != "master" {
			t.Errorf("FindMainBranch() = %q, want master", got)
		}
	})
}
