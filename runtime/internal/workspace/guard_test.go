package workspace

import (
	"path/filepath"
	"testing"

	"github.com/agentforge/orchestrator/wire/model"
)

func TestResolveWithinWorkspace(t *testing.T) {
	root := t.TempDir()
	g := New(root)
	ws := model.WorkspacePath{RepositoryId: "repo/one", TaskId: "task one"}

	got, err := g.Resolve(ws, "src/main.go", true)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	want := filepath.Join(root, "repo-one", "tasks", "task one", "src/main.go")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	g := New(root)
	ws := model.WorkspacePath{RepositoryId: "repo", TaskId: "task"}

	cases := []string{"../escape.txt", "../../etc/passwd", "a/../../b"}
	for _, rel := range cases {
		t.Run(rel, func(t *testing.T) {
			_, err := g.Resolve(ws, rel, true)
			rej, ok := err.(*RejectError)
			if !ok {
				t.Fatalf("expected *RejectError, got %v", err)
			}
			if rej.Reason != ReasonOutsideWorkspace {
				t.Fatalf("got reason %q, want %q", rej.Reason, ReasonOutsideWorkspace)
			}
		})
	}
}

func TestResolveRejectsEmptyKeys(t *testing.T) {
	root := t.TempDir()
	g := New(root)

	_, err := g.Resolve(model.WorkspacePath{RepositoryId: "   ", TaskId: "task"}, "a.txt", true)
	rej, ok := err.(*RejectError)
	if !ok || rej.Reason != ReasonEmptyPath {
		t.Fatalf("got %v, want ReasonEmptyPath", err)
	}
}

func TestWorkspaceRootDoesNotCreateWithoutAllowCreate(t *testing.T) {
	root := t.TempDir()
	g := New(root)
	ws := model.WorkspacePath{RepositoryId: "repo", TaskId: "task"}

	_, err := g.Resolve(ws, "file.txt", false)
	rej, ok := err.(*RejectError)
	if !ok || rej.Reason != ReasonOutsideWorkspace {
		t.Fatalf("expected reject for missing root without allowCreate, got %v", err)
	}
}
