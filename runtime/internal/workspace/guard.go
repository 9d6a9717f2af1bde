// Package workspace sandboxes every file path a harness, a command, or a
// file-op RPC touches inside a per-(repository,task) directory root (C2).
package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentforge/orchestrator/wire/model"
)

// Reject reasons, per spec §4.2.
const (
	ReasonOutsideWorkspace = "path_outside_workspace"
	ReasonEmptyPath        = "empty_path"
	ReasonInvalidChars     = "invalid_chars"
)

// RejectError reports why resolve failed; callers match on Reason.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return "workspace: " + e.Reason }

// Guard resolves relative paths against a workspaces root on disk.
type Guard struct {
	root string
}

// New builds a Guard rooted at workspacesRoot (the parent of every
// per-repository directory).
func New(workspacesRoot string) *Guard {
	return &Guard{root: workspacesRoot}
}

// WorkspaceRoot returns <workspacesRoot>/<sanitize(repoId)>/tasks/<sanitize(taskId)>,
// without touching disk.
func (g *Guard) WorkspaceRoot(ws model.WorkspacePath) (string, error) {
	repo, ok := model.SanitizeSegment(ws.RepositoryId)
	if !ok {
		return "", &RejectError{Reason: ReasonEmptyPath}
	}
	task, ok := model.SanitizeSegment(ws.TaskId)
	if !ok {
		return "", &RejectError{Reason: ReasonEmptyPath}
	}
	return filepath.Join(g.root, repo, "tasks", task), nil
}

// Resolve implements the single C2 operation: resolve(repoId, taskId,
// relativePath, allowCreate) -> absolutePath | reject(reason).
func (g *Guard) Resolve(ws model.WorkspacePath, relativePath string, allowCreate bool) (string, error) {
	root, err := g.WorkspaceRoot(ws)
	if err != nil {
		return "", err
	}

	if strings.ContainsRune(relativePath, 0) {
		return "", &RejectError{Reason: ReasonInvalidChars}
	}

	if allowCreate {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return "", err
		}
	} else if _, err := os.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", &RejectError{Reason: ReasonOutsideWorkspace}
		}
		return "", err
	}

	canonicalRoot, err := canonicalize(root)
	if err != nil {
		return "", err
	}

	joined := filepath.Join(root, relativePath)
	canonical, err := canonicalize(joined)
	if err != nil {
		// A symlink target or intermediate component may not exist yet
		// (e.g. a CreateRuntimeFile for a brand-new file). Fall back to
		// lexical cleaning so legitimate creates aren't rejected, while
		// the segment-wise prefix check below still catches traversal.
		canonical = filepath.Clean(joined)
	}

	if !underRoot(canonicalRoot, canonical) {
		return "", &RejectError{Reason: ReasonOutsideWorkspace}
	}

	return canonical, nil
}

// canonicalize resolves symlinks when the path exists; for a path that
// does not yet exist it returns the lexically cleaned form.
func canonicalize(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return filepath.Clean(p), nil
		}
		return "", err
	}
	return resolved, nil
}

// underRoot compares path segment-wise (never via strings.HasPrefix,
// which would wrongly accept "/workspaces/repo-evil" as inside
// "/workspaces/repo").
func underRoot(root, path string) bool {
	rootParts := strings.Split(filepath.Clean(root), string(filepath.Separator))
	pathParts := strings.Split(filepath.Clean(path), string(filepath.Separator))
	if len(pathParts) < len(rootParts) {
		return false
	}
	for i, seg := range rootParts {
		if pathParts[i] != seg {
			return false
		}
	}
	return true
}
