package worktree

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/neuralcollective/borg/internal/store"
)

// Manager creates and tears down task worktrees under a per-repo bare
// mirror, and records their location in the store.
type Manager struct {
	store    *store.Store
	rootDir  string // e.g. ~/.borg/worktrees
}

// NewManager returns a Manager that keeps worktrees under root.
func NewManager(st *store.Store, root string) *Manager {
	return &Manager{store: st, rootDir: root}
}

// EnsureMirror creates the bare mirror for a repo the first time a task
// needs a worktree against it, reusing it for every later task so object
// data is shared via --reference instead of duplicated per task.
func (m *Manager) EnsureMirror(ctx context.Context, repoPath string) (mirrorPath string, err error) {
	mirrorPath = filepath.Join(m.rootDir, "mirrors", sanitizeName(repoPath))
	if _, statErr := os.Stat(mirrorPath); statErr == nil {
		g := NewGitWithDir(mirrorPath, mirrorPath)
		if _, fetchErr := g.run(ctx, "fetch", "origin"); fetchErr != nil {
			return "", fmt.Errorf("refresh mirror for %s: %w", repoPath, fetchErr)
		}
		return mirrorPath, nil
	}
	if err := os.MkdirAll(filepath.Dir(mirrorPath), 0o755); err != nil {
		return "", fmt.Errorf("create mirrors dir: %w", err)
	}
	g := NewGit(repoPath)
	if err := g.CloneBare(repoPath, mirrorPath); err != nil {
		return "", fmt.Errorf("mirror %s: %w", repoPath, err)
	}
	return mirrorPath, nil
}

// Create checks out a fresh worktree for taskID off mainline, records the
// worktree row, and returns the path.
func (m *Manager) Create(ctx context.Context, taskID, repoPath, mainline, branch string) (string, error) {
	mirror, err := m.EnsureMirror(ctx, repoPath)
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.rootDir, "tasks", taskID)
	g := NewGitWithDir(mirror, mirror)
	if err := g.WorktreeAddFromRef(path, branch, "origin/"+mainline); err != nil {
		return "", fmt.Errorf("create worktree for task %s: %w", taskID, err)
	}
	if err := m.store.CreateWorktreeRecord(ctx, taskID, path, branch); err != nil {
		return "", err
	}
	return path, nil
}

// ScratchIntegrationWorktree checks out a throwaway worktree off
// origin/<mainline> for the integration controller to test a merge
// candidate in, without recording it against any task. The returned
// cleanup always removes the worktree, even on error from the caller.
func (m *Manager) ScratchIntegrationWorktree(ctx context.Context, repoPath, mainline, label string) (path string, cleanup func(), err error) {
	mirror, err := m.EnsureMirror(ctx, repoPath)
	if err != nil {
		return "", nil, err
	}
	path = filepath.Join(m.rootDir, "integration", sanitizeName(repoPath)+"-"+label)
	branch := "borg-integration/" + label
	g := NewGitWithDir(mirror, mirror)
	if err := g.WorktreeAddFromRef(path, branch, "origin/"+mainline); err != nil {
		return "", nil, fmt.Errorf("create integration worktree: %w", err)
	}
	cleanup = func() {
		wg := NewGit(filepath.Dir(path))
		if err := wg.WorktreeRemove(path); err != nil {
			// best-effort: a leftover scratch worktree is harmless clutter,
			// not a correctness problem for the next integration pass.
			_ = err
		}
	}
	return path, cleanup, nil
}

// Remove deletes a task's worktree from disk and from the store. It
// tolerates the worktree already being gone, so cleanup after a crash is
// idempotent.
func (m *Manager) Remove(ctx context.Context, taskID string) error {
	wt, err := m.store.GetWorktree(ctx, taskID)
	if err != nil {
		return err
	}
	if wt == nil {
		return nil
	}
	if _, statErr := os.Stat(wt.Path); statErr == nil {
		g := NewGit(filepath.Dir(wt.Path))
		if err := g.WorktreeRemove(wt.Path); err != nil {
			return fmt.Errorf("remove worktree %s: %w", wt.Path, err)
		}
	}
	return m.store.DeleteWorktreeRecord(ctx, taskID)
}

// CommitAll stages every change in the worktree and commits it, honoring
// allowNoChanges for phases declared with that flag in the mode
// definition (§4.E): when true and there is nothing to commit, CommitAll
// is a silent no-op rather than an error.
func (m *Manager) CommitAll(ctx context.Context, path, message string, trailers []string, allowNoChanges bool) error {
	g := NewGit(path)
	dirty, err := g.HasUncommittedChanges()
	if err != nil {
		return err
	}
	if !dirty {
		if allowNoChanges {
			return nil
		}
		return fmt.Errorf("commit %s: nothing to commit", path)
	}
	if err := g.Add("-A"); err != nil {
		return fmt.Errorf("stage changes in %s: %w", path, err)
	}
	if err := g.Commit(message, trailers...); err != nil {
		return fmt.Errorf("commit in %s: %w", path, err)
	}
	return nil
}

// RebaseResult reports the outcome of an attempted rebase.
type RebaseResult struct {
	Succeeded  bool
	Conflicted []string
}

// RebaseOntoMainline attempts to rebase a task's branch onto the mirror's
// current origin/<mainline>. On conflict it leaves the rebase mid-flight
// and returns the conflicted files instead of aborting, per §4.E.4 — the
// caller decides whether to hand the conflict to a fix agent or abort.
func (m *Manager) RebaseOntoMainline(ctx context.Context, path, mainline string) (RebaseResult, error) {
	g := NewGit(path)
	if err := g.FetchBranch("origin", mainline); err != nil {
		return RebaseResult{}, fmt.Errorf("fetch mainline into %s: %w", path, err)
	}
	if err := g.RebaseOntoMainline("origin/" + mainline); err != nil {
		if _, ok := err.(*GitError); ok {
			conflicts, cErr := g.ConflictedFiles()
			if cErr != nil {
				return RebaseResult{}, cErr
			}
			if len(conflicts) > 0 {
				return RebaseResult{Conflicted: conflicts}, nil
			}
		}
		return RebaseResult{}, fmt.Errorf("rebase %s onto %s: %w", path, mainline, err)
	}
	return RebaseResult{Succeeded: true}, nil
}

// AbortRebase gives up on the current rebase attempt.
func (m *Manager) AbortRebase(path string) error {
	return NewGit(path).RebaseAbort()
}

// ContinueRebase resumes after conflicts in path have been staged.
func (m *Manager) ContinueRebase(path string) error {
	return NewGit(path).RebaseContinue()
}

// PushWithLease pushes a task branch to the mirror's origin, draining
// both output streams concurrently so a command that writes heavily to
// stderr (git's progress meter) cannot deadlock on stdout's pipe buffer.
func (m *Manager) PushWithLease(ctx context.Context, path, branch string, first bool) (stdout, stderr string, err error) {
	args := []string{"push", "-u", "origin", branch}
	if !first {
		args = []string{"push", "--force-with-lease", "origin", branch}
	}
	return runStreamed(ctx, path, args...)
}

func runStreamed(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", err
	}
	if err := cmd.Start(); err != nil {
		return "", "", err
	}

	var outBuf, errBuf bytes.Buffer
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(&outBuf, stdoutPipe)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&errBuf, stderrPipe)
		return err
	})
	if err := g.Wait(); err != nil {
		return outBuf.String(), errBuf.String(), err
	}
	if err := cmd.Wait(); err != nil {
		return outBuf.String(), errBuf.String(), &GitError{Args: args, Stderr: errBuf.String(), Err: err}
	}
	return outBuf.String(), errBuf.String(), nil
}

func sanitizeName(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' || c == os.PathSeparator {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
