// Package worktree manages per-task git worktrees: creation against a
// repo's mainline, commits, rebases, and force-pushes with lease. Every
// operation shells out to the system git binary rather than wrapping
// libgit2 or go-git, the same way the engine shells docker and the agent
// backend rather than linking a client SDK.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitError carries raw stderr so a calling agent can decide what a
// failure means instead of Go code pattern-matching git's message text.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Stderr))
}

func (e *GitError) Unwrap() error { return e.Err }

// Git runs git commands against a single working directory.
type Git struct {
	dir     string
	gitDir  string // non-empty to run against a bare repo via --git-dir
}

// NewGit returns a Git bound to a working-tree directory.
func NewGit(dir string) *Git { return &Git{dir: dir} }

// NewGitWithDir returns a Git bound to an explicit --git-dir, used for
// bare repos that have no working tree of their own.
func NewGitWithDir(dir, gitDir string) *Git { return &Git{dir: dir, gitDir: gitDir} }

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	full := args
	if g.gitDir != "" {
		full = append([]string{"--git-dir", g.gitDir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = g.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &GitError{Args: full, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// IsRepo reports whether dir is inside a git working tree.
func (g *Git) IsRepo() bool {
	_, err := g.run(context.Background(), "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch() (string, error) {
	out, err := g.run(context.Background(), "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Rev resolves a revision (e.g. "HEAD") to its full commit hash.
func (g *Git) Rev(rev string) (string, error) {
	out, err := g.run(context.Background(), "rev-parse", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Status is a summary of the working tree's cleanliness.
type Status struct {
	Clean     bool
	Untracked []string
	Modified  []string
}

// Status runs `git status --porcelain` and classifies each entry.
func (g *Git) Status() (Status, error) {
	out, err := g.run(context.Background(), "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}
	var st Status
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		code, path := line[:2], strings.TrimSpace(line[2:])
		if code == "??" {
			st.Untracked = append(st.Untracked, path)
		} else {
			st.Modified = append(st.Modified, path)
		}
	}
	st.Clean = len(st.Untracked) == 0 && len(st.Modified) == 0
	return st, nil
}

// HasUncommittedChanges is a cheaper check than Status for the common
// dirty/clean branch.
func (g *Git) HasUncommittedChanges() (bool, error) {
	st, err := g.Status()
	if err != nil {
		return false, err
	}
	return !st.Clean, nil
}

// Add stages the given pathspecs.
func (g *Git) Add(pathspecs ...string) error {
	args := append([]string{"add"}, pathspecs...)
	_, err := g.run(context.Background(), args...)
	return err
}

// Commit creates a commit with message, failing if nothing is staged —
// callers that want to tolerate a no-op commit check HasUncommittedChanges
// first (§4.E's `allow-no-changes` phase flag).
func (g *Git) Commit(message string, trailers ...string) error {
	full := message
	if len(trailers) > 0 {
		full = full + "\n\n" + strings.Join(trailers, "\n")
	}
	_, err := g.run(context.Background(), "commit", "-m", full)
	return err
}

// CreateBranch creates a branch at the current HEAD without switching to it.
func (g *Git) CreateBranch(name string) error {
	_, err := g.run(context.Background(), "branch", name)
	return err
}

// Checkout switches to an existing branch.
func (g *Git) Checkout(ref string) error {
	_, err := g.run(context.Background(), "checkout", ref)
	return err
}

// Merge merges ref into the current branch with the default strategy.
func (g *Git) Merge(ref string) error {
	_, err := g.run(context.Background(), "merge", "--no-edit", ref)
	return err
}

// FetchBranch fetches a single branch from remote without updating any
// local ref besides FETCH_HEAD.
func (g *Git) FetchBranch(remote, branch string) error {
	_, err := g.run(context.Background(), "fetch", remote, branch)
	return err
}

// FetchPrune fetches from remote and removes stale remote-tracking refs.
func (g *Git) FetchPrune(remote string) error {
	_, err := g.run(context.Background(), "fetch", "--prune", remote)
	return err
}

// RemoteTrackingBranchExists checks for remote/branch among known refs.
func (g *Git) RemoteTrackingBranchExists(remote, branch string) (bool, error) {
	out, err := g.run(context.Background(), "branch", "-r", "--list", remote+"/"+branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// ListBranches lists local branch names matching a glob pattern.
func (g *Git) ListBranches(pattern string) ([]string, error) {
	out, err := g.run(context.Background(), "branch", "--list", pattern, "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// CloneWithReference clones src into dst, sharing src's object store via
// --reference to keep disk usage down across many task worktrees off the
// same mainline.
func (g *Git) CloneWithReference(src, dst, reference string) error {
	_, err := g.run(context.Background(), "clone", "--reference", reference, "--dissociate", src, dst)
	return err
}

// CloneBare clones src into dst as a bare repository and fetches origin's
// refs into refs/remotes/origin/*, so origin/<branch> is immediately
// resolvable for WorktreeAddFromRef.
func (g *Git) CloneBare(src, dst string) error {
	if _, err := g.run(context.Background(), "clone", "--bare", src, dst); err != nil {
		return err
	}
	bare := NewGitWithDir(dst, dst)
	_, err := bare.run(context.Background(), "config", "remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*")
	if err != nil {
		return err
	}
	_, err = bare.run(context.Background(), "fetch", "origin")
	return err
}

// WorktreeAddFromRef adds a new worktree at path on a new branch created
// from ref (typically origin/<mainline>).
func (g *Git) WorktreeAddFromRef(path, branch, ref string) error {
	_, err := g.run(context.Background(), "worktree", "add", "-b", branch, path, ref)
	return err
}

// WorktreeRemove removes a worktree, forcing removal even if it carries
// uncommitted changes — those changes live on the task's branch already.
func (g *Git) WorktreeRemove(path string) error {
	_, err := g.run(context.Background(), "worktree", "remove", "--force", path)
	return err
}
