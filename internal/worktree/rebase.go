package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckConflicts reports which files would conflict if branch were
// merged into base, without altering either branch or the working tree.
// It uses a scratch merge-tree rather than an actual checkout+merge so it
// is safe to call from whatever branch happens to be checked out.
func (g *Git) CheckConflicts(branch, base string) ([]string, error) {
	mergeBase, err := g.run(context.Background(), "merge-base", base, branch)
	if err != nil {
		return nil, err
	}
	out, err := g.run(context.Background(), "merge-tree", strings.TrimSpace(mergeBase), base, branch)
	if err != nil {
		// Older git (pre 2.38) exits non-zero when conflicts exist and the
		// conflict markers are the only signal; fall back to scanning output.
		if out == "" {
			return nil, err
		}
	}
	return parseMergeTreeConflicts(out), nil
}

// parseMergeTreeConflicts scans `git merge-tree` output for CONFLICT
// lines. The exact layout varies across git versions, so this is a
// best-effort hint; RebaseInProgress + ConflictedFiles during a real
// rebase attempt is the authoritative path.
func parseMergeTreeConflicts(out string) []string {
	var files []string
	seen := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "CONFLICT (") {
			if idx := strings.LastIndex(line, " "); idx >= 0 {
				f := line[idx+1:]
				if !seen[f] {
					seen[f] = true
					files = append(files, f)
				}
			}
		}
	}
	return files
}

// RebaseOntoMainline rebases the current branch onto upstream. On
// conflict it returns a *GitError and leaves the rebase in progress —
// callers must never auto-abort (§4.E.4): a fix agent inspects the
// conflicted files and either resolves and calls RebaseContinue, or the
// caller calls RebaseAbort after exhausting fix attempts.
func (g *Git) RebaseOntoMainline(upstream string) error {
	_, err := g.run(context.Background(), "rebase", upstream)
	return err
}

// RebaseInProgress detects an interrupted rebase by checking for git's
// own state directories, which persist across process restarts.
func (g *Git) RebaseInProgress() bool {
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := g.run(context.Background(), "rev-parse", "--git-path", dir); err == nil {
			if exists, _ := g.pathExists(dir); exists {
				return true
			}
		}
	}
	return false
}

func (g *Git) pathExists(gitRelative string) (bool, error) {
	out, err := g.run(context.Background(), "rev-parse", "--git-path", gitRelative)
	if err != nil {
		return false, err
	}
	path := strings.TrimSpace(out)
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.dir, path)
	}
	_, statErr := os.Stat(path)
	return statErr == nil, nil
}

// RebaseContinue resumes a rebase after the working tree's conflicts have
// been staged with Add.
func (g *Git) RebaseContinue() error {
	_, err := g.run(context.Background(), "rebase", "--continue")
	return err
}

// RebaseAbort returns the branch to its pre-rebase state.
func (g *Git) RebaseAbort() error {
	_, err := g.run(context.Background(), "rebase", "--abort")
	return err
}

// ConflictedFiles lists paths with unresolved merge conflicts during an
// in-progress rebase.
func (g *Git) ConflictedFiles() ([]string, error) {
	out, err := g.run(context.Background(), "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// PushWithLease force-pushes branch to remote using --force-with-lease,
// so a push is rejected (instead of silently clobbering) if the remote
// branch advanced since the worktree last fetched it.
func (g *Git) PushWithLease(remote, branch string) error {
	_, err := g.run(context.Background(), "push", "--force-with-lease", remote, branch)
	return err
}

// Push pushes branch to remote without force, used for the first push of
// a newly created task branch.
func (g *Git) Push(remote, branch string) error {
	_, err := g.run(context.Background(), "push", "-u", remote, branch)
	return err
}

// PushHeadTo pushes the currently checked-out commit to remoteBranch on
// remote regardless of the local branch's own name, for the integration
// controller's scratch merge worktree whose local branch is never named
// after the mainline it is landing onto.
func (g *Git) PushHeadTo(remote, remoteBranch string) error {
	_, err := g.run(context.Background(), "push", remote, "HEAD:refs/heads/"+remoteBranch)
	return err
}

// PrunedBranch describes one branch removed by PruneStaleBranches.
type PrunedBranch struct {
	Name   string
	Reason string
}

// PruneStaleBranches deletes local branches matching pattern that are
// both merged into the current branch and have no surviving remote
// tracking branch — a branch still in flight on a PR is never touched.
// The branch currently checked out is always skipped. dryRun reports
// what would be deleted without deleting it.
func (g *Git) PruneStaleBranches(pattern string, dryRun bool) ([]PrunedBranch, error) {
	current, err := g.CurrentBranch()
	if err != nil {
		return nil, err
	}
	names, err := g.ListBranches(pattern)
	if err != nil {
		return nil, err
	}
	mergedOut, err := g.run(context.Background(), "branch", "--merged", current, "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	merged := map[string]bool{}
	for _, line := range strings.Split(mergedOut, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			merged[line] = true
		}
	}

	var pruned []PrunedBranch
	for _, name := range names {
		if name == current {
			continue
		}
		if !merged[name] {
			continue
		}
		hasRemote, err := g.RemoteTrackingBranchExists("origin", name)
		if err != nil {
			return nil, err
		}
		if hasRemote {
			continue
		}
		pruned = append(pruned, PrunedBranch{Name: name, Reason: "no-remote-merged"})
		if !dryRun {
			if _, err := g.run(context.Background(), "branch", "-D", name); err != nil {
				return nil, fmt.Errorf("delete branch %s: %w", name, err)
			}
		}
	}
	return pruned, nil
}
