package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/modes"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/worktree"
)

// maxUnknownRetries bounds how many times an integration entry can be
// sent back through the rebase phase on an undiagnosable conflict before
// the controller gives up and excludes it (§4.E.5).
const maxUnknownRetries = 5

// processIntegrationQueue runs one release-train pass per repo: pop the
// oldest queued entry, attempt to land it on mainline, and route the
// outcome back to the task and queue entry together.
func (e *Engine) processIntegrationQueue(ctx context.Context) error {
	repos, err := e.store.ListRepos(ctx)
	if err != nil {
		return err
	}
	for _, repo := range repos {
		entry, err := e.store.NextQueued(ctx, repo.ID)
		if err != nil {
			slog.Error("next queued integration", "repo", repo.ID, "error", err)
			continue
		}
		if entry == nil {
			continue
		}
		if err := e.landEntry(ctx, repo, *entry); err != nil {
			slog.Error("land integration entry", "entry", entry.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) landEntry(ctx context.Context, repo store.Repo, entry store.IntegrationEntry) error {
	if err := e.store.MarkMerging(ctx, entry.ID); err != nil {
		return err
	}

	wt, err := e.store.GetWorktree(ctx, entry.TaskID)
	if err != nil {
		return err
	}
	if wt == nil {
		return e.store.MarkExcluded(ctx, entry.ID, entry.TaskID, "worktree missing at integration time")
	}

	if !repo.AutoMerge {
		return e.landViaPullRequest(ctx, repo, entry, wt.Path)
	}

	mirror, err := e.worktree.EnsureMirror(ctx, repo.Path)
	if err != nil {
		return err
	}
	candidate := worktree.NewGitWithDir(mirror, mirror)
	if err := candidate.FetchBranch("origin", entry.Branch); err != nil {
		return fmt.Errorf("fetch candidate branch %s: %w", entry.Branch, err)
	}

	conflicts, err := candidate.CheckConflicts(entry.Branch, "origin/"+e.config.MainlineBranch)
	if err != nil {
		slog.Warn("check conflicts best-effort failed", "entry", entry.ID, "error", err)
	}
	if len(conflicts) > 0 {
		return e.routeIntegrationConflict(ctx, repo, entry)
	}

	mergePath, cleanup, err := e.worktree.ScratchIntegrationWorktree(ctx, repo.Path, e.config.MainlineBranch, entry.ID)
	if err != nil {
		return fmt.Errorf("create integration worktree: %w", err)
	}
	defer cleanup()

	mg := worktree.NewGit(mergePath)
	if err := mg.FetchBranch("origin", entry.Branch); err != nil {
		return fmt.Errorf("fetch candidate into integration worktree: %w", err)
	}
	if err := mg.Merge("origin/" + entry.Branch); err != nil {
		return e.routeIntegrationConflict(ctx, repo, entry)
	}

	if repo.TestCommand != "" {
		if err := runTestCommand(ctx, mergePath, repo.TestCommand); err != nil {
			return e.store.MarkExcluded(ctx, entry.ID, entry.TaskID, fmt.Sprintf("integration tests failed: %v", err))
		}
	}

	if err := mg.PushHeadTo("origin", e.config.MainlineBranch); err != nil {
		return fmt.Errorf("push mainline: %w", err)
	}

	if err := e.store.MarkMerged(ctx, entry.ID, entry.TaskID, 0); err != nil {
		return err
	}
	e.bus.Publish(bus.TopicIntegrationMerged, bus.IntegrationEvent{TaskID: entry.TaskID, Repo: repo.ID, Branch: entry.Branch, Status: store.IntegrationMerged})
	return nil
}

// routeIntegrationConflict sends the task back through its mode's rebase
// phase so the fix-agent loop in runRebasePhase runs again against a now
// newly-fetched mainline, and keeps the queue entry in place.
func (e *Engine) routeIntegrationConflict(ctx context.Context, repo store.Repo, entry store.IntegrationEntry) error {
	retries, err := e.store.RequeueForRebase(ctx, entry.ID)
	if err != nil {
		return err
	}
	if retries > maxUnknownRetries {
		return e.store.MarkExcluded(ctx, entry.ID, entry.TaskID, "exceeded unknown-retry budget on integration conflict")
	}

	task, err := e.store.GetTask(ctx, entry.TaskID)
	if err != nil || task == nil {
		return fmt.Errorf("load task for conflict routing: %w", err)
	}
	mode, err := e.modes.Get(ctx, task.Mode)
	if err != nil {
		return err
	}
	rebasePhase, ok := firstRebasePhase(mode)
	if !ok {
		return e.store.MarkExcluded(ctx, entry.ID, entry.TaskID, "mode has no rebase phase to route a conflict to")
	}
	return e.store.AdvancePhase(ctx, entry.TaskID, task.Status, rebasePhase, task.SessionID)
}

func firstRebasePhase(m modes.Mode) (string, bool) {
	for _, p := range m.Phases {
		if p.IsRebase {
			return p.Name, true
		}
	}
	return "", false
}

// landViaPullRequest shells out to the gh CLI to open (or reuse) a pull
// request and only calls MarkMerged once gh reports it merged upstream —
// the controller never merges locally for a repo without auto-merge.
func (e *Engine) landViaPullRequest(ctx context.Context, repo store.Repo, entry store.IntegrationEntry, worktreePath string) error {
	if entry.PRNumber == 0 {
		out, err := runGh(ctx, worktreePath, "pr", "create", "--fill", "--head", entry.Branch, "--base", e.config.MainlineBranch)
		if err != nil {
			return fmt.Errorf("create pull request: %w", err)
		}
		num := parsePRNumber(out)
		if num == 0 {
			_, rerr := e.store.RequeueForRebase(ctx, entry.ID)
			return rerr
		}
		if err := e.store.SetIntegrationPRNumber(ctx, entry.ID, num); err != nil {
			return err
		}
		e.bus.Publish(bus.TopicPRCreated, bus.IntegrationEvent{TaskID: entry.TaskID, Repo: repo.ID, Branch: entry.Branch, Status: "pr_created"})
		return e.store.ResetIntegrationToQueued(ctx, entry.ID)
	}

	out, err := runGh(ctx, worktreePath, "pr", "view", fmt.Sprintf("%d", entry.PRNumber), "--json", "state")
	if err != nil {
		return fmt.Errorf("check pull request %d: %w", entry.PRNumber, err)
	}
	if !strings.Contains(out, `"MERGED"`) {
		return e.store.ResetIntegrationToQueued(ctx, entry.ID)
	}
	if err := e.store.MarkMerged(ctx, entry.ID, entry.TaskID, entry.PRNumber); err != nil {
		return err
	}
	e.bus.Publish(bus.TopicPRMerged, bus.IntegrationEvent{TaskID: entry.TaskID, Repo: repo.ID, Branch: entry.Branch, Status: "pr_merged"})
	return nil
}

func runGh(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func parsePRNumber(ghOutput string) int {
	idx := strings.LastIndex(strings.TrimSpace(ghOutput), "/")
	if idx < 0 {
		return 0
	}
	tail := strings.TrimSpace(ghOutput)[idx+1:]
	var n int
	if _, err := fmt.Sscanf(tail, "%d", &n); err != nil {
		return 0
	}
	return n
}
