package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neuralcollective/borg/internal/agentrunner"
	"github.com/neuralcollective/borg/internal/modes"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/worktree"
)

// runRebasePhase implements the rebase loop: fetch mainline, attempt the
// rebase, and on conflict invoke a fix agent in the worktree rather than
// aborting. The fix agent always runs on the host, unlike ordinary
// container phases, so it can edit files using the same toolchain the
// worktree was checked out with.
func (e *Engine) runRebasePhase(ctx context.Context, t store.Task, m modes.Mode, phase modes.Phase, worktreePath string) {
	repo, err := e.store.GetRepo(ctx, t.RepoID)
	if err != nil || repo == nil {
		e.failTerminal(ctx, t, fmt.Sprintf("resolve repo %s: %v", t.RepoID, err))
		return
	}

	result, err := e.worktree.RebaseOntoMainline(ctx, worktreePath, e.config.MainlineBranch)
	if err != nil {
		e.routeFailure(ctx, t, phase, err.Error())
		return
	}

	if len(result.Conflicted) > 0 {
		if err := e.resolveRebaseConflict(ctx, t, phase, worktreePath, result.Conflicted); err != nil {
			_ = e.worktree.AbortRebase(worktreePath)
			e.routeFailure(ctx, t, phase, err.Error())
			return
		}
	}

	if phase.RunsTests && repo.TestCommand != "" {
		if err := runTestCommand(ctx, worktreePath, repo.TestCommand); err != nil {
			e.routeFailure(ctx, t, phase, fmt.Sprintf("post-rebase tests failed: %v", err))
			return
		}
	}

	first := t.Attempt == 0
	if _, _, err := e.worktree.PushWithLease(ctx, worktreePath, t.Branch, first); err != nil {
		e.routeFailure(ctx, t, phase, fmt.Sprintf("push failed: %v", err))
		return
	}

	e.advanceToNext(ctx, t, m, phase, t.SessionID)
}

// resolveRebaseConflict hands the conflicted files to a fix agent and
// attempts to continue the rebase with whatever the agent staged. It
// never aborts itself — the caller aborts on a returned error so the
// worktree is left clean for the next retry attempt.
func (e *Engine) resolveRebaseConflict(ctx context.Context, t store.Task, phase modes.Phase, worktreePath string, conflicted []string) error {
	prompt := fmt.Sprintf(
		"%s\n\nRebasing branch %q produced conflicts in:\n- %s\n\nResolve the conflicts in the working tree, then stage your resolution. Do not run `git rebase --continue` yourself.",
		phase.PromptTemplate, t.Branch, strings.Join(conflicted, "\n- "),
	)

	req := agentrunner.Request{
		Prompt:        prompt,
		AssistantName: "borg",
		AllowedTools:  phase.AllowedTools,
		Workdir:       worktreePath,
	}

	result, err := e.runner.Invoke(ctx, "host", req, worktreePath, agentrunner.BindMounts{}, nil, e.config.AgentTimeout)
	if err != nil {
		return fmt.Errorf("rebase fix agent: %w", err)
	}
	if err := e.store.AppendTaskOutput(ctx, t.ID, phase.Name, t.Attempt, result.Narrative, result.RawStdout, result.ExitCode, result.MalformedLines); err != nil {
		slog.Error("append task output", "task", t.ID, "error", err)
	}
	if !result.Success {
		return fmt.Errorf("rebase fix agent: %s", result.FailureReason)
	}

	g := worktree.NewGit(worktreePath)
	if err := g.Add("-A"); err != nil {
		return fmt.Errorf("stage resolved conflicts: %w", err)
	}
	if err := e.worktree.ContinueRebase(worktreePath); err != nil {
		return fmt.Errorf("rebase --continue after fix: %w", err)
	}
	return nil
}
