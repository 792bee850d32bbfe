package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/neuralcollective/borg/internal/agentrunner"
	"github.com/neuralcollective/borg/internal/modes"
	borgotel "github.com/neuralcollective/borg/internal/otel"
	"github.com/neuralcollective/borg/internal/store"
)

// runPhases advances a claimed task through its mode's phase graph one
// phase at a time, stopping when the task reaches a phase with no `next`
// (-> done), fails terminally, or the context is cancelled.
func (e *Engine) runPhases(ctx context.Context, t store.Task) {
	mode, err := e.modes.Get(ctx, t.Mode)
	if err != nil {
		e.failTerminal(ctx, t, fmt.Sprintf("resolve mode %s: %v", t.Mode, err))
		return
	}

	phaseName := e.currentPhaseName(ctx, t, mode)
	phase, ok := mode.PhaseByName(phaseName)
	if !ok {
		e.failTerminal(ctx, t, fmt.Sprintf("mode %s: unknown phase %s", t.Mode, phaseName))
		return
	}

	repo, err := e.store.GetRepo(ctx, t.RepoID)
	if err != nil || repo == nil {
		e.failTerminal(ctx, t, fmt.Sprintf("resolve repo %s: %v", t.RepoID, err))
		return
	}

	if phase.Name == "setup" {
		if err := e.runSetup(ctx, t, repo.Path); err != nil {
			e.routeFailure(ctx, t, phase, err.Error())
			return
		}
	}

	wt, err := e.store.GetWorktree(ctx, t.ID)
	if err != nil || wt == nil {
		e.failTerminal(ctx, t, fmt.Sprintf("missing worktree after setup: %v", err))
		return
	}

	if phase.IsRebase {
		e.runRebasePhase(ctx, t, mode, phase, wt.Path)
		return
	}

	sessionID := t.SessionID
	if phase.Name != "setup" {
		var err error
		sessionID, err = e.runAgentPhase(ctx, t, phase, wt.Path, repo)
		if err != nil {
			e.routeFailure(ctx, t, phase, err.Error())
			return
		}
	}

	e.advanceToNext(ctx, t, mode, phase, sessionID)
}

func (e *Engine) currentPhaseName(ctx context.Context, t store.Task, m modes.Mode) string {
	if t.Status == store.StatusBacklog {
		return "setup"
	}
	return t.Status
}

func (e *Engine) runSetup(ctx context.Context, t store.Task, repoPath string) error {
	existing, err := e.store.GetWorktree(ctx, t.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil // already set up (retry after a crash between setup and the next phase)
	}

	branch := t.Branch
	if branch == "" {
		branch = "borg/" + t.ID
		if err := e.store.SetTaskBranch(ctx, t.ID, branch); err != nil {
			return err
		}
	}
	if _, err := e.worktree.Create(ctx, t.ID, repoPath, e.config.MainlineBranch, branch); err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	return nil
}

func (e *Engine) runAgentPhase(ctx context.Context, t store.Task, phase modes.Phase, worktreePath string, repo *store.Repo) (sessionID string, err error) {
	pending, err := e.store.PendingTaskMessages(ctx, t.ID)
	if err != nil {
		return "", err
	}
	prompt := assemblePrompt(phase, t, pending)

	req := agentrunner.Request{
		Prompt:          prompt,
		ResumeSessionID: t.SessionID,
		AssistantName:   "borg",
		AllowedTools:    phase.AllowedTools,
		Workdir:         worktreePath,
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = borgotel.StartSpan(ctx, e.tracer, "pipeline.agent_phase",
			borgotel.AttrTaskID.String(t.ID),
			attribute.String("borg.phase.name", phase.Name))
		req.TraceID = span.SpanContext().TraceID().String()
		defer span.End()
	}

	backend := repo.DefaultBackend

	result, err := e.runner.Invoke(ctx, backend, req, worktreePath,
		agentrunnerBindMounts(worktreePath), nil, e.config.AgentTimeout)
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return "", err
	}

	if err := e.store.AppendTaskOutput(ctx, t.ID, phase.Name, t.Attempt, result.Narrative, result.RawStdout, result.ExitCode, result.MalformedLines); err != nil {
		slog.Error("append task output", "task", t.ID, "error", err)
	}
	if len(pending) > 0 {
		ids := make([]int64, len(pending))
		for i, msg := range pending {
			ids[i] = msg.ID
		}
		if err := e.store.MarkMessagesDelivered(ctx, ids, phase.Name); err != nil {
			slog.Error("mark task messages delivered", "task", t.ID, "error", err)
		}
	}
	if !result.Success {
		return "", fmt.Errorf("%s", result.FailureReason)
	}

	allowNoChanges := phase.AllowNoChanges
	if err := e.worktree.CommitAll(ctx, worktreePath, commitMessage(t, phase), nil, allowNoChanges); err != nil {
		return "", fmt.Errorf("commit phase %s: %w", phase.Name, err)
	}

	if phase.RunsTests && repo.TestCommand != "" {
		if err := runTestCommand(ctx, worktreePath, repo.TestCommand); err != nil {
			return "", fmt.Errorf("test command failed: %w", err)
		}
	}

	if result.SessionID != "" {
		return result.SessionID, nil
	}
	return t.SessionID, nil
}

func agentrunnerBindMounts(worktreePath string) agentrunner.BindMounts {
	return agentrunner.BindMounts{WorktreePath: worktreePath, SessionDir: worktreePath + "/.borg-session"}
}

func runTestCommand(ctx context.Context, dir, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func commitMessage(t store.Task, phase modes.Phase) string {
	return fmt.Sprintf("%s: %s", phase.Name, t.Title)
}

func assemblePrompt(phase modes.Phase, t store.Task, pending []store.TaskMessage) string {
	var b strings.Builder
	b.WriteString(phase.PromptTemplate)
	b.WriteString("\n\nTask: ")
	b.WriteString(t.Title)
	if t.Description != "" {
		b.WriteString("\n")
		b.WriteString(t.Description)
	}
	for _, m := range pending {
		fmt.Fprintf(&b, "\n\n[%s message] %s", m.Role, m.Content)
	}
	return b.String()
}

func (e *Engine) advanceToNext(ctx context.Context, t store.Task, m modes.Mode, phase modes.Phase, sessionID string) {
	if phase.Next == "" {
		if err := e.store.AdvancePhase(ctx, t.ID, t.Status, store.StatusDone, sessionID); err != nil {
			slog.Error("advance to done", "task", t.ID, "error", err)
			return
		}
		if m.IntegrationKind == "git_pr" {
			if _, err := e.store.EnqueueIntegration(ctx, t.ID, t.RepoID, t.Branch); err != nil {
				slog.Error("enqueue integration", "task", t.ID, "error", err)
			}
		}
		return
	}
	if err := e.store.AdvancePhase(ctx, t.ID, t.Status, phase.Next, sessionID); err != nil {
		slog.Error("advance phase", "task", t.ID, "from", t.Status, "to", phase.Next, "error", err)
	}
}

func (e *Engine) routeFailure(ctx context.Context, t store.Task, phase modes.Phase, errMsg string) {
	target := phase.NextOnFailure
	if target != "" {
		retried, attempt, err := e.store.FailOrRetry(ctx, t.ID, phase.Name, errMsg)
		if err != nil {
			slog.Error("fail or retry", "task", t.ID, "error", err)
			return
		}
		if retried {
			if aerr := e.store.AdvancePhase(ctx, t.ID, store.StatusFailed, target, t.SessionID); aerr != nil {
				slog.Error("advance to retry target", "task", t.ID, "error", aerr)
			}
			slog.Info("task routed to retry phase", "task", t.ID, "phase", target, "attempt", attempt)
			return
		}
		slog.Info("task attempts exhausted", "task", t.ID, "last_error", errMsg)
		return
	}
	retried, attempt, err := e.store.FailOrRetry(ctx, t.ID, phase.Name, errMsg)
	if err != nil {
		slog.Error("fail or retry", "task", t.ID, "error", err)
		return
	}
	if retried {
		slog.Info("task marked failed for retry", "task", t.ID, "attempt", attempt)
		return
	}
	slog.Info("task attempts exhausted", "task", t.ID, "last_error", errMsg)
}

func (e *Engine) failTerminal(ctx context.Context, t store.Task, reason string) {
	if err := e.store.AdvancePhase(ctx, t.ID, t.Status, store.StatusFailedTerminal, t.SessionID); err != nil {
		slog.Error("advance to failed_terminal", "task", t.ID, "error", err)
	}
	slog.Error("task failed terminally", "task", t.ID, "reason", reason)
}
