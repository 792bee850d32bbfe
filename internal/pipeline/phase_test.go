package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/neuralcollective/borg/internal/modes"
	"github.com/neuralcollective/borg/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "borg.db")
	st, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	e := New(st, nil, nil, nil, nil, "test-owner", Config{})
	return e, st
}

func seedEngineTask(t *testing.T, st *store.Store, status string, maxAttempts int) store.Task {
	t.Helper()
	ctx := context.Background()
	repoID, err := st.UpsertRepo(ctx, store.Repo{Path: t.TempDir(), DefaultMode: "fix"})
	if err != nil {
		t.Fatalf("UpsertRepo: %v", err)
	}
	taskID, err := st.CreateTask(ctx, store.Task{
		Title:       "phase routing test",
		RepoID:      repoID,
		Mode:        "fix",
		Status:      status,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return *task
}

// TestRouteFailure_ExhaustionWithNextOnFailureStaysRecyclable is the
// regression test for the bug a prior review caught: a phase that
// declares next-on-failure must leave an attempts-exhausted task in the
// recyclable failed status, the same as a phase with no retry target,
// rather than escalating it to failed_terminal.
func TestRouteFailure_ExhaustionWithNextOnFailureStaysRecyclable(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	task := seedEngineTask(t, st, "test", 1)

	phase := modes.Phase{Name: "test", NextOnFailure: "fix"}
	e.routeFailure(ctx, task, phase, "tests still failing")

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("expected exhausted task with a retry target to land in %q, got %q", store.StatusFailed, got.Status)
	}

	// The whole point of leaving it in StatusFailed: RequeueFailed must
	// accept it.
	if err := st.RequeueFailed(ctx, task.ID); err != nil {
		t.Fatalf("RequeueFailed should accept a routeFailure-exhausted task: %v", err)
	}
}

func TestRouteFailure_RetriesUnderBudgetRoutesToTarget(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	task := seedEngineTask(t, st, "test", 3)

	phase := modes.Phase{Name: "test", NextOnFailure: "fix"}
	e.routeFailure(ctx, task, phase, "tests failing, attempt 1")

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != "fix" {
		t.Fatalf("expected task routed to the next-on-failure target %q, got %q", "fix", got.Status)
	}
	if got.Attempt != 1 {
		t.Fatalf("expected attempt incremented to 1, got %d", got.Attempt)
	}
}

func TestRouteFailure_ExhaustionWithoutRetryTargetStaysRecyclable(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	task := seedEngineTask(t, st, "setup", 1)

	phase := modes.Phase{Name: "setup"}
	e.routeFailure(ctx, task, phase, "setup failed")

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("expected exhausted task with no retry target to land in %q, got %q", store.StatusFailed, got.Status)
	}
}

func TestAdvanceToNext_TerminalPhaseEnqueuesIntegration(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	task := seedEngineTask(t, st, "test", 3)

	m := modes.Mode{Name: "fix", IntegrationKind: "git_pr"}
	phase := modes.Phase{Name: "test"} // Next == "" -> terminal
	e.advanceToNext(ctx, task, m, phase, "")

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.StatusDone {
		t.Fatalf("expected task status %q, got %q", store.StatusDone, got.Status)
	}

	entry, err := st.NextQueued(ctx, task.RepoID)
	if err != nil {
		t.Fatalf("NextQueued: %v", err)
	}
	if entry == nil || entry.TaskID != task.ID {
		t.Fatalf("expected task to be enqueued for integration, got %+v", entry)
	}
}

func TestAdvanceToNext_NonTerminalPhaseAdvancesStatus(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	task := seedEngineTask(t, st, "setup", 3)

	m := modes.Mode{Name: "fix"}
	phase := modes.Phase{Name: "setup", Next: "test"}
	e.advanceToNext(ctx, task, m, phase, "sess-1")

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != "test" {
		t.Fatalf("expected task advanced to %q, got %q", "test", got.Status)
	}
	if got.SessionID != "sess-1" {
		t.Fatalf("expected session id persisted, got %q", got.SessionID)
	}
}
