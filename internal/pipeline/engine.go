// Package pipeline is the tick-driven engine: task dispatch, phase
// execution, the rebase loop, the integration queue / release train, and
// the auto-seeder (§4.E). It is the largest single subsystem (30% of the
// spec's weight) and the only caller of internal/agentrunner,
// internal/worktree, and internal/modes in combination.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/neuralcollective/borg/internal/agentrunner"
	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/modes"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/worktree"
)

// Config controls the engine's tick cadence and concurrency caps.
type Config struct {
	TickInterval      time.Duration
	MaxConcurrent     int           // global cap on tasks with an active phase
	StaleLeaseAfter   time.Duration // §4.E step 1 reconcile threshold
	SeedCooldown      time.Duration
	SeedMinActive     int // seeder runs only when active task count falls below this
	AgentTimeout      time.Duration
	MainlineBranch    string
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.StaleLeaseAfter <= 0 {
		c.StaleLeaseAfter = 10 * time.Minute
	}
	if c.SeedCooldown <= 0 {
		c.SeedCooldown = 1 * time.Hour
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 20 * time.Minute
	}
	if c.MainlineBranch == "" {
		c.MainlineBranch = "main"
	}
}

// Engine is the cooperative tick loop described in §4.E. Each tick
// performs, in order: (1) reconcile dispatched-but-orphaned tasks, (2)
// admit new work up to concurrency caps, (3) advance tasks whose agents
// have finished, (4) process the integration queue, (5) run the periodic
// self-update check, (6) run the auto-seeder if eligible.
type Engine struct {
	store    *store.Store
	bus      *bus.Bus
	modes    *modes.Registry
	worktree *worktree.Manager
	runner   *agentrunner.Runner
	config   Config
	tracer   trace.Tracer // nil until SetTracer; every call site checks before using it

	selfUpdateCheck func(ctx context.Context) // nil-able hook, wired by cmd/borg

	ownerTag string
	sem      chan struct{} // bounds concurrent in-flight phases

	mu            sync.Mutex
	lastSeedAt    time.Time
	inFlight      map[string]context.CancelFunc // taskID -> cancel, guards double-dispatch in-process
	activeCount   atomic.Int32

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an Engine. ownerTag identifies this process in
// dispatched_at/lease_owner columns, so a crash and restart under a
// different tag can tell its own leases apart from a still-running
// sibling process (there is only ever one engine per
// single-host non-goal, but the tag keeps RequeueStaleLeases honest
// across a restart of the same process).
func New(st *store.Store, b *bus.Bus, mr *modes.Registry, wt *worktree.Manager, runner *agentrunner.Runner, ownerTag string, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		store:    st,
		bus:      b,
		modes:    mr,
		worktree: wt,
		runner:   runner,
		config:   cfg,
		ownerTag: ownerTag,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		inFlight: make(map[string]context.CancelFunc),
	}
}

// SetSelfUpdateCheck wires the step-5 hook; left unset, step 5 is a no-op.
func (e *Engine) SetSelfUpdateCheck(fn func(ctx context.Context)) {
	e.selfUpdateCheck = fn
}

// SetTracer wires the shared tracer so each agent phase invocation opens
// a span whose trace ID travels to cmd/borgagent in the invocation
// envelope, correlating the engine's view of a task with the
// subprocess's own spans.
func (e *Engine) SetTracer(tracer trace.Tracer) {
	e.tracer = tracer
}

// Run drives the tick loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	e.tick(runCtx)
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			e.tick(runCtx)
		}
	}
}

// Stop cancels the loop and waits for in-flight phase executions to
// finish releasing their leases.
func (e *Engine) Stop(timeout time.Duration) {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("pipeline engine: stop timed out waiting for in-flight phases")
	}
}

func (e *Engine) tick(ctx context.Context) {
	if n, err := e.store.RequeueStaleLeases(ctx, e.config.StaleLeaseAfter); err != nil {
		slog.Error("reconcile stale leases", "error", err)
	} else if n > 0 {
		slog.Info("requeued stale leases", "count", n)
	}

	e.admitWork(ctx)

	if err := e.processIntegrationQueue(ctx); err != nil {
		slog.Error("process integration queue", "error", err)
	}

	if e.selfUpdateCheck != nil {
		e.selfUpdateCheck(ctx)
	}

	e.maybeSeed(ctx)
}

// admitWork claims backlog/failed-retry tasks up to the concurrency cap
// and launches a phase execution goroutine for each, respecting repo
// dispatch priority (§4.E.7).
func (e *Engine) admitWork(ctx context.Context) {
	repos, err := e.store.ListRepos(ctx)
	if err != nil {
		slog.Error("list repos for dispatch", "error", err)
		return
	}
	for _, repo := range repos {
		if int(e.activeCount.Load()) >= e.config.MaxConcurrent {
			return
		}
		tasks, err := e.store.ListTasksByStatus(ctx, store.StatusBacklog)
		if err != nil {
			slog.Error("list backlog tasks", "repo", repo.ID, "error", err)
			continue
		}
		for _, t := range tasks {
			if t.RepoID != repo.ID {
				continue
			}
			if int(e.activeCount.Load()) >= e.config.MaxConcurrent {
				return
			}
			e.dispatchTask(ctx, t)
		}
	}
}

func (e *Engine) dispatchTask(ctx context.Context, t store.Task) {
	ok, err := e.store.ClaimDispatch(ctx, t.ID, e.ownerTag)
	if err != nil {
		slog.Error("claim dispatch", "task", t.ID, "error", err)
		return
	}
	if !ok {
		return // lost the race, or attempts exhausted
	}

	select {
	case e.sem <- struct{}{}:
	default:
		// Concurrency cap reached between the activeCount check and here;
		// release the lease immediately so another tick can pick it up.
		_ = e.store.ReleaseDispatch(ctx, t.ID)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.inFlight[t.ID] = cancel
	e.mu.Unlock()
	e.activeCount.Add(1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			<-e.sem
			e.activeCount.Add(-1)
			e.mu.Lock()
			delete(e.inFlight, t.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.runPhases(taskCtx, t)
	}()
}

// CancelInFlight cancels a task's running phase goroutine, if any, and is
// the mechanism behind the dashboard's task-cancel mutation.
func (e *Engine) CancelInFlight(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.inFlight[taskID]
	if ok {
		cancel()
	}
	return ok
}
