package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/neuralcollective/borg/internal/agentrunner"
	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/modes"
	"github.com/neuralcollective/borg/internal/store"
)

var seedBlockPattern = regexp.MustCompile(`(?s)<<<SEED_TASK\s*\n(.*?)\nSEED_TASK>>>`)

// seedCandidate is one parsed <<<SEED_TASK ... SEED_TASK>>> block.
type seedCandidate struct {
	Title       string
	Description string
	TriageScore float64
}

// maybeSeed runs the auto-seeder (§4.E.6) when active work has fallen
// below the configured floor and the cooldown since the last run has
// elapsed. It dispatches every repo-targeting seed descriptor from every
// registered mode, parses sentinel-delimited candidates out of the
// agent's narrative, and either files a proposal or creates a task
// directly depending on the descriptor's output kind.
func (e *Engine) maybeSeed(ctx context.Context) {
	e.mu.Lock()
	sinceLastSeed := time.Since(e.lastSeedAt)
	e.mu.Unlock()
	if !e.lastSeedAt.IsZero() && sinceLastSeed < e.config.SeedCooldown {
		return
	}

	active, err := e.store.CountActiveTasks(ctx)
	if err != nil {
		slog.Error("count active tasks for seeder", "error", err)
		return
	}
	if active >= e.config.SeedMinActive {
		return
	}

	names, err := e.modes.List(ctx)
	if err != nil {
		slog.Error("list modes for seeder", "error", err)
		return
	}
	repos, err := e.store.ListRepos(ctx)
	if err != nil {
		slog.Error("list repos for seeder", "error", err)
		return
	}
	if len(repos) == 0 {
		return
	}

	ran := false
	for _, name := range names {
		mode, err := e.modes.Get(ctx, name)
		if err != nil || len(mode.Seeds) == 0 {
			continue
		}
		for _, sd := range mode.Seeds {
			for _, repo := range repos {
				if !sd.TargetPrimaryRepo {
					continue
				}
				e.runSeed(ctx, mode, sd, repo)
				ran = true
			}
		}
	}

	if ran {
		e.mu.Lock()
		e.lastSeedAt = time.Now()
		e.mu.Unlock()
	}
}

func (e *Engine) runSeed(ctx context.Context, mode modes.Mode, sd modes.SeedDescriptor, repo store.Repo) {
	req := agentrunner.Request{
		Prompt:        sd.Prompt,
		AssistantName: "borg-seed",
		AllowedTools:  sd.AllowedTools,
		Workdir:       repo.Path,
	}
	result, err := e.runner.Invoke(ctx, "host", req, repo.Path, agentrunner.BindMounts{}, nil, e.config.AgentTimeout)
	if err != nil {
		slog.Error("seed invocation failed", "seed", sd.Name, "repo", repo.ID, "error", err)
		return
	}
	e.bus.Publish(bus.TopicSeedDispatched, map[string]any{"seed": sd.Name, "repo": repo.ID})
	if !result.Success {
		slog.Warn("seed agent did not complete cleanly", "seed", sd.Name, "repo", repo.ID, "reason", result.FailureReason)
		return
	}

	candidates := parseSeedCandidates(result.Narrative)
	for _, c := range candidates {
		if c.Title == "" {
			continue
		}
		exists, err := e.store.TitleExists(ctx, repo.ID, c.Title)
		if err != nil {
			slog.Error("check duplicate seed title", "title", c.Title, "error", err)
			continue
		}
		if exists {
			continue
		}

		if sd.OutputKind == "proposal" {
			if _, err := e.store.CreateProposal(ctx, store.Proposal{
				RepoID: repo.ID, Mode: mode.Name, Title: c.Title, Description: c.Description, TriageScore: c.TriageScore,
			}); err != nil {
				slog.Error("file seed proposal", "title", c.Title, "error", err)
				continue
			}
			e.bus.Publish(bus.TopicProposalFiled, map[string]any{"repo": repo.ID, "title": c.Title})
			continue
		}

		if _, err := e.store.CreateTask(ctx, store.Task{
			Title: c.Title, Description: c.Description, RepoID: repo.ID, Mode: mode.Name, CreatedBy: "seeder:" + sd.Name,
		}); err != nil {
			slog.Error("create seeded task", "title", c.Title, "error", err)
		}
	}
}

// parseSeedCandidates extracts every <<<SEED_TASK ... SEED_TASK>>> block
// from an agent's narrative output and decodes its title/description/
// triage_score fields. Blocks that omit title are dropped by the caller.
func parseSeedCandidates(narrative string) []seedCandidate {
	var out []seedCandidate
	for _, m := range seedBlockPattern.FindAllStringSubmatch(narrative, -1) {
		out = append(out, parseSeedBlock(m[1]))
	}
	return out
}

func parseSeedBlock(body string) seedCandidate {
	var c seedCandidate
	for _, line := range strings.Split(body, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "title":
			c.Title = val
		case "description":
			c.Description = val
		case "triage_score":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				c.TriageScore = f
			}
		}
	}
	return c
}
