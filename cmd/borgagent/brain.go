package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// brain wraps one genkit instance initialized for a single invocation's
// provider/model. borgagent is spawned fresh per agent turn, so unlike
// the teacher's long-lived GenkitBrain, there is no session cache here —
// genkit.Init happens once in main and this struct just remembers enough
// to build the right ai.GenerateOption list.
type brain struct {
	g         *genkit.Genkit
	modelName string
	llmOn     bool
}

// newBrain parses "model" as "provider:model-id" (e.g.
// "anthropic:claude-3-5-sonnet-20241022"); a bare model id defaults to
// the google provider, matching go-claw's provider-switch default.
func newBrain(ctx context.Context, model string) *brain {
	provider, modelID, _ := strings.Cut(model, ":")
	provider = strings.ToLower(strings.TrimSpace(provider))
	if modelID == "" {
		modelID = provider
		provider = ""
	}
	if provider == "" {
		provider = "google"
	}
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}

	apiKey := envAPIKeyForProvider(provider)

	var g *genkit.Genkit
	llmOn := false
	modelName := modelID

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			modelName = "anthropic/" + modelID
		} else {
			g = genkit.Init(ctx)
			slog.Warn("anthropic api key missing; running without llm")
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			modelName = "openai/" + modelID
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openai api key missing; running without llm")
		}
	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			slog.Warn("openrouter api key missing; running without llm")
		}
	case "google", "":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			modelName = "googleai/" + modelID
		} else {
			g = genkit.Init(ctx)
			slog.Warn("google api key missing; running without llm")
		}
	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown model provider; running without llm", "provider", provider)
	}

	return &brain{g: g, modelName: modelName, llmOn: llmOn}
}

// respond runs a single completion turn. onChunk is unused here — unlike
// the teacher's long-lived engine, a one-shot subprocess has no reason to
// stream partial tokens to its own stdout ahead of the full record.
func (b *brain) respond(ctx context.Context, systemPrompt, prompt string) (string, error) {
	if !b.llmOn {
		return "I can answer with full reasoning once a model API key is configured.", nil
	}
	opts := []ai.GenerateOption{
		ai.WithModelName(b.modelName),
		ai.WithSystem(systemPrompt),
		ai.WithPrompt(prompt),
	}
	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "openai":
		return "gpt-4o-mini"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5-20250929"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}
