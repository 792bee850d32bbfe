// Command borgagent is the reference implementation of the agent
// subprocess contract: read one JSON object from
// stdin, write newline-delimited JSON events to stdout, exit. The
// pipeline engine and chat dispatcher only know this contract — they
// never import this package — so nothing here is special beyond being
// the agent command a repo's mode or chat config happens to name.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace"

	borgotel "github.com/neuralcollective/borg/internal/otel"
	"github.com/neuralcollective/borg/internal/sandbox/wasm"
)

// maxToolTurns bounds how many tool-call/tool-result round trips a single
// invocation runs before it is forced to answer, so a model stuck calling
// tools in a loop cannot hold the subprocess open past the engine's own
// watchdog timeout for nothing.
const maxToolTurns = 4

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	if err := run(ctx, os.Stdin, out); err != nil {
		fmt.Fprintln(os.Stderr, "borgagent:", err)
		out.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, stdin io.Reader, out *bufio.Writer) error {
	body, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.ResumeSessionID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	provider, err := borgotel.Init(ctx, borgotel.Config{
		Enabled:     os.Getenv("BORG_OTEL_ENABLED") == "1",
		Exporter:    envOr("BORG_OTEL_EXPORTER", "none"),
		Endpoint:    os.Getenv("BORG_OTEL_ENDPOINT"),
		ServiceName: "borgagent",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer provider.Shutdown(ctx)

	// When the engine passed a trace ID, treat it as a remote parent so
	// this invocation's span nests under the engine's own phase span
	// instead of starting a disconnected trace.
	if req.TraceID != "" {
		if traceID, perr := trace.TraceIDFromHex(req.TraceID); perr == nil {
			remoteSC := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     trace.SpanID{1}, // placeholder leaf; only TraceID correlates
				TraceFlags: trace.FlagsSampled,
				Remote:     true,
			})
			ctx = trace.ContextWithRemoteSpanContext(ctx, remoteSC)
		}
	}
	var span trace.Span
	ctx, span = borgotel.StartClientSpan(ctx, provider.Tracer, "borgagent.invoke",
		borgotel.AttrSessionID.String(sessionID))
	defer span.End()

	if err := emitEvent(out, "system", sessionID, nil, "", "", ""); err != nil {
		return err
	}

	host, err := wasm.NewHost(ctx, wasm.Config{})
	if err != nil {
		return fmt.Errorf("init sandbox host: %w", err)
	}
	defer host.Close(ctx)

	tools, err := loadTools(ctx, host, req.AllowedTools)
	if err != nil {
		return fmt.Errorf("load tools: %w", err)
	}

	systemPrompt, err := renderSystemPrompt(req.AssistantName, req.SystemPrompt, tools.Names())
	if err != nil {
		return fmt.Errorf("render system prompt: %w", err)
	}

	b := newBrain(ctx, req.Model)

	prompt := req.Prompt
	var finalText string
	for turn := 0; turn < maxToolTurns; turn++ {
		reply, err := b.respond(ctx, systemPrompt, prompt)
		if err != nil {
			return fmt.Errorf("model turn: %w", err)
		}

		tc, isToolCall := extractToolCall(reply)
		if !isToolCall {
			finalText = reply
			if err := emitEvent(out, "assistant", sessionID, reply, "", "", ""); err != nil {
				return err
			}
			break
		}

		if err := emitEvent(out, "assistant", sessionID, reply, "", "", ""); err != nil {
			return err
		}

		toolUseID := uuid.NewString()
		result, callErr := tools.Call(ctx, tc)
		if callErr != nil {
			result = fmt.Sprintf("error: %s", callErr)
		}
		if err := emitEvent(out, "tool_result", sessionID, nil, tc.Tool, toolUseID, result); err != nil {
			return err
		}

		prompt = fmt.Sprintf("Tool %q returned:\n%s\n\nContinue.", tc.Tool, result)
		if turn == maxToolTurns-1 {
			finalText = "reached the tool-call limit for this turn without a final answer."
		}
	}

	return emitEvent(out, "result", sessionID, nil, "", "", finalText)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// emitEvent writes one newline-delimited JSON record, building it with
// sjson instead of a struct marshal — the event shape varies enough by
// kind (system/assistant/tool_result/result each populate different
// fields) that patching a bare "{}" skeleton field by field is cheaper
// than a json.Marshal round trip through the "one struct, all fields
// optional" event type on this hot per-line append path.
func emitEvent(out *bufio.Writer, kind, sessionID string, content any, toolName, toolUseID, result string) error {
	line := `{}`
	var err error
	line, err = sjson.Set(line, "type", kind)
	if err != nil {
		return err
	}
	if sessionID != "" {
		if line, err = sjson.Set(line, "session_id", sessionID); err != nil {
			return err
		}
	}
	if content != nil {
		if line, err = sjson.Set(line, "content", content); err != nil {
			return err
		}
	}
	if toolName != "" {
		if line, err = sjson.Set(line, "tool_name", toolName); err != nil {
			return err
		}
	}
	if toolUseID != "" {
		if line, err = sjson.Set(line, "tool_use_id", toolUseID); err != nil {
			return err
		}
	}
	if result != "" || kind == "result" {
		if line, err = sjson.Set(line, "result", result); err != nil {
			return err
		}
	}
	if _, err := out.WriteString(line); err != nil {
		return err
	}
	if err := out.WriteByte('\n'); err != nil {
		return err
	}
	return out.Flush()
}
