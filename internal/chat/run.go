package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/neuralcollective/borg/internal/agentrunner"
	"github.com/neuralcollective/borg/internal/bus"
	borgotel "github.com/neuralcollective/borg/internal/otel"
	"github.com/neuralcollective/borg/internal/store"
)

// promoteToRunning is the COLLECTING -> RUNNING commit point (§4.F
// "single-agent-per-conversation is the key invariant"). The transition
// itself is the mutex: a conversation whose WHERE phase='COLLECTING'
// update affects zero rows lost the race (or was never due) and this
// call is a no-op.
func (d *Dispatcher) promoteToRunning(ctx context.Context, chatKey string) {
	select {
	case d.sem <- struct{}{}:
	default:
		// At the concurrent-agent cap: leave the conversation in
		// COLLECTING: it will be retried on the next tick once a slot frees.
		return
	}

	ok, err := d.store.TransitionConversation(ctx, chatKey, store.ChatPhaseCollecting, store.ChatPhaseRunning, nil, nil, "")
	if err != nil {
		<-d.sem
		slog.Error("promote to running", "chat_key", chatKey, "error", err)
		return
	}
	if !ok {
		<-d.sem
		return
	}
	d.publishState(chatKey, store.ChatPhaseCollecting, store.ChatPhaseRunning)

	d.mu.Lock()
	delete(d.windowStart, chatKey)
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		d.runTurn(ctx, chatKey)
	}()
}

// runTurn snapshots the window's messages, invokes the dispatcher agent
// on the host backend (§3 "Host execution: rebase-fix, chat dispatch"),
// and delivers the reply before transitioning to COOLDOWN (success) or
// IDLE (timeout).
func (d *Dispatcher) runTurn(ctx context.Context, chatKey string) {
	group, err := d.store.GetRegisteredGroup(ctx, chatKey)
	if err != nil || group == nil {
		slog.Error("load registered group for turn", "chat_key", chatKey, "error", err)
		d.finishToIdle(ctx, chatKey, "")
		return
	}
	conv, err := d.store.GetOrCreateConversation(ctx, chatKey)
	if err != nil {
		slog.Error("load conversation for turn", "chat_key", chatKey, "error", err)
		d.finishToIdle(ctx, chatKey, "")
		return
	}

	pending, err := d.store.UndeliveredChatMessages(ctx, chatKey)
	if err != nil {
		slog.Error("snapshot chat messages", "chat_key", chatKey, "error", err)
	}

	req := agentrunner.Request{
		Prompt:          assembleTurnPrompt(pending),
		ResumeSessionID: conv.SessionID,
		AssistantName:   "borg",
		Workdir:         group.Folder,
	}

	turnCtx, cancel := context.WithTimeout(ctx, d.config.AgentTimeout)
	if d.tracer != nil {
		var span trace.Span
		turnCtx, span = borgotel.StartSpan(turnCtx, d.tracer, "chat.agent_turn",
			borgotel.AttrSessionID.String(chatKey))
		req.TraceID = span.SpanContext().TraceID().String()
		defer span.End()
	}
	result, err := d.runner.Invoke(turnCtx, "host", req, group.Folder, agentrunner.BindMounts{}, nil, d.config.AgentTimeout)
	timedOut := turnCtx.Err() == context.DeadlineExceeded
	cancel()

	if len(pending) > 0 {
		if derr := d.store.MarkChatMessagesDelivered(ctx, chatKey); derr != nil {
			slog.Error("mark chat messages delivered", "chat_key", chatKey, "error", derr)
		}
	}

	if err != nil || timedOut || !result.Success {
		if timedOut && d.config.ApologyOnTimeout != "" {
			d.deliver(ctx, chatKey, d.config.ApologyOnTimeout)
		}
		slog.Warn("chat turn did not complete cleanly", "chat_key", chatKey, "timed_out", timedOut, "error", err)
		d.finishToIdle(ctx, chatKey, conv.SessionID)
		return
	}

	d.deliver(ctx, chatKey, result.Narrative)

	sessionID := result.SessionID
	if sessionID == "" {
		sessionID = conv.SessionID
	}
	deadline := time.Now().Add(d.config.CooldownDuration)
	if ok, cerr := d.store.TransitionConversation(ctx, chatKey, store.ChatPhaseRunning, store.ChatPhaseCooldown, nil, &deadline, sessionID); cerr != nil {
		slog.Error("running to cooldown", "chat_key", chatKey, "error", cerr)
	} else if ok {
		d.publishState(chatKey, store.ChatPhaseRunning, store.ChatPhaseCooldown)
	}
}

func (d *Dispatcher) finishToIdle(ctx context.Context, chatKey, sessionID string) {
	if ok, err := d.store.TransitionConversation(ctx, chatKey, store.ChatPhaseRunning, store.ChatPhaseIdle, nil, nil, sessionID); err != nil {
		slog.Error("running to idle", "chat_key", chatKey, "error", err)
	} else if ok {
		d.publishState(chatKey, store.ChatPhaseRunning, store.ChatPhaseIdle)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, chatKey, text string) {
	d.bus.Publish(bus.TopicChatMessage, map[string]any{"chat_key": chatKey, "text": text, "direction": "outbound"})

	d.mu.Lock()
	sender := d.sender
	d.mu.Unlock()
	if sender == nil {
		return
	}
	if err := sender.Send(ctx, chatKey, text); err != nil {
		slog.Error("deliver chat reply", "chat_key", chatKey, "error", err)
	}
}

func assembleTurnPrompt(pending []store.ChatMessage) string {
	var b strings.Builder
	for _, m := range pending {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		fmt.Fprintf(&b, "[%s] %s\n", sender, m.Text)
	}
	return b.String()
}
