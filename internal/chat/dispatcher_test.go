package chat

import (
	"context"
	"testing"
	"time"

	"github.com/neuralcollective/borg/internal/agentrunner"
	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func registerGroup(t *testing.T, st *store.Store, chatKey string, requiresTrigger bool, pattern string) {
	t.Helper()
	if err := st.RegisterGroup(context.Background(), store.RegisteredGroup{
		ChatKey: chatKey, Transport: "test", Folder: t.TempDir(),
		TriggerPattern: pattern, RequiresTrigger: requiresTrigger,
	}); err != nil {
		t.Fatalf("register group: %v", err)
	}
}

func TestHandleInbound_OpensCollectingOnTrigger(t *testing.T) {
	st := newTestStore(t)
	registerGroup(t, st, "test:1", true, "(?i)hey bot")

	d := New(st, bus.New(), agentrunner.NewRunner(nil, nil), nil, Config{})
	ctx := context.Background()

	if err := d.HandleInbound(ctx, InboundMessage{ChatKey: "test:1", MessageID: "m1", Text: "just chatting"}); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	conv, err := st.GetOrCreateConversation(ctx, "test:1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Phase != store.ChatPhaseIdle {
		t.Fatalf("expected IDLE without trigger match, got %s", conv.Phase)
	}

	if err := d.HandleInbound(ctx, InboundMessage{ChatKey: "test:1", MessageID: "m2", Text: "hey bot, do a thing"}); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	conv, err = st.GetOrCreateConversation(ctx, "test:1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Phase != store.ChatPhaseCollecting {
		t.Fatalf("expected COLLECTING after trigger match, got %s", conv.Phase)
	}
	if conv.CollectionDeadline == nil {
		t.Fatal("expected a collection deadline to be set")
	}
}

func TestHandleInbound_UnregisteredGroupIgnored(t *testing.T) {
	st := newTestStore(t)
	d := New(st, bus.New(), agentrunner.NewRunner(nil, nil), nil, Config{})

	if err := d.HandleInbound(context.Background(), InboundMessage{ChatKey: "unknown:1", MessageID: "m1", Text: "hello"}); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	conv, err := st.GetOrCreateConversation(context.Background(), "unknown:1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Phase != store.ChatPhaseIdle {
		t.Fatalf("expected unregistered chat key to stay untouched IDLE, got %s", conv.Phase)
	}
}

func TestHandleInbound_RateLimiterBlocksRepeatedOpens(t *testing.T) {
	st := newTestStore(t)
	registerGroup(t, st, "test:1", false, "")

	d := New(st, bus.New(), agentrunner.NewRunner(nil, nil), nil, Config{RateLimitPerMinute: 60, RateLimitBurst: 1})
	ctx := context.Background()

	// Exhaust the single burst token, then manually force the conversation
	// back to IDLE to simulate a second window opening too soon.
	if err := d.HandleInbound(ctx, InboundMessage{ChatKey: "test:1", MessageID: "m1", Text: "hi"}); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if _, err := st.TransitionConversation(ctx, "test:1", store.ChatPhaseCollecting, store.ChatPhaseIdle, nil, nil, ""); err != nil {
		t.Fatalf("force idle: %v", err)
	}

	if err := d.HandleInbound(ctx, InboundMessage{ChatKey: "test:1", MessageID: "m2", Text: "hi again"}); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	conv, err := st.GetOrCreateConversation(ctx, "test:1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Phase != store.ChatPhaseIdle {
		t.Fatalf("expected rate limiter to block the second window, got %s", conv.Phase)
	}
}

func TestExtendWindow_BoundedByMaxCollectionWindow(t *testing.T) {
	st := newTestStore(t)
	registerGroup(t, st, "test:1", false, "")

	d := New(st, bus.New(), agentrunner.NewRunner(nil, nil), nil, Config{
		CollectionWindow:    time.Hour, // deliberately longer than the absolute cap
		MaxCollectionWindow: time.Second,
	})
	ctx := context.Background()

	if err := d.HandleInbound(ctx, InboundMessage{ChatKey: "test:1", MessageID: "m1", Text: "start"}); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	start := time.Now()
	if err := d.HandleInbound(ctx, InboundMessage{ChatKey: "test:1", MessageID: "m2", Text: "more"}); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	conv, err := st.GetOrCreateConversation(ctx, "test:1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.CollectionDeadline == nil {
		t.Fatal("expected a collection deadline")
	}
	if conv.CollectionDeadline.After(start.Add(2 * time.Second)) {
		t.Fatalf("expected deadline bounded near the absolute cap, got %v", conv.CollectionDeadline)
	}
}

func TestTick_PromotesDueCollectingToCooldownOnFailedAgent(t *testing.T) {
	st := newTestStore(t)
	registerGroup(t, st, "test:1", false, "")

	d := New(st, bus.New(), agentrunner.NewRunner(nil, nil), nil, Config{MaxConcurrentAgents: 1})
	ctx := context.Background()

	if err := d.HandleInbound(ctx, InboundMessage{ChatKey: "test:1", MessageID: "m1", Text: "hi"}); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	past := time.Now().Add(-time.Second)
	if _, err := st.TransitionConversation(ctx, "test:1", store.ChatPhaseCollecting, store.ChatPhaseCollecting, &past, nil, ""); err != nil {
		t.Fatalf("force deadline into the past: %v", err)
	}

	d.tick(ctx)
	d.Stop()

	conv, err := st.GetOrCreateConversation(ctx, "test:1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	// No host backend is configured, so the turn fails and the
	// conversation returns to IDLE rather than COOLDOWN.
	if conv.Phase != store.ChatPhaseIdle {
		t.Fatalf("expected IDLE after a failed turn, got %s", conv.Phase)
	}
}
