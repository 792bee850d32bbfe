// Package chat implements the per-conversation IDLE/COLLECTING/RUNNING/
// COOLDOWN state machine that batches inbound chat messages into a single
// agent turn per conversation.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/neuralcollective/borg/internal/agentrunner"
	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/store"
)

// Sender delivers an outbound reply to a conversation over whatever
// transport it belongs to. The transport hub implements this; the
// dispatcher never talks to a transport adapter directly.
type Sender interface {
	Send(ctx context.Context, chatKey, text string) error
}

// Config tunes the collection window, cooldown, and concurrency limits.
type Config struct {
	TickInterval        time.Duration
	CollectionWindow    time.Duration // extended on each message during COLLECTING
	MaxCollectionWindow time.Duration // absolute cap from the first message in a window
	CooldownDuration    time.Duration
	AgentTimeout        time.Duration
	MaxConcurrentAgents int
	RateLimitPerMinute  int
	RateLimitBurst      int
	ApologyOnTimeout    string // empty means stay silent on a killed RUNNING agent
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.CollectionWindow <= 0 {
		c.CollectionWindow = 10 * time.Second
	}
	if c.MaxCollectionWindow <= 0 {
		c.MaxCollectionWindow = 60 * time.Second
	}
	if c.CooldownDuration <= 0 {
		c.CooldownDuration = 5 * time.Second
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 5 * time.Minute
	}
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = 4
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 20
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 5
	}
}

// Dispatcher owns chat conversation state exclusively (§3 "Ownership"):
// the pipeline engine never reads or writes a chat_conversations row, and
// the dispatcher never touches a task row.
type Dispatcher struct {
	store  *store.Store
	bus    *bus.Bus
	runner *agentrunner.Runner
	sender Sender
	config Config
	tracer trace.Tracer // nil until SetTracer

	sem chan struct{}

	mu          sync.Mutex
	limiters    map[string]*tokenBucket
	windowStart map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Dispatcher. sender may be nil during startup and set later
// with SetSender once the transport hub is constructed, since the two
// packages are otherwise independent.
func New(st *store.Store, b *bus.Bus, runner *agentrunner.Runner, sender Sender, cfg Config) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		store:       st,
		bus:         b,
		runner:      runner,
		sender:      sender,
		config:      cfg,
		sem:         make(chan struct{}, cfg.MaxConcurrentAgents),
		limiters:    make(map[string]*tokenBucket),
		windowStart: make(map[string]time.Time),
	}
}

// SetSender attaches the transport hub's outbound sender after construction.
func (d *Dispatcher) SetSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = s
}

// SetTracer wires the shared tracer so each agent turn opens a span whose
// trace ID travels to cmd/borgagent in the invocation envelope.
func (d *Dispatcher) SetTracer(tracer trace.Tracer) {
	d.tracer = tracer
}

// Run starts the tick loop that promotes due COLLECTING conversations to
// RUNNING and due COOLDOWN conversations back to IDLE. It blocks until ctx
// is cancelled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Stop cancels the tick loop and waits for in-flight agent turns to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) tick(ctx context.Context) {
	now := time.Now()

	due, err := d.store.ListCollectingDue(ctx, now)
	if err != nil {
		slog.Error("list collecting-due conversations", "error", err)
	}
	for _, c := range due {
		d.promoteToRunning(ctx, c.ChatKey)
	}

	cooled, err := d.store.ListCooldownDue(ctx, now)
	if err != nil {
		slog.Error("list cooldown-due conversations", "error", err)
	}
	for _, c := range cooled {
		if ok, err := d.store.TransitionConversation(ctx, c.ChatKey, store.ChatPhaseCooldown, store.ChatPhaseIdle, nil, nil, c.SessionID); err != nil {
			slog.Error("cooldown to idle", "chat_key", c.ChatKey, "error", err)
		} else if ok {
			d.publishState(c.ChatKey, store.ChatPhaseCooldown, store.ChatPhaseIdle)
		}
	}
}

// InboundMessage is one message delivered by a transport adapter.
type InboundMessage struct {
	ChatKey    string
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
}

// HandleInbound persists an inbound message and drives the conversation's
// state machine, per §4.F's transition table. It never blocks on the
// agent turn itself — that only happens from the tick loop once the
// collection window closes.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg InboundMessage) error {
	group, err := d.store.GetRegisteredGroup(ctx, msg.ChatKey)
	if err != nil {
		return fmt.Errorf("lookup registered group %s: %w", msg.ChatKey, err)
	}
	if group == nil {
		return nil // not opted in for task/chat dispatch
	}

	if _, err := d.store.AppendChatMessage(ctx, store.ChatMessage{
		ChatKey: msg.ChatKey, MessageID: msg.MessageID, SenderID: msg.SenderID, SenderName: msg.SenderName, Text: msg.Text,
	}); err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	if err := d.store.TouchConversation(ctx, msg.ChatKey); err != nil {
		slog.Error("touch conversation", "chat_key", msg.ChatKey, "error", err)
	}

	conv, err := d.store.GetOrCreateConversation(ctx, msg.ChatKey)
	if err != nil {
		return fmt.Errorf("get or create conversation %s: %w", msg.ChatKey, err)
	}

	switch conv.Phase {
	case store.ChatPhaseIdle:
		return d.tryOpenWindow(ctx, msg.ChatKey, group, msg.Text)
	case store.ChatPhaseCollecting:
		return d.extendWindow(ctx, msg.ChatKey)
	default:
		// RUNNING or COOLDOWN: the message is already persisted and will
		// surface in the next COLLECTING snapshot, per §4.F.
		return nil
	}
}

// tryOpenWindow applies the trigger policy and rate limiter on the
// IDLE -> COLLECTING edge. Tokens are consumed only on this transition
// (§4.F), never on subsequent messages within the same window.
func (d *Dispatcher) tryOpenWindow(ctx context.Context, chatKey string, group *store.RegisteredGroup, text string) error {
	if group.RequiresTrigger && !matchesTrigger(group.TriggerPattern, text) {
		return nil
	}
	if !d.limiterFor(chatKey).Allow() {
		d.bus.Publish(bus.TopicChatRateLimited, map[string]any{"chat_key": chatKey})
		return nil
	}

	now := time.Now()
	deadline := now.Add(d.config.CollectionWindow)
	ok, err := d.store.TransitionConversation(ctx, chatKey, store.ChatPhaseIdle, store.ChatPhaseCollecting, &deadline, nil, "")
	if err != nil {
		return err
	}
	if ok {
		d.mu.Lock()
		d.windowStart[chatKey] = now
		d.mu.Unlock()
		d.publishState(chatKey, store.ChatPhaseIdle, store.ChatPhaseCollecting)
	}
	return nil
}

// extendWindow pushes the collection deadline out on a subsequent
// message, bounded by the absolute window measured from the first
// message that opened it.
func (d *Dispatcher) extendWindow(ctx context.Context, chatKey string) error {
	d.mu.Lock()
	start, ok := d.windowStart[chatKey]
	d.mu.Unlock()
	if !ok {
		start = time.Now()
	}

	next := time.Now().Add(d.config.CollectionWindow)
	absoluteCap := start.Add(d.config.MaxCollectionWindow)
	if next.After(absoluteCap) {
		next = absoluteCap
	}

	// COLLECTING -> COLLECTING is a same-phase update, not gated by the
	// optimistic WHERE clause the way a real transition is: lost races
	// here just mean the deadline extends slightly less than requested.
	_, err := d.store.TransitionConversation(ctx, chatKey, store.ChatPhaseCollecting, store.ChatPhaseCollecting, &next, nil, "")
	return err
}

func matchesTrigger(pattern, text string) bool {
	if pattern == "" {
		return true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Warn("invalid trigger pattern, treating as no match", "pattern", pattern, "error", err)
		return false
	}
	return re.MatchString(text)
}

func (d *Dispatcher) publishState(chatKey, oldPhase, newPhase string) {
	d.bus.Publish(bus.TopicChatStateChanged, bus.ChatStateChangedEvent{ConversationKey: chatKey, OldPhase: oldPhase, NewPhase: newPhase})
}

func (d *Dispatcher) limiterFor(chatKey string) *tokenBucket {
	d.mu.Lock()
	defer d.mu.Unlock()
	tb, ok := d.limiters[chatKey]
	if !ok {
		tb = newTokenBucket(d.config.RateLimitPerMinute, d.config.RateLimitBurst)
		d.limiters[chatKey] = tb
	}
	return tb
}
