// Package transport normalizes inbound/outbound chat traffic across
// Telegram, a browser websocket widget, and a bridged Discord/WhatsApp
// subprocess into the single envelope the chat dispatcher understands,
// and supervises each adapter with a reconnect-with-backoff loop.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/neuralcollective/borg/internal/chat"
)

// Adapter is one transport's connection to the outside world. Start
// blocks until ctx is cancelled or the connection is lost; a lost
// connection returns a non-nil error so the supervisor restarts it.
type Adapter interface {
	Prefix() string // conversation-key prefix this adapter owns, e.g. "tg"
	Start(ctx context.Context, hub *Hub) error
	Send(ctx context.Context, chatKey, text string) error
}

// Hub fans inbound messages from every adapter into the chat dispatcher,
// and routes outbound replies back to whichever adapter owns the
// message's conversation-key prefix. It implements chat.Sender.
type Hub struct {
	dispatcher *chat.Dispatcher

	mu       sync.RWMutex
	adapters map[string]Adapter

	restartBackoffMin time.Duration
	restartBackoffMax time.Duration

	wg sync.WaitGroup
}

// New wires a Hub. The dispatcher's SetSender is called automatically so
// the dispatcher never needs its own reference to the hub.
func New(dispatcher *chat.Dispatcher) *Hub {
	h := &Hub{
		dispatcher:        dispatcher,
		adapters:          make(map[string]Adapter),
		restartBackoffMin: time.Second,
		restartBackoffMax: 30 * time.Second,
	}
	dispatcher.SetSender(h)
	return h
}

// Register adds an adapter under its own prefix. Call before Run.
func (h *Hub) Register(a Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters[a.Prefix()] = a
}

// Run starts every registered adapter, each supervised by its own
// restart-with-backoff loop grounded on the teacher's Telegram reconnect
// loop, generalized from one transport to every adapter the hub owns. It
// blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.mu.RLock()
	adapters := make([]Adapter, 0, len(h.adapters))
	for _, a := range h.adapters {
		adapters = append(adapters, a)
	}
	h.mu.RUnlock()

	for _, a := range adapters {
		h.wg.Add(1)
		go func(a Adapter) {
			defer h.wg.Done()
			h.superviseAdapter(ctx, a)
		}(a)
	}
	<-ctx.Done()
	h.wg.Wait()
}

func (h *Hub) superviseAdapter(ctx context.Context, a Adapter) {
	backoff := h.restartBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		err := a.Start(ctx, h)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A clean return with the context still live means the
			// adapter gave up on its own; restart it rather than let
			// that transport silently stop receiving messages.
			err = fmt.Errorf("adapter %s stopped without an error", a.Prefix())
		}
		slog.Warn("transport adapter disconnected, restarting", "adapter", a.Prefix(), "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > h.restartBackoffMax {
			backoff = h.restartBackoffMax
		}
	}
}

// HandleInbound is the entry point every adapter calls when it receives a
// message, already wrapped with its conversation key.
func (h *Hub) HandleInbound(ctx context.Context, msg chat.InboundMessage) error {
	return h.dispatcher.HandleInbound(ctx, msg)
}

// Send implements chat.Sender by routing to the adapter owning chatKey's
// transport prefix (the segment before the first ':').
func (h *Hub) Send(ctx context.Context, chatKey, text string) error {
	prefix, _, ok := strings.Cut(chatKey, ":")
	if !ok {
		return fmt.Errorf("malformed chat key %q: missing transport prefix", chatKey)
	}
	h.mu.RLock()
	a, ok := h.adapters[prefix]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no adapter registered for transport prefix %q", prefix)
	}
	return a.Send(ctx, chatKey, text)
}
