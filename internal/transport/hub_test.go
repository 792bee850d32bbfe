package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neuralcollective/borg/internal/agentrunner"
	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/chat"
	"github.com/neuralcollective/borg/internal/store"
)

type fakeAdapter struct {
	prefix     string
	starts     atomic.Int32
	failNTimes int
	sent       chan string
}

func (f *fakeAdapter) Prefix() string { return f.prefix }

func (f *fakeAdapter) Start(ctx context.Context, hub *Hub) error {
	n := f.starts.Add(1)
	if int(n) <= f.failNTimes {
		return fmt.Errorf("simulated failure %d", n)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeAdapter) Send(ctx context.Context, chatKey, text string) error {
	if f.sent != nil {
		f.sent <- text
	}
	return nil
}

func newTestDispatcher(t *testing.T) *chat.Dispatcher {
	t.Helper()
	st, err := store.Open(":memory:", bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return chat.New(st, bus.New(), agentrunner.NewRunner(nil, nil), nil, chat.Config{})
}

func TestHub_SendRoutesByPrefix(t *testing.T) {
	d := newTestDispatcher(t)
	h := New(d)
	fa := &fakeAdapter{prefix: "tg", sent: make(chan string, 1)}
	h.Register(fa)

	if err := h.Send(context.Background(), "tg:123", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-fa.sent:
		if got != "hello" {
			t.Fatalf("expected %q, got %q", "hello", got)
		}
	default:
		t.Fatal("expected adapter to receive the send")
	}
}

func TestHub_SendUnknownPrefixErrors(t *testing.T) {
	d := newTestDispatcher(t)
	h := New(d)
	if err := h.Send(context.Background(), "unknown:123", "hi"); err == nil {
		t.Fatal("expected an error for an unregistered transport prefix")
	}
}

func TestHub_SendMalformedKeyErrors(t *testing.T) {
	d := newTestDispatcher(t)
	h := New(d)
	if err := h.Send(context.Background(), "no-colon-here", "hi"); err == nil {
		t.Fatal("expected an error for a chat key without a transport prefix")
	}
}

func TestHub_SupervisorRestartsFailedAdapter(t *testing.T) {
	d := newTestDispatcher(t)
	h := New(d)
	h.restartBackoffMin = time.Millisecond
	h.restartBackoffMax = 5 * time.Millisecond
	fa := &fakeAdapter{prefix: "tg", failNTimes: 2}
	h.Register(fa)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	h.Run(ctx)

	if fa.starts.Load() < 3 {
		t.Fatalf("expected at least 3 start attempts after 2 simulated failures, got %d", fa.starts.Load())
	}
}
