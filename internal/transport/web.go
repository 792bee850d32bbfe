package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/neuralcollective/borg/internal/chat"
)

// WebAdapter serves the dashboard's embedded browser chat widget over a
// websocket, one connection per thread, grounded on the teacher's
// gateway.go handleWS (websocket.Accept + wsjson.Read/Write), reduced to
// a single text-in/text-out envelope instead of the teacher's JSON-RPC
// method surface since the dashboard chat widget needs a chat feed, not
// an RPC channel.
type WebAdapter struct {
	allowOrigins []string

	mu      sync.RWMutex
	clients map[string]*webClient // thread -> connection
	hub     *Hub
}

type webClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *webClient) write(ctx context.Context, env wireEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, env)
}

// wireEnvelope is the minimal message shape exchanged with the browser
// widget: an inbound text from the visitor, or an outbound reply.
type wireEnvelope struct {
	Text string `json:"text"`
}

// NewWebAdapter constructs an adapter that accepts connections from the
// given origins (empty means same-origin only, matching
// websocket.AcceptOptions' default).
func NewWebAdapter(allowOrigins []string) *WebAdapter {
	return &WebAdapter{allowOrigins: allowOrigins, clients: make(map[string]*webClient)}
}

func (w *WebAdapter) Prefix() string { return "web" }

// Start registers no long-running loop of its own — connections arrive
// through Handler, mounted by the dashboard's HTTP mux — so Start simply
// blocks until ctx is cancelled, matching the Adapter contract without
// needing its own listener.
func (w *WebAdapter) Start(ctx context.Context, hub *Hub) error {
	w.mu.Lock()
	w.hub = hub
	w.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Handler returns the http.Handler the dashboard mounts at its chat
// websocket path, e.g. "/chat/ws/{thread}".
func (w *WebAdapter) Handler(threadFromRequest func(*http.Request) string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		thread := threadFromRequest(r)
		if thread == "" {
			thread = uuid.NewString()
		}
		conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{OriginPatterns: w.allowOrigins})
		if err != nil {
			return
		}
		client := &webClient{conn: conn}
		chatKey := "web:" + thread

		w.mu.Lock()
		w.clients[thread] = client
		hub := w.hub
		w.mu.Unlock()
		slog.Info("web chat client connected", "thread", thread)

		defer func() {
			w.mu.Lock()
			delete(w.clients, thread)
			w.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}()

		ctx := r.Context()
		for {
			var env wireEnvelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return
			}
			if strings.TrimSpace(env.Text) == "" || hub == nil {
				continue
			}
			if err := hub.HandleInbound(ctx, chat.InboundMessage{
				ChatKey:   chatKey,
				MessageID: uuid.NewString(),
				SenderID:  thread,
				Text:      env.Text,
			}); err != nil {
				slog.Error("web chat inbound", "thread", thread, "error", err)
			}
		}
	}
}

// Send delivers text to the websocket connection for chatKey
// ("web:<thread>"), if one is currently open; a reply to a thread with no
// live connection is dropped, same as any transport whose client walked away.
func (w *WebAdapter) Send(ctx context.Context, chatKey, text string) error {
	_, thread, ok := strings.Cut(chatKey, ":")
	if !ok {
		return fmt.Errorf("malformed web chat key %q", chatKey)
	}
	w.mu.RLock()
	client, ok := w.clients[thread]
	w.mu.RUnlock()
	if !ok {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.write(writeCtx, wireEnvelope{Text: text})
}
