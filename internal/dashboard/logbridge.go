package dashboard

import (
	"context"
	"log/slog"

	"github.com/neuralcollective/borg/internal/bus"
)

// TopicLogLine carries a rendered log line onto the bus so the dashboard
// stream can multiplex them alongside task and chat events per §4.I.
const TopicLogLine = "log.line"

// LogLineEvent is published for every record the bridge handles.
type LogLineEvent struct {
	Level   string
	Message string
	Attrs   map[string]any
}

// logBridgeHandler wraps an slog.Handler, publishing every record onto
// the bus in addition to passing it through unchanged, so the dashboard
// SSE stream can carry log lines without the logger knowing about HTTP.
type logBridgeHandler struct {
	next slog.Handler
	bus  *bus.Bus
}

// NewLogBridge wraps next so records are both logged normally and
// published to the bus for the dashboard's live stream.
func NewLogBridge(b *bus.Bus, next slog.Handler) slog.Handler {
	return &logBridgeHandler{next: next, bus: b}
}

func (h *logBridgeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *logBridgeHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	if h.bus != nil {
		h.bus.Publish(TopicLogLine, LogLineEvent{Level: r.Level.String(), Message: r.Message, Attrs: attrs})
	}
	return h.next.Handle(ctx, r)
}

func (h *logBridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridgeHandler{next: h.next.WithAttrs(attrs), bus: h.bus}
}

func (h *logBridgeHandler) WithGroup(name string) slog.Handler {
	return &logBridgeHandler{next: h.next.WithGroup(name), bus: h.bus}
}
