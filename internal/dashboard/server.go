// Package dashboard exposes the read/write HTTP surface and live event
// stream over internal/store named in §4.I, composed the way
// internal/gateway/gateway.go composes its own mux: auth middleware
// wrapping CORS middleware wrapping rate-limit middleware wrapping a
// plain net/http.ServeMux, rather than a framework router.
package dashboard

import (
	"encoding/json"
	"net/http"

	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/chat"
	"github.com/neuralcollective/borg/internal/modes"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/transport"
)

// Config holds the dashboard's dependencies and tunables.
type Config struct {
	Store *store.Store
	Bus   *bus.Bus
	Modes *modes.Registry

	// Dispatcher and Hub, if set, back the chat endpoints and mount the
	// browser widget's websocket handler. Both are optional so the
	// dashboard can run standalone in tests against only the store.
	Dispatcher *chat.Dispatcher
	Hub        *transport.Hub
	Web        *transport.WebAdapter

	AuthToken          string
	AllowOrigins       []string
	RateLimitPerMinute int // 0 disables rate limiting
	RateLimitBurst     int
}

// Server serves the dashboard's HTTP surface.
type Server struct {
	cfg  Config
	auth *authMiddleware
	cors func(http.Handler) http.Handler
	rate *rateLimitMiddleware
}

// New constructs a Server. Call Handler to obtain the composed mux.
func New(cfg Config) *Server {
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 20
	}
	return &Server{
		cfg:  cfg,
		auth: newAuthMiddleware(cfg.AuthToken),
		cors: newCORSMiddleware(cfg.AllowOrigins),
		rate: newRateLimitMiddleware(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
	}
}

// Handler returns the fully composed HTTP handler: auth -> CORS ->
// rate-limit -> mux, matching §4.I's named middleware order.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)

	mux.HandleFunc("/api/integration", s.handleIntegrationQueue)
	mux.HandleFunc("/api/events", s.handleEvents)

	mux.HandleFunc("/api/proposals", s.handleProposals)
	mux.HandleFunc("/api/proposals/", s.handleProposalByID)

	mux.HandleFunc("/api/modes", s.handleModes)
	mux.HandleFunc("/api/config", s.handleConfig)

	mux.HandleFunc("/api/repos", s.handleRepos)
	mux.HandleFunc("/api/repos/", s.handleRepoByID)

	mux.HandleFunc("/api/chat/messages", s.handleChatMessages)
	mux.HandleFunc("/api/stream", s.handleStream)

	if s.cfg.Web != nil {
		mux.HandleFunc("/chat/ws", s.cfg.Web.Handler(func(r *http.Request) string {
			return r.URL.Query().Get("thread")
		}))
	}

	return s.auth.wrap(s.cors(s.rate.wrap(mux)))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ok := true
	if _, _, err := s.cfg.Store.GetConfig(ctx, "__healthcheck__"); err != nil {
		ok = false
	}
	writeJSON(w, http.StatusOK, map[string]any{"healthy": ok})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	repos, err := s.cfg.Store.ListRepos(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list repos: %v", err)
		return
	}
	eventCount, _ := s.cfg.Store.TotalEventCount(ctx)
	statuses := []string{
		store.StatusBacklog, store.StatusDone, store.StatusFailed,
		store.StatusFailedTerminal, store.StatusCancelled, store.StatusMerged, store.StatusExcluded,
	}
	counts := make(map[string]int, len(statuses))
	for _, st := range statuses {
		tasks, err := s.cfg.Store.ListTasksByStatus(ctx, st)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "list tasks: %v", err)
			return
		}
		counts[st] = len(tasks)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"repos":        len(repos),
		"tasks_by_status": counts,
		"total_events": eventCount,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
