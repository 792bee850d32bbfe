package dashboard

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/neuralcollective/borg/internal/store"
)

// handleModes implements GET /api/modes.
func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Modes == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	names, err := s.cfg.Modes.List(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list modes: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// handleConfig implements GET /api/config and POST /api/config (set one
// runtime key). These are the operator-mutable keys named in §3's
// schema notes, not the file-backed startup configuration.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.cfg.Store.ListConfig(ctx)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "list config: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)

	case http.MethodPost:
		var body struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if body.Key == "" {
			writeJSONError(w, http.StatusBadRequest, "key required")
			return
		}
		if err := s.cfg.Store.SetConfig(ctx, body.Key, body.Value); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "set config: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRepos implements GET /api/repos (list) and POST /api/repos
// (create project — an upsert by path, per §4.A).
func (s *Server) handleRepos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		repos, err := s.cfg.Store.ListRepos(ctx)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "list repos: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, repos)

	case http.MethodPost:
		var repo store.Repo
		if err := json.NewDecoder(r.Body).Decode(&repo); err != nil {
			writeJSONError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		id, err := s.cfg.Store.UpsertRepo(ctx, repo)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "create project: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRepoByID implements POST /api/repos/{id}/backend.
func (s *Server) handleRepoByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/repos/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "backend" {
		writeJSONError(w, http.StatusNotFound, "no such repo route")
		return
	}
	var body struct {
		Backend string `json:"backend"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	if err := s.cfg.Store.SetRepoBackend(r.Context(), id, body.Backend); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "set repo backend: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
