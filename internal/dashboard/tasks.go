package dashboard

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/neuralcollective/borg/internal/store"
)

type createTaskRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	RepoID       string `json:"repo_id"`
	Mode         string `json:"mode"`
	CreatedBy    string `json:"created_by"`
	NotifyTarget string `json:"notify_target"`
	Backend      string `json:"backend"`
	MaxAttempts  int    `json:"max_attempts"`
}

// handleTasks implements GET /api/tasks (optionally ?status=) and
// POST /api/tasks (create). Dispatch itself is the pipeline engine's
// job on its next tick; this only writes the backlog row.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		var tasks []store.Task
		var err error
		if status != "" {
			tasks, err = s.cfg.Store.ListTasksByStatus(ctx, status)
		} else {
			tasks, err = s.cfg.Store.ListRecentTasks(ctx, 100)
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "list tasks: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)

	case http.MethodPost:
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if req.Title == "" || req.RepoID == "" || req.Mode == "" {
			writeJSONError(w, http.StatusBadRequest, "title, repo_id and mode are required")
			return
		}
		id, err := s.cfg.Store.CreateTask(ctx, store.Task{
			Title: req.Title, Description: req.Description, RepoID: req.RepoID,
			Mode: req.Mode, CreatedBy: req.CreatedBy, NotifyTarget: req.NotifyTarget,
			Backend: req.Backend, MaxAttempts: req.MaxAttempts,
		})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "create task: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTaskByID implements GET/retry/cancel/message under
// /api/tasks/{id}[/retry|/cancel|/message].
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "task id required")
		return
	}
	ctx := r.Context()

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err := s.cfg.Store.GetTask(ctx, id)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "get task: %v", err)
			return
		}
		messages, err := s.cfg.Store.ListTaskMessages(ctx, id)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "list task messages: %v", err)
			return
		}
		events, err := s.cfg.Store.ListEvents(ctx, store.EventFilter{TaskID: id, Limit: 500})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "list task events: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": task, "messages": messages, "events": events})

	case action == "retry" && r.Method == http.MethodPost:
		if err := s.cfg.Store.RequeueFailed(ctx, id); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "retry task: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})

	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.cfg.Store.CancelTask(ctx, id); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "cancel task: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})

	case action == "message" && r.Method == http.MethodPost:
		var body struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if body.Role == "" {
			body.Role = store.MessageRoleDirector
		}
		msgID, err := s.cfg.Store.AppendTaskMessage(ctx, id, body.Role, body.Content)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "append task message: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int64{"id": msgID})

	default:
		writeJSONError(w, http.StatusNotFound, "no such task route")
	}
}

func (s *Server) handleIntegrationQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	repoID := r.URL.Query().Get("repo_id")
	entries, err := s.cfg.Store.ListIntegrationQueue(r.Context(), repoID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list integration queue: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	filter := store.EventFilter{TaskID: q.Get("task_id"), Kind: q.Get("kind"), Limit: 200}
	events, err := s.cfg.Store.ListEvents(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list events: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
