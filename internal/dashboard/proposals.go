package dashboard

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/neuralcollective/borg/internal/store"
)

// handleProposals implements GET /api/proposals?repo_id=&status=.
func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	status := q.Get("status")
	if status == "" {
		status = store.ProposalPending
	}
	proposals, err := s.cfg.Store.ListProposalsByStatus(r.Context(), q.Get("repo_id"), status)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list proposals: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

// handleProposalByID implements the approve/dismiss/triage mutations
// under /api/proposals/{id}/{action}. Approving a proposal both resolves
// it and creates the task it describes — the two steps §4.I's "approve"
// verb bundles into one operator action.
func (s *Server) handleProposalByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/proposals/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action == "" {
		writeJSONError(w, http.StatusBadRequest, "proposal id and action required")
		return
	}
	ctx := r.Context()

	switch action {
	case "approve":
		p, err := s.cfg.Store.GetProposal(ctx, id)
		if err != nil || p == nil {
			writeJSONError(w, http.StatusNotFound, "get proposal: %v", err)
			return
		}
		taskID, err := s.cfg.Store.CreateTask(ctx, store.Task{
			Title: p.Title, Description: p.Description, RepoID: p.RepoID,
			Mode: p.Mode, CreatedBy: "dashboard",
		})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "create task from proposal: %v", err)
			return
		}
		if err := s.cfg.Store.ResolveProposal(ctx, id, store.ProposalAccepted); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "resolve proposal: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})

	case "dismiss":
		if err := s.cfg.Store.ResolveProposal(ctx, id, store.ProposalRejected); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "resolve proposal: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})

	case "triage":
		var body struct {
			Score float64 `json:"score"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if err := s.cfg.Store.SetProposalTriageScore(ctx, id, body.Score); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "set triage score: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]float64{"triage_score": body.Score})

	default:
		writeJSONError(w, http.StatusNotFound, "no such proposal action %q", action)
	}
}
