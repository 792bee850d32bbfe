package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	s := New(Config{Store: st, Bus: bus.New()})
	return s, st
}

func TestHandleTasks_CreateAndList(t *testing.T) {
	s, st := newTestServer(t)
	repoID, err := st.UpsertRepo(context.Background(), store.Repo{Path: "/repo", DefaultMode: "ship"})
	if err != nil {
		t.Fatalf("upsert repo: %v", err)
	}
	h := s.Handler()

	body, _ := json.Marshal(map[string]string{"title": "fix bug", "repo_id": repoID, "mode": "ship"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks?status="+store.StatusBacklog, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list tasks: expected 200, got %d", rec.Code)
	}
	var tasks []store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "fix bug" {
		t.Fatalf("expected one backlog task, got %+v", tasks)
	}
}

func TestHandler_AuthRejectsMissingToken(t *testing.T) {
	st, err := store.Open(":memory:", bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	s := New(Config{Store: st, AuthToken: "secret"})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the correct token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /healthz to bypass auth, got %d", rec.Code)
	}
}

func TestHandleProposalByID_ApproveCreatesTask(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	repoID, err := st.UpsertRepo(ctx, store.Repo{Path: "/repo", DefaultMode: "ship"})
	if err != nil {
		t.Fatalf("upsert repo: %v", err)
	}
	propID, err := st.CreateProposal(ctx, store.Proposal{RepoID: repoID, Mode: "ship", Title: "add retries", TriageScore: 0.4})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	h := s.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/proposals/"+propID+"/approve", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	p, err := st.GetProposal(ctx, propID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != store.ProposalAccepted {
		t.Fatalf("expected proposal accepted, got %s", p.Status)
	}

	tasks, err := st.ListTasksByStatus(ctx, store.StatusBacklog)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "add retries" {
		t.Fatalf("expected the proposal to have created a task, got %+v", tasks)
	}
}
