package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Proposal statuses (§3 "Proposal").
const (
	ProposalPending  = "pending"
	ProposalAccepted = "accepted"
	ProposalRejected = "rejected"
)

// Proposal is a candidate task surfaced by the auto-seeder (§4.E.6) that
// scored below the auto-dispatch triage threshold and awaits operator
// review before becoming a task.
type Proposal struct {
	ID           string
	RepoID       string
	Mode         string
	Title        string
	Description  string
	TriageScore  float64
	Status       string
	CreatedAt    time.Time
}

// CreateProposal records a seeder-authored candidate task. Duplicate
// titles for the same repo are suppressed by the seeder before this call
// (§4.E.6 "duplicate-title suppression"), so CreateProposal itself does
// not dedupe.
func (s *Store) CreateProposal(ctx context.Context, p Proposal) (string, error) {
	id := newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, repo_id, mode, title, description, triage_score, status)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, id, p.RepoID, p.Mode, p.Title, p.Description, p.TriageScore, ProposalPending)
	if err != nil {
		return "", fmt.Errorf("create proposal: %w", err)
	}
	return id, nil
}

// ListProposalsByStatus returns proposals for a repo in a given status,
// newest first, for the review surface.
func (s *Store) ListProposalsByStatus(ctx context.Context, repoID, status string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, mode, title, description, triage_score, status, created_at
		FROM proposals WHERE repo_id = ? AND status = ? ORDER BY created_at DESC;
	`, repoID, status)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()
	var out []Proposal
	for rows.Next() {
		var p Proposal
		if err := rows.Scan(&p.ID, &p.RepoID, &p.Mode, &p.Title, &p.Description, &p.TriageScore, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TitleExists reports whether a pending or accepted proposal, or an
// existing task, already carries this exact title for the repo — the
// duplicate-title check the seeder consults before calling CreateProposal
// or CreateTask directly.
func (s *Store) TitleExists(ctx context.Context, repoID, title string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT id FROM proposals WHERE repo_id = ? AND title = ? AND status != ?
			UNION ALL
			SELECT id FROM tasks WHERE repo_id = ? AND title = ?
		);
	`, repoID, title, ProposalRejected, repoID, title).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("title exists: %w", err)
	}
	return n > 0, nil
}

// ResolveProposal accepts or rejects a proposal; accepting does not
// itself create a task — the caller creates the task and then calls this
// to close out the proposal record.
func (s *Store) ResolveProposal(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET status=? WHERE id=?;`, status, id)
	if err != nil {
		return fmt.Errorf("resolve proposal %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("resolve proposal %s: not found", id)
	}
	return nil
}

// SetProposalTriageScore overrides a proposal's auto-seeder triage score,
// for an operator re-ranking the review queue before approving or
// dismissing it.
func (s *Store) SetProposalTriageScore(ctx context.Context, id string, score float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET triage_score=? WHERE id=?;`, score, id)
	if err != nil {
		return fmt.Errorf("set proposal triage score %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("set proposal triage score %s: not found", id)
	}
	return nil
}

// GetProposal fetches a single proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var p Proposal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, mode, title, description, triage_score, status, created_at
		FROM proposals WHERE id = ?;
	`, id).Scan(&p.ID, &p.RepoID, &p.Mode, &p.Title, &p.Description, &p.TriageScore, &p.Status, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get proposal %s: %w", id, err)
	}
	return &p, nil
}
