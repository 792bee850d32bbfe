package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repo is a configured repository the pipeline engine can dispatch tasks
// against (§3 "Repo").
type Repo struct {
	ID             string
	Path           string
	DisplayName    string
	DefaultMode    string
	DefaultBackend string
	TestCommand    string
	AutoMerge      bool
	Priority       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertRepo creates or updates a repo keyed by its absolute path, as
// happens at boot when seeding from the watched-repos configuration
// string and via later dashboard mutation (§4.A "Repos: upsert by path").
func (s *Store) UpsertRepo(ctx context.Context, r Repo) (string, error) {
	if r.Path == "" {
		return "", fmt.Errorf("upsert repo: path required")
	}
	var id string
	err := retryOnBusy(ctx, func() error {
		err := s.db.QueryRowContext(ctx, `SELECT id FROM repos WHERE path = ?;`, r.Path).Scan(&id)
		if err == sql.ErrNoRows {
			id = newID()
			_, err = s.db.ExecContext(ctx, `
				INSERT INTO repos (id, path, display_name, default_mode, default_backend, test_command, auto_merge, priority)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?);
			`, id, r.Path, r.DisplayName, r.DefaultMode, r.DefaultBackend, r.TestCommand, boolToInt(r.AutoMerge), r.Priority)
			return err
		}
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE repos SET display_name=?, default_mode=?, default_backend=?, test_command=?, auto_merge=?, priority=?, updated_at=CURRENT_TIMESTAMP
			WHERE id=?;
		`, r.DisplayName, r.DefaultMode, r.DefaultBackend, r.TestCommand, boolToInt(r.AutoMerge), r.Priority, id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upsert repo: %w", err)
	}
	return id, nil
}

// ListRepos returns every configured repo ordered by dispatch priority
// (§4.E.7, tie-break 1: repo-priority asc).
func (s *Store) ListRepos(ctx context.Context) ([]Repo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, display_name, default_mode, default_backend, test_command, auto_merge, priority, created_at, updated_at
		FROM repos ORDER BY priority ASC, path ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()
	var out []Repo
	for rows.Next() {
		var r Repo
		var autoMerge int
		if err := rows.Scan(&r.ID, &r.Path, &r.DisplayName, &r.DefaultMode, &r.DefaultBackend, &r.TestCommand, &autoMerge, &r.Priority, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		r.AutoMerge = autoMerge != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRepo fetches a single repo by id.
func (s *Store) GetRepo(ctx context.Context, id string) (*Repo, error) {
	var r Repo
	var autoMerge int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, display_name, default_mode, default_backend, test_command, auto_merge, priority, created_at, updated_at
		FROM repos WHERE id = ?;
	`, id).Scan(&r.ID, &r.Path, &r.DisplayName, &r.DefaultMode, &r.DefaultBackend, &r.TestCommand, &autoMerge, &r.Priority, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get repo %s: %w", id, err)
	}
	r.AutoMerge = autoMerge != 0
	return &r, nil
}

// SetRepoBackend updates the default backend for a repo (§4.A "set backend").
func (s *Store) SetRepoBackend(ctx context.Context, id, backend string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE repos SET default_backend=?, updated_at=CURRENT_TIMESTAMP WHERE id=?;`, backend, id)
	if err != nil {
		return fmt.Errorf("set repo backend: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("set repo backend: repo %s not found", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
