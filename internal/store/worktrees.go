package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Worktree records the on-disk path and branch backing a task's isolated
// working copy (§3 "Worktree"). A task acquires its row during the
// `setup` phase and the row is removed once the worktree is cleaned up
// after merge, exclusion, or cancellation.
type Worktree struct {
	TaskID    string
	Path      string
	Branch    string
	CreatedAt time.Time
}

// CreateWorktreeRecord inserts the row once a worktree has been created
// on disk. taskID is the primary key, so a second call for the same task
// is a programming error and returns the underlying UNIQUE violation.
func (s *Store) CreateWorktreeRecord(ctx context.Context, taskID, path, branch string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (task_id, path, branch) VALUES (?, ?, ?);
	`, taskID, path, branch)
	if err != nil {
		return fmt.Errorf("create worktree record: %w", err)
	}
	return nil
}

// GetWorktree looks up a task's worktree record, if any.
func (s *Store) GetWorktree(ctx context.Context, taskID string) (*Worktree, error) {
	var w Worktree
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, path, branch, created_at FROM worktrees WHERE task_id = ?;
	`, taskID).Scan(&w.TaskID, &w.Path, &w.Branch, &w.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get worktree %s: %w", taskID, err)
	}
	return &w, nil
}

// DeleteWorktreeRecord removes the row after the on-disk worktree has
// been cleaned up. Deleting a non-existent row is a no-op.
func (s *Store) DeleteWorktreeRecord(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete worktree record %s: %w", taskID, err)
	}
	return nil
}

// ListWorktrees returns every live worktree, used at startup to
// reconcile on-disk state against the database after a crash.
func (s *Store) ListWorktrees(ctx context.Context) ([]Worktree, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, path, branch, created_at FROM worktrees ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer rows.Close()
	var out []Worktree
	for rows.Next() {
		var w Worktree
		if err := rows.Scan(&w.TaskID, &w.Path, &w.Branch, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
