package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a cron-triggered task template: on each due run it creates
// a new backlog Task from its repo/mode/title/description, the way a
// human operator would file one by hand (§4.E enrichment).
type Schedule struct {
	ID          string
	Name        string
	CronExpr    string
	RepoID      string
	Mode        string
	Title       string
	Description string
	CreatedBy   string
	Enabled     bool
	LastRunAt   *time.Time
	NextRunAt   time.Time
	CreatedAt   time.Time
}

// CreateSchedule inserts a new schedule, computing its first NextRunAt
// from CronExpr via the caller-supplied nextRun (internal/schedule owns
// cron-expression parsing; the store stays parser-agnostic).
func (s *Store) CreateSchedule(ctx context.Context, sched Schedule, nextRun time.Time) (string, error) {
	if sched.RepoID == "" || sched.Mode == "" || sched.CronExpr == "" {
		return "", fmt.Errorf("create schedule: repo, mode and cron_expr are required")
	}
	id := newID()
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, repo_id, mode, title, description, created_by, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, sched.Name, sched.CronExpr, sched.RepoID, sched.Mode, sched.Title, sched.Description, sched.CreatedBy, boolToInt(sched.Enabled), nextRun)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	return id, nil
}

// ListSchedules returns every configured schedule, most recently created first.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, repo_id, mode, title, description, created_by, enabled, last_run_at, next_run_at, created_at
		FROM schedules ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// DueSchedules returns every enabled schedule whose next_run_at has
// passed, for the scheduler's tick to fire.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, repo_id, mode, title, description, created_by, enabled, last_run_at, next_run_at, created_at
		FROM schedules WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var sched Schedule
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.RepoID, &sched.Mode,
			&sched.Title, &sched.Description, &sched.CreatedBy, &enabled, &lastRun, &sched.NextRunAt, &sched.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.Enabled = enabled != 0
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records that a schedule fired at ran and computes its
// next due time, called once per firing so a slow tick interval never
// fires the same schedule twice for one due window.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, ran, nextRun time.Time) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
		`, ran, nextRun, id)
		return err
	})
}

// SetScheduleEnabled toggles a schedule without deleting its history.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?;`, boolToInt(enabled), id)
		return err
	})
}
