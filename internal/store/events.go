package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event is the append-only record described in §3 "Event". The kind
// taxonomy covers task lifecycle, phase begin/end, agent text, tool
// calls, test output, git/PR events, user/director messages, and errors.
// Payload schema is permissive: unknown keys are ignored by readers.
type Event struct {
	ID        int64
	TaskID    *string
	RepoID    *string
	Kind      string
	Payload   string
	CreatedAt time.Time
}

// AppendEvent appends a record to the event log. Event ids are
// monotonically increasing per database via AUTOINCREMENT, satisfying
// §8 invariant #1; rows are never updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, taskID, repoID *string, kind string, payload map[string]any) (int64, error) {
	return s.appendEventLocked(ctx, taskID, repoID, kind, payload)
}

func (s *Store) appendEventLocked(ctx context.Context, taskID, repoID *string, kind string, payload map[string]any) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			id, txErr = s.insertEvent(ctx, tx, taskID, repoID, kind, payload)
			return txErr
		})
	})
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", kind, err)
	}
	return id, nil
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, taskID, repoID *string, kind string, payload map[string]any) error {
	_, err := s.insertEvent(ctx, tx, taskID, repoID, kind, payload)
	return err
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, taskID, repoID *string, kind string, payload map[string]any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (task_id, repo_id, kind, payload) VALUES (?, ?, ?, ?);
	`, taskID, repoID, kind, string(body))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if s.bus != nil {
		s.bus.Publish("event."+kind, map[string]any{"task_id": taskID, "repo_id": repoID, "kind": kind})
	}
	return id, nil
}

// EventFilter selects a subset of the event log for replay or display.
type EventFilter struct {
	TaskID    string
	Kind      string
	Since     time.Time
	Until     time.Time
	FromID    int64
	Limit     int
}

// ListEvents reads events matching filter, in ascending id order — the
// total order by id within a repo named in §5 "Ordering guarantees",
// suitable for replay.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	query := `SELECT id, task_id, repo_id, kind, payload, created_at FROM events WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.Until)
	}
	if f.FromID > 0 {
		query += ` AND id > ?`
		args = append(args, f.FromID)
	}
	query += ` ORDER BY id ASC`
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var taskID, repoID sql.NullString
		if err := rows.Scan(&e.ID, &taskID, &repoID, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if taskID.Valid {
			e.TaskID = &taskID.String
		}
		if repoID.Valid {
			e.RepoID = &repoID.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TotalEventCount returns the current event-log size, used by doctor/
// dashboard health checks.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return n, nil
}

// AppendTaskOutput records one phase's full output (§4.A "Task outputs").
func (s *Store) AppendTaskOutput(ctx context.Context, taskID, phase string, attempt int, narrative, rawStream string, exitCode, malformedLines int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_outputs (task_id, phase, attempt, narrative, raw_stream, exit_code, malformed_lines)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, taskID, phase, attempt, narrative, rawStream, exitCode, malformedLines)
	if err != nil {
		return fmt.Errorf("append task output: %w", err)
	}
	return nil
}

// TaskOutput mirrors a task_outputs row.
type TaskOutput struct {
	ID             int64
	TaskID         string
	Phase          string
	Attempt        int
	Narrative      string
	RawStream      string
	ExitCode       int
	MalformedLines int
	CreatedAt      time.Time
}

// ListTaskOutputs returns every recorded phase output for a task, oldest
// first, for dashboard detail views and the §8 replay property.
func (s *Store) ListTaskOutputs(ctx context.Context, taskID string) ([]TaskOutput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, phase, attempt, narrative, raw_stream, exit_code, malformed_lines, created_at
		FROM task_outputs WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task outputs: %w", err)
	}
	defer rows.Close()
	var out []TaskOutput
	for rows.Next() {
		var o TaskOutput
		if err := rows.Scan(&o.ID, &o.TaskID, &o.Phase, &o.Attempt, &o.Narrative, &o.RawStream, &o.ExitCode, &o.MalformedLines, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task output: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
