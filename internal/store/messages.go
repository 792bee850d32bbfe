package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Task message roles (§3 "Task message").
const (
	MessageRoleUser     = "user"
	MessageRoleDirector = "director"
	MessageRoleSystem   = "system"
)

// TaskMessage is a mid-run steering message injected into a task's next
// phase prompt (§4.E.3 "message injection").
type TaskMessage struct {
	ID             int64
	TaskID         string
	Role           string
	Content        string
	DeliveredPhase string
	CreatedAt      time.Time
}

// AppendTaskMessage queues a message for delivery on the task's next
// phase boundary. Messages are delivered strictly FIFO by id — the
// resolution of the injection-order Open Question.
func (s *Store) AppendTaskMessage(ctx context.Context, taskID, role, content string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_messages (task_id, role, content) VALUES (?, ?, ?);
		`, taskID, role, content)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append task message: %w", err)
	}
	return id, nil
}

// PendingTaskMessages returns every message not yet delivered for a task,
// in FIFO order (ascending id), for assembly into the next phase prompt.
func (s *Store) PendingTaskMessages(ctx context.Context, taskID string) ([]TaskMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, role, content, delivered_phase, created_at
		FROM task_messages WHERE task_id = ? AND delivered_phase = '' ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("pending task messages: %w", err)
	}
	defer rows.Close()
	var out []TaskMessage
	for rows.Next() {
		var m TaskMessage
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Content, &m.DeliveredPhase, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessagesDelivered stamps a batch of messages with the phase they
// were injected into, so they are never delivered twice.
func (s *Store) MarkMessagesDelivered(ctx context.Context, ids []int64, phase string) error {
	if len(ids) == 0 {
		return nil
	}
	return retryOnBusy(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `UPDATE task_messages SET delivered_phase=? WHERE id=?;`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, id := range ids {
				if _, err := stmt.ExecContext(ctx, phase, id); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ListTaskMessages returns the full message history for a task, oldest
// first, for dashboard display.
func (s *Store) ListTaskMessages(ctx context.Context, taskID string) ([]TaskMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, role, content, delivered_phase, created_at
		FROM task_messages WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task messages: %w", err)
	}
	defer rows.Close()
	var out []TaskMessage
	for rows.Next() {
		var m TaskMessage
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Content, &m.DeliveredPhase, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
