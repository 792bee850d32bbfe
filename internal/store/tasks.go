package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/neuralcollective/borg/internal/bus"
)

// Sentinel statuses outside the mode's own phase-name graph (§9 Design
// Notes: failed is recyclable, failed_terminal is introduced separately
// rather than overloading a single name).
const (
	StatusBacklog        = "backlog"
	StatusDone           = "done"
	StatusFailed         = "failed"          // recyclable: user action may requeue
	StatusFailedTerminal = "failed_terminal" // irrecoverable
	StatusCancelled      = "cancelled"
	StatusMerged         = "merged"
	StatusExcluded       = "excluded"
)

var ErrLeaseHeld = errors.New("store: task lease already held")
var ErrMaxAttemptsExceeded = errors.New("store: attempt would exceed max_attempts")

// Task mirrors §3 "Task".
type Task struct {
	ID           string
	Title        string
	Description string
	RepoID       string
	Mode         string
	Branch       string
	Status       string
	Attempt      int
	MaxAttempts  int
	LastError    string
	CreatedBy    string
	NotifyTarget string
	SessionID    string
	Backend      string
	DispatchedAt *time.Time
	LeaseOwner   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasWorktree implements the §3 invariant: "A task has a worktree iff
// status is active (not in {backlog, failed_terminal, merged, excluded})".
// cancelled is terminal in the same sense and is included here too.
func (t Task) HasWorktree() bool {
	switch t.Status {
	case StatusBacklog, StatusFailedTerminal, StatusMerged, StatusExcluded, StatusCancelled:
		return false
	default:
		return true
	}
}

// IsTerminal reports whether status is a terminal task state.
func IsTerminal(status string) bool {
	switch status {
	case StatusFailedTerminal, StatusMerged, StatusExcluded, StatusCancelled:
		return true
	default:
		return false
	}
}

// CreateTask inserts a new task in backlog, or directly in the mode's
// initial_status if the mode skips backlog (the setup-phase case from
// §4.D). branch is assigned by the worktree manager on first setup phase.
func (s *Store) CreateTask(ctx context.Context, t Task) (string, error) {
	if t.RepoID == "" || t.Mode == "" {
		return "", fmt.Errorf("create task: repo and mode are required")
	}
	if t.Status == "" {
		t.Status = StatusBacklog
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}
	id := newID()
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, repo_id, mode, branch, status, attempt, max_attempts, created_by, notify_target, backend)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?);
		`, id, t.Title, t.Description, t.RepoID, t.Mode, t.Branch, t.Status, t.MaxAttempts, t.CreatedBy, t.NotifyTarget, t.Backend)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	s.publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{TaskID: id, RepoID: t.RepoID, NewStatus: t.Status})
	s.appendEventLocked(ctx, &id, &t.RepoID, "task_created", map[string]any{"title": t.Title, "mode": t.Mode})
	return id, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` WHERE id = ?;`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

const taskSelectColumns = `
	SELECT id, title, description, repo_id, mode, branch, status, attempt, max_attempts, last_error,
	       created_by, notify_target, session_id, backend, dispatched_at, lease_owner, created_at, updated_at
	FROM tasks`

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var dispatchedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.RepoID, &t.Mode, &t.Branch, &t.Status,
		&t.Attempt, &t.MaxAttempts, &t.LastError, &t.CreatedBy, &t.NotifyTarget, &t.SessionID, &t.Backend,
		&dispatchedAt, &t.LeaseOwner, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if dispatchedAt.Valid {
		t.DispatchedAt = &dispatchedAt.Time
	}
	return &t, nil
}

// ListTasksByStatus returns tasks in a given status, ordered per §4.E.7:
// repo-priority asc, attempt asc, created_at asc, then id asc as the final
// tie-break.
func (s *Store) ListTasksByStatus(ctx context.Context, status string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.description, t.repo_id, t.mode, t.branch, t.status, t.attempt, t.max_attempts,
		       t.last_error, t.created_by, t.notify_target, t.session_id, t.backend, t.dispatched_at, t.lease_owner,
		       t.created_at, t.updated_at
		FROM tasks t JOIN repos r ON r.id = t.repo_id
		WHERE t.status = ?
		ORDER BY r.priority ASC, t.attempt ASC, t.created_at ASC, t.id ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func scanTaskRows(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var t Task
		var dispatchedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.RepoID, &t.Mode, &t.Branch, &t.Status,
			&t.Attempt, &t.MaxAttempts, &t.LastError, &t.CreatedBy, &t.NotifyTarget, &t.SessionID, &t.Backend,
			&dispatchedAt, &t.LeaseOwner, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if dispatchedAt.Valid {
			t.DispatchedAt = &dispatchedAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListRecentTasks returns the most recently updated tasks (dashboard feed).
func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` ORDER BY updated_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ClaimDispatch atomically acquires the dispatch lease for a task that is
// eligible (status is an agent-phase name, attempt < max_attempts, no
// other owner holds the lease), setting dispatched_at and lease_owner in
// the same statement so the §8 invariant #4 ("dispatched_at is non-null
// iff exactly one worker holds the lease") always holds.
func (s *Store) ClaimDispatch(ctx context.Context, taskID, owner string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET dispatched_at = CURRENT_TIMESTAMP, lease_owner = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND dispatched_at IS NULL AND attempt < max_attempts;
		`, owner, taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim dispatch %s: %w", taskID, err)
	}
	return claimed, nil
}

// ReleaseDispatch clears the lease without changing status, used after a
// setup-phase step or any synchronous action that doesn't need the
// crash-recovery window.
func (s *Store) ReleaseDispatch(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET dispatched_at = NULL, lease_owner = '' WHERE id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("release dispatch %s: %w", taskID, err)
	}
	return nil
}

// RequeueStaleLeases clears dispatched_at on tasks whose lease is older
// than staleAfter, recovering from a crash mid-dispatch (§4.E.1, scenario
// 6). It never touches attempt or status, so retry budget and the
// session-reuse invariant survive the crash.
func (s *Store) RequeueStaleLeases(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET dispatched_at = NULL, lease_owner = ''
		WHERE dispatched_at IS NOT NULL AND dispatched_at < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AdvancePhase moves a task to the next phase name, releases the lease,
// and records the transition in the event log. Called after a successful
// phase or a routed outcome.
func (s *Store) AdvancePhase(ctx context.Context, taskID, oldStatus, newStatus, sessionID string) error {
	return retryOnBusy(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if sessionID != "" {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET status=?, session_id=?, dispatched_at=NULL, lease_owner='', updated_at=CURRENT_TIMESTAMP
					WHERE id=?;
				`, newStatus, sessionID, taskID); err != nil {
					return err
				}
			} else if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status=?, dispatched_at=NULL, lease_owner='', updated_at=CURRENT_TIMESTAMP
				WHERE id=?;
			`, newStatus, taskID); err != nil {
				return err
			}
			return s.appendEventTx(ctx, tx, &taskID, nil, "status_changed", map[string]any{"from": oldStatus, "to": newStatus})
		})
	})
}

// FailOrRetry implements §4.E.3: increments attempt; if still under
// budget, leaves the task in place with last_error set (next tick retries
// the same phase); on exhaustion, routes to the terminal `failed` status
// (recyclable — see §9 Open Question resolution) and emits an error event.
func (s *Store) FailOrRetry(ctx context.Context, taskID, phase, errMsg string) (retried bool, attempt int, err error) {
	err = retryOnBusy(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			var cur Task
			row := tx.QueryRowContext(ctx, `SELECT attempt, max_attempts FROM tasks WHERE id = ?;`, taskID)
			if scanErr := row.Scan(&cur.Attempt, &cur.MaxAttempts); scanErr != nil {
				return scanErr
			}
			attempt = cur.Attempt + 1
			if attempt < cur.MaxAttempts {
				retried = true
				_, execErr := tx.ExecContext(ctx, `
					UPDATE tasks SET attempt=?, last_error=?, dispatched_at=NULL, lease_owner='', updated_at=CURRENT_TIMESTAMP
					WHERE id=?;
				`, attempt, errMsg, taskID)
				return execErr
			}
			retried = false
			_, execErr := tx.ExecContext(ctx, `
				UPDATE tasks SET attempt=?, status=?, last_error=?, dispatched_at=NULL, lease_owner='', updated_at=CURRENT_TIMESTAMP
				WHERE id=?;
			`, attempt, StatusFailed, errMsg, taskID)
			if execErr != nil {
				return execErr
			}
			return s.appendEventTx(ctx, tx, &taskID, nil, "error", map[string]any{
				"phase": phase, "attempt": attempt, "message": errMsg,
			})
		})
	})
	if err != nil {
		return false, 0, fmt.Errorf("fail_or_retry %s: %w", taskID, err)
	}
	return retried, attempt, nil
}

// RequeueFailed moves a recyclable `failed` task back to backlog (the
// §9 Open-Question-resolved user action on a non-terminal failure),
// resetting attempt so it gets a fresh budget.
func (s *Store) RequeueFailed(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status=?, attempt=0, last_error='', updated_at=CURRENT_TIMESTAMP
		WHERE id=? AND status=?;
	`, StatusBacklog, taskID, StatusFailed)
	if err != nil {
		return fmt.Errorf("requeue failed task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("requeue failed task: %s is not in recyclable failed state", taskID)
	}
	return nil
}

// CancelTask transitions a task to the terminal `cancelled` status
// regardless of current phase; an in-flight agent invocation is killed by
// the caller (engine) once this returns.
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status=?, dispatched_at=NULL, lease_owner='', updated_at=CURRENT_TIMESTAMP WHERE id=?;
	`, StatusCancelled, taskID)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	return nil
}

// SetTaskBranch records the branch name assigned by the worktree manager
// on first setup.
func (s *Store) SetTaskBranch(ctx context.Context, taskID, branch string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET branch=?, updated_at=CURRENT_TIMESTAMP WHERE id=?;`, branch, taskID)
	if err != nil {
		return fmt.Errorf("set task branch: %w", err)
	}
	return nil
}

// CountActiveTasks returns the number of tasks with a worktree-bearing
// status, used by the auto-seeder's §4.E.6 "seed only when active work
// falls below a threshold" gate.
func (s *Store) CountActiveTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status NOT IN (?, ?, ?, ?, ?);
	`, StatusBacklog, StatusFailedTerminal, StatusMerged, StatusExcluded, StatusCancelled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
