package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Integration queue statuses (§3 "Integration-queue entry").
const (
	IntegrationQueued  = "queued"
	IntegrationMerging = "merging"
	IntegrationMerged  = "merged"
	IntegrationExcluded = "excluded"
)

// IntegrationEntry mirrors §3 "Integration-queue entry".
type IntegrationEntry struct {
	ID             string
	TaskID         string
	RepoID         string
	Branch         string
	Status         string
	Error          string
	UnknownRetries int
	PRNumber       int
	QueuedAt       time.Time
}

// EnqueueIntegration is idempotent on task id: a task that reaches `done`
// is enqueued exactly once (§3, §4.E.5), because task_id is UNIQUE.
func (s *Store) EnqueueIntegration(ctx context.Context, taskID, repoID, branch string) (string, error) {
	var id string
	err := retryOnBusy(ctx, func() error {
		err := s.db.QueryRowContext(ctx, `SELECT id FROM integration_queue WHERE task_id = ?;`, taskID).Scan(&id)
		if err == nil {
			return nil // already enqueued
		}
		if err != sql.ErrNoRows {
			return err
		}
		id = newID()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO integration_queue (id, task_id, repo_id, branch, status) VALUES (?, ?, ?, ?, ?);
		`, id, taskID, repoID, branch, IntegrationQueued)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue integration: %w", err)
	}
	return id, nil
}

// NextQueued returns the oldest `queued` entry for a repo — strictly FIFO
// by queued_at with no priority, per §4.E.7.
func (s *Store) NextQueued(ctx context.Context, repoID string) (*IntegrationEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, repo_id, branch, status, error, unknown_retries, pr_number, queued_at
		FROM integration_queue WHERE repo_id = ? AND status = ? ORDER BY queued_at ASC, id ASC LIMIT 1;
	`, repoID, IntegrationQueued)
	e, err := scanIntegration(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("next queued integration: %w", err)
	}
	return e, nil
}

func scanIntegration(row *sql.Row) (*IntegrationEntry, error) {
	var e IntegrationEntry
	if err := row.Scan(&e.ID, &e.TaskID, &e.RepoID, &e.Branch, &e.Status, &e.Error, &e.UnknownRetries, &e.PRNumber, &e.QueuedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// SetIntegrationPRNumber records the external pull-request number once a
// non-auto-merge repo's controller has opened it, so later ticks poll the
// same PR instead of creating a duplicate.
func (s *Store) SetIntegrationPRNumber(ctx context.Context, id string, prNumber int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE integration_queue SET pr_number=? WHERE id=?;`, prNumber, id)
	if err != nil {
		return fmt.Errorf("set integration pr number: %w", err)
	}
	return nil
}

// ResetIntegrationToQueued puts an entry back in `queued` without
// touching unknown_retries, for the non-auto-merge path where `merging`
// just means "a pull request is open and still being polled" rather than
// a diagnosable failure.
func (s *Store) ResetIntegrationToQueued(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE integration_queue SET status=? WHERE id=?;`, IntegrationQueued, id)
	if err != nil {
		return fmt.Errorf("reset integration to queued: %w", err)
	}
	return nil
}

// MarkMerging transitions an entry to `merging` while the release
// controller attempts its integration check.
func (s *Store) MarkMerging(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE integration_queue SET status=? WHERE id=?;`, IntegrationMerging, id)
	if err != nil {
		return fmt.Errorf("mark merging: %w", err)
	}
	return nil
}

// MarkMerged transitions the entry and its task to the terminal `merged`
// state together, satisfying the §8 invariant that a merged task always
// has a preceding phase_completed(done).
func (s *Store) MarkMerged(ctx context.Context, id, taskID string, prNumber int) error {
	return retryOnBusy(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `UPDATE integration_queue SET status=?, pr_number=? WHERE id=?;`, IntegrationMerged, prNumber, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status=?, dispatched_at=NULL, lease_owner='', updated_at=CURRENT_TIMESTAMP WHERE id=?;
			`, StatusMerged, taskID); err != nil {
				return err
			}
			return s.appendEventTx(ctx, tx, &taskID, nil, "status_changed", map[string]any{"from": "queued", "to": "merged"})
		})
	})
}

// MarkExcluded removes an entry from further consideration (auth failure,
// repeated undiagnosable conflicts past the unknown-retry guard) while
// keeping the task itself in `failed_terminal` so an operator can see why.
func (s *Store) MarkExcluded(ctx context.Context, id, taskID, reason string) error {
	return retryOnBusy(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `UPDATE integration_queue SET status=?, error=? WHERE id=?;`, IntegrationExcluded, reason, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status=?, last_error=?, dispatched_at=NULL, lease_owner='', updated_at=CURRENT_TIMESTAMP WHERE id=?;
			`, StatusFailedTerminal, reason, taskID); err != nil {
				return err
			}
			return s.appendEventTx(ctx, tx, &taskID, nil, "status_changed", map[string]any{"from": "queued", "to": "excluded"})
		})
	})
}

// RequeueForRebase resets an entry back to `queued` after routing its
// task through another rebase attempt (merge conflict at integration
// time), bumping unknown_retries so an undiagnosable loop eventually
// trips MarkExcluded.
func (s *Store) RequeueForRebase(ctx context.Context, id string) (retries int, err error) {
	err = retryOnBusy(ctx, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if scanErr := tx.QueryRowContext(ctx, `SELECT unknown_retries FROM integration_queue WHERE id=?;`, id).Scan(&retries); scanErr != nil {
				return scanErr
			}
			retries++
			_, execErr := tx.ExecContext(ctx, `UPDATE integration_queue SET status=?, unknown_retries=? WHERE id=?;`, IntegrationQueued, retries, id)
			return execErr
		})
	})
	if err != nil {
		return 0, fmt.Errorf("requeue for rebase: %w", err)
	}
	return retries, nil
}

// ListIntegrationQueue returns every entry for a repo ordered FIFO, for
// dashboard display.
func (s *Store) ListIntegrationQueue(ctx context.Context, repoID string) ([]IntegrationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, repo_id, branch, status, error, unknown_retries, pr_number, queued_at
		FROM integration_queue WHERE repo_id = ? ORDER BY queued_at ASC, id ASC;
	`, repoID)
	if err != nil {
		return nil, fmt.Errorf("list integration queue: %w", err)
	}
	defer rows.Close()
	var out []IntegrationEntry
	for rows.Next() {
		var e IntegrationEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.RepoID, &e.Branch, &e.Status, &e.Error, &e.UnknownRetries, &e.PRNumber, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("scan integration entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
