// Package store provides the transactional persistence layer for Borg:
// repos, tasks, worktrees, the integration queue, task outputs, the
// append-only event log, task messages, chat conversation state, modes,
// and runtime config. It is the only shared mutable structure in the
// process (§5) — every other subsystem either owns its own state or goes
// through here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/neuralcollective/borg/internal/bus"
)

const (
	// schema_migrations ledger. Every migration is additive; no column is
	// ever dropped, per §6.
	schemaVersion1  = 1
	schemaChecksum1 = "borg-v1-2026-07-31-initial-schema"
	schemaVersion2  = 2
	schemaChecksum2 = "borg-v2-2026-08-01-schedules"

	schemaVersionLatest  = schemaVersion2
	schemaChecksumLatest = schemaChecksum2

	defaultBusyWait = 5 * time.Second
)

// Store wraps a single logical SQLite connection in WAL mode, shared by
// every in-process subsystem (§4.A).
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns ~/.borg/borg.db, mirroring the teacher's
// DefaultDBPath helper.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".borg", "borg.db")
}

// Open opens (and, if necessary, creates and migrates) the store at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, defaultBusyWait.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under WAL for the
	// common case; contention is still possible across process restarts
	// and is handled by retryOnBusy.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for packages (dashboard, doctor) that
// need read-only ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// migrate applies the additive, checksum-gated schema ledger. Every
// migration must be idempotent (§4.A).
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, checksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if maxVersion < schemaVersion1 {
		if err := applySchemaV1(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion1, schemaChecksum1); err != nil {
			return fmt.Errorf("record migration v1: %w", err)
		}
	}
	if maxVersion < schemaVersion2 {
		if err := applySchemaV2(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion2, schemaChecksum2); err != nil {
			return fmt.Errorf("record migration v2: %w", err)
		}
	}
	return tx.Commit()
}

// applySchemaV2 adds the schedules table backing the cron scheduler
// (§4.E enrichment: recurring task creation).
func applySchemaV2(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			repo_id TEXT NOT NULL REFERENCES repos(id),
			mode TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v2: %w", err)
		}
	}
	return nil
}

func applySchemaV1(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS repos (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			default_mode TEXT NOT NULL,
			default_backend TEXT NOT NULL DEFAULT '',
			test_command TEXT NOT NULL DEFAULT '',
			auto_merge INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 100,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			repo_id TEXT NOT NULL REFERENCES repos(id),
			mode TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			last_error TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			notify_target TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			backend TEXT NOT NULL DEFAULT '',
			dispatched_at DATETIME,
			lease_owner TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_repo ON tasks(repo_id);`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			task_id TEXT PRIMARY KEY REFERENCES tasks(id),
			path TEXT NOT NULL,
			branch TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_outputs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			phase TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			narrative TEXT NOT NULL DEFAULT '',
			raw_stream TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL,
			malformed_lines INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_outputs_task ON task_outputs(task_id);`,
		`CREATE TABLE IF NOT EXISTS integration_queue (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL UNIQUE REFERENCES tasks(id),
			repo_id TEXT NOT NULL REFERENCES repos(id),
			branch TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			unknown_retries INTEGER NOT NULL DEFAULT 0,
			pr_number INTEGER NOT NULL DEFAULT 0,
			queued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_integration_status ON integration_queue(status, queued_at);`,
		`CREATE TABLE IF NOT EXISTS task_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			role TEXT NOT NULL CHECK(role IN ('user','director','system')),
			content TEXT NOT NULL,
			delivered_phase TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_messages_undelivered ON task_messages(task_id, delivered_phase);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT,
			repo_id TEXT,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);`,
		`CREATE TABLE IF NOT EXISTS modes (
			name TEXT PRIMARY KEY,
			definition TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			repo_id TEXT NOT NULL REFERENCES repos(id),
			mode TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			triage_score REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS registered_groups (
			chat_key TEXT PRIMARY KEY,
			transport TEXT NOT NULL,
			folder TEXT NOT NULL DEFAULT '',
			trigger_pattern TEXT NOT NULL DEFAULT '',
			requires_trigger INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS chat_conversations (
			chat_key TEXT PRIMARY KEY,
			phase TEXT NOT NULL DEFAULT 'IDLE',
			collection_deadline DATETIME,
			cooldown_deadline DATETIME,
			session_id TEXT NOT NULL DEFAULT '',
			last_seen_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_key TEXT NOT NULL,
			message_id TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			delivered INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(chat_key, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_key ON chat_messages(chat_key, created_at);`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			token TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	return nil
}

// retryOnBusy retries f on SQLITE_BUSY/SQLITE_LOCKED with exponential
// backoff and jitter, on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, f func() error) error {
	const maxRetries = 5
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func newID() string { return uuid.NewString() }
