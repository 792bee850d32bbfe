package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetConfig reads a single runtime-config key, as distinct from the
// file-backed startup configuration in internal/config: these are
// values mutated at runtime through the dashboard (e.g. a paused-repo
// flag) and persisted across restarts.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?;`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// SetConfig upserts a runtime-config key.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value;
	`, key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// DeleteConfig removes a runtime-config key, reverting reads to the
// file-backed default.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("delete config %s: %w", key, err)
	}
	return nil
}

// ListConfig returns every runtime-config key/value pair, for the
// dashboard settings view.
func (s *Store) ListConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config;`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
