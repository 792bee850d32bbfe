package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ModeRecord persists a user-defined or user-overridden mode declaration
// (§3 "Mode"). Built-in modes ship embedded in internal/modes and are
// only written here when an operator overlays or extends one.
type ModeRecord struct {
	Name       string
	Definition string // raw YAML, parsed by internal/modes
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaveMode upserts a mode definition by name.
func (s *Store) SaveMode(ctx context.Context, name, definition string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modes (name, definition) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET definition=excluded.definition, updated_at=CURRENT_TIMESTAMP;
	`, name, definition)
	if err != nil {
		return fmt.Errorf("save mode %s: %w", name, err)
	}
	return nil
}

// GetMode fetches a mode override by name, if one has been saved.
func (s *Store) GetMode(ctx context.Context, name string) (*ModeRecord, error) {
	var m ModeRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT name, definition, created_at, updated_at FROM modes WHERE name = ?;
	`, name).Scan(&m.Name, &m.Definition, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get mode %s: %w", name, err)
	}
	return &m, nil
}

// ListModes returns every saved mode override.
func (s *Store) ListModes(ctx context.Context) ([]ModeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, definition, created_at, updated_at FROM modes ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list modes: %w", err)
	}
	defer rows.Close()
	var out []ModeRecord
	for rows.Next() {
		var m ModeRecord
		if err := rows.Scan(&m.Name, &m.Definition, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mode: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMode removes a saved override, reverting lookups back to the
// built-in embedded definition of the same name, if any.
func (s *Store) DeleteMode(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM modes WHERE name = ?;`, name); err != nil {
		return fmt.Errorf("delete mode %s: %w", name, err)
	}
	return nil
}
