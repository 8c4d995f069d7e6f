// Package canvas persists per-user canvas layouts: node positions and
// viewport for a named workspace.
package canvas

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
)

// Layout is the stored canvas state for one (user, workspace) pair.
type Layout struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Workspace string          `json:"workspace" db:"workspace"`
	Positions json.RawMessage `json:"positions,omitempty" db:"positions"`
	Viewport  json.RawMessage `json:"viewport,omitempty" db:"viewport"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Store provides SQL-backed canvas layout storage.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewWithDB creates a store over existing connections.
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	store := &Store{db: writer, ro: reader}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS canvas_layouts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		workspace TEXT NOT NULL,
		positions TEXT DEFAULT '{}',
		viewport TEXT DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (user_id, workspace)
	);
	`)
	return err
}

// Get returns the layout for a (user, workspace) pair.
func (s *Store) Get(ctx context.Context, userID, workspace string) (*Layout, error) {
	query := s.ro.Rebind(`
		SELECT id, user_id, workspace, positions, viewport, updated_at
		FROM canvas_layouts WHERE user_id = ? AND workspace = ?`)
	layout, err := scanLayout(s.ro.QueryRowxContext(ctx, query, userID, workspace))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("canvas layout %s/%s", userID, workspace)
	}
	if err != nil {
		return nil, apperr.Storagef("failed to get canvas layout: %v", err)
	}
	return layout, nil
}

// Upsert atomically creates or replaces the layout. Concurrent writers
// last-write-win on the UNIQUE(user_id, workspace) row.
func (s *Store) Upsert(ctx context.Context, layout *Layout) error {
	if layout.UserID == "" || layout.Workspace == "" {
		return apperr.InvalidArgumentf("canvas layout needs user_id and workspace")
	}
	if layout.ID == "" {
		layout.ID = uuid.New().String()
	}
	layout.UpdatedAt = time.Now().UTC()

	positions := "{}"
	if len(layout.Positions) > 0 {
		if !json.Valid(layout.Positions) {
			return apperr.InvalidArgumentf("positions must be valid JSON")
		}
		positions = string(layout.Positions)
	}
	viewport := "{}"
	if len(layout.Viewport) > 0 {
		if !json.Valid(layout.Viewport) {
			return apperr.InvalidArgumentf("viewport must be valid JSON")
		}
		viewport = string(layout.Viewport)
	}

	query := s.db.Rebind(`
		INSERT INTO canvas_layouts (id, user_id, workspace, positions, viewport, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, workspace) DO UPDATE SET
			positions = excluded.positions,
			viewport = excluded.viewport,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query,
		layout.ID, layout.UserID, layout.Workspace, positions, viewport, layout.UpdatedAt); err != nil {
		return apperr.Storagef("failed to upsert canvas layout: %v", err)
	}
	return nil
}

func scanLayout(row interface{ Scan(dest ...any) error }) (*Layout, error) {
	var layout Layout
	var positions, viewport sql.NullString
	if err := row.Scan(&layout.ID, &layout.UserID, &layout.Workspace,
		&positions, &viewport, &layout.UpdatedAt); err != nil {
		return nil, err
	}
	if positions.Valid {
		layout.Positions = []byte(positions.String)
	}
	if viewport.Valid {
		layout.Viewport = []byte(viewport.String)
	}
	return &layout, nil
}
