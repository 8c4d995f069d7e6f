// Package store persists platform users. The reserved system user owns
// device-authenticated resources.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
)

// SystemUserEmail is the reserved address of the auto-seeded system
// user. Its id is generated on first boot and must be looked up, never
// assumed.
const SystemUserEmail = "jarvis@system.local"

// User is one platform account.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Store provides SQL-backed user storage.
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
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// CreateUser inserts a user; duplicate emails conflict.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.Email == "" {
		return apperr.InvalidArgumentf("user email is required")
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := s.db.Rebind(`
		INSERT INTO users (id, email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt); err != nil {
		return apperr.Storagef("failed to create user: %v", err)
	}
	return nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	query := s.ro.Rebind(`SELECT id, email, name, created_at, updated_at FROM users WHERE id = ?`)
	err := s.ro.GetContext(ctx, &user, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("user %s", id)
	}
	if err != nil {
		return nil, apperr.Storagef("failed to get user: %v", err)
	}
	return &user, nil
}

// GetUserByEmail loads a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	query := s.ro.Rebind(`SELECT id, email, name, created_at, updated_at FROM users WHERE email = ?`)
	err := s.ro.GetContext(ctx, &user, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("user %s", email)
	}
	if err != nil {
		return nil, apperr.Storagef("failed to get user: %v", err)
	}
	return &user, nil
}

// EnsureSystemUser creates the reserved system user if absent and
// returns it either way.
func (s *Store) EnsureSystemUser(ctx context.Context) (*User, error) {
	user, err := s.GetUserByEmail(ctx, SystemUserEmail)
	if err == nil {
		return user, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}

	user = &User{Email: SystemUserEmail, Name: "Jarvis"}
	if err := s.CreateUser(ctx, user); err != nil {
		// Lost a creation race; the row exists now.
		if existing, getErr := s.GetUserByEmail(ctx, SystemUserEmail); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return user, nil
}
