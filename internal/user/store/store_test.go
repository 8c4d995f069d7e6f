package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/db"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	store, err := NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = sqlxDB.Close() })
	return store
}

func TestCreateAndGetUser(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	user := &User{Email: "dev@corp.test", Name: "Dev"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected generated id")
	}

	byID, err := store.GetUser(ctx, user.ID)
	if err != nil || byID.Email != "dev@corp.test" {
		t.Errorf("get by id failed: %v / %+v", err, byID)
	}
	byEmail, err := store.GetUserByEmail(ctx, "dev@corp.test")
	if err != nil || byEmail.ID != user.ID {
		t.Errorf("get by email failed: %v / %+v", err, byEmail)
	}

	if _, err := store.GetUser(ctx, "missing"); !apperr.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestEnsureSystemUser(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	first, err := store.EnsureSystemUser(ctx)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if first.Email != SystemUserEmail {
		t.Errorf("unexpected email %q", first.Email)
	}

	// Idempotent: the second call finds the same row.
	second, err := store.EnsureSystemUser(ctx)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("system user id changed: %s vs %s", first.ID, second.ID)
	}
}
