package canvas

import (
	"context"
	"encoding/json"
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

func TestUpsertAndGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	layout := &Layout{
		UserID:    "user-1",
		Workspace: "main",
		Positions: json.RawMessage(`{"agent-1":{"x":10,"y":20}}`),
		Viewport:  json.RawMessage(`{"zoom":1.5}`),
	}
	if err := store.Upsert(ctx, layout); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	loaded, err := store.Get(ctx, "user-1", "main")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(loaded.Positions) != `{"agent-1":{"x":10,"y":20}}` {
		t.Errorf("positions not preserved: %s", loaded.Positions)
	}
	if string(loaded.Viewport) != `{"zoom":1.5}` {
		t.Errorf("viewport not preserved: %s", loaded.Viewport)
	}
}

func TestUpsertReplacesExisting(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	first := &Layout{UserID: "user-1", Workspace: "main", Positions: json.RawMessage(`{"a":1}`)}
	if err := store.Upsert(ctx, first); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	second := &Layout{UserID: "user-1", Workspace: "main", Positions: json.RawMessage(`{"a":2}`)}
	if err := store.Upsert(ctx, second); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	loaded, _ := store.Get(ctx, "user-1", "main")
	if string(loaded.Positions) != `{"a":2}` {
		t.Errorf("expected replacement, got %s", loaded.Positions)
	}
	// The UNIQUE pair keeps one row; other workspaces are independent.
	other := &Layout{UserID: "user-1", Workspace: "alt", Positions: json.RawMessage(`{"b":1}`)}
	if err := store.Upsert(ctx, other); err != nil {
		t.Fatalf("upsert other workspace failed: %v", err)
	}
	if _, err := store.Get(ctx, "user-1", "alt"); err != nil {
		t.Errorf("other workspace should exist: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	store := createTestStore(t)
	if _, err := store.Get(context.Background(), "nobody", "main"); !apperr.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestUpsertValidation(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, &Layout{Workspace: "main"}); !apperr.IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgument for missing user, got %v", err)
	}
	bad := &Layout{UserID: "u", Workspace: "main", Positions: json.RawMessage(`{broken`)}
	if err := store.Upsert(ctx, bad); !apperr.IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgument for invalid JSON, got %v", err)
	}
}
