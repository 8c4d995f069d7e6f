package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// Readers alongside the single WAL writer. Four is plenty for a
	// local daemon workload.
	readerConns = 4
)

// OpenSQLite opens the database file for writing. The returned handle
// is pinned to one connection so writes serialize instead of racing
// into SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := expandPath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database directory: %w", err)
		}
	}
	if err := touchFile(path); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	// WAL for read concurrency, NORMAL sync as the durability tradeoff,
	// foreign keys on so cascades actually fire.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(busyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens a read-only pool over the same file. WAL mode
// lets these connections read without blocking the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		expandPath(dbPath), int(busyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(readerConns)
	conn.SetMaxIdleConns(readerConns)
	return conn, nil
}

func touchFile(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

// expandPath resolves a leading ~ and makes the path absolute so the
// writer and reader DSNs agree on the same file.
func expandPath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	if dbPath[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			dbPath = filepath.Join(home, dbPath[1:])
		}
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		return abs
	}
	return dbPath
}
