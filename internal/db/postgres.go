package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPGMaxConns = 25
	defaultPGMinConns = 5
)

// OpenPostgres opens a Postgres handle through the pgx stdlib driver
// and verifies the connection with a ping. Non-positive conn limits
// fall back to the defaults.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	if maxConns <= 0 {
		maxConns = defaultPGMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPGMinConns
	}

	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	return conn, nil
}
