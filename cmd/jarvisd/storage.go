package main

import (
	"github.com/jmoiron/sqlx"

	"github.com/jarvishq/jarvisd/internal/common/config"
	"github.com/jarvishq/jarvisd/internal/db"
)

// openStorage opens the configured database: Postgres when a URL is
// set, otherwise a local SQLite file with split writer/reader pools.
func openStorage(cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.IsPostgres() {
		conn, err := db.OpenPostgres(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		// pgx pools internally; one handle serves reads and writes.
		shared := sqlx.NewDb(conn, "pgx")
		return db.NewPool(shared, shared), nil
	}

	writerConn, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	readerConn, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		_ = writerConn.Close()
		return nil, err
	}
	return db.NewPool(sqlx.NewDb(writerConn, "sqlite3"), sqlx.NewDb(readerConn, "sqlite3")), nil
}
