// Package db opens and manages the daemon's database connections.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write handle with a read handle.
//
// SQLite in WAL mode tolerates many readers but only one writer, so the
// two sides are opened separately: the writer is pinned to a single
// connection, the reader fans out. Postgres pools internally, so both
// sides may point at the same handle.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps the given write and read handles.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the handle for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for queries. Reads proceed concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides. A shared handle is closed once.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && err == nil {
			err = rErr
		}
	}
	return err
}
