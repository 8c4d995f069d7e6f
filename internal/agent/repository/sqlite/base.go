// Package sqlite provides the SQL-backed repository for the agent core.
// It runs against SQLite (writer/reader pools) and PostgreSQL through
// the same sqlx interface; queries use Rebind for placeholder dialects.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ListRunsOptions controls run history pagination. Runs come back
// newest first.
type ListRunsOptions struct {
	Limit  int
	Offset int
}

// ListMessagesOptions pages through a thread's messages in insertion
// order. SinceID is an exclusive cursor.
type ListMessagesOptions struct {
	SinceID string
	Limit   int
}

// Repository provides SQL-backed storage for agents, threads, messages,
// runs and triggers.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository over existing connections (shared
// ownership; Close is a no-op).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

// New creates a repository that owns its connections.
func New(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, true)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connections if the repository owns them.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	if r.ro != nil && r.ro != r.db {
		_ = r.ro.Close()
	}
	return r.db.Close()
}

// DB returns the underlying writer for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the tables if they don't exist.
func (r *Repository) initSchema() error {
	if err := r.initAgentSchema(); err != nil {
		return err
	}
	if err := r.initThreadSchema(); err != nil {
		return err
	}
	if err := r.initRunSchema(); err != nil {
		return err
	}
	if err := r.initTriggerSchema(); err != nil {
		return err
	}
	return r.initIndexes()
}

func (r *Repository) initAgentSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		system_instructions TEXT DEFAULT '',
		task_instructions TEXT DEFAULT '',
		model TEXT NOT NULL,
		temperature REAL DEFAULT 0.7,
		schedule TEXT,
		status TEXT NOT NULL DEFAULT 'idle',
		last_run_at TIMESTAMP,
		next_run_at TIMESTAMP,
		last_error TEXT,
		config TEXT DEFAULT '{}',
		allowed_tools TEXT DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initThreadSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		title TEXT DEFAULT '',
		thread_type TEXT NOT NULL DEFAULT 'chat',
		agent_state TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		seq INTEGER,
		role TEXT NOT NULL,
		content TEXT DEFAULT '',
		message_type TEXT NOT NULL,
		tool_name TEXT,
		tool_call_id TEXT,
		tool_calls TEXT,
		parent_id TEXT,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (r *Repository) initRunSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		duration_ms INTEGER,
		error TEXT,
		summary TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE,
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (r *Repository) initTriggerSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS triggers (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		type TEXT NOT NULL,
		secret TEXT NOT NULL UNIQUE,
		config TEXT DEFAULT '{}',
		last_message_key TEXT,
		history_id TEXT,
		watch_expiry TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (r *Repository) initIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_agents_owner_id ON agents(owner_id);
	CREATE INDEX IF NOT EXISTS idx_agents_schedule ON agents(schedule) WHERE schedule IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_threads_agent_id ON threads(agent_id);
	CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);
	CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq);
	CREATE INDEX IF NOT EXISTS idx_runs_agent_id ON runs(agent_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_thread_id ON runs(thread_id);
	CREATE INDEX IF NOT EXISTS idx_triggers_agent_id ON triggers(agent_id);
	CREATE INDEX IF NOT EXISTS idx_triggers_type ON triggers(type);
	`)
	return err
}
