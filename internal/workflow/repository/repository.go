// Package repository provides SQL-backed storage for workflows and
// their executions. Graphs are cycle-checked on every write.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/workflow/models"
)

// Store is the storage contract for the workflow engine.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *models.Workflow) error
	// DeleteWorkflow soft-deletes: execution history stays readable.
	DeleteWorkflow(ctx context.Context, id string) error

	CreateExecution(ctx context.Context, workflowID string, input []byte) (*models.Execution, error)
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, workflowID string) ([]*models.Execution, error)
	// FinishExecution transitions running→success|failed; Conflict on a
	// second finish with a different status.
	FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, errMsg *string) (*models.Execution, error)

	UpsertNodeState(ctx context.Context, state *models.NodeState) error
	ListNodeStates(ctx context.Context, executionID string) ([]*models.NodeState, error)

	Close() error
}

// SQLStore implements Store over sqlx (SQLite or PostgreSQL).
type SQLStore struct {
	db     *sqlx.DB
	ro     *sqlx.DB
	ownsDB bool
}

// NewWithDB creates a store over existing connections (shared
// ownership; Close is a no-op).
func NewWithDB(writer, reader *sqlx.DB) (*SQLStore, error) {
	return newStore(writer, reader, false)
}

// New creates a store that owns its connections.
func New(writer, reader *sqlx.DB) (*SQLStore, error) {
	return newStore(writer, reader, true)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*SQLStore, error) {
	store := &SQLStore{db: writer, ro: reader, ownsDB: ownsDB}
	if err := store.initSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
		}
		return nil, err
	}
	return store, nil
}

// Close closes the database connections if the store owns them.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	if s.ro != nil && s.ro != s.db {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		graph TEXT NOT NULL,
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_executions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		input TEXT,
		error TEXT,
		duration_ms INTEGER,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS node_execution_states (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT,
		error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (execution_id, node_id),
		FOREIGN KEY (execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_owner_id ON workflows(owner_id);
	CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow_id ON workflow_executions(workflow_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_node_states_execution_id ON node_execution_states(execution_id);
	`)
	return err
}

// CreateWorkflow validates the graph and inserts the workflow.
func (s *SQLStore) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf.Name == "" {
		return apperr.InvalidArgumentf("workflow name is required")
	}
	if _, err := models.ParseGraph(wf.Graph); err != nil {
		return apperr.InvalidArgumentf("workflow graph rejected: %v", err)
	}

	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	query := s.db.Rebind(`
		INSERT INTO workflows (id, owner_id, name, description, graph, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		wf.ID, wf.OwnerID, wf.Name, wf.Description, string(wf.Graph), wf.CreatedAt, wf.UpdatedAt); err != nil {
		return apperr.Storagef("failed to create workflow: %v", err)
	}
	return nil
}

// GetWorkflow loads a workflow, including soft-deleted ones.
func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	query := s.ro.Rebind(`
		SELECT id, owner_id, name, description, graph, deleted_at, created_at, updated_at
		FROM workflows WHERE id = ?`)
	wf, err := scanWorkflow(s.ro.QueryRowxContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("workflow %s", id)
	}
	if err != nil {
		return nil, apperr.Storagef("failed to get workflow: %v", err)
	}
	return wf, nil
}

// ListWorkflows returns the owner's live workflows, newest first.
func (s *SQLStore) ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	query := s.ro.Rebind(`
		SELECT id, owner_id, name, description, graph, deleted_at, created_at, updated_at
		FROM workflows
		WHERE owner_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC`)
	rows, err := s.ro.QueryxContext(ctx, query, ownerID)
	if err != nil {
		return nil, apperr.Storagef("failed to list workflows: %v", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, apperr.Storagef("failed to scan workflow: %v", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// UpdateWorkflow re-validates the graph and updates name, description
// and graph. Soft-deleted workflows cannot be updated.
func (s *SQLStore) UpdateWorkflow(ctx context.Context, wf *models.Workflow) error {
	if _, err := models.ParseGraph(wf.Graph); err != nil {
		return apperr.InvalidArgumentf("workflow graph rejected: %v", err)
	}
	wf.UpdatedAt = time.Now().UTC()

	query := s.db.Rebind(`
		UPDATE workflows SET name = ?, description = ?, graph = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`)
	result, err := s.db.ExecContext(ctx, query,
		wf.Name, wf.Description, string(wf.Graph), wf.UpdatedAt, wf.ID)
	if err != nil {
		return apperr.Storagef("failed to update workflow: %v", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.NotFoundf("workflow %s", wf.ID)
	}
	return nil
}

// DeleteWorkflow stamps deleted_at; idempotent on repeat.
func (s *SQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	query := s.db.Rebind(`
		UPDATE workflows SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`)
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return apperr.Storagef("failed to delete workflow: %v", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Distinguish already-deleted (no-op) from missing.
		if _, err := s.GetWorkflow(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CreateExecution inserts a running execution.
func (s *SQLStore) CreateExecution(ctx context.Context, workflowID string, input []byte) (*models.Execution, error) {
	exec := &models.Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     models.ExecutionRunning,
		Input:      input,
		StartedAt:  time.Now().UTC(),
	}
	query := s.db.Rebind(`
		INSERT INTO workflow_executions (id, workflow_id, status, input, started_at)
		VALUES (?, ?, ?, ?, ?)`)
	var inputStr sql.NullString
	if len(input) > 0 {
		inputStr = sql.NullString{String: string(input), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.WorkflowID, exec.Status, inputStr, exec.StartedAt); err != nil {
		return nil, apperr.Storagef("failed to create execution: %v", err)
	}
	return exec, nil
}

// GetExecution loads one execution.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	query := s.ro.Rebind(`
		SELECT id, workflow_id, status, input, error, duration_ms, started_at, finished_at
		FROM workflow_executions WHERE id = ?`)
	exec, err := scanExecution(s.ro.QueryRowxContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("execution %s", id)
	}
	if err != nil {
		return nil, apperr.Storagef("failed to get execution: %v", err)
	}
	return exec, nil
}

// ListExecutions returns a workflow's executions, newest first.
func (s *SQLStore) ListExecutions(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	query := s.ro.Rebind(`
		SELECT id, workflow_id, status, input, error, duration_ms, started_at, finished_at
		FROM workflow_executions
		WHERE workflow_id = ?
		ORDER BY started_at DESC, id DESC`)
	rows, err := s.ro.QueryxContext(ctx, query, workflowID)
	if err != nil {
		return nil, apperr.Storagef("failed to list executions: %v", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, apperr.Storagef("failed to scan execution: %v", err)
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// FinishExecution transitions running→terminal with a conditional
// update; a lost race re-reads to distinguish idempotent re-finish from
// Conflict.
func (s *SQLStore) FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, errMsg *string) (*models.Execution, error) {
	if !status.Terminal() {
		return nil, apperr.InvalidArgumentf("status %s is not terminal", status)
	}
	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	durationMs := now.Sub(current.StartedAt).Milliseconds()

	query := s.db.Rebind(`
		UPDATE workflow_executions
		SET status = ?, error = ?, duration_ms = ?, finished_at = ?
		WHERE id = ? AND status = ?`)
	result, err := s.db.ExecContext(ctx, query,
		status, errMsg, durationMs, now, id, models.ExecutionRunning)
	if err != nil {
		return nil, apperr.Storagef("failed to finish execution: %v", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		current, err = s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == status {
			return current, nil
		}
		return nil, apperr.Conflictf("execution %s cannot transition %s → %s", id, current.Status, status)
	}
	return s.GetExecution(ctx, id)
}

// UpsertNodeState stores the latest state for one node of an execution.
func (s *SQLStore) UpsertNodeState(ctx context.Context, state *models.NodeState) error {
	if state.ID == "" {
		state.ID = uuid.New().String()
	}
	state.UpdatedAt = time.Now().UTC()

	var output sql.NullString
	if len(state.Output) > 0 {
		output = sql.NullString{String: string(state.Output), Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO node_execution_states (id, execution_id, node_id, status, output, error, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, node_id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query,
		state.ID, state.ExecutionID, state.NodeID, state.Status, output, state.Error, state.Attempts, state.UpdatedAt); err != nil {
		return apperr.Storagef("failed to upsert node state: %v", err)
	}
	return nil
}

// ListNodeStates returns the node states of an execution.
func (s *SQLStore) ListNodeStates(ctx context.Context, executionID string) ([]*models.NodeState, error) {
	query := s.ro.Rebind(`
		SELECT id, execution_id, node_id, status, output, error, attempts, updated_at
		FROM node_execution_states
		WHERE execution_id = ?
		ORDER BY updated_at ASC, node_id ASC`)
	rows, err := s.ro.QueryxContext(ctx, query, executionID)
	if err != nil {
		return nil, apperr.Storagef("failed to list node states: %v", err)
	}
	defer rows.Close()

	var states []*models.NodeState
	for rows.Next() {
		state, err := scanNodeState(rows)
		if err != nil {
			return nil, apperr.Storagef("failed to scan node state: %v", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var wf models.Workflow
	var graph string
	var description sql.NullString
	var deletedAt sql.NullTime
	if err := row.Scan(&wf.ID, &wf.OwnerID, &wf.Name, &description, &graph,
		&deletedAt, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = description.String
	wf.Graph = []byte(graph)
	if deletedAt.Valid {
		t := deletedAt.Time
		wf.DeletedAt = &t
	}
	return &wf, nil
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var exec models.Execution
	var input, errMsg sql.NullString
	var durationMs sql.NullInt64
	var finishedAt sql.NullTime
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &input,
		&errMsg, &durationMs, &exec.StartedAt, &finishedAt); err != nil {
		return nil, err
	}
	if input.Valid {
		exec.Input = []byte(input.String)
	}
	if errMsg.Valid {
		v := errMsg.String
		exec.Error = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		exec.DurationMs = &v
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		exec.FinishedAt = &t
	}
	return &exec, nil
}

func scanNodeState(row rowScanner) (*models.NodeState, error) {
	var state models.NodeState
	var output, errMsg sql.NullString
	if err := row.Scan(&state.ID, &state.ExecutionID, &state.NodeID, &state.Status,
		&output, &errMsg, &state.Attempts, &state.UpdatedAt); err != nil {
		return nil, err
	}
	if output.Valid {
		state.Output = []byte(output.String)
	}
	if errMsg.Valid {
		v := errMsg.String
		state.Error = &v
	}
	return &state, nil
}
