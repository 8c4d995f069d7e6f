package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
)

// CreateThreadWithSystemMessage creates the thread and its system
// message in one transaction. The system message captures the agent's
// instructions at creation time; later agent edits do not rewrite it.
func (r *Repository) CreateThreadWithSystemMessage(ctx context.Context, agent *models.Agent, threadType models.ThreadType, title string) (*models.Thread, error) {
	now := time.Now().UTC()
	thread := &models.Thread{
		ID:         uuid.New().String(),
		AgentID:    agent.ID,
		Title:      title,
		ThreadType: threadType,
		AgentState: json.RawMessage("{}"),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.Storagef("failed to begin thread create: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO threads (id, agent_id, title, thread_type, agent_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), thread.ID, thread.AgentID, thread.Title, thread.ThreadType, string(thread.AgentState), thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		return nil, apperr.Storagef("failed to insert thread: %v", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO messages (id, thread_id, seq, role, content, message_type, processed, created_at)
		VALUES (?, ?, 1, ?, ?, ?, 1, ?)
	`), uuid.New().String(), thread.ID, models.RoleSystem, agent.SystemInstructions, models.MessageTypeSystem, now)
	if err != nil {
		return nil, apperr.Storagef("failed to insert system message: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storagef("failed to commit thread create: %v", err)
	}
	return thread, nil
}

// GetThreadForAgent loads a thread and verifies it belongs to the agent.
func (r *Repository) GetThreadForAgent(ctx context.Context, threadID, agentID string) (*models.Thread, error) {
	thread, err := r.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.AgentID != agentID {
		return nil, apperr.NotFoundf("thread %s does not belong to agent %s", threadID, agentID)
	}
	return thread, nil
}

// GetThread loads a thread by id.
func (r *Repository) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	thread := &models.Thread{}
	var agentState string
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, agent_id, title, thread_type, agent_state, created_at, updated_at
		FROM threads WHERE id = ?
	`), threadID).Scan(&thread.ID, &thread.AgentID, &thread.Title, &thread.ThreadType, &agentState, &thread.CreatedAt, &thread.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("thread not found: %s", threadID)
	}
	if err != nil {
		return nil, apperr.Storagef("failed to load thread: %v", err)
	}
	thread.AgentState = json.RawMessage(agentState)
	return thread, nil
}

// ListThreads returns an agent's threads, newest first.
func (r *Repository) ListThreads(ctx context.Context, agentID string) ([]*models.Thread, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, agent_id, title, thread_type, agent_state, created_at, updated_at
		FROM threads WHERE agent_id = ? ORDER BY created_at DESC
	`), agentID)
	if err != nil {
		return nil, apperr.Storagef("failed to list threads: %v", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread := &models.Thread{}
		var agentState string
		if err := rows.Scan(&thread.ID, &thread.AgentID, &thread.Title, &thread.ThreadType, &agentState, &thread.CreatedAt, &thread.UpdatedAt); err != nil {
			return nil, apperr.Storagef("failed to scan thread: %v", err)
		}
		thread.AgentState = json.RawMessage(agentState)
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storagef("failed to iterate threads: %v", err)
	}
	return threads, nil
}

// UpdateThread updates a thread's title and agent_state.
func (r *Repository) UpdateThread(ctx context.Context, thread *models.Thread) error {
	thread.UpdatedAt = time.Now().UTC()
	agentState := thread.AgentState
	if len(agentState) == 0 {
		agentState = []byte("{}")
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE threads SET title = ?, agent_state = ?, updated_at = ? WHERE id = ?
	`), thread.Title, string(agentState), thread.UpdatedAt, thread.ID)
	if err != nil {
		return apperr.Storagef("failed to update thread: %v", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("thread not found: %s", thread.ID)
	}
	return nil
}
