package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
)

const messageSelect = `
	SELECT id, thread_id, seq, role, content, message_type, tool_name, tool_call_id, tool_calls, parent_id, processed, created_at
	FROM messages`

// ListMessages returns a thread's messages in insertion order. SinceID
// is an exclusive cursor; Limit of 0 means no limit.
func (r *Repository) ListMessages(ctx context.Context, threadID string, opts ListMessagesOptions) ([]*models.Message, error) {
	query := messageSelect + ` WHERE thread_id = ?`
	args := []interface{}{threadID}

	if opts.SinceID != "" {
		query += ` AND seq > (SELECT seq FROM messages WHERE id = ?)`
		args = append(args, opts.SinceID)
	}
	query += ` ORDER BY seq ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, apperr.Storagef("failed to list messages: %v", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Storagef("failed to scan message: %v", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storagef("failed to iterate messages: %v", err)
	}
	return msgs, nil
}

// AppendMessages bulk-inserts messages in one transaction, assigning
// contiguous seq values past the thread's current maximum. Returns the
// inserted ids in order.
func (r *Repository) AppendMessages(ctx context.Context, threadID string, msgs []*models.Message) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	for _, msg := range msgs {
		if err := validateMessage(msg); err != nil {
			return nil, err
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.Storagef("failed to begin message append: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq int64
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = ?
	`), threadID).Scan(&maxSeq)
	if err != nil {
		return nil, apperr.Storagef("failed to read message sequence: %v", err)
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(msgs))
	for i, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		msg.ThreadID = threadID
		msg.Seq = maxSeq + int64(i) + 1
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}

		var toolCalls *string
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return nil, apperr.InvalidArgumentf("invalid tool_calls: %v", err)
			}
			s := string(data)
			toolCalls = &s
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO messages (id, thread_id, seq, role, content, message_type, tool_name, tool_call_id, tool_calls, parent_id, processed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), msg.ID, msg.ThreadID, msg.Seq, msg.Role, msg.Content, msg.MessageType,
			msg.ToolName, msg.ToolCallID, toolCalls, msg.ParentID, msg.Processed, msg.CreatedAt)
		if err != nil {
			return nil, apperr.Storagef("failed to insert message: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE threads SET updated_at = ? WHERE id = ?`), now, threadID)
	if err != nil {
		return nil, apperr.Storagef("failed to touch thread: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Storagef("failed to commit message append: %v", err)
	}
	return ids, nil
}

// MarkMessagesProcessed flips processed=true for the given ids.
func (r *Repository) MarkMessagesProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE messages SET processed = 1 WHERE id IN (`+placeholders+`)`), args...)
	if err != nil {
		return apperr.Storagef("failed to mark messages processed: %v", err)
	}
	return nil
}

func validateMessage(msg *models.Message) error {
	switch msg.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleTool:
	case models.RoleSystem:
		// The system message is written once, at thread creation.
		return apperr.InvalidArgumentf("system messages cannot be appended")
	default:
		return apperr.InvalidArgumentf("invalid message role %q", msg.Role)
	}
	if msg.Role == models.RoleTool {
		if msg.ToolName == nil || *msg.ToolName == "" {
			return apperr.InvalidArgumentf("tool messages require tool_name")
		}
		if msg.ToolCallID == nil || *msg.ToolCallID == "" {
			return apperr.InvalidArgumentf("tool messages require tool_call_id")
		}
	}
	return nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var (
		seq        sql.NullInt64
		toolName   sql.NullString
		toolCallID sql.NullString
		toolCalls  sql.NullString
		parentID   sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.ThreadID, &seq, &msg.Role, &msg.Content, &msg.MessageType,
		&toolName, &toolCallID, &toolCalls, &parentID, &msg.Processed, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.Seq = seq.Int64
	if toolName.Valid {
		msg.ToolName = &toolName.String
	}
	if toolCallID.Valid {
		msg.ToolCallID = &toolCallID.String
	}
	if toolCalls.Valid && toolCalls.String != "" {
		_ = json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls)
	}
	if parentID.Valid {
		msg.ParentID = &parentID.String
	}
	return msg, nil
}
