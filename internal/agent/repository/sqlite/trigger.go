package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
)

const triggerSelect = `
	SELECT id, agent_id, type, secret, config, last_message_key, history_id, watch_expiry, created_at
	FROM triggers`

// CreateTrigger inserts a trigger. Webhook triggers get a CSPRNG
// secret when none is supplied.
func (r *Repository) CreateTrigger(ctx context.Context, trigger *models.Trigger) error {
	switch trigger.Type {
	case models.TriggerTypeWebhook, models.TriggerTypeEmail:
	default:
		return apperr.InvalidArgumentf("invalid trigger type %q", trigger.Type)
	}
	if trigger.ID == "" {
		trigger.ID = uuid.New().String()
	}
	if trigger.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return apperr.Storagef("failed to generate trigger secret: %v", err)
		}
		trigger.Secret = secret
	}
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = time.Now().UTC()
	}

	config := trigger.Config
	if len(config) == 0 {
		config = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO triggers (id, agent_id, type, secret, config, last_message_key, history_id, watch_expiry, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), trigger.ID, trigger.AgentID, trigger.Type, trigger.Secret, string(config),
		trigger.LastMessageKey, trigger.HistoryID, trigger.WatchExpiry, trigger.CreatedAt)
	if err != nil {
		return apperr.Storagef("failed to insert trigger: %v", err)
	}
	return nil
}

// GetTrigger loads a trigger by id.
func (r *Repository) GetTrigger(ctx context.Context, id string) (*models.Trigger, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(triggerSelect+` WHERE id = ?`), id)
	trigger, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("trigger not found: %s", id)
	}
	if err != nil {
		return nil, apperr.Storagef("failed to load trigger: %v", err)
	}
	return trigger, nil
}

// ListTriggersByType returns all triggers of one type, oldest first.
func (r *Repository) ListTriggersByType(ctx context.Context, triggerType models.TriggerType) ([]*models.Trigger, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(triggerSelect+` WHERE type = ? ORDER BY created_at`), triggerType)
	if err != nil {
		return nil, apperr.Storagef("failed to list triggers: %v", err)
	}
	defer rows.Close()

	var triggers []*models.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, apperr.Storagef("failed to scan trigger: %v", err)
		}
		triggers = append(triggers, trigger)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storagef("failed to iterate triggers: %v", err)
	}
	return triggers, nil
}

// UpdateTriggerWatch records provider watch state after history diffs
// and watch renewals. Nil values leave the column untouched.
func (r *Repository) UpdateTriggerWatch(ctx context.Context, id string, historyID, lastMessageKey *string, watchExpiry *time.Time) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE triggers SET
			history_id = COALESCE(?, history_id),
			last_message_key = COALESCE(?, last_message_key),
			watch_expiry = COALESCE(?, watch_expiry)
		WHERE id = ?
	`), historyID, lastMessageKey, watchExpiry, id)
	if err != nil {
		return apperr.Storagef("failed to update trigger watch: %v", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("trigger not found: %s", id)
	}
	return nil
}

// DeleteTrigger removes a trigger.
func (r *Repository) DeleteTrigger(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM triggers WHERE id = ?`), id)
	if err != nil {
		return apperr.Storagef("failed to delete trigger: %v", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("trigger not found: %s", id)
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func scanTrigger(row rowScanner) (*models.Trigger, error) {
	trigger := &models.Trigger{}
	var (
		config         string
		lastMessageKey sql.NullString
		historyID      sql.NullString
		watchExpiry    sql.NullTime
	)
	err := row.Scan(&trigger.ID, &trigger.AgentID, &trigger.Type, &trigger.Secret, &config,
		&lastMessageKey, &historyID, &watchExpiry, &trigger.CreatedAt)
	if err != nil {
		return nil, err
	}
	trigger.Config = json.RawMessage(config)
	if lastMessageKey.Valid {
		trigger.LastMessageKey = &lastMessageKey.String
	}
	if historyID.Valid {
		trigger.HistoryID = &historyID.String
	}
	if watchExpiry.Valid {
		trigger.WatchExpiry = &watchExpiry.Time
	}
	return trigger, nil
}
