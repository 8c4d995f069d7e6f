package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule parses a 5-field cron expression. Empty is valid
// (unscheduled).
func ValidateSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return nil
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return apperr.InvalidArgumentf("invalid cron schedule %q: %v", schedule, err)
	}
	return nil
}

// CreateAgent inserts a new agent. The schedule is cron-validated here.
func (r *Repository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.Name == "" {
		return apperr.InvalidArgumentf("agent name is required")
	}
	if agent.Model == "" {
		return apperr.InvalidArgumentf("agent model is required")
	}
	if agent.Schedule != nil {
		if err := ValidateSchedule(*agent.Schedule); err != nil {
			return err
		}
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Status == "" {
		agent.Status = models.AgentStatusIdle
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	config := agent.Config
	if len(config) == 0 {
		config = []byte("{}")
	}
	allowedTools, err := json.Marshal(agent.AllowedTools)
	if err != nil {
		allowedTools = []byte("[]")
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agents (id, owner_id, name, system_instructions, task_instructions, model, temperature, schedule, status, last_run_at, next_run_at, last_error, config, allowed_tools, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), agent.ID, agent.OwnerID, agent.Name, agent.SystemInstructions, agent.TaskInstructions, agent.Model, agent.Temperature,
		agent.Schedule, agent.Status, agent.LastRunAt, agent.NextRunAt, agent.LastError, string(config), string(allowedTools), agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return apperr.Storagef("failed to insert agent: %v", err)
	}
	return nil
}

// GetAgent retrieves an agent by id.
func (r *Repository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(agentSelect+` WHERE id = ?`), id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("agent not found: %s", id)
	}
	if err != nil {
		return nil, apperr.Storagef("failed to load agent: %v", err)
	}
	return agent, nil
}

// ListAgents returns all agents owned by a user, newest first.
func (r *Repository) ListAgents(ctx context.Context, ownerID string) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(agentSelect+` WHERE owner_id = ? ORDER BY created_at DESC`), ownerID)
	if err != nil {
		return nil, apperr.Storagef("failed to list agents: %v", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// ListScheduledAgents returns all agents carrying a schedule, for the
// scheduler's startup load.
func (r *Repository) ListScheduledAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, agentSelect+` WHERE schedule IS NOT NULL AND schedule != '' ORDER BY created_at`)
	if err != nil {
		return nil, apperr.Storagef("failed to list scheduled agents: %v", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// UpdateAgent updates an agent's configuration fields.
func (r *Repository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.Schedule != nil {
		if err := ValidateSchedule(*agent.Schedule); err != nil {
			return err
		}
	}
	agent.UpdatedAt = time.Now().UTC()

	config := agent.Config
	if len(config) == 0 {
		config = []byte("{}")
	}
	allowedTools, err := json.Marshal(agent.AllowedTools)
	if err != nil {
		allowedTools = []byte("[]")
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET name = ?, system_instructions = ?, task_instructions = ?, model = ?, temperature = ?, schedule = ?, config = ?, allowed_tools = ?, updated_at = ?
		WHERE id = ?
	`), agent.Name, agent.SystemInstructions, agent.TaskInstructions, agent.Model, agent.Temperature, agent.Schedule,
		string(config), string(allowedTools), agent.UpdatedAt, agent.ID)
	if err != nil {
		return apperr.Storagef("failed to update agent: %v", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("agent not found: %s", agent.ID)
	}
	return nil
}

// UpdateAgentStatus sets the agent lifecycle status and last_error.
func (r *Repository) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, lastError *string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`), status, lastError, time.Now().UTC(), id)
	if err != nil {
		return apperr.Storagef("failed to update agent status: %v", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("agent not found: %s", id)
	}
	return nil
}

// UpdateAgentRunTimes records last_run_at / next_run_at after a run
// finalizes. Nil values leave the column untouched.
func (r *Repository) UpdateAgentRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET
			last_run_at = COALESCE(?, last_run_at),
			next_run_at = COALESCE(?, next_run_at),
			updated_at = ?
		WHERE id = ?
	`), lastRunAt, nextRunAt, time.Now().UTC(), id)
	if err != nil {
		return apperr.Storagef("failed to update agent run times: %v", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("agent not found: %s", id)
	}
	return nil
}

// DeleteAgent removes the agent and cascades threads, messages, runs
// and triggers.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Storagef("failed to begin delete: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Explicit cascade keeps behavior identical whether or not the
	// driver enforces foreign keys.
	for _, q := range []string{
		`DELETE FROM messages WHERE thread_id IN (SELECT id FROM threads WHERE agent_id = ?)`,
		`DELETE FROM runs WHERE agent_id = ?`,
		`DELETE FROM threads WHERE agent_id = ?`,
		`DELETE FROM triggers WHERE agent_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), id); err != nil {
			return apperr.Storagef("failed to cascade agent delete: %v", err)
		}
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return apperr.Storagef("failed to delete agent: %v", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.NotFoundf("agent not found: %s", id)
	}
	return tx.Commit()
}

const agentSelect = `
	SELECT id, owner_id, name, system_instructions, task_instructions, model, temperature, schedule, status, last_run_at, next_run_at, last_error, config, allowed_tools, created_at, updated_at
	FROM agents`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var (
		schedule     sql.NullString
		lastRunAt    sql.NullTime
		nextRunAt    sql.NullTime
		lastError    sql.NullString
		config       string
		allowedTools string
	)
	err := row.Scan(&agent.ID, &agent.OwnerID, &agent.Name, &agent.SystemInstructions, &agent.TaskInstructions,
		&agent.Model, &agent.Temperature, &schedule, &agent.Status, &lastRunAt, &nextRunAt, &lastError,
		&config, &allowedTools, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if schedule.Valid && schedule.String != "" {
		agent.Schedule = &schedule.String
	}
	if lastRunAt.Valid {
		agent.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		agent.NextRunAt = &nextRunAt.Time
	}
	if lastError.Valid && lastError.String != "" {
		agent.LastError = &lastError.String
	}
	agent.Config = json.RawMessage(config)
	_ = json.Unmarshal([]byte(allowedTools), &agent.AllowedTools)
	return agent, nil
}

func scanAgents(rows *sql.Rows) ([]*models.Agent, error) {
	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, apperr.Storagef("failed to scan agent: %v", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storagef("failed to iterate agents: %v", err)
	}
	return agents, nil
}
