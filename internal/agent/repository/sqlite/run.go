package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
)

const runSelect = `
	SELECT id, agent_id, thread_id, trigger_source, status, started_at, finished_at, duration_ms, error, summary, created_at, updated_at
	FROM runs`

// CreateRun inserts a new run with status queued.
func (r *Repository) CreateRun(ctx context.Context, agentID, threadID string, trigger models.RunTrigger) (*models.Run, error) {
	now := time.Now().UTC()
	run := &models.Run{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		ThreadID:  threadID,
		Trigger:   trigger,
		Status:    models.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO runs (id, agent_id, thread_id, trigger_source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.AgentID, run.ThreadID, run.Trigger, run.Status, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, apperr.Storagef("failed to insert run: %v", err)
	}
	return run, nil
}

// GetRun loads a run by id.
func (r *Repository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(runSelect+` WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("run not found: %s", id)
	}
	if err != nil {
		return nil, apperr.Storagef("failed to load run: %v", err)
	}
	return run, nil
}

// ListRuns returns an agent's run history, newest first.
func (r *Repository) ListRuns(ctx context.Context, agentID string, opts ListRunsOptions) ([]*models.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(
		runSelect+` WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`),
		agentID, limit, opts.Offset)
	if err != nil {
		return nil, apperr.Storagef("failed to list runs: %v", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperr.Storagef("failed to scan run: %v", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storagef("failed to iterate runs: %v", err)
	}
	return runs, nil
}

// StartRun transitions queued→running and stamps started_at. The
// conditional update keeps the status monotone: any other source state
// returns Conflict.
func (r *Repository) StartRun(ctx context.Context, id string) (*models.Run, error) {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE runs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), models.RunStatusRunning, now, now, id, models.RunStatusQueued)
	if err != nil {
		return nil, apperr.Storagef("failed to start run: %v", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, r.runTransitionError(ctx, id, models.RunStatusRunning)
	}
	return r.GetRun(ctx, id)
}

// FinishRun transitions running→success|failed and stamps finished_at
// and duration_ms. Re-finishing with the identical terminal status is
// idempotent; anything else is Conflict.
func (r *Repository) FinishRun(ctx context.Context, id string, status models.RunStatus, errMsg, summary *string) (*models.Run, error) {
	if !status.Terminal() {
		return nil, apperr.InvalidArgumentf("finish requires a terminal status, got %q", status)
	}

	current, err := r.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	// started_at never changes once the run is running, so the duration
	// computed here stays correct under the conditional update below.
	since := current.CreatedAt
	if current.StartedAt != nil {
		since = *current.StartedAt
	}
	durationMs := now.Sub(since).Milliseconds()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE runs SET status = ?, finished_at = ?, duration_ms = ?, error = ?, summary = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), status, now, durationMs, errMsg, summary, now, id, models.RunStatusRunning)
	if err != nil {
		return nil, apperr.Storagef("failed to finish run: %v", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		run, getErr := r.GetRun(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if run.Status == status {
			return run, nil // idempotent re-finish
		}
		return nil, apperr.Conflictf("run %s cannot transition %s → %s", id, run.Status, status)
	}
	return r.GetRun(ctx, id)
}

func (r *Repository) runTransitionError(ctx context.Context, id string, target models.RunStatus) error {
	run, err := r.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return apperr.Conflictf("run %s cannot transition %s → %s", id, run.Status, target)
}

func scanRun(row rowScanner) (*models.Run, error) {
	run := &models.Run{}
	var (
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		durationMs sql.NullInt64
		errMsg     sql.NullString
		summary    sql.NullString
	)
	err := row.Scan(&run.ID, &run.AgentID, &run.ThreadID, &run.Trigger, &run.Status,
		&startedAt, &finishedAt, &durationMs, &errMsg, &summary, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if durationMs.Valid {
		run.DurationMs = &durationMs.Int64
	}
	if errMsg.Valid && errMsg.String != "" {
		run.Error = &errMsg.String
	}
	if summary.Valid && summary.String != "" {
		run.Summary = &summary.String
	}
	return run, nil
}
