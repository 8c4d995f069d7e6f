// Package service implements the task runner: it owns the per-agent
// lock, the run lifecycle around the executor, and dispatch of external
// trigger events into runs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/executor"
	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/common/stringutil"
	"github.com/jarvishq/jarvisd/internal/events/bus"
)

// maxRunErrorLen bounds the error string persisted on a failed run.
const maxRunErrorLen = 500

// maxSummaryLen bounds the run summary extracted from the first
// assistant message.
const maxSummaryLen = 500

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TaskRequest describes one dispatch into the runner.
type TaskRequest struct {
	AgentID string
	Trigger models.RunTrigger
	// TaskOverride replaces the agent's task_instructions as the user
	// message for this run.
	TaskOverride string
	// ThreadID selects the chat path: the run executes against an
	// existing thread instead of creating a fresh one.
	ThreadID string
}

// TaskResult is returned once the run is created; execution continues
// in the background until Done closes.
type TaskResult struct {
	RunID    string
	ThreadID string
	Done     <-chan struct{}
}

// Runner executes agent tasks. One run per agent at a time; concurrent
// dispatches on the same agent observe Busy.
type Runner struct {
	repo         repository.Repository
	executor     *executor.Executor
	bus          bus.Bus
	logger       *logger.Logger
	locks        *agentLocks
	loc          *time.Location
	streamTokens bool

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a task runner. loc is the timezone used to
// recompute next_run_at for scheduled agents.
func NewRunner(repo repository.Repository, exec *executor.Executor, eventBus bus.Bus, loc *time.Location, streamTokens bool, log *logger.Logger) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	return &Runner{
		repo:         repo,
		executor:     exec,
		bus:          eventBus,
		logger:       log,
		locks:        newAgentLocks(),
		loc:          loc,
		streamTokens: streamTokens,
		active:       make(map[string]context.CancelFunc),
	}
}

// ExecuteAgentTask acquires the agent lock, prepares the thread and run,
// and launches execution in the background. It returns Busy without
// side effects when the agent already has an active run.
func (r *Runner) ExecuteAgentTask(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	agent, err := r.repo.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	if !r.locks.TryAcquire(agent.ID) {
		return nil, apperr.Busyf("agent %s already has an active run", agent.ID)
	}

	result, err := r.prepare(ctx, agent, req)
	if err != nil {
		r.locks.Release(agent.ID)
		return nil, err
	}
	return result, nil
}

// prepare runs the synchronous part of the state machine (status flip,
// thread resolution, run creation) and starts the background turn. The
// caller holds the agent lock; on error the caller releases it.
func (r *Runner) prepare(ctx context.Context, agent *models.Agent, req TaskRequest) (*TaskResult, error) {
	if err := r.repo.UpdateAgentStatus(ctx, agent.ID, models.AgentStatusRunning, nil); err != nil {
		return nil, err
	}

	thread, mode, err := r.resolveThread(ctx, agent, req)
	if err != nil {
		r.resetAgent(agent.ID, nil)
		return nil, err
	}

	run, err := r.repo.CreateRun(ctx, agent.ID, thread.ID, req.Trigger)
	if err != nil {
		r.resetAgent(agent.ID, nil)
		return nil, err
	}
	if _, err := r.repo.StartRun(ctx, run.ID); err != nil {
		r.resetAgent(agent.ID, nil)
		return nil, err
	}

	// Cursor for summary extraction: the first assistant message the
	// executor appends after this point.
	sinceID, err := r.lastMessageID(ctx, thread.ID)
	if err != nil {
		r.resetAgent(agent.ID, nil)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.active[run.ID] = cancel
	r.mu.Unlock()

	done := make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		r.execute(runCtx, agent, thread, run.ID, mode, sinceID)
	}()

	return &TaskResult{RunID: run.ID, ThreadID: thread.ID, Done: done}, nil
}

// resolveThread creates a fresh thread with the task message for
// non-chat paths, or loads the caller's thread for chat.
func (r *Runner) resolveThread(ctx context.Context, agent *models.Agent, req TaskRequest) (*models.Thread, executor.Mode, error) {
	if req.ThreadID != "" {
		thread, err := r.repo.GetThreadForAgent(ctx, req.ThreadID, agent.ID)
		if err != nil {
			return nil, "", err
		}
		return thread, executor.ModeSingleTurn, nil
	}

	task := req.TaskOverride
	if task == "" {
		task = agent.TaskInstructions
	}
	if task == "" {
		return nil, "", apperr.InvalidArgumentf("agent %s has no task instructions and no override was given", agent.ID)
	}

	thread, err := r.repo.CreateThreadWithSystemMessage(ctx, agent, threadTypeFor(req.Trigger), "")
	if err != nil {
		return nil, "", err
	}
	if _, err := r.repo.AppendMessages(ctx, thread.ID, []*models.Message{{
		Role:        models.RoleUser,
		Content:     task,
		MessageType: models.MessageTypeUser,
	}}); err != nil {
		return nil, "", err
	}
	return thread, executor.ModeTaskRun, nil
}

// execute drives the executor and finalizes the run. Terminal events
// publish before the lock releases.
func (r *Runner) execute(ctx context.Context, agent *models.Agent, thread *models.Thread, runID string, mode executor.Mode, sinceID string) {
	log := r.logger.WithAgentID(agent.ID).WithRunID(runID)

	defer func() {
		r.mu.Lock()
		if cancel, ok := r.active[runID]; ok {
			cancel()
			delete(r.active, runID)
		}
		r.mu.Unlock()
		r.locks.Release(agent.ID)
	}()

	err := r.executor.RunThread(ctx, agent, thread, mode, executor.Options{
		StreamTokens: r.streamTokens,
		RunID:        runID,
	})
	if err != nil {
		r.finishFailed(agent, runID, err, log)
		return
	}
	r.finishSuccess(agent, thread.ID, runID, sinceID, log)
}

func (r *Runner) finishSuccess(agent *models.Agent, threadID, runID, sinceID string, log *logger.Logger) {
	ctx := context.Background()

	summary := r.extractSummary(ctx, threadID, sinceID)
	if _, err := r.repo.FinishRun(ctx, runID, models.RunStatusSuccess, nil, summary); err != nil {
		log.Error("Failed to finalize run", zap.Error(err))
	}

	if err := r.repo.UpdateAgentStatus(ctx, agent.ID, models.AgentStatusIdle, nil); err != nil {
		log.Error("Failed to reset agent status", zap.Error(err))
	}

	now := time.Now().In(r.loc)
	var nextRun *time.Time
	if agent.IsScheduled() {
		nextRun = NextRun(*agent.Schedule, now, r.loc)
	}
	if err := r.repo.UpdateAgentRunTimes(ctx, agent.ID, &now, nextRun); err != nil {
		log.Error("Failed to update agent run times", zap.Error(err))
	}

	log.Info("Run finished", zap.String("status", string(models.RunStatusSuccess)))
}

func (r *Runner) finishFailed(agent *models.Agent, runID string, runErr error, log *logger.Logger) {
	ctx := context.Background()

	errStr := stringutil.TruncateRunes(runErr.Error(), maxRunErrorLen)
	if apperr.IsCancelled(runErr) || errors.Is(runErr, context.Canceled) {
		errStr = "cancelled"
	}

	if _, err := r.repo.FinishRun(ctx, runID, models.RunStatusFailed, &errStr, nil); err != nil {
		log.Error("Failed to finalize run", zap.Error(err))
	}
	r.resetAgentStatus(ctx, agent.ID, models.AgentStatusError, &errStr, log)

	log.Warn("Run failed", zap.String("error", errStr))
}

// extractSummary returns the first assistant message appended after the
// cursor, trimmed for the run record. Nil when the run produced none.
func (r *Runner) extractSummary(ctx context.Context, threadID, sinceID string) *string {
	msgs, err := r.repo.ListMessages(ctx, threadID, repository.ListMessagesOptions{SinceID: sinceID})
	if err != nil {
		r.logger.Warn("Failed to load messages for summary", zap.Error(err))
		return nil
	}
	for _, msg := range msgs {
		if msg.Role == models.RoleAssistant && msg.Content != "" {
			summary := stringutil.TruncateRunes(msg.Content, maxSummaryLen)
			return &summary
		}
	}
	return nil
}

// Cancel signals the executor for runID. Cancellation is cooperative;
// the run ends failed with error "cancelled" at the next step boundary.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	cancel, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return apperr.NotFoundf("run %s is not active", runID)
	}
	cancel()
	return nil
}

// Shutdown cancels every active run and waits for their finalization,
// bounded by ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner shutdown: %w", ctx.Err())
	}
}

// resetAgent returns the agent to idle after a preparation failure,
// before any run exists.
func (r *Runner) resetAgent(agentID string, lastError *string) {
	r.resetAgentStatus(context.Background(), agentID, models.AgentStatusIdle, lastError, r.logger)
}

func (r *Runner) resetAgentStatus(ctx context.Context, agentID string, status models.AgentStatus, lastError *string, log *logger.Logger) {
	if err := r.repo.UpdateAgentStatus(ctx, agentID, status, lastError); err != nil {
		log.Error("Failed to update agent status", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// lastMessageID returns the id of the newest message in the thread, or
// empty when the thread has none.
func (r *Runner) lastMessageID(ctx context.Context, threadID string) (string, error) {
	msgs, err := r.repo.ListMessages(ctx, threadID, repository.ListMessagesOptions{})
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[len(msgs)-1].ID, nil
}

// NextRun computes the next fire time for a 5-field cron expression in
// the given location. Nil when the expression does not parse.
func NextRun(schedule string, from time.Time, loc *time.Location) *time.Time {
	if loc == nil {
		loc = time.UTC
	}
	parsed, err := cronParser.Parse("CRON_TZ=" + loc.String() + " " + schedule)
	if err != nil {
		return nil
	}
	next := parsed.Next(from.In(loc))
	if next.IsZero() {
		return nil
	}
	return &next
}

func threadTypeFor(trigger models.RunTrigger) models.ThreadType {
	switch trigger {
	case models.TriggerSchedule:
		return models.ThreadTypeScheduled
	case models.TriggerWebhook:
		return models.ThreadTypeWebhook
	case models.TriggerEmail:
		return models.ThreadTypeEmail
	case models.TriggerWorkflow:
		return models.ThreadTypeWorkflow
	default:
		return models.ThreadTypeManual
	}
}
