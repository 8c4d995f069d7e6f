// Package scheduler converts agent cron schedules into timed dispatches
// to the task runner.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/agent/service"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
)

// Dispatcher dispatches scheduled work. Satisfied by *service.Runner.
type Dispatcher interface {
	ExecuteAgentTask(ctx context.Context, req service.TaskRequest) (*service.TaskResult, error)
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler registers one cron job per scheduled agent. A fire while
// the previous run is still active is skipped; the next tick retries.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	repo       repository.Repository
	logger     *logger.Logger
	loc        *time.Location

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler in the given timezone.
func New(dispatcher Dispatcher, repo repository.Repository, loc *time.Location, log *logger.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(loc), cron.WithParser(cronParser)),
		dispatcher: dispatcher,
		repo:       repo,
		logger:     log,
		loc:        loc,
		entries:    make(map[string]cron.EntryID),
	}
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.String("timezone", s.loc.String()))
}

// Stop halts firing and waits for in-flight dispatch callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// LoadFromStorage registers every agent with a schedule. Invalid cron
// strings are logged and skipped; they never abort startup.
func (s *Scheduler) LoadFromStorage(ctx context.Context) error {
	agents, err := s.repo.ListScheduledAgents(ctx)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if err := s.ScheduleAgent(ctx, agent); err != nil {
			s.logger.Warn("Skipping agent with invalid schedule",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
		}
	}
	s.logger.Info("Schedules loaded", zap.Int("count", s.Count()))
	return nil
}

// ScheduleAgent registers (or replaces) the cron job for an agent and
// records its next fire time.
func (s *Scheduler) ScheduleAgent(ctx context.Context, agent *models.Agent) error {
	if !agent.IsScheduled() {
		s.UnscheduleAgent(agent.ID)
		return nil
	}

	schedule, err := cronParser.Parse(*agent.Schedule)
	if err != nil {
		return apperr.InvalidArgumentf("invalid cron expression %q", *agent.Schedule)
	}

	agentID := agent.ID
	s.mu.Lock()
	if existing, ok := s.entries[agentID]; ok {
		s.cron.Remove(existing)
	}
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(agentID)
	}))
	s.entries[agentID] = entryID
	s.mu.Unlock()

	next := schedule.Next(time.Now().In(s.loc))
	if err := s.repo.UpdateAgentRunTimes(ctx, agentID, nil, &next); err != nil {
		s.logger.Warn("Failed to record next run time",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	s.logger.Info("Agent scheduled",
		zap.String("agent_id", agentID),
		zap.String("schedule", *agent.Schedule),
		zap.Time("next_run", next))
	return nil
}

// UnscheduleAgent removes the agent's job if present.
func (s *Scheduler) UnscheduleAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[agentID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, agentID)
		s.logger.Info("Agent unscheduled", zap.String("agent_id", agentID))
	}
}

// RefreshAgent re-registers an agent after its schedule changed.
func (s *Scheduler) RefreshAgent(ctx context.Context, agent *models.Agent) error {
	if !agent.IsScheduled() {
		s.UnscheduleAgent(agent.ID)
		return nil
	}
	return s.ScheduleAgent(ctx, agent)
}

// Count returns the number of registered jobs.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextRun returns the registered next fire time for an agent.
func (s *Scheduler) NextRun(agentID string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[agentID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// fire dispatches one scheduled run. Busy means the previous run is
// still active; the tick is dropped, not queued.
func (s *Scheduler) fire(agentID string) {
	ctx := context.Background()
	result, err := s.dispatcher.ExecuteAgentTask(ctx, service.TaskRequest{
		AgentID: agentID,
		Trigger: models.TriggerSchedule,
	})
	if err != nil {
		if apperr.IsBusy(err) {
			s.logger.Info("Scheduled tick skipped, agent busy", zap.String("agent_id", agentID))
			return
		}
		if apperr.IsNotFound(err) {
			s.logger.Warn("Scheduled agent no longer exists, unscheduling", zap.String("agent_id", agentID))
			s.UnscheduleAgent(agentID)
			return
		}
		s.logger.Error("Scheduled dispatch failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}
	s.logger.Info("Scheduled run dispatched",
		zap.String("agent_id", agentID),
		zap.String("run_id", result.RunID))
}
