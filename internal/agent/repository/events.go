package repository

import (
	"context"

	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events"
	"github.com/jarvishq/jarvisd/internal/events/bus"
)

// PublishingRepository decorates a Repository so successful commits
// publish lifecycle events. The durable state wins: a publish failure
// is logged and never rolls back the write.
type PublishingRepository struct {
	Repository
	bus    bus.Bus
	logger *logger.Logger
}

// WithEvents wraps a repository with publish-on-commit behavior.
func WithEvents(repo Repository, eventBus bus.Bus, log *logger.Logger) *PublishingRepository {
	return &PublishingRepository{Repository: repo, bus: eventBus, logger: log}
}

func (p *PublishingRepository) publish(ctx context.Context, ev *events.Event) {
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.logger.Warn("Post-commit publish failed",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}

func (p *PublishingRepository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if err := p.Repository.CreateAgent(ctx, agent); err != nil {
		return err
	}
	p.publish(ctx, events.New(events.AgentCreated, events.AgentPayload{
		Kind:    events.AgentCreated,
		AgentID: agent.ID,
		OwnerID: agent.OwnerID,
		Name:    agent.Name,
		Status:  string(agent.Status),
	}))
	return nil
}

func (p *PublishingRepository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if err := p.Repository.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	p.publish(ctx, events.New(events.AgentUpdated, events.AgentPayload{
		Kind:    events.AgentUpdated,
		AgentID: agent.ID,
		OwnerID: agent.OwnerID,
		Name:    agent.Name,
		Status:  string(agent.Status),
	}))
	return nil
}

func (p *PublishingRepository) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, lastError *string) error {
	if err := p.Repository.UpdateAgentStatus(ctx, id, status, lastError); err != nil {
		return err
	}
	payload := events.AgentPayload{Kind: events.AgentUpdated, AgentID: id, Status: string(status)}
	if lastError != nil {
		payload.LastError = *lastError
	}
	p.publish(ctx, events.New(events.AgentUpdated, payload))
	return nil
}

func (p *PublishingRepository) DeleteAgent(ctx context.Context, id string) error {
	if err := p.Repository.DeleteAgent(ctx, id); err != nil {
		return err
	}
	p.publish(ctx, events.New(events.AgentDeleted, events.AgentPayload{
		Kind:    events.AgentDeleted,
		AgentID: id,
	}))
	return nil
}

func (p *PublishingRepository) CreateThreadWithSystemMessage(ctx context.Context, agent *models.Agent, threadType models.ThreadType, title string) (*models.Thread, error) {
	thread, err := p.Repository.CreateThreadWithSystemMessage(ctx, agent, threadType, title)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, events.New(events.ThreadCreated, events.ThreadPayload{
		Kind:       events.ThreadCreated,
		ThreadID:   thread.ID,
		AgentID:    thread.AgentID,
		Title:      thread.Title,
		ThreadType: string(thread.ThreadType),
	}))
	return thread, nil
}

func (p *PublishingRepository) UpdateThread(ctx context.Context, thread *models.Thread) error {
	if err := p.Repository.UpdateThread(ctx, thread); err != nil {
		return err
	}
	p.publish(ctx, events.New(events.ThreadUpdated, events.ThreadPayload{
		Kind:       events.ThreadUpdated,
		ThreadID:   thread.ID,
		AgentID:    thread.AgentID,
		Title:      thread.Title,
		ThreadType: string(thread.ThreadType),
	}))
	return nil
}

func (p *PublishingRepository) AppendMessages(ctx context.Context, threadID string, msgs []*models.Message) ([]string, error) {
	ids, err := p.Repository.AppendMessages(ctx, threadID, msgs)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		payload := events.MessagePayload{
			ThreadID:  threadID,
			MessageID: msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
		}
		if msg.ToolName != nil {
			payload.ToolName = *msg.ToolName
		}
		p.publish(ctx, events.New(events.ThreadMessageCreated, payload))
	}
	return ids, nil
}

func (p *PublishingRepository) CreateRun(ctx context.Context, agentID, threadID string, trigger models.RunTrigger) (*models.Run, error) {
	run, err := p.Repository.CreateRun(ctx, agentID, threadID, trigger)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, events.New(events.RunCreated, runPayload(events.RunCreated, run)))
	return run, nil
}

func (p *PublishingRepository) StartRun(ctx context.Context, id string) (*models.Run, error) {
	run, err := p.Repository.StartRun(ctx, id)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, events.New(events.RunUpdated, runPayload(events.RunUpdated, run)))
	return run, nil
}

func (p *PublishingRepository) FinishRun(ctx context.Context, id string, status models.RunStatus, errMsg, summary *string) (*models.Run, error) {
	run, err := p.Repository.FinishRun(ctx, id, status, errMsg, summary)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, events.New(events.RunUpdated, runPayload(events.RunUpdated, run)))
	return run, nil
}

func runPayload(kind events.Kind, run *models.Run) events.RunPayload {
	payload := events.RunPayload{
		Kind:     kind,
		RunID:    run.ID,
		AgentID:  run.AgentID,
		ThreadID: run.ThreadID,
		Trigger:  string(run.Trigger),
		Status:   string(run.Status),
	}
	if run.Error != nil {
		payload.Error = *run.Error
	}
	if run.Summary != nil {
		payload.Summary = *run.Summary
	}
	if run.DurationMs != nil {
		payload.DurationMs = *run.DurationMs
	}
	return payload
}
