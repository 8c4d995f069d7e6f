package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/events"
	"github.com/jarvishq/jarvisd/internal/events/bus"
)

// SubscribeTriggers wires the runner to TRIGGER_FIRED events so webhook
// and email deliveries become runs.
func (r *Runner) SubscribeTriggers(eventBus bus.Bus) error {
	_, err := eventBus.Subscribe(events.TriggerFired, "task-runner", r.handleTriggerFired)
	return err
}

// handleTriggerFired dispatches one trigger delivery. A Busy agent
// drops the delivery; external sources retry on their own cadence.
func (r *Runner) handleTriggerFired(ctx context.Context, ev *events.Event) error {
	payload, ok := ev.Payload.(events.TriggerFiredPayload)
	if !ok {
		return apperr.Invariantf("TRIGGER_FIRED event %s carries payload %T", ev.ID, ev.Payload)
	}

	agent, err := r.repo.GetAgent(ctx, payload.AgentID)
	if err != nil {
		r.logger.Warn("Trigger references unknown agent",
			zap.String("trigger_id", payload.TriggerID),
			zap.String("agent_id", payload.AgentID),
			zap.Error(err))
		return nil
	}

	req := TaskRequest{
		AgentID:      agent.ID,
		Trigger:      runTriggerFor(payload.TriggerType),
		TaskOverride: composeTriggerTask(agent, payload),
	}

	result, err := r.ExecuteAgentTask(ctx, req)
	if err != nil {
		if apperr.IsBusy(err) {
			r.logger.Info("Trigger dropped, agent busy",
				zap.String("trigger_id", payload.TriggerID),
				zap.String("agent_id", agent.ID))
			return nil
		}
		r.logger.Error("Trigger dispatch failed",
			zap.String("trigger_id", payload.TriggerID),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
		return err
	}

	r.logger.Info("Trigger dispatched",
		zap.String("trigger_id", payload.TriggerID),
		zap.String("agent_id", agent.ID),
		zap.String("run_id", result.RunID))
	return nil
}

// composeTriggerTask builds the user message for a trigger-initiated
// run: the agent's task instructions followed by the delivery payload.
func composeTriggerTask(agent *models.Agent, payload events.TriggerFiredPayload) string {
	task := agent.TaskInstructions
	if task == "" {
		task = fmt.Sprintf("Handle the incoming %s event.", payload.TriggerType)
	}
	if len(payload.Payload) == 0 {
		return task
	}
	return fmt.Sprintf("%s\n\nTriggering event payload:\n%s", task, payload.Payload)
}

func runTriggerFor(triggerType string) models.RunTrigger {
	switch triggerType {
	case string(models.TriggerTypeEmail):
		return models.TriggerEmail
	default:
		return models.TriggerWebhook
	}
}
