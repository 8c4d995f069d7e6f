// Package repository defines the storage contract for agents, threads,
// messages, runs and triggers. Implementations enforce the core
// invariants: monotone run status, a single system message per thread,
// cascade deletes and cron validation on write.
package repository

import (
	"context"
	"time"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository/sqlite"
)

// ListRunsOptions controls run history pagination. Runs come back
// newest first.
type ListRunsOptions = sqlite.ListRunsOptions

// ListMessagesOptions pages through a thread's messages in insertion
// order. SinceID is an exclusive cursor.
type ListMessagesOptions = sqlite.ListMessagesOptions

// Repository is the storage contract for the agent core.
type Repository interface {
	AgentStore
	ThreadStore
	MessageStore
	RunStore
	TriggerStore

	Close() error
}

// AgentStore persists agents. Schedule strings are cron-validated on
// write; a bad schedule returns InvalidArgument.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, ownerID string) ([]*models.Agent, error)
	ListScheduledAgents(ctx context.Context) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, lastError *string) error
	UpdateAgentRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error
	// DeleteAgent cascades threads, messages, runs and triggers.
	DeleteAgent(ctx context.Context, id string) error
}

// ThreadStore persists threads.
type ThreadStore interface {
	// CreateThreadWithSystemMessage atomically creates the thread and its
	// position-zero system message carrying the agent's instructions at
	// creation time.
	CreateThreadWithSystemMessage(ctx context.Context, agent *models.Agent, threadType models.ThreadType, title string) (*models.Thread, error)
	// GetThreadForAgent returns NotFound when the thread is missing or
	// belongs to a different agent.
	GetThreadForAgent(ctx context.Context, threadID, agentID string) (*models.Thread, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	ListThreads(ctx context.Context, agentID string) ([]*models.Thread, error)
	UpdateThread(ctx context.Context, thread *models.Thread) error
}

// MessageStore persists messages. Messages are append-only; the only
// mutation is marking them processed.
type MessageStore interface {
	ListMessages(ctx context.Context, threadID string, opts ListMessagesOptions) ([]*models.Message, error)
	// AppendMessages bulk-inserts in one transaction and returns the
	// inserted ids in order.
	AppendMessages(ctx context.Context, threadID string, msgs []*models.Message) ([]string, error)
	MarkMessagesProcessed(ctx context.Context, ids []string) error
}

// RunStore persists runs and enforces monotone status transitions.
type RunStore interface {
	CreateRun(ctx context.Context, agentID, threadID string, trigger models.RunTrigger) (*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, agentID string, opts ListRunsOptions) ([]*models.Run, error)
	// StartRun transitions queued→running; Conflict on anything else.
	StartRun(ctx context.Context, id string) (*models.Run, error)
	// FinishRun transitions running→success|failed; re-finishing with the
	// same terminal status is a no-op, any other transition is Conflict.
	FinishRun(ctx context.Context, id string, status models.RunStatus, errMsg, summary *string) (*models.Run, error)
}

// TriggerStore persists external triggers.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, trigger *models.Trigger) error
	GetTrigger(ctx context.Context, id string) (*models.Trigger, error)
	ListTriggersByType(ctx context.Context, triggerType models.TriggerType) ([]*models.Trigger, error)
	UpdateTriggerWatch(ctx context.Context, id string, historyID, lastMessageKey *string, watchExpiry *time.Time) error
	DeleteTrigger(ctx context.Context, id string) error
}
