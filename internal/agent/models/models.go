// Package models defines the durable entities of the agent core: agents,
// threads, messages, runs and triggers.
package models

import (
	"encoding/json"
	"time"
)

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusError     AgentStatus = "error"
	AgentStatusScheduled AgentStatus = "scheduled"
)

// Agent is a configured unit of automation: a system prompt, a model,
// task instructions, an optional cron schedule, tool permissions and
// external triggers.
type Agent struct {
	ID                 string          `json:"id" db:"id"`
	OwnerID            string          `json:"owner_id" db:"owner_id"`
	Name               string          `json:"name" db:"name"`
	SystemInstructions string          `json:"system_instructions" db:"system_instructions"`
	TaskInstructions   string          `json:"task_instructions" db:"task_instructions"`
	Model              string          `json:"model" db:"model"`
	Temperature        float64         `json:"temperature" db:"temperature"`
	Schedule           *string         `json:"schedule,omitempty" db:"schedule"`
	Status             AgentStatus     `json:"status" db:"status"`
	LastRunAt          *time.Time      `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt          *time.Time      `json:"next_run_at,omitempty" db:"next_run_at"`
	LastError          *string         `json:"last_error,omitempty" db:"last_error"`
	Config             json.RawMessage `json:"config,omitempty" db:"config"`
	AllowedTools       []string        `json:"allowed_tools,omitempty" db:"-"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// IsScheduled reports whether the agent has a non-empty cron schedule.
// Parse validation happens in the repository on write and again in the
// scheduler on register.
func (a *Agent) IsScheduled() bool {
	return a.Schedule != nil && *a.Schedule != ""
}

// ThreadType classifies how a thread came to exist.
type ThreadType string

const (
	ThreadTypeChat      ThreadType = "chat"
	ThreadTypeManual    ThreadType = "manual"
	ThreadTypeScheduled ThreadType = "scheduled"
	ThreadTypeWebhook   ThreadType = "webhook"
	ThreadTypeEmail     ThreadType = "email"
	ThreadTypeWorkflow  ThreadType = "workflow"
)

// Thread is an ordered conversation owned by one agent. Every thread
// begins with exactly one system message holding the agent's
// system_instructions captured at creation time.
type Thread struct {
	ID         string          `json:"id" db:"id"`
	AgentID    string          `json:"agent_id" db:"agent_id"`
	Title      string          `json:"title" db:"title"`
	ThreadType ThreadType      `json:"thread_type" db:"thread_type"`
	AgentState json.RawMessage `json:"agent_state,omitempty" db:"agent_state"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Role is the conversational role of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageType classifies the payload of a message.
type MessageType string

const (
	MessageTypeSystem    MessageType = "system_message"
	MessageTypeUser      MessageType = "user_message"
	MessageTypeAssistant MessageType = "assistant_message"
	MessageTypeToolOut   MessageType = "tool_output"
)

// ToolCall is one tool invocation requested by the model, persisted as
// JSON on the assistant message that issued it.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry in a thread. Messages are append-only; the only
// mutation is flipping Processed. Seq provides the insertion order the
// executor replays.
type Message struct {
	ID          string      `json:"id" db:"id"`
	ThreadID    string      `json:"thread_id" db:"thread_id"`
	Seq         int64       `json:"-" db:"seq"`
	Role        Role        `json:"role" db:"role"`
	Content     string      `json:"content" db:"content"`
	MessageType MessageType `json:"message_type" db:"message_type"`
	ToolName    *string     `json:"tool_name,omitempty" db:"tool_name"`
	ToolCallID  *string     `json:"tool_call_id,omitempty" db:"tool_call_id"`
	ToolCalls   []ToolCall  `json:"tool_calls,omitempty" db:"-"`
	ParentID    *string     `json:"parent_id,omitempty" db:"parent_id"`
	Processed   bool        `json:"processed" db:"processed"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// RunTrigger records what caused a run.
type RunTrigger string

const (
	TriggerManual   RunTrigger = "manual"
	TriggerSchedule RunTrigger = "schedule"
	TriggerAPI      RunTrigger = "api"
	TriggerWebhook  RunTrigger = "webhook"
	TriggerEmail    RunTrigger = "email"
	TriggerWorkflow RunTrigger = "workflow"
)

// RunStatus is the monotone run state: queued → running → success|failed.
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// Run is one execution of an agent against a thread.
type Run struct {
	ID         string     `json:"id" db:"id"`
	AgentID    string     `json:"agent_id" db:"agent_id"`
	ThreadID   string     `json:"thread_id" db:"thread_id"`
	Trigger    RunTrigger `json:"trigger" db:"trigger"`
	Status     RunStatus  `json:"status" db:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	DurationMs *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	Error      *string    `json:"error,omitempty" db:"error"`
	Summary    *string    `json:"summary,omitempty" db:"summary"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// TriggerType distinguishes external trigger sources.
type TriggerType string

const (
	TriggerTypeWebhook TriggerType = "webhook"
	TriggerTypeEmail   TriggerType = "email"
)

// Trigger binds an external event source to an agent. Webhook triggers
// carry a CSPRNG-generated secret for HMAC validation; email triggers
// carry provider watch state.
type Trigger struct {
	ID             string          `json:"id" db:"id"`
	AgentID        string          `json:"agent_id" db:"agent_id"`
	Type           TriggerType     `json:"type" db:"type"`
	Secret         string          `json:"-" db:"secret"`
	Config         json.RawMessage `json:"config,omitempty" db:"config"`
	LastMessageKey *string         `json:"last_message_key,omitempty" db:"last_message_key"`
	HistoryID      *string         `json:"history_id,omitempty" db:"history_id"`
	WatchExpiry    *time.Time      `json:"watch_expiry,omitempty" db:"watch_expiry"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// EmailTriggerConfig is the decoded shape of Trigger.Config for email
// triggers: match filters applied to incoming messages.
type EmailTriggerConfig struct {
	Sender       string `json:"sender,omitempty"`
	SubjectRegex string `json:"subject_regex,omitempty"`
	Label        string `json:"label,omitempty"`
}
