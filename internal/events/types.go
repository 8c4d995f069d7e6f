// Package events defines the closed set of event kinds flowing through the
// jarvisd event bus, their typed payloads, and the topic derivation used by
// the realtime gateway.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates every event the platform publishes. The set is closed:
// the bus, the topic router, and the gateway all switch over these values.
type Kind string

const (
	AgentCreated         Kind = "AGENT_CREATED"
	AgentUpdated         Kind = "AGENT_UPDATED"
	AgentDeleted         Kind = "AGENT_DELETED"
	ThreadCreated        Kind = "THREAD_CREATED"
	ThreadUpdated        Kind = "THREAD_UPDATED"
	ThreadMessageCreated Kind = "THREAD_MESSAGE_CREATED"
	StreamStart          Kind = "STREAM_START"
	StreamChunk          Kind = "STREAM_CHUNK"
	AssistantID          Kind = "ASSISTANT_ID"
	StreamEnd            Kind = "STREAM_END"
	RunCreated           Kind = "RUN_CREATED"
	RunUpdated           Kind = "RUN_UPDATED"
	UserUpdated          Kind = "USER_UPDATED"
	TriggerFired         Kind = "TRIGGER_FIRED"
	NodeState            Kind = "NODE_STATE"
	NodeLog              Kind = "NODE_LOG"
	ExecutionFinished    Kind = "EXECUTION_FINISHED"
)

// Kinds returns every defined event kind.
func Kinds() []Kind {
	return []Kind{
		AgentCreated, AgentUpdated, AgentDeleted,
		ThreadCreated, ThreadUpdated, ThreadMessageCreated,
		StreamStart, StreamChunk, AssistantID, StreamEnd,
		RunCreated, RunUpdated,
		UserUpdated, TriggerFired,
		NodeState, NodeLog, ExecutionFinished,
	}
}

// Chunk types carried by STREAM_CHUNK payloads.
const (
	ChunkAssistantToken   = "assistant_token"
	ChunkAssistantMessage = "assistant_message"
	ChunkToolOutput       = "tool_output"
)

// Payload is the marker interface for typed event payloads.
type Payload interface {
	payloadKind() Kind
}

// AgentPayload accompanies AGENT_CREATED / AGENT_UPDATED / AGENT_DELETED.
type AgentPayload struct {
	Kind      Kind   `json:"-"`
	AgentID   string `json:"agent_id"`
	OwnerID   string `json:"owner_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func (p AgentPayload) payloadKind() Kind { return p.Kind }

// ThreadPayload accompanies THREAD_CREATED / THREAD_UPDATED.
type ThreadPayload struct {
	Kind       Kind   `json:"-"`
	ThreadID   string `json:"thread_id"`
	AgentID    string `json:"agent_id"`
	Title      string `json:"title,omitempty"`
	ThreadType string `json:"thread_type,omitempty"`
}

func (p ThreadPayload) payloadKind() Kind { return p.Kind }

// MessagePayload accompanies THREAD_MESSAGE_CREATED.
type MessagePayload struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
}

func (p MessagePayload) payloadKind() Kind { return ThreadMessageCreated }

// StreamPayload accompanies STREAM_START, STREAM_CHUNK, ASSISTANT_ID and
// STREAM_END. For chunks, ChunkType selects the variant; MessageID is set
// for tool_output chunks and for ASSISTANT_ID.
type StreamPayload struct {
	Kind       Kind   `json:"-"`
	ThreadID   string `json:"thread_id"`
	RunID      string `json:"run_id,omitempty"`
	ChunkType  string `json:"chunk_type,omitempty"`
	Content    string `json:"content,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ParentID   string `json:"parent_id,omitempty"`
}

func (p StreamPayload) payloadKind() Kind { return p.Kind }

// RunPayload accompanies RUN_CREATED / RUN_UPDATED.
type RunPayload struct {
	Kind       Kind   `json:"-"`
	RunID      string `json:"run_id"`
	AgentID    string `json:"agent_id"`
	ThreadID   string `json:"thread_id"`
	Trigger    string `json:"trigger,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Summary    string `json:"summary,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func (p RunPayload) payloadKind() Kind { return p.Kind }

// UserPayload accompanies USER_UPDATED.
type UserPayload struct {
	UserID string `json:"user_id"`
}

func (p UserPayload) payloadKind() Kind { return UserUpdated }

// TriggerFiredPayload accompanies TRIGGER_FIRED. Payload carries the raw
// external event body (webhook JSON or a synthesized email document).
type TriggerFiredPayload struct {
	TriggerID   string          `json:"trigger_id"`
	AgentID     string          `json:"agent_id"`
	TriggerType string          `json:"trigger_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (p TriggerFiredPayload) payloadKind() Kind { return TriggerFired }

// NodePayload accompanies NODE_STATE and NODE_LOG.
type NodePayload struct {
	Kind        Kind            `json:"-"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	NodeID      string          `json:"node_id"`
	Status      string          `json:"status,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Log         string          `json:"log,omitempty"`
}

func (p NodePayload) payloadKind() Kind { return p.Kind }

// ExecutionFinishedPayload accompanies EXECUTION_FINISHED.
type ExecutionFinishedPayload struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	Status      string `json:"status"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

func (p ExecutionFinishedPayload) payloadKind() Kind { return ExecutionFinished }

// Event is one message on the bus: a kind plus its typed payload.
type Event struct {
	ID      string
	Kind    Kind
	Ts      time.Time
	Payload Payload
}

// New creates an event with a fresh ID and the current UTC timestamp.
// It panics if the payload's kind does not match the event kind; that is
// always a programming error at the publish site.
func New(kind Kind, payload Payload) *Event {
	if payload != nil && payload.payloadKind() != kind {
		panic(fmt.Sprintf("events: payload kind %s does not match event kind %s", payload.payloadKind(), kind))
	}
	return &Event{
		ID:      uuid.New().String(),
		Kind:    kind,
		Ts:      time.Now().UTC(),
		Payload: payload,
	}
}

// wireEvent is the serialized form used by the NATS bus.
type wireEvent struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes an event for transport.
func Marshal(ev *Event) ([]byte, error) {
	var raw json.RawMessage
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}
	return json.Marshal(wireEvent{ID: ev.ID, Kind: ev.Kind, Ts: ev.Ts, Payload: raw})
}

// Unmarshal decodes an event from transport, reconstructing the typed
// payload from the kind tag.
func Unmarshal(data []byte) (*Event, error) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return nil, err
	}
	payload, err := decodePayload(we.Kind, we.Payload)
	if err != nil {
		return nil, err
	}
	return &Event{ID: we.ID, Kind: we.Kind, Ts: we.Ts, Payload: payload}, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch kind {
	case AgentCreated, AgentUpdated, AgentDeleted:
		var p AgentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		p.Kind = kind
		return p, nil
	case ThreadCreated, ThreadUpdated:
		var p ThreadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		p.Kind = kind
		return p, nil
	case ThreadMessageCreated:
		var p MessagePayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case StreamStart, StreamChunk, AssistantID, StreamEnd:
		var p StreamPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		p.Kind = kind
		return p, nil
	case RunCreated, RunUpdated:
		var p RunPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		p.Kind = kind
		return p, nil
	case UserUpdated:
		var p UserPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case TriggerFired:
		var p TriggerFiredPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case NodeState, NodeLog:
		var p NodePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		p.Kind = kind
		return p, nil
	case ExecutionFinished:
		var p ExecutionFinishedPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
