// Package llm defines the narrow model-client interface the run executor
// calls, and its OpenAI-compatible implementation.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one conversation entry in provider-neutral form.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDef describes a callable tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is one model invocation. When Stream is set, OnToken is
// called for every content delta before the final response returns.
type ChatRequest struct {
	Model       string
	Temperature float64
	Messages    []Message
	Tools       []ToolDef
	Stream      bool
	OnToken     func(token string)
}

// ChatResponse is the model's completed turn: final content plus any
// tool calls it wants executed.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is the model interface the executor depends on. Implementations
// must be safe for concurrent use; retries and timeouts live behind it.
type Client interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
