// Package executor runs one agent turn or autonomous run against a
// thread: it walks the call_model / call_tools loop, streams results
// over the event bus and persists the newly produced messages.
package executor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events"
	"github.com/jarvishq/jarvisd/internal/events/bus"
	"github.com/jarvishq/jarvisd/internal/llm"
	"github.com/jarvishq/jarvisd/internal/tools"
)

// Mode selects how far the executor drives the thread.
type Mode string

const (
	// ModeSingleTurn answers the latest user message and stops.
	ModeSingleTurn Mode = "single_turn"
	// ModeTaskRun executes until the model stops requesting tools.
	ModeTaskRun Mode = "task_run"
)

// Options tune one execution.
type Options struct {
	// StreamTokens publishes per-token chunks; when off the executor
	// emits a single assistant_message chunk per model turn.
	StreamTokens bool
	// RunID is stamped on stream events when the turn belongs to a run.
	RunID string
}

// maxModelTurns bounds the tool loop so a model that keeps requesting
// tools cannot spin forever.
const maxModelTurns = 25

// Executor drives the model/tool loop for one thread at a time. Safe
// for concurrent use across distinct agents; per-agent exclusion is the
// task runner's lock.
type Executor struct {
	repo     repository.Repository
	model    llm.Client
	registry *tools.Registry
	bus      bus.Bus
	logger   *logger.Logger
}

// New creates an executor.
func New(repo repository.Repository, model llm.Client, registry *tools.Registry, eventBus bus.Bus, log *logger.Logger) *Executor {
	return &Executor{repo: repo, model: model, registry: registry, bus: eventBus, logger: log}
}

// RunThread executes the loop against a thread and returns once the
// model stops requesting tools or the turn fails. New messages are the
// only persisted artifacts; token chunks are transient.
func (e *Executor) RunThread(ctx context.Context, agent *models.Agent, thread *models.Thread, mode Mode, opts Options) error {
	log := e.logger.WithAgentID(agent.ID).WithThreadID(thread.ID).WithFields(zap.String("mode", string(mode)))

	history, err := e.repo.ListMessages(ctx, thread.ID, repository.ListMessagesOptions{})
	if err != nil {
		return err
	}
	if len(history) == 0 || history[0].Role != models.RoleSystem {
		return apperr.Invariantf("thread %s is missing its system message", thread.ID)
	}

	conversation := toModelMessages(history)
	toolDefs := toToolDefs(e.registry.List(agent.AllowedTools))

	e.publishStream(ctx, events.StreamStart, events.StreamPayload{
		Kind:     events.StreamStart,
		ThreadID: thread.ID,
		RunID:    opts.RunID,
	})
	defer e.publishStream(ctx, events.StreamEnd, events.StreamPayload{
		Kind:     events.StreamEnd,
		ThreadID: thread.ID,
		RunID:    opts.RunID,
	})

	for turn := 0; turn < maxModelTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return apperr.Cancelledf("run cancelled")
		}

		resp, err := e.callModel(ctx, agent, thread, opts, conversation, toolDefs)
		if err != nil {
			return err
		}

		assistantID, err := e.persistAssistant(ctx, thread.ID, resp, opts)
		if err != nil {
			return err
		}
		conversation = append(conversation, llm.Message{
			Role:      string(models.RoleAssistant),
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return apperr.Cancelledf("run cancelled")
		}

		toolMsgs, err := e.callTools(ctx, thread.ID, assistantID, resp.ToolCalls, opts)
		if err != nil {
			return err
		}
		for _, msg := range toolMsgs {
			conversation = append(conversation, llm.Message{
				Role:       string(models.RoleTool),
				Content:    msg.Content,
				ToolCallID: derefString(msg.ToolCallID),
				ToolName:   derefString(msg.ToolName),
			})
		}
	}

	log.Warn("Model turn limit reached", zap.Int("max_turns", maxModelTurns))
	return fmt.Errorf("model requested tools for %d consecutive turns", maxModelTurns)
}

// callModel invokes the model, streaming tokens when enabled.
func (e *Executor) callModel(ctx context.Context, agent *models.Agent, thread *models.Thread, opts Options, conversation []llm.Message, toolDefs []llm.ToolDef) (*llm.ChatResponse, error) {
	req := &llm.ChatRequest{
		Model:       agent.Model,
		Temperature: agent.Temperature,
		Messages:    conversation,
		Tools:       toolDefs,
		Stream:      opts.StreamTokens,
	}
	if opts.StreamTokens {
		req.OnToken = func(token string) {
			e.publishStream(ctx, events.StreamChunk, events.StreamPayload{
				Kind:      events.StreamChunk,
				ThreadID:  thread.ID,
				RunID:     opts.RunID,
				ChunkType: events.ChunkAssistantToken,
				Content:   token,
			})
		}
	}
	return e.model.Chat(ctx, req)
}

// persistAssistant appends the assistant message and announces its id
// so clients can attach subsequent tool outputs. In non-streaming mode
// the full content goes out as one assistant_message chunk.
func (e *Executor) persistAssistant(ctx context.Context, threadID string, resp *llm.ChatResponse, opts Options) (string, error) {
	msg := &models.Message{
		Role:        models.RoleAssistant,
		Content:     resp.Content,
		MessageType: models.MessageTypeAssistant,
		ToolCalls:   toStoredToolCalls(resp.ToolCalls),
	}
	ids, err := e.repo.AppendMessages(ctx, threadID, []*models.Message{msg})
	if err != nil {
		return "", err
	}
	assistantID := ids[0]

	if !opts.StreamTokens && resp.Content != "" {
		e.publishStream(ctx, events.StreamChunk, events.StreamPayload{
			Kind:      events.StreamChunk,
			ThreadID:  threadID,
			RunID:     opts.RunID,
			ChunkType: events.ChunkAssistantMessage,
			Content:   resp.Content,
			MessageID: assistantID,
		})
	}
	e.publishStream(ctx, events.AssistantID, events.StreamPayload{
		Kind:      events.AssistantID,
		ThreadID:  threadID,
		RunID:     opts.RunID,
		MessageID: assistantID,
	})
	return assistantID, nil
}

// callTools invokes every requested tool in parallel, appends the tool
// messages in request order and publishes their outputs. A failing or
// timed-out tool becomes an error tool message; the run continues.
func (e *Executor) callTools(ctx context.Context, threadID, assistantID string, calls []llm.ToolCall, opts Options) ([]*models.Message, error) {
	results := make([]string, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			result, err := e.registry.Invoke(ctx, call.Name, call.Arguments)
			if err != nil {
				result = fmt.Sprintf("error: %v", err)
			}
			results[i] = result
		}(i, call)
	}
	wg.Wait()

	msgs := make([]*models.Message, 0, len(calls))
	for i, call := range calls {
		toolName := call.Name
		toolCallID := call.ID
		parentID := assistantID
		msgs = append(msgs, &models.Message{
			Role:        models.RoleTool,
			Content:     results[i],
			MessageType: models.MessageTypeToolOut,
			ToolName:    &toolName,
			ToolCallID:  &toolCallID,
			ParentID:    &parentID,
		})
	}

	ids, err := e.repo.AppendMessages(ctx, threadID, msgs)
	if err != nil {
		return nil, err
	}
	for i, msg := range msgs {
		e.publishStream(ctx, events.StreamChunk, events.StreamPayload{
			Kind:       events.StreamChunk,
			ThreadID:   threadID,
			RunID:      opts.RunID,
			ChunkType:  events.ChunkToolOutput,
			Content:    msg.Content,
			MessageID:  ids[i],
			ToolName:   derefString(msg.ToolName),
			ToolCallID: derefString(msg.ToolCallID),
			ParentID:   assistantID,
		})
	}
	return msgs, nil
}

func (e *Executor) publishStream(ctx context.Context, kind events.Kind, payload events.StreamPayload) {
	if err := e.bus.Publish(ctx, events.New(kind, payload)); err != nil {
		e.logger.Warn("Stream publish failed",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func toModelMessages(history []*models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		out = append(out, llm.Message{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCalls:  toModelToolCallsFromStored(msg.ToolCalls),
			ToolCallID: derefString(msg.ToolCallID),
			ToolName:   derefString(msg.ToolName),
		})
	}
	return out
}

func toToolDefs(available []tools.Tool) []llm.ToolDef {
	out := make([]llm.ToolDef, 0, len(available))
	for _, tool := range available {
		out = append(out, llm.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.ParametersSchema(),
		})
	}
	return out
}

func toStoredToolCalls(calls []llm.ToolCall) []models.ToolCall {
	var out []models.ToolCall
	for _, call := range calls {
		out = append(out, models.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
	}
	return out
}

func toModelToolCallsFromStored(calls []models.ToolCall) []llm.ToolCall {
	var out []llm.ToolCall
	for _, call := range calls {
		out = append(out, llm.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
	}
	return out
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
