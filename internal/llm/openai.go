package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/config"
)

const (
	defaultCallTimeout = 90 * time.Second
	defaultMaxRetries  = 2
	retryBaseDelay     = time.Second
)

// OpenAIClient implements Client over any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client      *openai.Client
	callTimeout time.Duration
	maxRetries  int
}

// NewOpenAIClient builds a client from model config. BaseURL overrides
// the endpoint for compatible providers.
func NewOpenAIClient(cfg config.ModelConfig) (*OpenAIClient, error) {
	if cfg.ProviderKey == "" {
		return nil, fmt.Errorf("model provider key is not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.ProviderKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.RequestTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientCfg),
		callTimeout: timeout,
		maxRetries:  retries,
	}, nil
}

// Chat performs one model call with per-call timeout and retry with
// exponential backoff. Exhausted retries surface as Unavailable.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: float32(req.Temperature),
		Messages:    toOpenAIMessages(req.Messages),
		Tools:       toOpenAITools(req.Tools),
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, contextError(ctx)
			case <-time.After(delay):
			}
		}

		var resp *ChatResponse
		if req.Stream && req.OnToken != nil {
			resp, lastErr = c.chatStream(ctx, chatReq, req.OnToken)
		} else {
			resp, lastErr = c.chatOnce(ctx, chatReq)
		}
		if lastErr == nil {
			return resp, nil
		}
		if !isRetryable(lastErr) {
			if errors.Is(lastErr, context.Canceled) {
				return nil, apperr.Cancelledf("model call cancelled")
			}
			return nil, fmt.Errorf("model call failed: %w", lastErr)
		}
	}
	return nil, apperr.Unavailablef("model unavailable after %d retries: %v", c.maxRetries, lastErr)
}

func (c *OpenAIClient) chatOnce(ctx context.Context, chatReq openai.ChatCompletionRequest) (*ChatResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}
	msg := resp.Choices[0].Message
	return &ChatResponse{
		Content:   msg.Content,
		ToolCalls: fromOpenAIToolCalls(msg.ToolCalls),
	}, nil
}

// chatStream consumes the token stream, forwarding content deltas and
// accumulating tool-call fragments by index until EOF.
func (c *OpenAIClient) chatStream(ctx context.Context, chatReq openai.ChatCompletionRequest, onToken func(string)) (*ChatResponse, error) {
	chatReq.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var content string
	toolCalls := make(map[int]*ToolCall)
	argBuffers := make(map[int][]byte)
	maxIndex := -1

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			content += delta.Content
			onToken(delta.Content)
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if index > maxIndex {
				maxIndex = index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				argBuffers[index] = append(argBuffers[index], tc.Function.Arguments...)
			}
		}
	}

	result := &ChatResponse{Content: content}
	for i := 0; i <= maxIndex; i++ {
		tc := toolCalls[i]
		if tc == nil || tc.ID == "" || tc.Name == "" {
			continue
		}
		tc.Arguments = json.RawMessage(argBuffers[i])
		if len(tc.Arguments) == 0 {
			tc.Arguments = json.RawMessage("{}")
		}
		result.ToolCalls = append(result.ToolCalls, *tc)
	}
	return result, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.ToolName != "" {
			om.Name = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []ToolDef) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []ToolCall {
	var out []ToolCall
	for _, tc := range calls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Transport-level failures are worth a retry.
	return true
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return apperr.Cancelledf("model call cancelled")
	}
	return apperr.Unavailablef("model call timed out")
}
