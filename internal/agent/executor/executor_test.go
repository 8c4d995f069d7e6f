package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/jarvishq/jarvisd/internal/agent/models"
	"github.com/jarvishq/jarvisd/internal/agent/repository"
	"github.com/jarvishq/jarvisd/internal/agent/repository/sqlite"
	"github.com/jarvishq/jarvisd/internal/common/apperr"
	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/db"
	"github.com/jarvishq/jarvisd/internal/events"
	"github.com/jarvishq/jarvisd/internal/events/bus"
	"github.com/jarvishq/jarvisd/internal/llm"
	"github.com/jarvishq/jarvisd/internal/tools"
)

// scriptedClient returns canned responses in order.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     int
}

func (s *scriptedClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		return &llm.ChatResponse{Content: "done"}, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	if req.Stream && req.OnToken != nil && resp.Content != "" {
		for _, r := range resp.Content {
			req.OnToken(string(r))
		}
	}
	return resp, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *eventRecorder) record(ctx context.Context, ev *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type testEnv struct {
	repo     repository.Repository
	bus      *bus.MemoryBus
	registry *tools.Registry
	recorder *eventRecorder
	agent    *models.Agent
	thread   *models.Thread
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := sqlite.NewWithDB(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { _ = sqlxDB.Close() })

	memBus := bus.NewMemoryBus(log)
	t.Cleanup(memBus.Close)

	recorder := &eventRecorder{}
	if _, err := memBus.SubscribeAll("recorder", recorder.record); err != nil {
		t.Fatalf("failed to subscribe recorder: %v", err)
	}

	registry := tools.NewRegistry(0, log)

	ctx := context.Background()
	agent := &models.Agent{
		OwnerID:            "user-1",
		Name:               "test-agent",
		SystemInstructions: "You are helpful.",
		Model:              "gpt-4o",
		AllowedTools:       []string{"get_current_time", "boom"},
	}
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	thread, err := repo.CreateThreadWithSystemMessage(ctx, agent, models.ThreadTypeChat, "")
	if err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}
	if _, err := repo.AppendMessages(ctx, thread.ID, []*models.Message{
		{Role: models.RoleUser, Content: "hello", MessageType: models.MessageTypeUser},
	}); err != nil {
		t.Fatalf("failed to append user message: %v", err)
	}

	return &testEnv{repo: repo, bus: memBus, registry: registry, recorder: recorder, agent: agent, thread: thread}
}

func newExecutor(t *testing.T, env *testEnv, client llm.Client) *Executor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return New(env.repo, client, env.registry, env.bus, log)
}

func TestRunThreadSimpleTurn(t *testing.T) {
	env := setupTest(t)
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Content: "hi there"},
	}}
	exec := newExecutor(t, env, client)

	err := exec.RunThread(context.Background(), env.agent, env.thread, ModeSingleTurn, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	msgs, err := env.repo.ListMessages(context.Background(), env.thread.ID, repository.ListMessagesOptions{})
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	// system, user, assistant
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleAssistant || last.Content != "hi there" {
		t.Errorf("unexpected assistant message: %+v", last)
	}

	assertKindOrder(t, env.recorder.kinds(), []events.Kind{
		events.StreamStart, events.StreamChunk, events.AssistantID, events.StreamEnd,
	})
}

func TestRunThreadStreamingTokens(t *testing.T) {
	env := setupTest(t)
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Content: "abc"},
	}}
	exec := newExecutor(t, env, client)

	err := exec.RunThread(context.Background(), env.agent, env.thread, ModeSingleTurn, Options{StreamTokens: true})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var tokens []string
	for _, ev := range env.recorder.events {
		if ev.Kind != events.StreamChunk {
			continue
		}
		p := ev.Payload.(events.StreamPayload)
		if p.ChunkType == events.ChunkAssistantToken {
			tokens = append(tokens, p.Content)
		}
	}
	if len(tokens) != 3 {
		t.Fatalf("expected 3 token chunks, got %d", len(tokens))
	}
	if tokens[0]+tokens[1]+tokens[2] != "abc" {
		t.Errorf("tokens out of order: %v", tokens)
	}
}

func TestRunThreadToolLoop(t *testing.T) {
	env := setupTest(t)
	env.registry.Register(tools.NewCurrentTimeTool())

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "get_current_time", Arguments: json.RawMessage(`{}`)}}},
		{Content: "the time is above"},
	}}
	exec := newExecutor(t, env, client)

	err := exec.RunThread(context.Background(), env.agent, env.thread, ModeTaskRun, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	msgs, _ := env.repo.ListMessages(context.Background(), env.thread.ID, repository.ListMessagesOptions{})
	// system, user, assistant(tool_calls), tool, assistant
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	toolMsg := msgs[3]
	if toolMsg.Role != models.RoleTool {
		t.Fatalf("expected tool message at position 3, got %s", toolMsg.Role)
	}
	if toolMsg.ParentID == nil || *toolMsg.ParentID != msgs[2].ID {
		t.Error("tool message should reference the assistant that issued the call")
	}
	if toolMsg.ToolCallID == nil || *toolMsg.ToolCallID != "call_1" {
		t.Error("tool message should carry the tool_call_id")
	}

	assertKindOrder(t, env.recorder.kinds(), []events.Kind{
		events.StreamStart, events.AssistantID, events.StreamChunk, events.AssistantID, events.StreamEnd,
	})
}

type failingTool struct{}

func (failingTool) Name() string                      { return "boom" }
func (failingTool) Description() string               { return "always fails" }
func (failingTool) ParametersSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (failingTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	return "", context.DeadlineExceeded
}

func TestRunThreadToolFailureDoesNotFailRun(t *testing.T) {
	env := setupTest(t)
	env.registry.Register(failingTool{})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "boom", Arguments: json.RawMessage(`{}`)}}},
		{Content: "recovered"},
	}}
	exec := newExecutor(t, env, client)

	err := exec.RunThread(context.Background(), env.agent, env.thread, ModeTaskRun, Options{})
	if err != nil {
		t.Fatalf("run should survive tool failure, got %v", err)
	}

	msgs, _ := env.repo.ListMessages(context.Background(), env.thread.ID, repository.ListMessagesOptions{})
	toolMsg := msgs[3]
	if toolMsg.Role != models.RoleTool {
		t.Fatalf("expected tool message, got %s", toolMsg.Role)
	}
	if toolMsg.Content == "" || toolMsg.Content[:5] != "error" {
		t.Errorf("tool failure should produce an error tool message, got %q", toolMsg.Content)
	}
}

func TestRunThreadParallelToolCalls(t *testing.T) {
	env := setupTest(t)
	env.registry.Register(tools.NewCurrentTimeTool())
	env.registry.Register(failingTool{})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "get_current_time", Arguments: json.RawMessage(`{}`)},
			{ID: "call_2", Name: "boom", Arguments: json.RawMessage(`{}`)},
		}},
		{Content: "done"},
	}}
	exec := newExecutor(t, env, client)

	if err := exec.RunThread(context.Background(), env.agent, env.thread, ModeTaskRun, Options{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	msgs, _ := env.repo.ListMessages(context.Background(), env.thread.ID, repository.ListMessagesOptions{})
	// system, user, assistant, tool, tool, assistant
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	// Tool messages keep request order regardless of completion order.
	if *msgs[3].ToolCallID != "call_1" || *msgs[4].ToolCallID != "call_2" {
		t.Error("tool messages should be appended in request order")
	}
}

func TestRunThreadCancellation(t *testing.T) {
	env := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{responses: []*llm.ChatResponse{{Content: "never"}}}
	exec := newExecutor(t, env, client)

	err := exec.RunThread(ctx, env.agent, env.thread, ModeSingleTurn, Options{})
	if !apperr.IsCancelled(err) {
		t.Errorf("expected Cancelled, got %v", err)
	}
}

func TestRunThreadMissingSystemMessageIsInvariant(t *testing.T) {
	env := setupTest(t)
	// A thread row without its system message (inserted around the
	// repository invariant) must be rejected.
	badThread := &models.Thread{ID: "no-system", AgentID: env.agent.ID, ThreadType: models.ThreadTypeChat}

	client := &scriptedClient{}
	exec := newExecutor(t, env, client)

	err := exec.RunThread(context.Background(), env.agent, badThread, ModeSingleTurn, Options{})
	if err == nil {
		t.Fatal("expected invariant error for missing system message")
	}
}

// assertKindOrder checks that want appears as a subsequence of got.
func assertKindOrder(t *testing.T, got, want []events.Kind) {
	t.Helper()
	i := 0
	for _, kind := range got {
		if i < len(want) && kind == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Errorf("expected event order %v as subsequence, got %v", want, got)
	}
}
