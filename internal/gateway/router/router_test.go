package router

import (
	"context"
	"sync"
	"testing"

	"github.com/jarvishq/jarvisd/internal/common/logger"
	"github.com/jarvishq/jarvisd/internal/events"
	"github.com/jarvishq/jarvisd/internal/events/bus"
	"github.com/jarvishq/jarvisd/pkg/realtime"
)

type recordingSink struct {
	mu     sync.Mutex
	topics []string
	envs   []*realtime.Envelope
}

func (s *recordingSink) Broadcast(topic string, env *realtime.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.envs = append(s.envs, env)
}

func setupRouter(t *testing.T) (*bus.MemoryBus, *recordingSink, *recordingSink) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	memBus := bus.NewMemoryBus(log)
	t.Cleanup(memBus.Close)

	ws := &recordingSink{}
	sse := &recordingSink{}
	if err := New(log, ws, sse).Attach(memBus); err != nil {
		t.Fatalf("failed to attach router: %v", err)
	}
	return memBus, ws, sse
}

func TestRouterFansOutToAllSinks(t *testing.T) {
	memBus, ws, sse := setupRouter(t)

	ev := events.New(events.StreamChunk, events.StreamPayload{
		Kind: events.StreamChunk, ThreadID: "th-1", ChunkType: events.ChunkAssistantToken, Content: "x",
	})
	if err := memBus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	for name, sink := range map[string]*recordingSink{"ws": ws, "sse": sse} {
		sink.mu.Lock()
		if len(sink.envs) != 1 {
			t.Fatalf("%s: expected 1 envelope, got %d", name, len(sink.envs))
		}
		env := sink.envs[0]
		if sink.topics[0] != "thread:th-1" || env.Type != "stream_chunk" || env.V != realtime.ProtocolVersion {
			t.Errorf("%s: unexpected routing: topic=%s env=%+v", name, sink.topics[0], env)
		}
		sink.mu.Unlock()
	}
}

func TestRouterDropsInternalEvents(t *testing.T) {
	memBus, ws, _ := setupRouter(t)

	ev := events.New(events.TriggerFired, events.TriggerFiredPayload{
		TriggerID: "tr-1", AgentID: "ag-1", TriggerType: "webhook",
	})
	if err := memBus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.envs) != 0 {
		t.Errorf("internal events must not reach the gateway, got %d", len(ws.envs))
	}
}

func TestRouterTopicPerKind(t *testing.T) {
	memBus, ws, _ := setupRouter(t)
	ctx := context.Background()

	cases := []struct {
		ev        *events.Event
		wantTopic string
		wantType  string
	}{
		{events.New(events.AgentUpdated, events.AgentPayload{Kind: events.AgentUpdated, AgentID: "a1"}), "agent:a1", "agent_updated"},
		{events.New(events.ThreadMessageCreated, events.MessagePayload{ThreadID: "t1", MessageID: "m1", Role: "user"}), "thread:t1", "thread_message_created"},
		{events.New(events.UserUpdated, events.UserPayload{UserID: "u1"}), "user:u1", "user_update"},
		{events.New(events.NodeState, events.NodePayload{Kind: events.NodeState, ExecutionID: "x1", NodeID: "n1"}), "workflow_execution:x1", "node_state"},
	}
	for _, tc := range cases {
		if err := memBus.Publish(ctx, tc.ev); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.envs) != len(cases) {
		t.Fatalf("expected %d envelopes, got %d", len(cases), len(ws.envs))
	}
	for i, tc := range cases {
		if ws.topics[i] != tc.wantTopic || ws.envs[i].Type != tc.wantType {
			t.Errorf("case %d: got topic=%s type=%s, want %s/%s",
				i, ws.topics[i], ws.envs[i].Type, tc.wantTopic, tc.wantType)
		}
	}
}
