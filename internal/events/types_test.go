package events

import (
	"testing"
	"time"
)

func TestNewValidatesPayloadKind(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for mismatched payload kind")
		}
	}()
	New(AgentCreated, RunPayload{Kind: RunUpdated, RunID: "r", AgentID: "a"})
}

func TestNewSetsIDAndTimestamp(t *testing.T) {
	ev := New(ThreadCreated, ThreadPayload{Kind: ThreadCreated, ThreadID: "t", AgentID: "a"})
	if ev.ID == "" {
		t.Error("expected a generated event ID")
	}
	if ev.Ts.IsZero() {
		t.Error("expected a timestamp")
	}
	if ev.Ts.Location() != time.UTC {
		t.Error("timestamps should be UTC")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ev   *Event
	}{
		{
			name: "agent payload",
			ev:   New(AgentUpdated, AgentPayload{Kind: AgentUpdated, AgentID: "a1", Name: "research", Status: "idle"}),
		},
		{
			name: "stream chunk",
			ev: New(StreamChunk, StreamPayload{
				Kind: StreamChunk, ThreadID: "t1", RunID: "r1",
				ChunkType: ChunkAssistantToken, Content: "hello",
			}),
		},
		{
			name: "run update",
			ev: New(RunUpdated, RunPayload{
				Kind: RunUpdated, RunID: "r1", AgentID: "a1", ThreadID: "t1",
				Status: "success", Summary: "done", DurationMs: 1200,
			}),
		},
		{
			name: "trigger fired",
			ev: New(TriggerFired, TriggerFiredPayload{
				TriggerID: "tr1", AgentID: "a1", TriggerType: "webhook",
				Payload: []byte(`{"ref":"main"}`),
			}),
		},
		{
			name: "no payload",
			ev:   New(UserUpdated, nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.ev)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			got, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if got.ID != tt.ev.ID {
				t.Errorf("id: expected %s, got %s", tt.ev.ID, got.ID)
			}
			if got.Kind != tt.ev.Kind {
				t.Errorf("kind: expected %s, got %s", tt.ev.Kind, got.Kind)
			}
			if tt.ev.Payload == nil {
				if got.Payload != nil {
					t.Errorf("expected nil payload, got %#v", got.Payload)
				}
				return
			}
			if got.Payload.payloadKind() != tt.ev.Kind {
				t.Errorf("payload kind: expected %s, got %s", tt.ev.Kind, got.Payload.payloadKind())
			}
		})
	}
}

func TestUnmarshalUnknownKind(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"id":"x","kind":"BOGUS","payload":{}}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestUnmarshalPreservesChunkFields(t *testing.T) {
	ev := New(StreamChunk, StreamPayload{
		Kind: StreamChunk, ThreadID: "t1", ChunkType: ChunkToolOutput,
		Content: "42", MessageID: "m1", ToolName: "get_current_time", ToolCallID: "call_1",
	})
	data, err := Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	p, ok := got.Payload.(StreamPayload)
	if !ok {
		t.Fatalf("expected StreamPayload, got %T", got.Payload)
	}
	if p.ChunkType != ChunkToolOutput || p.MessageID != "m1" || p.ToolCallID != "call_1" {
		t.Errorf("chunk fields lost in transit: %+v", p)
	}
}
