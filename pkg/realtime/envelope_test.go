package realtime

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := New("run_update", "agent:a1", map[string]string{"status": "running"})
	if err != nil {
		t.Fatalf("new envelope failed: %v", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if got.V != ProtocolVersion {
		t.Errorf("expected v=%d, got %d", ProtocolVersion, got.V)
	}
	if got.Type != "run_update" || got.Topic != "agent:a1" {
		t.Errorf("type/topic lost: %+v", got)
	}
	if got.Ts == 0 {
		t.Error("expected a ts")
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Data, &payload); err != nil {
		t.Fatalf("data unmarshal failed: %v", err)
	}
	if payload["status"] != "running" {
		t.Errorf("data lost: %v", payload)
	}
}

func TestNewErrorCarriesReqID(t *testing.T) {
	env := NewError("m1", "unknown topic", map[string]string{"topic": "bogus:1"})
	if env.Type != TypeError {
		t.Errorf("expected error type, got %s", env.Type)
	}
	if env.ReqID != "m1" {
		t.Errorf("expected req_id m1, got %q", env.ReqID)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("data unmarshal failed: %v", err)
	}
	if payload["error"] != "unknown topic" {
		t.Errorf("expected error message, got %v", payload)
	}
	if payload["details"] == nil {
		t.Error("expected details")
	}
}

func TestNewPongEchoesClientTs(t *testing.T) {
	env := NewPong(1724500000000)
	var payload map[string]int64
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("data unmarshal failed: %v", err)
	}
	if payload["client_ts"] != 1724500000000 {
		t.Errorf("expected echoed client_ts, got %d", payload["client_ts"])
	}
}

func TestValidateTopic(t *testing.T) {
	valid := []string{"agent:7", "thread:abc-def", "user:u1", "workflow_execution:e1"}
	for _, topic := range valid {
		if err := ValidateTopic(topic); err != nil {
			t.Errorf("%s: expected valid, got %v", topic, err)
		}
	}

	invalid := []string{"", "agent:", "task:1", "agent", "AGENT:1"}
	for _, topic := range invalid {
		if err := ValidateTopic(topic); err == nil {
			t.Errorf("%s: expected invalid", topic)
		}
	}
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"subscribe","topics":["agent:7"],"message_id":"m1"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if f.Type != TypeSubscribe || len(f.Topics) != 1 || f.Topics[0] != "agent:7" || f.MessageID != "m1" {
		t.Errorf("frame fields lost: %+v", f)
	}
}

func TestParseFrameNormalizesLegacyAliases(t *testing.T) {
	tests := map[string]string{
		"sub":            TypeSubscribe,
		"unsub":          TypeUnsubscribe,
		"agent_state":    "agent_event",
		"thread_message": "thread_message_created",
	}
	for alias, want := range tests {
		f, err := ParseFrame([]byte(`{"type":"` + alias + `"}`))
		if err != nil {
			t.Fatalf("%s: parse failed: %v", alias, err)
		}
		if f.Type != want {
			t.Errorf("%s: expected canonical %s, got %s", alias, want, f.Type)
		}
	}
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	if _, err := ParseFrame([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := ParseFrame([]byte(`{"topics":["agent:1"]}`)); err == nil {
		t.Error("expected error for frame without type")
	}
}
