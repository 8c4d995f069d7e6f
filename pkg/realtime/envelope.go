// Package realtime defines the wire protocol shared by the WebSocket and
// SSE gateways: the outbound envelope, the inbound client frame, and the
// topic grammar.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the envelope version stamped on every outbound frame.
const ProtocolVersion = 1

// Inbound frame types sent by clients.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeSendMessage = "send_message"
)

// Outbound frame types produced by the server.
const (
	TypePong      = "pong"
	TypeError     = "error"
	TypeConnected = "connected"
)

// Envelope is the outbound frame carried on both transports.
type Envelope struct {
	V     int             `json:"v"`
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	ReqID string          `json:"req_id,omitempty"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is an inbound client message. Topics and MessageID accompany
// subscribe/unsubscribe; ThreadID/Content/Metadata accompany send_message;
// Ts accompanies ping and is echoed back in the pong.
type Frame struct {
	Type      string          `json:"type"`
	Topics    []string        `json:"topics,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	ReqID     string          `json:"req_id,omitempty"`
	Ts        int64           `json:"ts,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// legacyAliases maps retired inbound type names to their current forms.
// Aliases are accepted on the way in and never emitted.
var legacyAliases = map[string]string{
	"agent_state":    "agent_event",
	"thread_message": "thread_message_created",
	"run_updated":    "run_update",
	"sub":            TypeSubscribe,
	"unsub":          TypeUnsubscribe,
}

// CanonicalType resolves legacy inbound aliases to their current name.
func CanonicalType(t string) string {
	if canonical, ok := legacyAliases[t]; ok {
		return canonical
	}
	return t
}

// New builds an envelope for one event payload, stamping the current
// time in unix milliseconds.
func New(frameType, topic string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope data: %w", err)
	}
	return &Envelope{
		V:     ProtocolVersion,
		Type:  frameType,
		Topic: topic,
		Ts:    time.Now().UnixMilli(),
		Data:  raw,
	}, nil
}

// NewError builds an error envelope. ReqID links the error back to the
// offending client frame when the client supplied one.
func NewError(reqID, message string, details interface{}) *Envelope {
	payload := map[string]interface{}{"error": message}
	if details != nil {
		payload["details"] = details
	}
	raw, _ := json.Marshal(payload)
	return &Envelope{
		V:     ProtocolVersion,
		Type:  TypeError,
		ReqID: reqID,
		Ts:    time.Now().UnixMilli(),
		Data:  raw,
	}
}

// NewPong builds the reply to a ping, echoing the client timestamp.
func NewPong(clientTs int64) *Envelope {
	raw, _ := json.Marshal(map[string]int64{"client_ts": clientTs})
	return &Envelope{
		V:    ProtocolVersion,
		Type: TypePong,
		Ts:   time.Now().UnixMilli(),
		Data: raw,
	}
}

// topicPrefixes enumerates the valid topic namespaces.
var topicPrefixes = []string{"agent:", "thread:", "user:", "workflow_execution:"}

// ValidateTopic checks a topic string against the topic grammar:
// a known namespace prefix followed by a non-empty id.
func ValidateTopic(topic string) error {
	for _, prefix := range topicPrefixes {
		if strings.HasPrefix(topic, prefix) {
			if len(topic) == len(prefix) {
				return fmt.Errorf("topic %q has an empty id", topic)
			}
			return nil
		}
	}
	return fmt.Errorf("topic %q has an unknown namespace", topic)
}

// ParseFrame decodes and canonicalizes one inbound client frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	f.Type = CanonicalType(f.Type)
	return &f, nil
}
