package events

import "fmt"

// Topic builders. Topics are the routing strings the realtime gateway
// uses to match events to subscriptions.

// AgentTopic returns the topic for one agent's lifecycle and run events.
func AgentTopic(agentID string) string { return "agent:" + agentID }

// ThreadTopic returns the topic for one thread's message and stream events.
func ThreadTopic(threadID string) string { return "thread:" + threadID }

// UserTopic returns the topic for one user's profile events.
func UserTopic(userID string) string { return "user:" + userID }

// WorkflowExecutionTopic returns the topic for one workflow execution.
func WorkflowExecutionTopic(executionID string) string {
	return "workflow_execution:" + executionID
}

// TopicOf derives the routing topic for an event. It is total over the
// closed Kind set: every event maps to exactly one topic, or to ok=false
// for events that are internal-only and never reach subscribers
// (currently TRIGGER_FIRED).
func TopicOf(ev *Event) (string, bool) {
	switch p := ev.Payload.(type) {
	case AgentPayload:
		return AgentTopic(p.AgentID), true
	case RunPayload:
		return AgentTopic(p.AgentID), true
	case ThreadPayload:
		return ThreadTopic(p.ThreadID), true
	case MessagePayload:
		return ThreadTopic(p.ThreadID), true
	case StreamPayload:
		return ThreadTopic(p.ThreadID), true
	case UserPayload:
		return UserTopic(p.UserID), true
	case NodePayload:
		return WorkflowExecutionTopic(p.ExecutionID), true
	case ExecutionFinishedPayload:
		return WorkflowExecutionTopic(p.ExecutionID), true
	case TriggerFiredPayload:
		return "", false
	case nil:
		return "", false
	default:
		// Unreachable while Kind stays closed; kept so a new payload type
		// without routing shows up in tests instead of panicking.
		return "", false
	}
}

// WireType maps an event kind to the outbound frame type emitted on
// WebSocket and SSE connections. Legacy aliases are accepted inbound by
// the gateway but never produced here.
func WireType(kind Kind) string {
	switch kind {
	case AgentCreated:
		return "agent_created"
	case AgentUpdated:
		return "agent_updated"
	case AgentDeleted:
		return "agent_deleted"
	case ThreadCreated:
		return "thread_created"
	case ThreadUpdated:
		return "thread_updated"
	case ThreadMessageCreated:
		return "thread_message_created"
	case StreamStart:
		return "stream_start"
	case StreamChunk:
		return "stream_chunk"
	case StreamEnd:
		return "stream_end"
	case AssistantID:
		return "assistant_id"
	case RunCreated, RunUpdated:
		return "run_update"
	case UserUpdated:
		return "user_update"
	case NodeState:
		return "node_state"
	case NodeLog:
		return "node_log"
	case ExecutionFinished:
		return "execution_finished"
	default:
		return fmt.Sprintf("unknown:%s", kind)
	}
}
