package events

import "encoding/json"

// Legacy wire message types accepted and emitted during the compatibility
// window. Older observer clients speak these per-source shapes instead of the
// canonical agent:event envelope.
const (
	LegacyRalphEvent         = "ralph:event"
	LegacyTaskChatEvent      = "task-chat:event"
	LegacyTaskChatMessage    = "task-chat:message"
	LegacyTaskChatChunk      = "task-chat:chunk"
	LegacyTaskChatStatus     = "task-chat:status"
	LegacyTaskChatError      = "task-chat:error"
	LegacyTaskChatToolUse    = "task-chat:tool_use"
	LegacyTaskChatToolUpdate = "task-chat:tool_update"
	LegacyTaskChatToolResult = "task-chat:tool_result"
)

// Reconnect message types (canonical and legacy).
const (
	ReconnectType         = "agent:reconnect"
	LegacyReconnect       = "reconnect"
	LegacyTaskChatReconn  = "task-chat:reconnect"
	PendingEventsType     = "agent:pending_events"
)

// ReconnectRequest is a normalized replay request. Exactly one of
// LastEventIndex or LastEventTimestamp is typically set; both absent means
// replay from the beginning.
type ReconnectRequest struct {
	Source             string
	InstanceID         string
	LastEventTimestamp int64
	LastEventIndex     *int64
}

// FromLegacy normalizes an inbound legacy message to a canonical envelope.
// Returns false when the message carries no type or no event payload; such
// messages are dropped silently by the hub.
func FromLegacy(msg map[string]any) (*Envelope, bool) {
	msgType, _ := msg["type"].(string)
	if msgType == "" {
		return nil, false
	}

	instanceID := getString(msg, "instanceId")
	workspaceID := getString(msg, "workspaceId")
	if instanceID == "" {
		instanceID = getString(msg, "sessionId")
	}

	switch msgType {
	case EnvelopeType:
		return decodeEnvelope(msg)

	case LegacyRalphEvent, LegacyTaskChatEvent:
		ev, ok := decodeEventPayload(msg["event"])
		if !ok {
			return nil, false
		}
		source := SourceRalph
		if msgType == LegacyTaskChatEvent {
			source = SourceTaskChat
		}
		return legacyEnvelope(source, instanceID, workspaceID, msg, ev), true

	case LegacyTaskChatMessage:
		content := getString(msg, "content")
		if content == "" {
			return nil, false
		}
		ev := AgentEvent{Type: TypeMessage, Content: content, IsPartial: getBool(msg, "isPartial")}
		return legacyEnvelope(SourceTaskChat, instanceID, workspaceID, msg, ev), true

	case LegacyTaskChatChunk:
		content := getString(msg, "content")
		if content == "" {
			return nil, false
		}
		ev := AgentEvent{Type: TypeMessage, Content: content, IsPartial: true}
		return legacyEnvelope(SourceTaskChat, instanceID, workspaceID, msg, ev), true

	case LegacyTaskChatStatus:
		status := getString(msg, "status")
		if status == "" {
			return nil, false
		}
		ev := AgentEvent{Type: TypeStatus, Status: mapLegacyStatus(status)}
		return legacyEnvelope(SourceTaskChat, instanceID, workspaceID, msg, ev), true

	case LegacyTaskChatError:
		message := getString(msg, "message")
		if message == "" {
			message = getString(msg, "error")
		}
		if message == "" {
			return nil, false
		}
		ev := AgentEvent{Type: TypeError, Message: message, Fatal: true}
		return legacyEnvelope(SourceTaskChat, instanceID, workspaceID, msg, ev), true

	case LegacyTaskChatToolUse, LegacyTaskChatToolUpdate:
		tool := getString(msg, "tool")
		if tool == "" {
			return nil, false
		}
		input, _ := msg["input"].(map[string]any)
		ev := AgentEvent{Type: TypeToolUse, ToolUseID: getString(msg, "toolUseId"), Tool: tool, Input: input}
		return legacyEnvelope(SourceTaskChat, instanceID, workspaceID, msg, ev), true

	case LegacyTaskChatToolResult:
		toolUseID := getString(msg, "toolUseId")
		if toolUseID == "" {
			return nil, false
		}
		ev := AgentEvent{
			Type:      TypeToolResult,
			ToolUseID: toolUseID,
			Output:    getString(msg, "output"),
			IsError:   getBool(msg, "isError"),
		}
		return legacyEnvelope(SourceTaskChat, instanceID, workspaceID, msg, ev), true
	}

	return nil, false
}

// ToLegacy renders an envelope in the legacy per-source shapes. Ralph
// envelopes map to a single ralph:event; task-chat envelopes map to the
// per-event-type shapes older clients expect.
func ToLegacy(env *Envelope) []map[string]any {
	if env.Source == SourceRalph {
		out := map[string]any{
			"type":       LegacyRalphEvent,
			"instanceId": env.InstanceID,
			"event":      env.Event,
			"timestamp":  env.Timestamp,
		}
		if env.WorkspaceID != "" {
			out["workspaceId"] = env.WorkspaceID
		}
		return []map[string]any{out}
	}

	base := func(msgType string) map[string]any {
		out := map[string]any{
			"type":       msgType,
			"instanceId": env.InstanceID,
			"timestamp":  env.Timestamp,
		}
		if env.WorkspaceID != "" {
			out["workspaceId"] = env.WorkspaceID
		}
		return out
	}

	ev := env.Event
	switch ev.Type {
	case TypeMessage:
		if ev.IsPartial {
			out := base(LegacyTaskChatChunk)
			out["content"] = ev.Content
			return []map[string]any{out}
		}
		out := base(LegacyTaskChatMessage)
		out["content"] = ev.Content
		return []map[string]any{out}

	case TypeStatus:
		out := base(LegacyTaskChatStatus)
		out["status"] = mapStatusToLegacy(ev.Status)
		return []map[string]any{out}

	case TypeError:
		out := base(LegacyTaskChatError)
		out["message"] = ev.Message
		return []map[string]any{out}

	case TypeToolUse:
		out := base(LegacyTaskChatToolUse)
		out["toolUseId"] = ev.ToolUseID
		out["tool"] = ev.Tool
		if ev.Input != nil {
			out["input"] = ev.Input
		}
		return []map[string]any{out}

	case TypeToolResult:
		out := base(LegacyTaskChatToolResult)
		out["toolUseId"] = ev.ToolUseID
		out["output"] = ev.Output
		if ev.IsError {
			out["isError"] = true
		}
		return []map[string]any{out}
	}

	// thinking and result have no dedicated legacy shape; wrap generically.
	out := base(LegacyTaskChatEvent)
	out["event"] = ev
	return []map[string]any{out}
}

// ParseReconnect normalizes canonical and legacy reconnect requests.
func ParseReconnect(msg map[string]any) (*ReconnectRequest, bool) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case ReconnectType, LegacyReconnect, LegacyTaskChatReconn:
	default:
		return nil, false
	}

	instanceID := getString(msg, "instanceId")
	if instanceID == "" {
		instanceID = getString(msg, "sessionId")
	}
	if instanceID == "" {
		return nil, false
	}

	req := &ReconnectRequest{
		Source:             getString(msg, "source"),
		InstanceID:         instanceID,
		LastEventTimestamp: getInt64(msg, "lastEventTimestamp"),
	}
	if req.Source == "" {
		req.Source = SourceRalph
	}
	if v, ok := msg["lastEventIndex"]; ok {
		idx := toInt64(v)
		req.LastEventIndex = &idx
	}
	return req, true
}

// mapLegacyStatus maps legacy session status strings to canonical statuses.
// Unknown statuses collapse to idle.
func mapLegacyStatus(status string) SessionStatus {
	switch status {
	case "idle":
		return StatusIdle
	case "processing", "streaming":
		return StatusRunning
	case "error":
		return StatusStopped
	default:
		return StatusIdle
	}
}

// mapStatusToLegacy is the outbound inverse of mapLegacyStatus. Streaming is
// indistinguishable from processing on the canonical side, so both render as
// processing.
func mapStatusToLegacy(status SessionStatus) string {
	switch status {
	case StatusRunning:
		return "processing"
	case StatusStopped:
		return "error"
	default:
		return "idle"
	}
}

func legacyEnvelope(source, instanceID, workspaceID string, msg map[string]any, ev AgentEvent) *Envelope {
	if ev.Timestamp == 0 {
		if ts := getInt64(msg, "timestamp"); ts > 0 {
			ev.Timestamp = ts
		} else {
			ev.Timestamp = NowMillis()
		}
	}
	env := NewEnvelope(source, instanceID, workspaceID, ev)
	env.Timestamp = ev.Timestamp
	return env
}

func decodeEnvelope(msg map[string]any) (*Envelope, bool) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if env.InstanceID == "" || env.Event.Type == "" {
		return nil, false
	}
	return &env, true
}

func decodeEventPayload(payload any) (AgentEvent, bool) {
	m, ok := payload.(map[string]any)
	if !ok || len(m) == 0 {
		return AgentEvent{}, false
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return AgentEvent{}, false
	}
	var ev AgentEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return AgentEvent{}, false
	}
	if ev.Type == "" {
		return AgentEvent{}, false
	}
	return ev, true
}

func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func getBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func getInt64(m map[string]any, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	return toInt64(v)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
