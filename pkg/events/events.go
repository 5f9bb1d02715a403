// Package events defines the canonical agent event model shared by the
// adapters, the session store, and the websocket hub, together with the
// envelope wrapper used for routing and the legacy wire translation.
package events

import "time"

// Type identifies the kind of an AgentEvent.
type Type string

const (
	TypeMessage    Type = "message"
	TypeThinking   Type = "thinking"
	TypeToolUse    Type = "tool_use"
	TypeToolResult Type = "tool_result"
	TypeResult     Type = "result"
	TypeError      Type = "error"
	TypeStatus     Type = "status"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	StatusIdle                 SessionStatus = "idle"
	StatusStarting             SessionStatus = "starting"
	StatusRunning              SessionStatus = "running"
	StatusPausing              SessionStatus = "pausing"
	StatusPaused               SessionStatus = "paused"
	StatusStopping             SessionStatus = "stopping"
	StatusStoppingAfterCurrent SessionStatus = "stopping-after-current"
	StatusStopped              SessionStatus = "stopped"
	StatusError                SessionStatus = "error"
)

// Terminal reports whether the status is a terminal session state.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Error code for planned retry notifications.
const CodeRetry = "RETRY"

// Usage contains token accounting for a completed turn.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// AgentEvent is the canonical event emitted by every adapter. Type determines
// which fields are populated; Timestamp is always set (ms since epoch).
type AgentEvent struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`

	// For message, thinking and result events
	Content   string `json:"content,omitempty"`
	IsPartial bool   `json:"isPartial,omitempty"`

	// For tool_use and tool_result events
	ToolUseID string         `json:"toolUseId,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"isError,omitempty"`

	// For result events
	Usage *Usage `json:"usage,omitempty"`

	// For error events
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`

	// For status events
	Status SessionStatus `json:"status,omitempty"`
}

// NowMillis returns the current time in milliseconds since the epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewMessage creates a message event. partial marks a streaming delta.
func NewMessage(content string, partial bool) AgentEvent {
	return AgentEvent{Type: TypeMessage, Timestamp: NowMillis(), Content: content, IsPartial: partial}
}

// NewThinking creates a thinking event.
func NewThinking(content string) AgentEvent {
	return AgentEvent{Type: TypeThinking, Timestamp: NowMillis(), Content: content}
}

// NewToolUse creates a tool_use event.
func NewToolUse(toolUseID, tool string, input map[string]any) AgentEvent {
	return AgentEvent{Type: TypeToolUse, Timestamp: NowMillis(), ToolUseID: toolUseID, Tool: tool, Input: input}
}

// NewToolResult creates a tool_result event referencing an earlier tool_use.
func NewToolResult(toolUseID, output string, isError bool) AgentEvent {
	return AgentEvent{Type: TypeToolResult, Timestamp: NowMillis(), ToolUseID: toolUseID, Output: output, IsError: isError}
}

// NewResult creates an end-of-turn success event.
func NewResult(content string, usage *Usage) AgentEvent {
	return AgentEvent{Type: TypeResult, Timestamp: NowMillis(), Content: content, Usage: usage}
}

// NewError creates an error event. Non-fatal errors with code RETRY are
// planned retry notifications.
func NewError(message, code string, fatal bool) AgentEvent {
	return AgentEvent{Type: TypeError, Timestamp: NowMillis(), Message: message, Code: code, Fatal: fatal}
}

// NewStatus creates a session status event.
func NewStatus(status SessionStatus) AgentEvent {
	return AgentEvent{Type: TypeStatus, Timestamp: NowMillis(), Status: status}
}

// Envelope sources.
const (
	SourceRalph    = "ralph"
	SourceTaskChat = "task-chat"
)

// EnvelopeType is the canonical wire type for agent event envelopes.
const EnvelopeType = "agent:event"

// Envelope is a routing-annotated wrapper around a single AgentEvent.
// EventIndex is assigned at persistence time and is the replay cursor.
type Envelope struct {
	Type        string     `json:"type"`
	Source      string     `json:"source"`
	InstanceID  string     `json:"instanceId"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	Event       AgentEvent `json:"event"`
	Timestamp   int64      `json:"timestamp"`
	EventIndex  *int64     `json:"eventIndex,omitempty"`
}

// NewEnvelope wraps an event for routing. The envelope timestamp mirrors the
// event timestamp when set.
func NewEnvelope(source, instanceID, workspaceID string, event AgentEvent) *Envelope {
	ts := event.Timestamp
	if ts == 0 {
		ts = NowMillis()
	}
	return &Envelope{
		Type:        EnvelopeType,
		Source:      source,
		InstanceID:  instanceID,
		WorkspaceID: workspaceID,
		Event:       event,
		Timestamp:   ts,
	}
}

// WithIndex returns a copy of the envelope carrying the assigned event index.
func (e *Envelope) WithIndex(index int64) *Envelope {
	out := *e
	out.EventIndex = &index
	return &out
}
