// Package agentwire defines the JSONL protocol spoken by agent subprocesses.
// Agents write one JSON frame per line on stdout and accept one JSON object
// per line on stdin. The frame type determines which fields are populated.
package agentwire

import "encoding/json"

// Frame types emitted by agents.
const (
	// FrameTypeSystem is the initial system frame with session info
	FrameTypeSystem = "system"
	// FrameTypeAssistant contains text, thinking or tool requests
	FrameTypeAssistant = "assistant"
	// FrameTypeStreamEvent carries streaming deltas during a turn
	FrameTypeStreamEvent = "stream_event"
	// FrameTypeToolResult reports completion of a requested tool
	FrameTypeToolResult = "tool_result"
	// FrameTypeResult is the final frame of a turn
	FrameTypeResult = "result"
	// FrameTypeError reports a turn-level error
	FrameTypeError = "error"
	// FrameTypeUser is a user prompt (stdin direction)
	FrameTypeUser = "user"
)

// Result subtypes.
const (
	SubtypeSuccess = "success"
	SubtypeError   = "error"
)

// Frame represents a single line from an agent's stdout.
type Frame struct {
	Type string `json:"type"`

	// For system frames
	SessionID string `json:"session_id,omitempty"`

	// For assistant frames
	Message *AssistantMessage `json:"message,omitempty"`

	// For stream_event frames
	Event *StreamEvent `json:"event,omitempty"`

	// For tool_result frames
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// For result frames. Result can be either a string or an object.
	Subtype           string          `json:"subtype,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	DurationMS        int64           `json:"duration_ms,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`

	// For error frames
	Error string `json:"error,omitempty"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage contains token usage for a turn.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Stream event types within a stream_event frame.
const (
	StreamContentBlockDelta = "content_block_delta"
	StreamMessageStop       = "message_stop"
)

// StreamEvent is a partial content update during a turn.
type StreamEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index,omitempty"`
	Delta *TextDelta `json:"delta,omitempty"`
}

// TextDelta contains a partial text update.
type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ResultString returns the Result field when it is a plain string.
func (f *Frame) ResultString() string {
	if len(f.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Result, &s); err != nil {
		return ""
	}
	return s
}

// UserMessage is sent on stdin to provide a prompt to the agent.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage builds a stdin prompt frame.
func NewUserMessage(content string) UserMessage {
	return UserMessage{
		Type:    FrameTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	}
}
