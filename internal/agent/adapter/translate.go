package adapter

import (
	"strings"
	"time"

	"github.com/ralphd/ralph/pkg/agentwire"
	"github.com/ralphd/ralph/pkg/events"
)

// dedupWindow is how long after a streamed message completes that an
// identical complete assistant message is treated as a duplicate of the
// stream rather than a new message.
const dedupWindow = 1000 * time.Millisecond

// translator converts wire frames into canonical events. It carries the
// streaming accumulator and the dedup state for one session; not safe for
// concurrent use.
type translator struct {
	// streamed text accumulated since the last message_stop
	buf strings.Builder
	// last fully streamed message and when it completed
	lastStreamed   string
	lastStreamedAt time.Time

	now func() time.Time
}

func newTranslator() *translator {
	return &translator{now: time.Now}
}

// Translate maps one frame to zero or more canonical events.
func (t *translator) Translate(f *agentwire.Frame) []events.AgentEvent {
	switch f.Type {
	case agentwire.FrameTypeSystem:
		// Session bookkeeping only, nothing to surface.
		return nil

	case agentwire.FrameTypeStreamEvent:
		return t.streamEvent(f.Event)

	case agentwire.FrameTypeAssistant:
		return t.assistant(f.Message)

	case agentwire.FrameTypeToolResult:
		return []events.AgentEvent{events.NewToolResult(f.ToolUseID, f.Content, f.IsError)}

	case agentwire.FrameTypeResult:
		return []events.AgentEvent{t.result(f)}

	case agentwire.FrameTypeError:
		return []events.AgentEvent{events.NewError(f.Error, "", true)}
	}

	return nil
}

func (t *translator) streamEvent(ev *agentwire.StreamEvent) []events.AgentEvent {
	if ev == nil {
		return nil
	}
	switch ev.Type {
	case agentwire.StreamContentBlockDelta:
		if ev.Delta == nil || ev.Delta.Text == "" {
			return nil
		}
		t.buf.WriteString(ev.Delta.Text)
		return []events.AgentEvent{events.NewMessage(ev.Delta.Text, true)}

	case agentwire.StreamMessageStop:
		// The deltas already carried the text. Only record it for the dedup
		// window so the agent's own final assistant message is suppressed.
		if t.buf.Len() == 0 {
			return nil
		}
		t.lastStreamed = t.buf.String()
		t.lastStreamedAt = t.now()
		t.buf.Reset()
		return nil
	}
	return nil
}

func (t *translator) assistant(msg *agentwire.AssistantMessage) []events.AgentEvent {
	if msg == nil {
		return nil
	}
	var out []events.AgentEvent
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if t.isStreamedDuplicate(block.Text) {
				continue
			}
			out = append(out, events.NewMessage(block.Text, false))

		case "thinking":
			if block.Thinking != "" {
				out = append(out, events.NewThinking(block.Thinking))
			}

		case "tool_use":
			out = append(out, events.NewToolUse(block.ID, block.Name, block.Input))

		case "tool_result":
			out = append(out, events.NewToolResult(block.ToolUseID, block.Content, block.IsError))
		}
	}
	return out
}

// isStreamedDuplicate reports whether text repeats a message that was just
// delivered via streaming deltas.
func (t *translator) isStreamedDuplicate(text string) bool {
	if t.lastStreamed == "" || text != t.lastStreamed {
		return false
	}
	return t.now().Sub(t.lastStreamedAt) <= dedupWindow
}

func (t *translator) result(f *agentwire.Frame) events.AgentEvent {
	if f.Subtype == agentwire.SubtypeError {
		msg := f.ResultString()
		if msg == "" {
			msg = "agent reported an error result"
		}
		return events.NewError(msg, "", true)
	}
	var usage *events.Usage
	if f.TotalInputTokens > 0 || f.TotalOutputTokens > 0 {
		usage = &events.Usage{
			InputTokens:  f.TotalInputTokens,
			OutputTokens: f.TotalOutputTokens,
			TotalTokens:  f.TotalInputTokens + f.TotalOutputTokens,
		}
	}
	return events.NewResult(f.ResultString(), usage)
}
