package adapter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphd/ralph/pkg/agentwire"
	"github.com/ralphd/ralph/pkg/events"
)

func deltaFrame(text string) *agentwire.Frame {
	return &agentwire.Frame{
		Type: agentwire.FrameTypeStreamEvent,
		Event: &agentwire.StreamEvent{
			Type:  agentwire.StreamContentBlockDelta,
			Delta: &agentwire.TextDelta{Type: "text_delta", Text: text},
		},
	}
}

func stopFrame() *agentwire.Frame {
	return &agentwire.Frame{
		Type:  agentwire.FrameTypeStreamEvent,
		Event: &agentwire.StreamEvent{Type: agentwire.StreamMessageStop},
	}
}

func textFrame(text string) *agentwire.Frame {
	return &agentwire.Frame{
		Type: agentwire.FrameTypeAssistant,
		Message: &agentwire.AssistantMessage{
			Role:    "assistant",
			Content: []agentwire.ContentBlock{{Type: "text", Text: text}},
		},
	}
}

func TestTranslateStreamingDeltas(t *testing.T) {
	tr := newTranslator()

	out := tr.Translate(deltaFrame("Hello, "))
	require.Len(t, out, 1)
	assert.Equal(t, events.TypeMessage, out[0].Type)
	assert.Equal(t, "Hello, ", out[0].Content)
	assert.True(t, out[0].IsPartial)

	out = tr.Translate(deltaFrame("world"))
	require.Len(t, out, 1)
	assert.Equal(t, "world", out[0].Content)
	assert.True(t, out[0].IsPartial)
}

func TestTranslateMessageStopEmitsNothing(t *testing.T) {
	tr := newTranslator()

	tr.Translate(deltaFrame("Hello, "))
	tr.Translate(deltaFrame("world"))

	// The stream end must not synthesize a complete message; the partials
	// already carried the text.
	out := tr.Translate(stopFrame())
	assert.Empty(t, out)

	// The agent's own complete message inside the window is the duplicate
	// and gets dropped.
	out = tr.Translate(textFrame("Hello, world"))
	assert.Empty(t, out)
}

func TestTranslateDeduplicatesStreamedFinalMessage(t *testing.T) {
	tr := newTranslator()
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.Translate(deltaFrame("same text"))
	tr.Translate(stopFrame())

	// The complete assistant message repeats the streamed content just
	// inside the window.
	tr.now = func() time.Time { return now.Add(500 * time.Millisecond) }
	out := tr.Translate(textFrame("same text"))
	assert.Empty(t, out)
}

func TestTranslateKeepsFinalMessageOutsideWindow(t *testing.T) {
	tr := newTranslator()
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.Translate(deltaFrame("same text"))
	tr.Translate(stopFrame())

	tr.now = func() time.Time { return now.Add(1500 * time.Millisecond) }
	out := tr.Translate(textFrame("same text"))
	require.Len(t, out, 1)
	assert.Equal(t, "same text", out[0].Content)
}

func TestTranslateKeepsDifferentFinalMessage(t *testing.T) {
	tr := newTranslator()
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.Translate(deltaFrame("streamed"))
	tr.Translate(stopFrame())

	out := tr.Translate(textFrame("different"))
	require.Len(t, out, 1)
	assert.Equal(t, "different", out[0].Content)
}

func TestTranslateToolBlocks(t *testing.T) {
	tr := newTranslator()

	out := tr.Translate(&agentwire.Frame{
		Type: agentwire.FrameTypeAssistant,
		Message: &agentwire.AssistantMessage{
			Role: "assistant",
			Content: []agentwire.ContentBlock{
				{Type: "thinking", Thinking: "planning the change"},
				{Type: "tool_use", ID: "tu_1", Name: "Bash", Input: map[string]any{"command": "ls"}},
			},
		},
	})
	require.Len(t, out, 2)
	assert.Equal(t, events.TypeThinking, out[0].Type)
	assert.Equal(t, "planning the change", out[0].Content)
	assert.Equal(t, events.TypeToolUse, out[1].Type)
	assert.Equal(t, "tu_1", out[1].ToolUseID)
	assert.Equal(t, "Bash", out[1].Tool)

	out = tr.Translate(&agentwire.Frame{
		Type:      agentwire.FrameTypeToolResult,
		ToolUseID: "tu_1",
		Content:   "main.go",
	})
	require.Len(t, out, 1)
	assert.Equal(t, events.TypeToolResult, out[0].Type)
	assert.Equal(t, "tu_1", out[0].ToolUseID)
	assert.Equal(t, "main.go", out[0].Output)
}

func TestTranslateResultWithUsage(t *testing.T) {
	tr := newTranslator()
	result, _ := json.Marshal("all done")

	out := tr.Translate(&agentwire.Frame{
		Type:              agentwire.FrameTypeResult,
		Subtype:           agentwire.SubtypeSuccess,
		Result:            result,
		TotalInputTokens:  100,
		TotalOutputTokens: 50,
	})
	require.Len(t, out, 1)
	assert.Equal(t, events.TypeResult, out[0].Type)
	assert.Equal(t, "all done", out[0].Content)
	require.NotNil(t, out[0].Usage)
	assert.Equal(t, int64(100), out[0].Usage.InputTokens)
	assert.Equal(t, int64(50), out[0].Usage.OutputTokens)
	assert.Equal(t, int64(150), out[0].Usage.TotalTokens)
}

func TestTranslateErrorResult(t *testing.T) {
	tr := newTranslator()
	result, _ := json.Marshal("api blew up")

	out := tr.Translate(&agentwire.Frame{
		Type:    agentwire.FrameTypeResult,
		Subtype: agentwire.SubtypeError,
		Result:  result,
	})
	require.Len(t, out, 1)
	assert.Equal(t, events.TypeError, out[0].Type)
	assert.Equal(t, "api blew up", out[0].Message)
	assert.True(t, out[0].Fatal)
}

func TestTranslateErrorFrame(t *testing.T) {
	tr := newTranslator()

	out := tr.Translate(&agentwire.Frame{
		Type:  agentwire.FrameTypeError,
		Error: "broken pipe",
	})
	require.Len(t, out, 1)
	assert.Equal(t, events.TypeError, out[0].Type)
	assert.Equal(t, "broken pipe", out[0].Message)
	assert.True(t, out[0].Fatal)
}

func TestTranslateSystemFrameIsSilent(t *testing.T) {
	tr := newTranslator()
	out := tr.Translate(&agentwire.Frame{Type: agentwire.FrameTypeSystem, SessionID: "abc"})
	assert.Empty(t, out)
}
