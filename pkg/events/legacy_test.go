package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromLegacyRalphEvent(t *testing.T) {
	env, ok := FromLegacy(map[string]any{
		"type":       LegacyRalphEvent,
		"instanceId": "sess-1",
		"timestamp":  float64(1234),
		"event": map[string]any{
			"type":    "message",
			"content": "hello",
		},
	})
	require.True(t, ok)
	assert.Equal(t, EnvelopeType, env.Type)
	assert.Equal(t, SourceRalph, env.Source)
	assert.Equal(t, "sess-1", env.InstanceID)
	assert.Equal(t, TypeMessage, env.Event.Type)
	assert.Equal(t, "hello", env.Event.Content)
	assert.Equal(t, int64(1234), env.Timestamp)
}

func TestFromLegacyTaskChatShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  map[string]any
		want func(t *testing.T, env *Envelope)
	}{
		{
			name: "message",
			msg:  map[string]any{"type": LegacyTaskChatMessage, "instanceId": "s", "content": "hi"},
			want: func(t *testing.T, env *Envelope) {
				assert.Equal(t, TypeMessage, env.Event.Type)
				assert.Equal(t, "hi", env.Event.Content)
				assert.False(t, env.Event.IsPartial)
			},
		},
		{
			name: "chunk is a partial message",
			msg:  map[string]any{"type": LegacyTaskChatChunk, "instanceId": "s", "content": "hi"},
			want: func(t *testing.T, env *Envelope) {
				assert.Equal(t, TypeMessage, env.Event.Type)
				assert.True(t, env.Event.IsPartial)
			},
		},
		{
			name: "status processing maps to running",
			msg:  map[string]any{"type": LegacyTaskChatStatus, "instanceId": "s", "status": "processing"},
			want: func(t *testing.T, env *Envelope) {
				assert.Equal(t, TypeStatus, env.Event.Type)
				assert.Equal(t, StatusRunning, env.Event.Status)
			},
		},
		{
			name: "streaming also maps to running",
			msg:  map[string]any{"type": LegacyTaskChatStatus, "instanceId": "s", "status": "streaming"},
			want: func(t *testing.T, env *Envelope) {
				assert.Equal(t, StatusRunning, env.Event.Status)
			},
		},
		{
			name: "error",
			msg:  map[string]any{"type": LegacyTaskChatError, "instanceId": "s", "message": "boom"},
			want: func(t *testing.T, env *Envelope) {
				assert.Equal(t, TypeError, env.Event.Type)
				assert.Equal(t, "boom", env.Event.Message)
				assert.True(t, env.Event.Fatal)
			},
		},
		{
			name: "tool_use",
			msg: map[string]any{
				"type": LegacyTaskChatToolUse, "instanceId": "s",
				"toolUseId": "tu", "tool": "Bash", "input": map[string]any{"command": "ls"},
			},
			want: func(t *testing.T, env *Envelope) {
				assert.Equal(t, TypeToolUse, env.Event.Type)
				assert.Equal(t, "Bash", env.Event.Tool)
			},
		},
		{
			name: "tool_update collapses to tool_use",
			msg:  map[string]any{"type": LegacyTaskChatToolUpdate, "instanceId": "s", "tool": "Edit"},
			want: func(t *testing.T, env *Envelope) {
				assert.Equal(t, TypeToolUse, env.Event.Type)
			},
		},
		{
			name: "tool_result",
			msg: map[string]any{
				"type": LegacyTaskChatToolResult, "instanceId": "s",
				"toolUseId": "tu", "output": "done", "isError": true,
			},
			want: func(t *testing.T, env *Envelope) {
				assert.Equal(t, TypeToolResult, env.Event.Type)
				assert.Equal(t, "done", env.Event.Output)
				assert.True(t, env.Event.IsError)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, ok := FromLegacy(tt.msg)
			require.True(t, ok)
			assert.Equal(t, SourceTaskChat, env.Source)
			assert.Equal(t, "s", env.InstanceID)
			tt.want(t, env)
		})
	}
}

func TestFromLegacyDropsMalformedMessages(t *testing.T) {
	malformed := []map[string]any{
		{},
		{"type": ""},
		{"type": LegacyRalphEvent, "instanceId": "s"},
		{"type": LegacyRalphEvent, "instanceId": "s", "event": map[string]any{}},
		{"type": LegacyTaskChatMessage, "instanceId": "s"},
		{"type": LegacyTaskChatStatus, "instanceId": "s"},
		{"type": LegacyTaskChatToolResult, "instanceId": "s"},
		{"type": "something:else"},
	}
	for i, msg := range malformed {
		_, ok := FromLegacy(msg)
		assert.False(t, ok, "case %d should be dropped", i)
	}
}

func TestFromLegacyAcceptsCanonicalEnvelope(t *testing.T) {
	env, ok := FromLegacy(map[string]any{
		"type":       EnvelopeType,
		"source":     SourceRalph,
		"instanceId": "sess-9",
		"timestamp":  float64(99),
		"event":      map[string]any{"type": "thinking", "content": "hmm"},
	})
	require.True(t, ok)
	assert.Equal(t, TypeThinking, env.Event.Type)
	assert.Equal(t, "sess-9", env.InstanceID)
}

func TestToLegacyRalphWrapsWholeEvent(t *testing.T) {
	env := NewEnvelope(SourceRalph, "sess-1", "ws-1", NewMessage("hi", false))
	out := ToLegacy(env)
	require.Len(t, out, 1)
	assert.Equal(t, LegacyRalphEvent, out[0]["type"])
	assert.Equal(t, "sess-1", out[0]["instanceId"])
	assert.Equal(t, "ws-1", out[0]["workspaceId"])
}

func TestLegacyRoundTrip(t *testing.T) {
	// Task-chat events survive a canonical round trip for every shape that
	// has a distinct legacy rendering.
	shapes := []AgentEvent{
		NewMessage("full", false),
		NewMessage("part", true),
		NewToolUse("tu", "Bash", map[string]any{"command": "ls"}),
		NewToolResult("tu", "out", false),
		NewError("boom", "", true),
		NewStatus(StatusRunning),
	}

	for _, ev := range shapes {
		env := NewEnvelope(SourceTaskChat, "sess", "", ev)
		legacy := ToLegacy(env)
		require.Len(t, legacy, 1, "event type %s", ev.Type)

		// Normalize through JSON the way a wire hop would.
		raw, err := json.Marshal(legacy[0])
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))

		back, ok := FromLegacy(msg)
		require.True(t, ok, "event type %s", ev.Type)
		assert.Equal(t, ev.Type, back.Event.Type)
		assert.Equal(t, ev.Content, back.Event.Content)
		assert.Equal(t, ev.IsPartial, back.Event.IsPartial)
		assert.Equal(t, ev.ToolUseID, back.Event.ToolUseID)
		assert.Equal(t, ev.Output, back.Event.Output)
		assert.Equal(t, ev.Status, back.Event.Status)
	}
}

func TestParseReconnect(t *testing.T) {
	req, ok := ParseReconnect(map[string]any{
		"type":           ReconnectType,
		"instanceId":     "sess-1",
		"lastEventIndex": float64(42),
	})
	require.True(t, ok)
	assert.Equal(t, "sess-1", req.InstanceID)
	require.NotNil(t, req.LastEventIndex)
	assert.Equal(t, int64(42), *req.LastEventIndex)
	assert.Equal(t, SourceRalph, req.Source)

	req, ok = ParseReconnect(map[string]any{
		"type":               LegacyTaskChatReconn,
		"sessionId":          "sess-2",
		"source":             SourceTaskChat,
		"lastEventTimestamp": float64(1000),
	})
	require.True(t, ok)
	assert.Equal(t, "sess-2", req.InstanceID)
	assert.Nil(t, req.LastEventIndex)
	assert.Equal(t, int64(1000), req.LastEventTimestamp)
	assert.Equal(t, SourceTaskChat, req.Source)

	_, ok = ParseReconnect(map[string]any{"type": ReconnectType})
	assert.False(t, ok)
	_, ok = ParseReconnect(map[string]any{"type": "ping"})
	assert.False(t, ok)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusStopped.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusPaused.Terminal())
	assert.False(t, StatusStoppingAfterCurrent.Terminal())
}
