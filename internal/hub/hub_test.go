package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphd/ralph/internal/events/bus"
	"github.com/ralphd/ralph/internal/session"
	"github.com/ralphd/ralph/pkg/events"
)

type testHub struct {
	hub    *Hub
	store  *session.Store
	bus    *bus.MemoryBus
	server *httptest.Server
	cancel context.CancelFunc
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), nil)
	require.NoError(t, err)

	b := bus.NewMemoryBus(nil)
	h := New(store, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		require.NoError(t, err)
		client := newClient(h, conn, newClientID())
		h.register <- client
		go client.writePump()
		go client.readPump()
	})
	server := httptest.NewServer(router)

	th := &testHub{hub: h, store: store, bus: b, server: server, cancel: cancel}
	t.Cleanup(func() {
		server.Close()
		cancel()
		_ = b.Close()
		_ = store.Close()
	})
	return th
}

func (th *testHub) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(th.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readMessage reads one JSON message with a deadline.
func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil reads messages until one matches the wanted type.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("never received message of type %q", msgType)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestClientReceivesConnectedOnOpen(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)

	msg := readMessage(t, conn)
	assert.Equal(t, "connected", msg["type"])
	assert.Equal(t, "ralph", msg["server"])
	assert.NotEmpty(t, msg["clientId"])
	assert.NotZero(t, msg["timestamp"])
}

func TestPingPong(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readUntil(t, conn, "connected")

	send(t, conn, map[string]any{"type": "ping"})
	pong := readUntil(t, conn, "pong")
	assert.NotZero(t, pong["timestamp"])
}

func TestWorkspaceSubscription(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readUntil(t, conn, "connected")

	send(t, conn, map[string]any{"type": "subscribe_workspace", "workspaceId": "ws-1"})
	ack := readUntil(t, conn, "subscribed")
	assert.Equal(t, "ws-1", ack["workspace"])
	assert.Equal(t, "ws-1", ack["workspaceId"])
	assert.NotZero(t, ack["timestamp"])

	// Events for the subscribed workspace arrive; others are filtered.
	publish := func(workspaceID, content string) {
		env := events.NewEnvelope(events.SourceRalph, "sess-1", workspaceID, events.NewMessage(content, false))
		data, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, th.bus.Publish(context.Background(), bus.AgentEventSubject("sess-1"), data))
	}
	publish("ws-2", "not for us")
	publish("ws-1", "for us")

	msg := readUntil(t, conn, events.EnvelopeType)
	event := msg["event"].(map[string]any)
	assert.Equal(t, "for us", event["content"])
}

func TestSubscribeWorkspaceAcceptsWorkspaceField(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readUntil(t, conn, "connected")

	send(t, conn, map[string]any{"type": "subscribe_workspace", "workspace": "ws-9"})
	ack := readUntil(t, conn, "subscribed")
	assert.Equal(t, "ws-9", ack["workspace"])
}

func TestOrchestratorUnsubscribe(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readUntil(t, conn, "connected")

	send(t, conn, map[string]any{"type": "subscribe_orchestrator"})
	readUntil(t, conn, "orchestrator_subscribed")
	send(t, conn, map[string]any{"type": "unsubscribe_orchestrator"})
	readUntil(t, conn, "orchestrator_unsubscribed")

	// Lifecycle events published after the unsubscribe never reach this
	// client; the pong answered after the publish bounds the check.
	payload, _ := json.Marshal(map[string]any{"type": "state_changed", "state": "running"})
	require.NoError(t, th.bus.Publish(context.Background(), bus.SubjectLifecycle, payload))
	time.Sleep(100 * time.Millisecond)
	send(t, conn, map[string]any{"type": "ping"})
	for {
		msg := readMessage(t, conn)
		if msg["type"] == "pong" {
			break
		}
		require.NotEqual(t, "state_changed", msg["type"])
	}
}

func TestBroadcastIncludesLegacyShapes(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readUntil(t, conn, "connected")

	env := events.NewEnvelope(events.SourceTaskChat, "sess-1", "", events.NewMessage("hello", false))
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, th.bus.Publish(context.Background(), bus.AgentEventSubject("sess-1"), data))

	readUntil(t, conn, events.EnvelopeType)
	legacy := readUntil(t, conn, events.LegacyTaskChatMessage)
	assert.Equal(t, "hello", legacy["content"])
}

func TestReconnectReplaysFromIndex(t *testing.T) {
	th := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, th.store.CreateSession(ctx, &session.Session{
		ID:     "sess-1",
		Source: events.SourceRalph,
	}))
	for _, content := range []string{"one", "two", "three"} {
		env := events.NewEnvelope(events.SourceRalph, "sess-1", "", events.NewMessage(content, false))
		_, err := th.store.AppendEvent(ctx, env)
		require.NoError(t, err)
	}

	conn := th.dial(t)
	readUntil(t, conn, "connected")

	send(t, conn, map[string]any{
		"type":           events.ReconnectType,
		"instanceId":     "sess-1",
		"lastEventIndex": 1,
	})
	msg := readUntil(t, conn, events.PendingEventsType)
	assert.Equal(t, "sess-1", msg["instanceId"])
	assert.Equal(t, float64(2), msg["totalEvents"])

	pending := msg["events"].([]any)
	require.Len(t, pending, 2)
	first := pending[0].(map[string]any)
	assert.Equal(t, "two", first["event"].(map[string]any)["content"])
}

func TestReconnectBeyondTailReturnsEmpty(t *testing.T) {
	th := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, th.store.CreateSession(ctx, &session.Session{
		ID:     "sess-1",
		Source: events.SourceRalph,
	}))
	require.NoError(t, th.store.UpdateStatus(ctx, "sess-1", events.StatusRunning))
	env := events.NewEnvelope(events.SourceRalph, "sess-1", "", events.NewMessage("only", false))
	_, err := th.store.AppendEvent(ctx, env)
	require.NoError(t, err)

	conn := th.dial(t)
	readUntil(t, conn, "connected")

	send(t, conn, map[string]any{
		"type":           events.ReconnectType,
		"instanceId":     "sess-1",
		"lastEventIndex": 99,
	})
	msg := readUntil(t, conn, events.PendingEventsType)
	assert.Equal(t, float64(0), msg["totalEvents"])
	assert.Empty(t, msg["events"])
	assert.Equal(t, string(events.StatusRunning), msg["status"])
}

func TestReconnectWithoutInstanceIDFails(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readUntil(t, conn, "connected")

	send(t, conn, map[string]any{"type": events.ReconnectType})
	msg := readUntil(t, conn, "error")
	assert.Contains(t, msg["message"], "instanceId")
}

func TestControlWithoutControllerFails(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readUntil(t, conn, "connected")

	send(t, conn, map[string]any{"type": "orchestrator_start"})
	msg := readUntil(t, conn, "error")
	assert.Contains(t, msg["message"], "not running")
}

type fakeController struct {
	started bool
	paused  []string
}

func (f *fakeController) Start(context.Context) error                  { f.started = true; return nil }
func (f *fakeController) Stop(context.Context) error                   { return nil }
func (f *fakeController) StopAfterCurrent(context.Context) error       { return nil }
func (f *fakeController) CancelStopAfterCurrent(context.Context) error { return nil }
func (f *fakeController) PauseWorker(_ context.Context, name string) error {
	f.paused = append(f.paused, name)
	return nil
}
func (f *fakeController) ResumeWorker(context.Context, string) error { return nil }
func (f *fakeController) StopWorker(context.Context, string) error   { return nil }
func (f *fakeController) Snapshot() any                              { return map[string]any{"state": "stopped"} }

func TestOrchestratorControls(t *testing.T) {
	th := newTestHub(t)
	ctrl := &fakeController{}
	th.hub.SetController(ctrl)

	conn := th.dial(t)
	readUntil(t, conn, "connected")

	send(t, conn, map[string]any{"type": "subscribe_orchestrator"})
	sub := readUntil(t, conn, "orchestrator_subscribed")
	assert.NotNil(t, sub["status"])

	send(t, conn, map[string]any{"type": "orchestrator_start"})
	ack := readUntil(t, conn, "ack")
	assert.Equal(t, "orchestrator_start", ack["op"])
	assert.True(t, ctrl.started)

	send(t, conn, map[string]any{"type": "worker_pause", "worker": "homer"})
	readUntil(t, conn, "ack")
	assert.Equal(t, []string{"homer"}, ctrl.paused)

	send(t, conn, map[string]any{"type": "worker_pause"})
	msg := readUntil(t, conn, "error")
	assert.Contains(t, msg["message"], "worker is required")
}

func TestLifecycleEventsReachOrchestratorSubscribers(t *testing.T) {
	th := newTestHub(t)

	subscribed := th.dial(t)
	readUntil(t, subscribed, "connected")
	send(t, subscribed, map[string]any{"type": "subscribe_orchestrator"})
	readUntil(t, subscribed, "orchestrator_subscribed")

	payload, _ := json.Marshal(map[string]any{"type": "state_changed", "state": "running"})
	require.NoError(t, th.bus.Publish(context.Background(), bus.SubjectLifecycle, payload))

	msg := readUntil(t, subscribed, "state_changed")
	assert.Equal(t, "running", msg["state"])
}

func TestIngestPersistsClientEvents(t *testing.T) {
	th := newTestHub(t)
	ctx := context.Background()
	require.NoError(t, th.store.CreateSession(ctx, &session.Session{
		ID:     "chat-1",
		Source: events.SourceTaskChat,
	}))

	conn := th.dial(t)
	readUntil(t, conn, "connected")

	send(t, conn, map[string]any{
		"type":       events.LegacyTaskChatMessage,
		"instanceId": "chat-1",
		"content":    "user says hi",
	})

	// The persisted event comes back around via the bus broadcast.
	readUntil(t, conn, events.EnvelopeType)

	stored, err := th.store.GetEventsSince(ctx, "chat-1", -1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "user says hi", stored[0].Event.Content)
	require.NotNil(t, stored[0].EventIndex)
	assert.Equal(t, int64(1), *stored[0].EventIndex)
}
