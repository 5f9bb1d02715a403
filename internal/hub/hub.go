// Package hub fans persisted agent events out to websocket observers and
// routes inbound control messages to the orchestrator. Reconnecting clients
// replay missed events from the session store by event index.
package hub

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/common/logger"
	"github.com/ralphd/ralph/internal/events/bus"
	"github.com/ralphd/ralph/internal/session"
	"github.com/ralphd/ralph/pkg/events"
)

// OrchestratorController is the control surface the hub exposes to clients.
type OrchestratorController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	StopAfterCurrent(ctx context.Context) error
	CancelStopAfterCurrent(ctx context.Context) error
	PauseWorker(ctx context.Context, workerName string) error
	ResumeWorker(ctx context.Context, workerName string) error
	StopWorker(ctx context.Context, workerName string) error
	Snapshot() any
}

// Hub owns the websocket client set. All client set mutation happens on the
// run loop; bus callbacks and HTTP handlers communicate over channels.
type Hub struct {
	logger *logger.Logger
	store  *session.Store
	bus    bus.EventBus

	controller OrchestratorController

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	subs []bus.Subscription
	done chan struct{}
}

// outbound is one message to fan out, with its workspace routing key.
type outbound struct {
	workspaceID      string
	orchestratorOnly bool
	payloads         [][]byte
}

// New creates a hub over the given store and bus.
func New(store *session.Store, b bus.EventBus, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		logger:     log.WithFields(zap.String("component", "hub")),
		store:      store,
		bus:        b,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
	}
}

// SetController wires the orchestrator control surface. Must be called
// before Run.
func (h *Hub) SetController(c OrchestratorController) {
	h.controller = c
}

// Run subscribes to the bus and processes the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	agentSub, err := h.bus.Subscribe(ctx, bus.SubjectAgentEventAll, h.onAgentEvent)
	if err != nil {
		return err
	}
	lifecycleSub, err := h.bus.Subscribe(ctx, bus.SubjectLifecycle, h.onLifecycleEvent)
	if err != nil {
		_ = agentSub.Unsubscribe()
		return err
	}
	h.subs = append(h.subs, agentSub, lifecycleSub)

	defer func() {
		for _, s := range h.subs {
			_ = s.Unsubscribe()
		}
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-h.register:
			h.clients[c] = true
			c.enqueueJSON(map[string]any{
				"type":      "connected",
				"server":    "ralph",
				"clientId":  c.id,
				"timestamp": events.NowMillis(),
			})
			h.logger.Debug("client connected", zap.String("client_id", c.id), zap.Int("clients", len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Debug("client disconnected", zap.String("client_id", c.id), zap.Int("clients", len(h.clients)))
			}

		case out := <-h.broadcast:
			for c := range h.clients {
				if out.orchestratorOnly && !c.wantsOrchestrator() {
					continue
				}
				if !out.orchestratorOnly && !c.wantsWorkspace(out.workspaceID) {
					continue
				}
				for _, p := range out.payloads {
					c.enqueue(p)
				}
			}
		}
	}
}

// onAgentEvent relays one persisted envelope from the bus to observers, in
// both canonical and legacy shapes.
func (h *Hub) onAgentEvent(_ string, data []byte) {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn("undecodable envelope on bus", zap.Error(err))
		return
	}

	payloads := [][]byte{data}
	for _, legacy := range events.ToLegacy(&env) {
		if p, err := json.Marshal(legacy); err == nil {
			payloads = append(payloads, p)
		}
	}

	select {
	case h.broadcast <- outbound{workspaceID: env.WorkspaceID, payloads: payloads}:
	case <-h.done:
	}
}

// onLifecycleEvent relays orchestrator lifecycle events to subscribed
// clients.
func (h *Hub) onLifecycleEvent(_ string, data []byte) {
	select {
	case h.broadcast <- outbound{orchestratorOnly: true, payloads: [][]byte{data}}:
	case <-h.done:
	}
}

// handleInbound routes one parsed client message. Runs on the client's read
// goroutine.
func (h *Hub) handleInbound(c *Client, msg map[string]any) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "ping":
		c.enqueueJSON(map[string]any{"type": "pong", "timestamp": events.NowMillis()})

	case "subscribe_workspace":
		workspaceID := workspaceField(msg)
		if workspaceID == "" {
			c.enqueueJSON(errorMessage("workspace is required"))
			return
		}
		c.subscribeWorkspace(workspaceID)
		c.enqueueJSON(map[string]any{
			"type":        "subscribed",
			"workspace":   workspaceID,
			"workspaceId": workspaceID,
			"timestamp":   events.NowMillis(),
		})

	case "unsubscribe_workspace":
		workspaceID := workspaceField(msg)
		c.unsubscribeWorkspace(workspaceID)
		c.enqueueJSON(map[string]any{
			"type":        "unsubscribed",
			"workspace":   workspaceID,
			"workspaceId": workspaceID,
			"timestamp":   events.NowMillis(),
		})

	case "subscribe_orchestrator":
		c.subscribeOrchestrator()
		reply := map[string]any{"type": "orchestrator_subscribed", "timestamp": events.NowMillis()}
		if h.controller != nil {
			reply["status"] = h.controller.Snapshot()
		}
		c.enqueueJSON(reply)

	case "unsubscribe_orchestrator":
		c.unsubscribeOrchestrator()
		c.enqueueJSON(map[string]any{"type": "orchestrator_unsubscribed", "timestamp": events.NowMillis()})

	case events.ReconnectType, events.LegacyReconnect, events.LegacyTaskChatReconn:
		h.handleReconnect(c, msg)

	case "orchestrator_start", "orchestrator_stop", "orchestrator_stop_after_current",
		"orchestrator_cancel_stop", "worker_pause", "worker_resume", "worker_stop":
		h.handleControl(c, msgType, msg)

	default:
		// Agent event envelopes from producers are accepted too; everything
		// else is ignored.
		if env, ok := events.FromLegacy(msg); ok {
			h.ingest(env)
		}
	}
}

// handleReconnect replays a session's missed events to one client.
func (h *Hub) handleReconnect(c *Client, msg map[string]any) {
	req, ok := events.ParseReconnect(msg)
	if !ok {
		c.enqueueJSON(errorMessage("reconnect requires an instanceId"))
		return
	}

	ctx := context.Background()
	var (
		pending []*events.Envelope
		err     error
	)
	switch {
	case req.LastEventIndex != nil:
		pending, err = h.store.GetEventsSince(ctx, req.InstanceID, *req.LastEventIndex)
	case req.LastEventTimestamp > 0:
		pending, err = h.store.GetEventsSinceTime(ctx, req.InstanceID, req.LastEventTimestamp)
	default:
		pending, err = h.store.GetEventsSince(ctx, req.InstanceID, -1)
	}
	if err != nil {
		h.logger.Error("reconnect replay failed", zap.String("instance_id", req.InstanceID), zap.Error(err))
		c.enqueueJSON(errorMessage("replay failed for " + req.InstanceID))
		return
	}

	status := ""
	if sess, err := h.store.GetSession(ctx, req.InstanceID); err == nil {
		status = string(sess.Status)
	}
	if pending == nil {
		pending = []*events.Envelope{}
	}
	c.enqueueJSON(map[string]any{
		"type":        events.PendingEventsType,
		"source":      req.Source,
		"instanceId":  req.InstanceID,
		"events":      pending,
		"totalEvents": len(pending),
		"status":      status,
		"timestamp":   events.NowMillis(),
	})
}

// handleControl forwards an orchestrator control message.
func (h *Hub) handleControl(c *Client, msgType string, msg map[string]any) {
	if h.controller == nil {
		c.enqueueJSON(errorMessage("orchestrator is not running"))
		return
	}
	ctx := context.Background()

	var err error
	switch msgType {
	case "orchestrator_start":
		err = h.controller.Start(ctx)
	case "orchestrator_stop":
		err = h.controller.Stop(ctx)
	case "orchestrator_stop_after_current":
		err = h.controller.StopAfterCurrent(ctx)
	case "orchestrator_cancel_stop":
		err = h.controller.CancelStopAfterCurrent(ctx)
	case "worker_pause", "worker_resume", "worker_stop":
		workerName, _ := msg["worker"].(string)
		if workerName == "" {
			c.enqueueJSON(errorMessage("worker is required"))
			return
		}
		switch msgType {
		case "worker_pause":
			err = h.controller.PauseWorker(ctx, workerName)
		case "worker_resume":
			err = h.controller.ResumeWorker(ctx, workerName)
		case "worker_stop":
			err = h.controller.StopWorker(ctx, workerName)
		}
	}

	if err != nil {
		c.enqueueJSON(errorMessage(err.Error()))
		return
	}
	c.enqueueJSON(map[string]any{"type": "ack", "op": msgType})
}

// ingest persists an envelope produced by a client (task-chat producers push
// events over the same socket) and republishes it on the bus.
func (h *Hub) ingest(env *events.Envelope) {
	ctx := context.Background()
	stored, err := h.store.AppendEvent(ctx, env)
	if err != nil {
		h.logger.Warn("failed to persist client event",
			zap.String("instance_id", env.InstanceID), zap.Error(err))
		return
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, bus.AgentEventSubject(env.InstanceID), data); err != nil {
		h.logger.Warn("failed to publish client event", zap.Error(err))
	}
}

func errorMessage(msg string) map[string]any {
	return map[string]any{"type": "error", "message": msg}
}

// workspaceField reads the workspace from a client message, accepting both
// the current and the older field name.
func workspaceField(msg map[string]any) string {
	if ws, _ := msg["workspace"].(string); ws != "" {
		return ws
	}
	ws, _ := msg["workspaceId"].(string)
	return ws
}

// newClientID returns a fresh client identifier.
func newClientID() string {
	return uuid.NewString()
}
