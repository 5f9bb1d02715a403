package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/common/logger"
)

const (
	// writeWait is the deadline for a single write to the peer.
	writeWait = 10 * time.Second
	// pingPeriod is how often the hub pings each client.
	pingPeriod = 30 * time.Second
	// pongWait allows two missed pings before the connection is dropped.
	pongWait = 2 * pingPeriod
	// maxMessageSize bounds inbound control messages.
	maxMessageSize = 64 * 1024
	// sendBuffer is the per-client outbound queue.
	sendBuffer = 256
)

// Client is one websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *logger.Logger

	id   string
	send chan []byte

	// mu guards the subscription state, written on the read goroutine and
	// read on the hub's run loop.
	mu sync.RWMutex
	// workspaces this client subscribed to; empty means all.
	workspaces map[string]bool
	// orchestrator marks interest in lifecycle events.
	orchestrator bool
}

func newClient(h *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:        h,
		conn:       conn,
		logger:     h.logger.WithFields(zap.String("client_id", id)),
		id:         id,
		send:       make(chan []byte, sendBuffer),
		workspaces: make(map[string]bool),
	}
}

// wantsWorkspace reports whether broadcasts for the workspace reach this
// client. Events without a workspace go to everyone.
func (c *Client) wantsWorkspace(workspaceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if workspaceID == "" || len(c.workspaces) == 0 {
		return true
	}
	return c.workspaces[workspaceID]
}

// wantsOrchestrator reports whether the client subscribed to lifecycle
// events.
func (c *Client) wantsOrchestrator() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orchestrator
}

func (c *Client) subscribeWorkspace(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workspaces[workspaceID] = true
}

func (c *Client) unsubscribeWorkspace(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workspaces, workspaceID)
}

func (c *Client) subscribeOrchestrator() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orchestrator = true
}

func (c *Client) unsubscribeOrchestrator() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orchestrator = false
}

// enqueue queues an outbound message, dropping it if the client is too far
// behind.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("dropping message for slow client")
	}
}

// enqueueJSON marshals and queues an outbound message.
func (c *Client) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to encode outbound message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// readPump processes inbound messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed message", zap.Error(err))
			continue
		}
		c.hub.handleInbound(c, msg)
	}
}

// writePump flushes the outbound queue and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
