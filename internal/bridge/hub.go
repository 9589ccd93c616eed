package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/janitor-project/janitor-core/internal/infrastructure/config"
)

// sendBufferSize is the per-client outbound message buffer size.
const sendBufferSize = 64

// RelayStatus is pushed to group members when their relay reports state.
type RelayStatus struct {
	Type  string `json:"type"` // always "relay_status"
	Topic string `json:"topic"`
	State string `json:"state"`
	TS    string `json:"ts"`
}

// DeviceStatus is pushed to group admins when a controller goes on- or
// offline.
type DeviceStatus struct {
	Type     string `json:"type"` // always "device_status"
	DeviceID string `json:"device_id"`
	Online   bool   `json:"online"`
	TS       string `json:"ts"`
}

// NewRelayStatus builds a relay_status event stamped now.
func NewRelayStatus(topic, state string) RelayStatus {
	return RelayStatus{
		Type:  "relay_status",
		Topic: topic,
		State: state,
		TS:    time.Now().UTC().Format(time.RFC3339),
	}
}

// NewDeviceStatus builds a device_status event stamped now.
func NewDeviceStatus(deviceID string, online bool) DeviceStatus {
	return DeviceStatus{
		Type:     "device_status",
		DeviceID: deviceID,
		Online:   online,
		TS:       time.Now().UTC().Format(time.RFC3339),
	}
}

// Connected is sent once right after a connection attaches, before the
// relay snapshot.
type Connected struct {
	Type string `json:"type"` // always "connected"
	TS   string `json:"ts"`
}

// NewConnected builds the attach acknowledgement stamped now.
func NewConnected() Connected {
	return Connected{
		Type: "connected",
		TS:   time.Now().UTC().Format(time.RFC3339),
	}
}

// pingPayload is the liveness probe sent on the ticker. Clients answer
// with {"type":"pong"}; any inbound frame counts.
var pingPayload = []byte(`{"type":"ping"}`)

// Hub tracks live WebSocket connections keyed by user ID and fans
// events out to them.
//
// Delivery is at-most-once: a full send buffer or a connection torn
// down mid-push drops the message for that client. Clients reconcile
// through the REST API; the push channel only accelerates the UI.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *slog.Logger
	clients map[string]map[*Client]struct{} // userID -> connections
	mu      sync.RWMutex
}

// Client is one WebSocket connection belonging to one user. A user may
// hold several (two browser tabs, a phone).
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]map[*Client]struct{}),
	}
}

// NewClient wraps an upgraded connection for the given user. The caller
// must Register it and start both pumps.
func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
	}
}

// UserID returns the owner of the connection.
func (c *Client) UserID() string { return c.userID }

// Run blocks until the context is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	conns, ok := h.clients[client.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.clients[client.userID] = conns
	}
	conns[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("websocket client connected",
		"user_id", client.userID, "connections", h.ConnectionCount())
}

// Unregister removes a client. Only the goroutine that actually removes
// the client from the map closes the send channel, preventing
// double-close panics during shutdown.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	var existed bool
	if conns, ok := h.clients[client.userID]; ok {
		_, existed = conns[client]
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.clients, client.userID)
		}
	}
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected",
		"user_id", client.userID, "connections", h.ConnectionCount())
}

// PushToUsers delivers an event to every connection of every listed
// user. Unknown user IDs are skipped; they simply have no connections.
func (h *Hub) PushToUsers(userIDs []string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshalling push event", "error", err)
		return
	}

	// Snapshot recipients under the lock, send outside it.
	h.mu.RLock()
	var recipients []*Client
	for _, id := range userIDs {
		for client := range h.clients[id] {
			recipients = append(recipients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range recipients {
		client.trySend(data)
	}
}

// Send queues an event for this single connection. Used for the
// connect-time snapshot; live events go through the hub.
func (c *Client) Send(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		c.hub.logger.Error("marshalling snapshot event", "error", err)
		return
	}
	c.trySend(data)
}

// PushToUser delivers an event to one user's connections.
func (h *Hub) PushToUser(userID string, event any) {
	h.PushToUsers([]string{userID}, event)
}

// ConnectionCount returns the number of live connections across all users.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}

// closeAll disconnects every client so writePump goroutines can exit.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conns := range h.clients {
		for client := range conns {
			close(client.send)
			if client.conn != nil {
				client.conn.Close()
			}
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
}

// trySend attempts to queue data for the client. It absorbs both a
// full buffer (slow client) and a closed channel (disconnect racing a
// push).
func (c *Client) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

// ReadPump consumes inbound frames. The only message clients send is
// the {"type":"pong"} answer to a ping; any frame resets the read
// deadline so idle-but-alive connections survive. Exits on read error
// and unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	pingInterval := time.Duration(c.hub.cfg.PingInterval) * time.Second
	pongWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second

	c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	//nolint:errcheck // best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "user_id", c.userID, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "user_id", c.userID)
			}
			return
		}
		//nolint:errcheck // best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	}
}

// WritePump drains the send channel onto the wire and pings on a
// ticker. Exits when the channel closes or a write fails.
func (c *Client) WritePump() {
	pingInterval := time.Duration(c.hub.cfg.PingInterval) * time.Second
	pongWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel.
				//nolint:errcheck // best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pingPayload); err != nil {
				return
			}
		}
	}
}
