// -----------------------------------------------------------------------
// WebSocket Handler - Per-user push delivery over gorilla/websocket
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// wsClient tracks one connection. The write mutex serializes frames; the
// gorilla connection allows only one concurrent writer.
type wsClient struct {
	userID string
	mu     sync.Mutex
}

// WebSocketHandler upgrades connections, authenticates them and routes
// envelopes to the owning user's connections. Delivery is at-most-once:
// a write failure drops the envelope and the job record stays the source
// of truth.
type WebSocketHandler struct {
	logger           arbor.ILogger
	auth             interfaces.AuthValidator
	mu               sync.RWMutex
	clients          map[*websocket.Conn]*wsClient
	byUser           map[string]map[*websocket.Conn]bool
	serverInstanceID string
	readLimit        int64
	pongWait         time.Duration
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(auth interfaces.AuthValidator, config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		auth:             auth,
		clients:          make(map[*websocket.Conn]*wsClient),
		byUser:           make(map[string]map[*websocket.Conn]bool),
		serverInstanceID: common.NewInstanceID(),
		readLimit:        512 * 1024,
	}

	// Client pings arrive on the heartbeat interval; allow one missed
	// beat plus the pong deadline before the read loop gives up
	if config != nil {
		h.pongWait = config.HeartbeatIntervalDuration() + config.HeartbeatTimeoutDuration()
	} else {
		h.pongWait = 35 * time.Second
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	return h
}

// InstanceID returns the server instance ID sent in connected envelopes
func (h *WebSocketHandler) InstanceID() string {
	return h.serverInstanceID
}

// ClientCount returns the number of open connections
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserConnectionCount returns the number of open connections for a user
func (h *WebSocketHandler) UserConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// HandleWebSocket handles WebSocket connections. The handshake token is
// validated after the upgrade so a rejection can carry close code 4001;
// rejected connections are never registered.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}

	userID, err := h.auth.Validate(token)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket authentication rejected")
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(models.CloseAuthFailure, "authentication rejected"), deadline)
		conn.Close()
		return
	}

	client := &wsClient{userID: userID}
	h.mu.Lock()
	h.clients[conn] = client
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*websocket.Conn]bool)
	}
	h.byUser[userID][conn] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Str("user_id", userID).Msgf("WebSocket client connected (total: %d)", total)

	h.sendToConn(conn, client, models.NewEnvelope(models.EnvelopeConnected, "", "", models.ConnectedPayload{
		InstanceID: h.serverInstanceID,
		Version:    common.GetVersion(),
	}))

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		if conns, ok := h.byUser[userID]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.byUser, userID)
			}
		}
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Str("user_id", userID).Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	conn.SetReadLimit(h.readLimit)
	conn.SetReadDeadline(time.Now().Add(h.pongWait))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(h.pongWait))

		envelope, err := models.EnvelopeFromJSON(data)
		if err != nil {
			h.logger.Trace().Err(err).Msg("Ignoring malformed WebSocket message")
			continue
		}

		// Heartbeat rides inside the JSON stream, not in control frames
		if envelope.Type == models.EnvelopePing {
			h.sendToConn(conn, client, models.NewEnvelope(models.EnvelopePong, "", "", nil))
		}
	}
}

// SendToUser delivers an envelope to every open connection of one user.
// No open connection means the envelope is dropped.
func (h *WebSocketHandler) SendToUser(userID string, envelope models.Envelope) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.byUser[userID]))
	clients := make([]*wsClient, 0, len(h.byUser[userID]))
	for conn := range h.byUser[userID] {
		conns = append(conns, conn)
		clients = append(clients, h.clients[conn])
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		h.sendToConn(conn, clients[i], envelope)
	}
}

// Broadcast delivers an envelope to every open connection
func (h *WebSocketHandler) Broadcast(envelope models.Envelope) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	clients := make([]*wsClient, 0, len(h.clients))
	for conn, client := range h.clients {
		conns = append(conns, conn)
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		h.sendToConn(conn, clients[i], envelope)
	}
}

// sendToConn writes one envelope under the connection's write mutex
func (h *WebSocketHandler) sendToConn(conn *websocket.Conn, client *wsClient, envelope models.Envelope) {
	if client == nil {
		return
	}

	data, err := envelope.ToJSON()
	if err != nil {
		h.logger.Error().Err(err).Str("type", envelope.Type).Msg("Failed to marshal envelope")
		return
	}

	client.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	client.mu.Unlock()

	if err != nil {
		h.logger.Warn().Err(err).Str("type", envelope.Type).Msg("Failed to send envelope to client")
	}
}

// CloseAll force-closes every connection, used during shutdown
func (h *WebSocketHandler) CloseAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
