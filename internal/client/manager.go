// -----------------------------------------------------------------------
// Connection Manager - Self-healing client channel with heartbeat
// -----------------------------------------------------------------------

package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/models"
	"github.com/ternarybob/pulse/internal/services/events"
)

// Backoff returns the reconnect delay for a retry attempt:
// min(base * 2^attempt, max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// session is one live connection. A new session supersedes the old one;
// goroutines of a superseded session observe the generation mismatch and
// exit without touching manager state.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pongCh  chan struct{}
	done    chan struct{}
	gen     int
}

func (s *session) send(envelope models.Envelope) error {
	data, err := envelope.ToJSON()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Manager owns one logical channel to the server and keeps it alive:
// heartbeat pings on an interval with a pong deadline, exponential
// backoff reconnection on any failure, and a hard stop on close code
// 4001 (authentication rejected), which is surfaced via FatalErr and
// never retried.
type Manager struct {
	serverURL string
	token     string
	logger    arbor.ILogger
	registry  *events.Registry

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	reconnectBase     time.Duration
	reconnectMax      time.Duration

	mu             sync.Mutex
	current        *session
	connected      bool
	attempt        int
	manual         bool
	fatalErr       error
	gen            int
	reconnectTimer *time.Timer
}

// NewManager creates a connection manager for a server URL and auth token
func NewManager(serverURL, token string, config *common.WebSocketConfig, logger arbor.ILogger) *Manager {
	m := &Manager{
		serverURL:         serverURL,
		token:             token,
		logger:            logger,
		registry:          events.NewRegistry(logger),
		heartbeatInterval: 25 * time.Second,
		heartbeatTimeout:  10 * time.Second,
		reconnectBase:     time.Second,
		reconnectMax:      30 * time.Second,
	}

	if config != nil {
		m.heartbeatInterval = config.HeartbeatIntervalDuration()
		m.heartbeatTimeout = config.HeartbeatTimeoutDuration()
		m.reconnectBase = config.ReconnectBaseDuration()
		m.reconnectMax = config.ReconnectMaxDuration()
	}

	return m
}

// Subscribe registers a handler for inbound envelopes of one type
// ("*" matches all). Returns the idempotent unsubscribe function.
// Handler failures are isolated; they never tear down the connection.
func (m *Manager) Subscribe(envelopeType string, handler interfaces.EventHandler) func() {
	return m.registry.Subscribe(interfaces.Topic(envelopeType), handler)
}

// IsConnected reports whether the channel is currently open
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// FatalErr returns the non-retriable failure, if any (close code 4001)
func (m *Manager) FatalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

// Attempt returns the current reconnect attempt counter
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) dialURL() (string, error) {
	u, err := url.Parse(m.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	q := u.Query()
	q.Set("token", m.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the channel. Idempotent: a live connection is closed and
// replaced. On success the attempt counter resets and the heartbeat
// starts. A dial failure schedules a retry and returns the error.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.fatalErr != nil {
		err := m.fatalErr
		m.mu.Unlock()
		return err
	}
	m.manual = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	old := m.current
	m.current = nil
	m.connected = false
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		old.conn.Close()
	}

	target, err := m.dialURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("url", m.serverURL).Msg("WebSocket dial failed")
		m.scheduleReconnect()
		return fmt.Errorf("failed to connect: %w", err)
	}

	sess := &session{
		conn:   conn,
		pongCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
		gen:    gen,
	}

	m.mu.Lock()
	if gen != m.gen {
		// Superseded by a newer Connect while dialing
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.current = sess
	m.connected = true
	m.attempt = 0
	m.mu.Unlock()

	m.logger.Info().Str("url", m.serverURL).Msg("WebSocket connected")

	common.SafeGo(m.logger, "wsReadLoop", func() { m.readLoop(sess) })
	common.SafeGo(m.logger, "wsHeartbeat", func() { m.heartbeatLoop(sess) })

	return nil
}

// Disconnect closes the channel manually and suppresses reconnection
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.connected = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	sess := m.current
	m.current = nil
	m.gen++
	m.mu.Unlock()

	if sess != nil {
		sess.conn.Close()
	}

	m.logger.Info().Msg("WebSocket disconnected")
}

// Reconnect drops the current connection and dials again immediately
func (m *Manager) Reconnect() error {
	return m.Connect()
}

// Send writes an envelope on the current connection
func (m *Manager) Send(envelope models.Envelope) error {
	m.mu.Lock()
	sess := m.current
	connected := m.connected
	m.mu.Unlock()

	if !connected || sess == nil {
		return fmt.Errorf("not connected")
	}
	return sess.send(envelope)
}

// readLoop consumes inbound envelopes until the connection drops
func (m *Manager) readLoop(sess *session) {
	var readErr error
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		envelope, err := models.EnvelopeFromJSON(data)
		if err != nil {
			m.logger.Trace().Err(err).Msg("Ignoring malformed envelope")
			continue
		}

		switch envelope.Type {
		case models.EnvelopePong:
			select {
			case sess.pongCh <- struct{}{}:
			default:
			}
		case models.EnvelopePing:
			if err := sess.send(models.NewEnvelope(models.EnvelopePong, "", "", nil)); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to answer server ping")
			}
		default:
			m.registry.Dispatch(context.Background(), interfaces.Event{
				Topic:    interfaces.Topic(envelope.Type),
				JobID:    envelope.JobID,
				Provider: envelope.Provider,
				Payload:  envelope.Payload,
			})
		}
	}

	close(sess.done)
	sess.conn.Close()

	m.mu.Lock()
	if sess.gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.current = nil
	manual := m.manual

	fatal := false
	if closeErr, ok := readErr.(*websocket.CloseError); ok && closeErr.Code == models.CloseAuthFailure {
		m.fatalErr = fmt.Errorf("authentication rejected by server (close code %d): %s", closeErr.Code, closeErr.Text)
		fatal = true
	}
	m.mu.Unlock()

	if fatal {
		m.logger.Error().Err(m.FatalErr()).Msg("WebSocket closed with auth failure, not reconnecting")
		return
	}
	if manual {
		return
	}

	m.logger.Warn().Err(readErr).Msg("WebSocket connection lost")
	m.scheduleReconnect()
}

// heartbeatLoop sends a ping on the configured interval and force-closes
// the connection when the pong deadline passes
func (m *Manager) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := sess.send(models.NewEnvelope(models.EnvelopePing, "", "", nil)); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to send heartbeat ping")
				sess.conn.Close()
				return
			}

			deadline := time.NewTimer(m.heartbeatTimeout)
			select {
			case <-sess.pongCh:
				deadline.Stop()
			case <-sess.done:
				deadline.Stop()
				return
			case <-deadline.C:
				m.logger.Warn().
					Dur("timeout", m.heartbeatTimeout).
					Msg("Heartbeat timeout, force-closing connection")
				sess.conn.Close()
				return
			}
		}
	}
}

// scheduleReconnect arms the backoff timer for the next attempt
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.manual || m.fatalErr != nil {
		return
	}
	if m.reconnectTimer != nil {
		return
	}

	delay := Backoff(m.attempt, m.reconnectBase, m.reconnectMax)
	attempt := m.attempt
	m.attempt++

	m.logger.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Scheduling reconnect")

	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.Connect()
	})
}

// Close tears the manager down: disconnects and drops all subscriptions
func (m *Manager) Close() error {
	m.Disconnect()
	return m.registry.Close()
}
