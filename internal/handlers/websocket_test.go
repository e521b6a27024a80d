package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/models"
)

// tokenAuth accepts tokens of the form "token-<user>"
type tokenAuth struct{}

func (tokenAuth) Validate(token string) (string, error) {
	if strings.HasPrefix(token, "token-") {
		return strings.TrimPrefix(token, "token-"), nil
	}
	return "", fmt.Errorf("invalid token")
}

func httpHandler(h *WebSocketHandler) http.Handler {
	return http.HandlerFunc(h.HandleWebSocket)
}

func wsURL(server *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	envelope, err := models.EnvelopeFromJSON(data)
	require.NoError(t, err)
	return envelope
}

func TestConnectedEnvelopeOnOpen(t *testing.T) {
	handler := NewWebSocketHandler(tokenAuth{}, nil, arbor.NewLogger())
	server := httptest.NewServer(httpHandler(handler))
	defer server.Close()

	conn := dial(t, server, "token-user-1")

	envelope := readEnvelope(t, conn)
	assert.Equal(t, models.EnvelopeConnected, envelope.Type)

	payload, ok := envelope.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, handler.InstanceID(), payload["instanceId"])
}

func TestAuthFailureClosesWith4001(t *testing.T) {
	handler := NewWebSocketHandler(tokenAuth{}, nil, arbor.NewLogger())
	server := httptest.NewServer(httpHandler(handler))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "bogus"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, models.CloseAuthFailure, closeErr.Code)
	assert.Equal(t, 0, handler.ClientCount())
}

func TestPingAnsweredWithPong(t *testing.T) {
	handler := NewWebSocketHandler(tokenAuth{}, nil, arbor.NewLogger())
	server := httptest.NewServer(httpHandler(handler))
	defer server.Close()

	conn := dial(t, server, "token-user-1")
	readEnvelope(t, conn) // connected

	ping := models.NewEnvelope(models.EnvelopePing, "", "", nil)
	data, err := ping.ToJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	envelope := readEnvelope(t, conn)
	assert.Equal(t, models.EnvelopePong, envelope.Type)
}

func TestSendToUserReachesOnlyThatUser(t *testing.T) {
	handler := NewWebSocketHandler(tokenAuth{}, nil, arbor.NewLogger())
	server := httptest.NewServer(httpHandler(handler))
	defer server.Close()

	alice := dial(t, server, "token-alice")
	bob := dial(t, server, "token-bob")
	readEnvelope(t, alice) // connected
	readEnvelope(t, bob)   // connected

	require.Eventually(t, func() bool {
		return handler.UserConnectionCount("alice") == 1 && handler.UserConnectionCount("bob") == 1
	}, 2*time.Second, 10*time.Millisecond)

	handler.SendToUser("alice", models.NewEnvelope(models.EnvelopeTaskProgress, "job-1", "linkedin", nil))

	envelope := readEnvelope(t, alice)
	assert.Equal(t, models.EnvelopeTaskProgress, envelope.Type)
	assert.Equal(t, "job-1", envelope.JobID)

	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "bob must not receive alice's envelope")
}

func TestMalformedInboundMessageIgnored(t *testing.T) {
	handler := NewWebSocketHandler(tokenAuth{}, nil, arbor.NewLogger())
	server := httptest.NewServer(httpHandler(handler))
	defer server.Close()

	conn := dial(t, server, "token-user-1")
	readEnvelope(t, conn) // connected

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	// Connection survives and still answers pings
	ping := models.NewEnvelope(models.EnvelopePing, "", "", nil)
	data, _ := ping.ToJSON()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	envelope := readEnvelope(t, conn)
	assert.Equal(t, models.EnvelopePong, envelope.Type)
}
