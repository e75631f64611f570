package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

// dial connects a test client subscribed to the given topics and returns the
// client side of the connection.
func dial(t *testing.T, hub *Hub, topics []string) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := NewClient(hub, w, r, topics, zap.NewNop())
		if err != nil {
			return
		}
		client.Run()
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesSubscribedTopic(t *testing.T) {
	hub := newTestHub(t)
	conn := dial(t, hub, []string{"execution:abc"})

	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast("execution:abc", map[string]any{"type": "progress", "stage": "upload", "percent": 72.5})

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "execution:abc", msg.Topic)

	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "progress", payload["type"])
	assert.Equal(t, 72.5, payload["percent"])
}

func TestBroadcastSkipsOtherTopics(t *testing.T) {
	hub := newTestHub(t)
	conn := dial(t, hub, []string{"execution:abc"})

	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast("execution:other", map[string]any{"type": "status"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var msg Message
	err := conn.ReadJSON(&msg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timeout") || websocket.IsUnexpectedCloseError(err))
}

func TestClientUnregistersOnClose(t *testing.T) {
	hub := newTestHub(t)
	conn := dial(t, hub, []string{"execution:abc"})

	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
