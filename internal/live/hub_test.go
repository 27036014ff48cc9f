package live

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/wa-gateway/internal/gateway"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out map[string]any
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func TestHub_PublishReachesAllClients(t *testing.T) {
	hub, url := newTestHub(t)

	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return hub.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(gateway.LiveEvent{Event: gateway.EventStatus, Data: gateway.StatusReady})

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, "status", ev["event"])
		assert.Equal(t, "READY", ev["data"])
		_, hasDetail := ev["detail"]
		assert.False(t, hasDetail)
	}
}

func TestHub_PingPong(t *testing.T) {
	_, url := newTestHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "ping"}))
	ev := readEvent(t, conn)
	assert.Equal(t, "pong", ev["event"])
}

func TestHub_Greeting(t *testing.T) {
	hub, url := newTestHub(t)
	hub.SetGreeting(func() []gateway.LiveEvent {
		return []gateway.LiveEvent{
			{Event: gateway.EventStatus, Data: gateway.StatusQRReceived},
			{Event: gateway.EventQR, Data: "data:image/png;base64,AAAA"},
		}
	})

	conn := dial(t, url)
	assert.Equal(t, "QR_RECEIVED", readEvent(t, conn)["data"])
	assert.Equal(t, "data:image/png;base64,AAAA", readEvent(t, conn)["data"])
}

func TestHub_DisconnectedClientRemoved(t *testing.T) {
	hub, url := newTestHub(t)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Publishing with nobody connected is a no-op.
	hub.Publish(gateway.LiveEvent{Event: gateway.EventStatus, Data: gateway.StatusLogsCleared})
}

func TestHub_StalledClientDoesNotBlockPublish(t *testing.T) {
	hub, url := newTestHub(t)

	_ = dial(t, url) // never reads
	reader := dial(t, url)
	require.Eventually(t, func() bool { return hub.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	payload := strings.Repeat("x", 128<<10)
	var slowest time.Duration
	for i := 0; i < 300; i++ {
		start := time.Now()
		hub.Publish(gateway.LiveEvent{Event: gateway.EventMessage, Data: payload})
		slowest = max(slowest, time.Since(start))

		ev := readEvent(t, reader)
		require.Equal(t, "message", ev["event"])
	}

	assert.Less(t, slowest, time.Second)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
}
