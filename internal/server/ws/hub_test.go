package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d3sk-protocol/d3sk-indexer/internal/bus"
	"github.com/d3sk-protocol/d3sk-indexer/internal/domain"
)

type wsEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func newTestHub(t *testing.T) (*Hub, *bus.Bus, *httptest.Server) {
	t.Helper()

	b := bus.New()
	hub := NewHub(b, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		b.Close()
	})
	return hub, b, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env wsEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestHubBroadcastsBusEvents(t *testing.T) {
	_, b, srv := newTestHub(t)
	conn := dial(t, srv)

	env := readEnvelope(t, conn)
	require.Equal(t, "connected", env.Type)

	require.NoError(t, b.Publish(context.Background(), domain.Event{
		Type:      domain.EventOfferCreated,
		Data:      map[string]any{"id": "offer-1"},
		Timestamp: 1756700000000,
	}))

	env = readEnvelope(t, conn)
	assert.Equal(t, "offer_created", env.Type)
	assert.Equal(t, int64(1756700000000), env.Timestamp)
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "offer-1", data["id"])
}

func TestHubControlMessages(t *testing.T) {
	_, _, srv := newTestHub(t)
	conn := dial(t, srv)
	readEnvelope(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "channel": "offers"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, "subscribed", env.Type)
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "offers", data["channel"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, "pong", env.Type)

	// Unknown types get an error reply and the connection stays open.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "resubscribe"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, "pong", env.Type)
}

func TestHubSlowClientDoesNotBlockOthers(t *testing.T) {
	hub, b, srv := newTestHub(t)

	slow := dial(t, srv) // never read from
	_ = slow
	fast := dial(t, srv)
	readEnvelope(t, fast) // connected

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 5*time.Millisecond)

	for i := 0; i < sendBufferSize+50; i++ {
		require.NoError(t, b.Publish(context.Background(), domain.Event{
			Type:      domain.EventOfferCreated,
			Timestamp: int64(i),
		}))
		if i%2 == 0 {
			readEnvelope(t, fast)
		}
	}
	// The fast client is still being served.
	env := readEnvelope(t, fast)
	assert.Equal(t, "offer_created", env.Type)
}
