package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, r.URL.Query().Get("account"))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, account string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?account=" + account
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"] == n
	}, 2*time.Second, 10*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func TestSubscription_Wants(t *testing.T) {
	assert.True(t, Subscription{}.wants(EventTierPromoted))
	sub := Subscription{EventTypes: []string{EventTierPromoted}}
	assert.True(t, sub.wants(EventTierPromoted))
	assert.False(t, sub.wants(EventAnalysisCompleted))
}

func TestHub_DeliversOnlyToOwningAccount(t *testing.T) {
	h, srv := testHub(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitForClients(t, h, 2)

	h.Publish("alice", EventAnalysisCompleted, map[string]interface{}{"trustScore": 0.85})

	ev := readEvent(t, alice)
	assert.Equal(t, EventAnalysisCompleted, ev.Type)
	assert.Equal(t, "alice", ev.AccountID)

	_ = bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "bob must not receive alice's events")
}

func TestHub_SubscriptionFiltersEventTypes(t *testing.T) {
	h, srv := testHub(t)
	conn := dial(t, srv, "carol")
	waitForClients(t, h, 1)

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []string{EventTierPromoted}}))
	// Give readPump time to apply the subscription.
	time.Sleep(50 * time.Millisecond)

	h.Publish("carol", EventAnalysisCompleted, nil)
	h.Publish("carol", EventTierPromoted, map[string]interface{}{"to": "EMAIL_VERIFIED"})

	ev := readEvent(t, conn)
	assert.Equal(t, EventTierPromoted, ev.Type)
}

func TestHub_UnregisterOnClose(t *testing.T) {
	h, srv := testHub(t)
	conn := dial(t, srv, "dave")
	waitForClients(t, h, 1)

	require.NoError(t, conn.Close())
	waitForClients(t, h, 0)
}

func TestHub_RejectsOverCapacity(t *testing.T) {
	h, srv := testHub(t)
	h.WithMaxClients(1)
	dial(t, srv, "erin")
	waitForClients(t, h, 1)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?account=frank"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil))) // Run not started

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish("x", EventAnalysisCompleted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Greater(t, h.Stats()["droppedEvents"].(int64), int64(0))
}
