package ws

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

	"github.com/alanyoungcy/swaprelay/internal/cache/local"
	"github.com/alanyoungcy/swaprelay/internal/domain"
)

func httpHandler(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.HandleWS)
	return mux
}

func dial(t *testing.T, h *Hub, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(httpHandler(h))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestTopicsForBusPayloads(t *testing.T) {
	assert.Equal(t, []string{"order:o1", TopicSwaps}, swapTopics([]byte(`{"order_id":"o1"}`)))
	assert.Equal(t, []string{TopicSwaps}, swapTopics([]byte(`not json`)))
	assert.Equal(t, []string{"resolver:r1", TopicResolvers}, noticeTopics([]byte(`{"resolver_id":"r1"}`)))
	assert.True(t, validTopic("order:x"))
	assert.False(t, validTopic("order:"))
	assert.False(t, validTopic("prices"))
}

func TestOrderSubscriptionReplaysHistoryThenStreams(t *testing.T) {
	ctx := context.Background()
	bus := local.NewBus()
	require.NoError(t, bus.StreamAppend(ctx, domain.SwapStreamPrefix+"o1", []byte(`{"order_id":"o1","seq":1}`)))

	h := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	conn := dial(t, h, "?topics=order:o1")

	f := readFrame(t, conn)
	assert.Equal(t, "order:o1", f.Topic)
	assert.JSONEq(t, `{"order_id":"o1","seq":1}`, string(f.Data))

	h.dispatch(message{topics: swapTopics([]byte(`{"order_id":"o2"}`)), data: []byte(`{"order_id":"o2"}`)})
	h.dispatch(message{topics: swapTopics([]byte(`{"order_id":"o1","seq":2}`)), data: []byte(`{"order_id":"o1","seq":2}`)})

	f = readFrame(t, conn)
	assert.Equal(t, "order:o1", f.Topic)
	assert.JSONEq(t, `{"order_id":"o1","seq":2}`, string(f.Data))
}

func TestSubscribeMessageAddsTopics(t *testing.T) {
	h := NewHub(local.NewBus(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	conn := dial(t, h, "")

	msg, _ := json.Marshal(controlMsg{Action: "subscribe", Topics: []string{TopicResolvers}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))

	notice := []byte(`{"resolver_id":"r1","order_id":"o1"}`)
	require.Eventually(t, func() bool {
		for c := range snapshot(h) {
			if _, ok := c.match([]string{TopicResolvers}); ok {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	h.dispatch(message{topics: noticeTopics(notice), data: notice})

	f := readFrame(t, conn)
	assert.Equal(t, TopicResolvers, f.Topic)
}

func snapshot(h *Hub) map[*client]struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[*client]struct{}, len(h.clients))
	for c := range h.clients {
		out[c] = struct{}{}
	}
	return out
}
