package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/streamcast/internal/metrics"
	"github.com/pscheid92/streamcast/internal/multicast"
)

type relayFixture struct {
	broadcaster *multicast.Broadcaster[[]byte]
	metrics     *metrics.WebSocketMetrics
	clock       *clockwork.FakeClock
	client      *websocket.Conn
	result      chan error
}

// newRelayFixture serves one WebSocket that relays a fresh subscriber of the
// returned broadcaster, and dials it.
func newRelayFixture(t *testing.T, ctx context.Context) *relayFixture {
	t.Helper()

	f := &relayFixture{
		broadcaster: multicast.New[[]byte](multicast.WithIdentifier(t.Name())),
		metrics:     metrics.NewWebSocketMetrics(prometheus.NewRegistry()),
		clock:       clockwork.NewFakeClockAt(time.Now()),
		result:      make(chan error, 1),
	}
	t.Cleanup(f.broadcaster.Close)

	upgrader := NewUpgrader(func(*http.Request) bool { return true })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.result <- err
			return
		}
		sub := f.broadcaster.Subscribe()
		f.result <- NewStreamWriter(conn, f.clock, f.metrics, "test").Relay(ctx, sub)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = client.Close() })
	f.client = client

	require.Eventually(t, func() bool { return f.broadcaster.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	return f
}

func (f *relayFixture) waitResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not return")
		return nil
	}
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	return string(data)
}

func readClose(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	return closeErr
}

func TestStreamWriter_RelaysThenClosesNormally(t *testing.T) {
	f := newRelayFixture(t, context.Background())

	f.broadcaster.SetSource(multicast.FromSlice([]byte("a"), []byte("b")))

	assert.Equal(t, "a", readText(t, f.client))
	assert.Equal(t, "b", readText(t, f.client))
	closeErr := readClose(t, f.client)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	require.NoError(t, f.waitResult(t))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MessagesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionsTotal.WithLabelValues(resultCompleted)))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveConnections))
}

func TestStreamWriter_UpstreamErrorClosesWithInternalError(t *testing.T) {
	f := newRelayFixture(t, context.Background())

	f.broadcaster.SetError(errors.New("upstream unavailable"))

	closeErr := readClose(t, f.client)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	assert.Equal(t, "upstream unavailable", closeErr.Text)

	require.NoError(t, f.waitResult(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionsTotal.WithLabelValues(resultFailed)))
}

func TestStreamWriter_ClientDisconnectUnsubscribes(t *testing.T) {
	f := newRelayFixture(t, context.Background())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, f.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.NoError(t, f.waitResult(t))
	assert.Eventually(t, func() bool { return f.broadcaster.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionsTotal.WithLabelValues(resultClientClosed)))
}

func TestStreamWriter_SendsPings(t *testing.T) {
	f := newRelayFixture(t, context.Background())

	pinged := make(chan struct{}, 1)
	f.client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := f.client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(pingInterval)

	select {
	case <-pinged:
	case <-ctx.Done():
		t.Fatal("no ping received")
	}
}

func TestStreamWriter_ContextCancelClosesGoingAway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newRelayFixture(t, ctx)

	cancel()

	closeErr := readClose(t, f.client)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.ErrorIs(t, f.waitResult(t), context.Canceled)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	// never split a multi-byte rune
	assert.Equal(t, "a", truncate("aé", 2))
}
