package httpserver

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/streamcast/internal/metrics"
	"github.com/pscheid92/streamcast/internal/multicast"
	"github.com/pscheid92/streamcast/internal/platform/config"
	"github.com/pscheid92/streamcast/internal/relay"
)

const testAdminToken = "test-admin-token-0123"

// loopbackUpstream stands in for Redis: publishing to a channel feeds its opened source.
type loopbackUpstream struct {
	mu    sync.Mutex
	pipes map[string]*multicast.Pipe[[]byte]
}

func (l *loopbackUpstream) pipe(channel string) *multicast.Pipe[[]byte] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pipes == nil {
		l.pipes = make(map[string]*multicast.Pipe[[]byte])
	}
	p, ok := l.pipes[channel]
	if !ok {
		p = multicast.NewPipe[[]byte](16)
		l.pipes[channel] = p
	}
	return p
}

func (l *loopbackUpstream) open(channel string) multicast.Source[[]byte] {
	return l.pipe(channel)
}

func (l *loopbackUpstream) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if err := l.pipe(channel).Send(ctx, payload); err != nil {
		return 0, err
	}
	return 1, nil
}

type testServer struct {
	*Server
	hub *relay.Hub
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:           "test",
		Port:             "0",
		AdminToken:       testAdminToken,
		WaitForClients:   true,
		SubscriberBuffer: 16,
		WSRatePerSecond:  100,
		WSRateBurst:      100,
	}
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	return newTestServerWithConfig(t, testConfig(), opts...)
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config, opts ...Option) *testServer {
	t.Helper()

	up := &loopbackUpstream{}
	hub := relay.NewHub(up.open, up, relay.Config{WaitForClients: cfg.WaitForClients, BufferSize: cfg.SubscriberBuffer})
	reg := prometheus.NewRegistry()
	srv := NewServer(cfg, hub, reg, metrics.NewWebSocketMetrics(reg), opts...)

	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		hub.Close()
	})
	return &testServer{Server: srv, hub: hub}
}

// do runs a request through the full middleware stack.
func (ts *testServer) do(t *testing.T, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func mustStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
}
