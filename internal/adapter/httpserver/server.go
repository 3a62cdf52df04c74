package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pscheid92/streamcast/internal/metrics"
	"github.com/pscheid92/streamcast/internal/multicast"
	"github.com/pscheid92/streamcast/internal/platform/config"
	"github.com/pscheid92/streamcast/internal/relay"
)

// streamHub is the part of relay.Hub the HTTP layer drives.
type streamHub interface {
	Subscribe(name string) (*multicast.Stream[[]byte], error)
	Info(name string) (relay.StreamInfo, error)
	Streams() []relay.StreamInfo
	BindChannels(name string, channels ...string) error
	AddChannel(name, channel string) error
	RemoveChannel(name, channel string) error
	StartCountdown(name string, from int, interval time.Duration) error
	Fail(name, message string) error
	Complete(name string) error
	Reset(name string) error
	SetWaiting(name string, enabled bool) error
	Publish(ctx context.Context, name string, payload []byte) (int64, error)
	Remove(name string) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	hub    streamHub
	clock  clockwork.Clock

	upgrader  *websocket.Upgrader
	registry  *prometheus.Registry
	wsMetrics *metrics.WebSocketMetrics

	healthChecks []HealthCheck
	startTime    time.Time

	// relayCtx is cancelled on shutdown so hijacked WebSocket connections close
	relayCtx   context.Context
	stopRelays context.CancelFunc
}

type Option func(*Server)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.healthChecks = checks }
}

func WithUpgrader(u *websocket.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

func NewServer(cfg *config.Config, hub streamHub, registry *prometheus.Registry, wsMetrics *metrics.WebSocketMetrics, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	relayCtx, stopRelays := context.WithCancel(context.Background())
	srv := &Server{
		echo:       e,
		config:     cfg,
		hub:        hub,
		clock:      clockwork.NewRealClock(),
		registry:   registry,
		wsMetrics:  wsMetrics,
		relayCtx:   relayCtx,
		stopRelays: stopRelays,
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.startTime = srv.clock.Now()
	if srv.upgrader == nil {
		srv.upgrader = &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	}

	srv.registerRoutes()
	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown closes open stream connections with a going-away frame, then
// drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopRelays()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
