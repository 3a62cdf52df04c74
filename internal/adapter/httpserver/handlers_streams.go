package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	wsadapter "github.com/pscheid92/streamcast/internal/adapter/websocket"
)

func (s *Server) registerStreamRoutes() {
	s.echo.GET("/streams", s.handleListStreams)
	s.echo.GET("/streams/:name", s.handleGetStream)

	limiter := newRateLimiter(s.config.WSRatePerSecond, s.config.WSRateBurst)
	s.echo.GET("/streams/:name/ws", s.handleStreamWebSocket, limiter)
}

func (s *Server) handleListStreams(c echo.Context) error {
	if err := c.JSON(http.StatusOK, map[string]any{"streams": s.hub.Streams()}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleGetStream(c echo.Context) error {
	info, err := s.hub.Info(c.Param("name"))
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, info); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// handleStreamWebSocket subscribes before upgrading so invalid stream names
// and a closing relay are reported as plain HTTP errors.
func (s *Server) handleStreamWebSocket(c echo.Context) error {
	name := c.Param("name")
	sub, err := s.hub.Subscribe(name)
	if err != nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		sub.Close()
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}

	slog.DebugContext(c.Request().Context(), "Subscriber connected", "subscriber", sub.ID(), "remote_ip", c.RealIP())
	writer := wsadapter.NewStreamWriter(conn, s.clock, s.wsMetrics, name)
	if err := writer.Relay(s.relayCtx, sub); err != nil && !errors.Is(err, context.Canceled) {
		slog.WarnContext(c.Request().Context(), "WebSocket relay failed", "subscriber", sub.ID(), "error", err)
	}
	return nil
}
