package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	apperrors "github.com/pscheid92/streamcast/internal/platform/errors"
)

const (
	maxPublishBytes   = 64 << 10
	maxCountdownStart = 24 * 60 * 60
)

type bindSourceRequest struct {
	Channels []string `json:"channels"`
}

type channelRequest struct {
	Channel string `json:"channel"`
}

type countdownRequest struct {
	From       int   `json:"from"`
	IntervalMS int64 `json:"interval_ms"`
}

type errorRequest struct {
	Message string `json:"message"`
}

type waitingRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) registerAdminRoutes() {
	admin := s.echo.Group("/admin", s.adminAuth())

	admin.PUT("/streams/:name/source", s.handleBindSource)
	admin.POST("/streams/:name/channels", s.handleAddChannel)
	admin.DELETE("/streams/:name/channels/:channel", s.handleRemoveChannel)
	admin.POST("/streams/:name/countdown", s.handleStartCountdown)
	admin.POST("/streams/:name/error", s.handleFail)
	admin.POST("/streams/:name/complete", s.handleComplete)
	admin.POST("/streams/:name/reset", s.handleReset)
	admin.PUT("/streams/:name/waiting", s.handleSetWaiting)
	admin.POST("/streams/:name/publish", s.handlePublish)
	admin.DELETE("/streams/:name", s.handleRemoveStream)
}

func bindJSON(c echo.Context, dst any) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, dst); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	return nil
}

// respondInfo answers a successful mutation with the stream's current state.
func (s *Server) respondInfo(c echo.Context, name string) error {
	info, err := s.hub.Info(name)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, info); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleBindSource(c echo.Context) error {
	name := c.Param("name")
	var req bindSourceRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := s.hub.BindChannels(name, req.Channels...); err != nil {
		return err
	}
	return s.respondInfo(c, name)
}

func (s *Server) handleAddChannel(c echo.Context) error {
	name := c.Param("name")
	var req channelRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := s.hub.AddChannel(name, req.Channel); err != nil {
		return err
	}
	return s.respondInfo(c, name)
}

func (s *Server) handleRemoveChannel(c echo.Context) error {
	name := c.Param("name")
	if err := s.hub.RemoveChannel(name, c.Param("channel")); err != nil {
		return err
	}
	return s.respondInfo(c, name)
}

func (s *Server) handleStartCountdown(c echo.Context) error {
	name := c.Param("name")
	var req countdownRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.From > maxCountdownStart {
		return apperrors.ValidationError("countdown start too large").WithField("max", maxCountdownStart)
	}
	if err := s.hub.StartCountdown(name, req.From, time.Duration(req.IntervalMS)*time.Millisecond); err != nil {
		return err
	}
	return s.respondInfo(c, name)
}

func (s *Server) handleFail(c echo.Context) error {
	name := c.Param("name")
	var req errorRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := s.hub.Fail(name, req.Message); err != nil {
		return err
	}
	return s.respondInfo(c, name)
}

func (s *Server) handleComplete(c echo.Context) error {
	name := c.Param("name")
	if err := s.hub.Complete(name); err != nil {
		return err
	}
	return s.respondInfo(c, name)
}

func (s *Server) handleReset(c echo.Context) error {
	name := c.Param("name")
	if err := s.hub.Reset(name); err != nil {
		return err
	}
	return s.respondInfo(c, name)
}

func (s *Server) handleSetWaiting(c echo.Context) error {
	name := c.Param("name")
	var req waitingRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.Enabled == nil {
		return apperrors.ValidationError("enabled is required")
	}
	if err := s.hub.SetWaiting(name, *req.Enabled); err != nil {
		return err
	}
	return s.respondInfo(c, name)
}

// handlePublish sends the raw request body to every channel the stream is bound to.
func (s *Server) handlePublish(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPublishBytes+1))
	if err != nil {
		return apperrors.ValidationError("failed to read request body")
	}
	if len(payload) == 0 {
		return apperrors.ValidationError("payload is required")
	}
	if len(payload) > maxPublishBytes {
		return apperrors.ValidationError("payload too large").WithField("max_bytes", maxPublishBytes)
	}

	receivers, err := s.hub.Publish(c.Request().Context(), c.Param("name"), payload)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, map[string]int64{"receivers": receivers}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleRemoveStream(c echo.Context) error {
	if err := s.hub.Remove(c.Param("name")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
