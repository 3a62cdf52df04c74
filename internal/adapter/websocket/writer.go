package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/streamcast/internal/metrics"
	"github.com/pscheid92/streamcast/internal/multicast"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongDeadline   = 60 * time.Second
	maxMessageSize = 512
	// close reasons are limited to 123 bytes by the protocol
	maxCloseReason = 123
)

// Connection outcomes recorded in the connections_total metric.
const (
	resultCompleted    = "completed"
	resultFailed       = "failed"
	resultClientClosed = "client_closed"
	resultShutdown     = "shutdown"
)

// StreamWriter relays one subscriber stream to one WebSocket connection.
// Incoming client messages are discarded; the read loop only services
// control frames and detects disconnects.
type StreamWriter struct {
	connection *websocket.Conn
	clock      clockwork.Clock
	metrics    *metrics.WebSocketMetrics
	stream     string

	readerDone chan struct{}
	wg         sync.WaitGroup
}

func NewStreamWriter(connection *websocket.Conn, clock clockwork.Clock, m *metrics.WebSocketMetrics, stream string) *StreamWriter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StreamWriter{
		connection: connection,
		clock:      clock,
		metrics:    m,
		stream:     stream,
		readerDone: make(chan struct{}),
	}
}

// Relay copies items from sub to the connection until the stream finishes,
// the client disconnects or ctx is cancelled. It closes both sub and the
// connection before returning.
func (w *StreamWriter) Relay(ctx context.Context, sub *multicast.Stream[[]byte]) error {
	w.connected()
	defer w.disconnected()
	defer sub.Close()

	w.configureReader()
	w.wg.Add(1)
	go w.readLoop()

	result, err := w.run(ctx, sub)

	_ = w.connection.Close()
	w.wg.Wait()

	w.record(result)
	slog.Debug("WebSocket relay ended", "stream", w.stream, "subscriber", sub.ID(), "result", result)
	return err
}

func (w *StreamWriter) run(ctx context.Context, sub *multicast.Stream[[]byte]) (string, error) {
	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return w.finish(sub.Err())
			}
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return resultClientClosed, nil
			}
			w.sent()
		case <-ticker.Chan():
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.pingFailed()
				return resultClientClosed, nil
			}
		case <-w.readerDone:
			return resultClientClosed, nil
		case <-ctx.Done():
			w.writeClose(websocket.CloseGoingAway, "server shutting down")
			return resultShutdown, ctx.Err()
		}
	}
}

// finish sends the close frame matching how the stream ended.
func (w *StreamWriter) finish(err error) (string, error) {
	switch {
	case err == nil:
		w.writeClose(websocket.CloseNormalClosure, "stream completed")
		return resultCompleted, nil
	case errors.Is(err, multicast.ErrBroadcasterClosed):
		w.writeClose(websocket.CloseGoingAway, "stream closed")
		return resultShutdown, nil
	case errors.Is(err, multicast.ErrCancelled):
		return resultClientClosed, nil
	default:
		w.writeClose(websocket.CloseInternalServerErr, truncate(err.Error(), maxCloseReason))
		return resultFailed, nil
	}
}

func (w *StreamWriter) writeClose(code int, reason string) {
	w.updateWriteDeadline()
	_ = w.connection.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (w *StreamWriter) readLoop() {
	defer w.wg.Done()
	defer close(w.readerDone)
	for {
		if _, _, err := w.connection.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *StreamWriter) configureReader() {
	w.connection.SetReadLimit(maxMessageSize)
	w.updateReadDeadline()
	w.connection.SetPongHandler(func(string) error {
		w.updateReadDeadline()
		return nil
	})
}

func (w *StreamWriter) updateWriteDeadline() {
	_ = w.connection.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}

func (w *StreamWriter) updateReadDeadline() {
	_ = w.connection.SetReadDeadline(w.clock.Now().Add(pongDeadline))
}

func (w *StreamWriter) connected() {
	if w.metrics != nil {
		w.metrics.ActiveConnections.Inc()
	}
}

func (w *StreamWriter) disconnected() {
	if w.metrics != nil {
		w.metrics.ActiveConnections.Dec()
	}
}

func (w *StreamWriter) sent() {
	if w.metrics != nil {
		w.metrics.MessagesSent.Inc()
	}
}

func (w *StreamWriter) pingFailed() {
	if w.metrics != nil {
		w.metrics.PingFailures.Inc()
	}
}

func (w *StreamWriter) record(result string) {
	if w.metrics != nil {
		w.metrics.ConnectionsTotal.WithLabelValues(result).Inc()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
