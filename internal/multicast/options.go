package multicast

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/streamcast/internal/metrics"
)

type options struct {
	identifier     string
	waitForClients bool
	bufferSize     int
	metrics        *metrics.StreamMetrics
	clock          clockwork.Clock
	logger         *slog.Logger
}

// Option configures a Broadcaster.
type Option func(*options)

// WithWaitingForClients sets whether producers hold items while there are no
// subscribers. Enabled by default.
func WithWaitingForClients(enabled bool) Option {
	return func(o *options) { o.waitForClients = enabled }
}

// WithIdentifier names the broadcaster in logs.
func WithIdentifier(id string) Option {
	return func(o *options) { o.identifier = id }
}

// WithBufferSize caps how many items may queue up for one subscriber. A
// subscriber whose queue is full misses items until it catches up. Queues are
// unbounded unless this is set.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

func WithMetrics(m *metrics.StreamMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}
