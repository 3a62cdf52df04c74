package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamcast"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// BroadcasterMetrics holds the per-stream broadcaster metric vectors.
// All vectors are labelled by stream name; use For to obtain a curried view.
type BroadcasterMetrics struct {
	// Subscribers tracks currently registered subscribers
	Subscribers *prometheus.GaugeVec
	// ItemsDelivered counts items handed to subscriber sinks
	ItemsDelivered *prometheus.CounterVec
	// ItemsDropped counts items a sink refused because its buffer was full
	ItemsDropped *prometheus.CounterVec
	// Generations counts producer generations started, by kind (source/terminator)
	Generations *prometheus.CounterVec
	// UpstreamFailures counts upstream sources that terminated with an error
	UpstreamFailures *prometheus.CounterVec
	// StaleWaiters counts force-woken backpressure waiters (possible data loss)
	StaleWaiters *prometheus.CounterVec
	// Panics counts recovered actor panics
	Panics *prometheus.CounterVec
}

// NewBroadcasterMetrics creates and registers broadcaster metrics on the given registry.
func NewBroadcasterMetrics(reg prometheus.Registerer) *BroadcasterMetrics {
	labels := []string{"stream"}
	m := &BroadcasterMetrics{
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "subscribers",
			Help:      "Number of subscribers currently registered with a stream.",
		}, labels),
		ItemsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "items_delivered_total",
			Help:      "Total items delivered to subscriber sinks.",
		}, labels),
		ItemsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "items_dropped_total",
			Help:      "Total items dropped because a subscriber buffer was full.",
		}, labels),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "generations_total",
			Help:      "Total producer generations started, by kind.",
		}, []string{"stream", "kind"}),
		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "upstream_failures_total",
			Help:      "Total upstream sources that terminated with an error.",
		}, labels),
		StaleWaiters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "stale_waiters_total",
			Help:      "Backpressure waiters force-woken by a second wait (possible data loss).",
		}, labels),
		Panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "panics_total",
			Help:      "Total broadcaster actor panic recoveries.",
		}, labels),
	}

	reg.MustRegister(
		m.Subscribers,
		m.ItemsDelivered,
		m.ItemsDropped,
		m.Generations,
		m.UpstreamFailures,
		m.StaleWaiters,
		m.Panics,
	)
	return m
}

// For returns the metrics view for a single stream. A nil receiver yields a nil view,
// whose methods are no-ops.
func (m *BroadcasterMetrics) For(stream string) *StreamMetrics {
	if m == nil {
		return nil
	}
	return &StreamMetrics{
		stream:           stream,
		generations:      m.Generations,
		subscribers:      m.Subscribers.WithLabelValues(stream),
		itemsDelivered:   m.ItemsDelivered.WithLabelValues(stream),
		itemsDropped:     m.ItemsDropped.WithLabelValues(stream),
		upstreamFailures: m.UpstreamFailures.WithLabelValues(stream),
		staleWaiters:     m.StaleWaiters.WithLabelValues(stream),
		panics:           m.Panics.WithLabelValues(stream),
	}
}

// Forget removes all series for a stream, used when a stream is torn down.
func (m *BroadcasterMetrics) Forget(stream string) {
	if m == nil {
		return
	}
	m.Subscribers.DeleteLabelValues(stream)
	m.ItemsDelivered.DeleteLabelValues(stream)
	m.ItemsDropped.DeleteLabelValues(stream)
	m.UpstreamFailures.DeleteLabelValues(stream)
	m.StaleWaiters.DeleteLabelValues(stream)
	m.Panics.DeleteLabelValues(stream)
	m.Generations.DeletePartialMatch(prometheus.Labels{"stream": stream})
}

// StreamMetrics is the broadcaster metric set curried for one stream.
type StreamMetrics struct {
	stream           string
	generations      *prometheus.CounterVec
	subscribers      prometheus.Gauge
	itemsDelivered   prometheus.Counter
	itemsDropped     prometheus.Counter
	upstreamFailures prometheus.Counter
	staleWaiters     prometheus.Counter
	panics           prometheus.Counter
}

func (s *StreamMetrics) SetSubscribers(n int) {
	if s == nil {
		return
	}
	s.subscribers.Set(float64(n))
}

func (s *StreamMetrics) Delivered(n int) {
	if s == nil || n == 0 {
		return
	}
	s.itemsDelivered.Add(float64(n))
}

func (s *StreamMetrics) Dropped(n int) {
	if s == nil || n == 0 {
		return
	}
	s.itemsDropped.Add(float64(n))
}

func (s *StreamMetrics) GenerationStarted(kind string) {
	if s == nil {
		return
	}
	s.generations.WithLabelValues(s.stream, kind).Inc()
}

func (s *StreamMetrics) UpstreamFailed() {
	if s == nil {
		return
	}
	s.upstreamFailures.Inc()
}

func (s *StreamMetrics) StaleWaiter() {
	if s == nil {
		return
	}
	s.staleWaiters.Inc()
}

func (s *StreamMetrics) Panicked() {
	if s == nil {
		return
	}
	s.panics.Inc()
}

// WebSocketMetrics holds Prometheus metrics for WebSocket connections.
type WebSocketMetrics struct {
	ActiveConnections prometheus.Gauge
	MessagesSent      prometheus.Counter
	PingFailures      prometheus.Counter
	ConnectionsTotal  *prometheus.CounterVec
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Total number of WebSocket messages written to clients.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ping_failures_total",
			Help:      "Total WebSocket ping failures (client not responding).",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total WebSocket connections by how they ended (completed/failed/client_closed).",
		}, []string{"result"}),
	}

	reg.MustRegister(m.ActiveConnections, m.MessagesSent, m.PingFailures, m.ConnectionsTotal)
	return m
}

// CircuitBreakerMetrics tracks circuit breaker transitions for external dependencies.
type CircuitBreakerMetrics struct {
	StateChanges *prometheus.CounterVec
	State        *prometheus.GaugeVec
}

// NewCircuitBreakerMetrics creates and registers circuit breaker metrics on the given registry.
func NewCircuitBreakerMetrics(reg prometheus.Registerer) *CircuitBreakerMetrics {
	m := &CircuitBreakerMetrics{
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Circuit breaker state transitions by component and new state",
		}, []string{"component", "state"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"component"}),
	}

	reg.MustRegister(m.StateChanges, m.State)
	return m
}
