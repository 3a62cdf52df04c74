// Package relay keeps named multicast streams and binds them to upstreams:
// Redis channels, countdowns or terminal states.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/streamcast/internal/merge"
	"github.com/pscheid92/streamcast/internal/metrics"
	"github.com/pscheid92/streamcast/internal/multicast"
	apperrors "github.com/pscheid92/streamcast/internal/platform/errors"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// ChannelOpener returns a source reading one upstream channel.
type ChannelOpener func(channel string) multicast.Source[[]byte]

// Publisher writes a payload to an upstream channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

type BindingKind string

const (
	BindingNone      BindingKind = "none"
	BindingChannels  BindingKind = "channels"
	BindingCountdown BindingKind = "countdown"
	BindingError     BindingKind = "error"
	BindingComplete  BindingKind = "complete"
)

// Binding describes what a stream was last told to relay.
type Binding struct {
	Kind       BindingKind `json:"kind"`
	Channels   []string    `json:"channels,omitempty"`
	From       int         `json:"from,omitempty"`
	IntervalMS int64       `json:"interval_ms,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// StreamInfo is the externally visible state of one stream.
type StreamInfo struct {
	Name              string  `json:"name"`
	Subscribers       int     `json:"subscribers"`
	Generation        string  `json:"generation,omitempty"`
	State             string  `json:"state"`
	WaitingForClients bool    `json:"waiting_for_clients"`
	Binding           Binding `json:"binding"`
}

type Config struct {
	WaitForClients bool
	// BufferSize caps each subscriber's queue; zero keeps it unbounded
	BufferSize     int
	Clock          clockwork.Clock
	Metrics        *metrics.BroadcasterMetrics
}

type stream struct {
	b       *multicast.Broadcaster[[]byte]
	binding Binding
	merger  *merge.Merger[[]byte]
}

// Hub owns one broadcaster per stream name. Streams are created on first use.
type Hub struct {
	open      ChannelOpener
	publisher Publisher
	cfg       Config

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

func NewHub(open ChannelOpener, publisher Publisher, cfg Config) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Hub{
		open:      open,
		publisher: publisher,
		cfg:       cfg,
		streams:   make(map[string]*stream),
	}
}

func validateName(kind, name string) error {
	if !validName.MatchString(name) {
		return apperrors.ValidationError("invalid " + kind + " name").WithField(kind, name)
	}
	return nil
}

// lookup returns the stream, creating it when create is set. Callers hold mu.
func (h *Hub) lookup(name string, create bool) (*stream, error) {
	if h.closed {
		return nil, apperrors.UnavailableError("relay is shutting down")
	}
	if err := validateName("stream", name); err != nil {
		return nil, err
	}
	if s, ok := h.streams[name]; ok {
		return s, nil
	}
	if !create {
		return nil, apperrors.NotFoundError("stream not found").WithField("stream", name)
	}

	s := &stream{
		b: multicast.New[[]byte](
			multicast.WithIdentifier(name),
			multicast.WithWaitingForClients(h.cfg.WaitForClients),
			multicast.WithBufferSize(h.cfg.BufferSize),
			multicast.WithClock(h.cfg.Clock),
			multicast.WithMetrics(h.cfg.Metrics.For(name)),
		),
		binding: Binding{Kind: BindingNone},
	}
	h.streams[name] = s
	slog.Info("Stream created", "stream", name)
	return s, nil
}

// Stream returns the broadcaster for name, creating it if needed.
func (h *Hub) Stream(name string) (*multicast.Broadcaster[[]byte], error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.lookup(name, true)
	if err != nil {
		return nil, err
	}
	return s.b, nil
}

// Subscribe attaches a new subscriber to the named stream.
func (h *Hub) Subscribe(name string) (*multicast.Stream[[]byte], error) {
	b, err := h.Stream(name)
	if err != nil {
		return nil, err
	}
	return b.Subscribe(), nil
}

// BindChannels replaces the stream's source with the merged upstream channels.
func (h *Hub) BindChannels(name string, channels ...string) error {
	if len(channels) == 0 {
		return apperrors.ValidationError("at least one channel is required")
	}
	for _, ch := range channels {
		if err := validateName("channel", ch); err != nil {
			return err
		}
	}
	if h.open == nil {
		return apperrors.ConflictError("no upstream configured")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.lookup(name, true)
	if err != nil {
		return err
	}

	m := merge.New[[]byte]()
	for _, ch := range channels {
		m.Add(ch, h.open(ch))
	}
	s.merger = m
	s.binding = Binding{Kind: BindingChannels, Channels: slices.Clone(channels)}
	s.b.SetSource(m)

	slog.Info("Stream bound to channels", "stream", name, "channels", channels)
	return nil
}

// AddChannel adds one upstream channel to a channel-bound stream. A stream with
// any other binding is rebound to just this channel.
func (h *Hub) AddChannel(name, channel string) error {
	if err := validateName("channel", channel); err != nil {
		return err
	}

	h.mu.Lock()
	s, err := h.lookup(name, true)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if s.binding.Kind != BindingChannels {
		h.mu.Unlock()
		return h.BindChannels(name, channel)
	}
	defer h.mu.Unlock()

	if slices.Contains(s.binding.Channels, channel) {
		return nil
	}
	s.merger.Add(channel, h.open(channel))
	s.binding.Channels = append(s.binding.Channels, channel)
	slog.Info("Channel added to stream", "stream", name, "channel", channel)
	return nil
}

// RemoveChannel stops relaying one upstream channel.
func (h *Hub) RemoveChannel(name, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.lookup(name, false)
	if err != nil {
		return err
	}
	i := slices.Index(s.binding.Channels, channel)
	if s.binding.Kind != BindingChannels || i < 0 {
		return apperrors.NotFoundError("channel not bound").WithField("stream", name).WithField("channel", channel)
	}

	s.merger.Remove(channel)
	s.binding.Channels = slices.Delete(s.binding.Channels, i, i+1)
	slog.Info("Channel removed from stream", "stream", name, "channel", channel)
	return nil
}

// StartCountdown replaces the source with a countdown emitting from ticks at interval.
func (h *Hub) StartCountdown(name string, from int, interval time.Duration) error {
	if from < 0 {
		return apperrors.ValidationError("countdown start must not be negative")
	}
	if interval <= 0 {
		return apperrors.ValidationError("countdown interval must be positive")
	}

	return h.rebind(name, Binding{Kind: BindingCountdown, From: from, IntervalMS: interval.Milliseconds()}, func(b *multicast.Broadcaster[[]byte]) {
		b.SetSource(newCountdownSource(name, h.cfg.Clock, from, interval))
	})
}

// Fail finishes current and future subscribers of name with message as error.
func (h *Hub) Fail(name, message string) error {
	if message == "" {
		return apperrors.ValidationError("error message is required")
	}
	return h.rebind(name, Binding{Kind: BindingError, Error: message}, func(b *multicast.Broadcaster[[]byte]) {
		b.SetError(errors.New(message))
	})
}

// Complete finishes current and future subscribers of name cleanly.
func (h *Hub) Complete(name string) error {
	return h.rebind(name, Binding{Kind: BindingComplete}, func(b *multicast.Broadcaster[[]byte]) {
		b.SetError(nil)
	})
}

// Reset stops the stream's upstream. Subscribers stay attached.
func (h *Hub) Reset(name string) error {
	return h.rebind(name, Binding{Kind: BindingNone}, func(b *multicast.Broadcaster[[]byte]) {
		b.Reset()
	})
}

func (h *Hub) rebind(name string, binding Binding, apply func(*multicast.Broadcaster[[]byte])) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.lookup(name, true)
	if err != nil {
		return err
	}
	s.merger = nil
	s.binding = binding
	apply(s.b)

	slog.Info("Stream rebound", "stream", name, "binding", binding.Kind)
	return nil
}

func (h *Hub) SetWaiting(name string, enabled bool) error {
	b, err := h.Stream(name)
	if err != nil {
		return err
	}
	b.SetWaitingForClients(enabled)
	return nil
}

// Publish writes payload to every channel the stream is bound to and returns the
// number of upstream receivers.
func (h *Hub) Publish(ctx context.Context, name string, payload []byte) (int64, error) {
	if h.publisher == nil {
		return 0, apperrors.ConflictError("publishing is not configured")
	}

	h.mu.Lock()
	s, err := h.lookup(name, false)
	var channels []string
	if err == nil {
		channels = slices.Clone(s.binding.Channels)
	}
	h.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(channels) == 0 {
		return 0, apperrors.ConflictError("stream is not bound to any channel").WithField("stream", name)
	}

	var total int64
	for _, ch := range channels {
		n, err := h.publisher.Publish(ctx, ch, payload)
		if err != nil {
			return total, apperrors.ExternalError("failed to publish", err).WithField("channel", ch)
		}
		total += n
	}
	return total, nil
}

// Info returns the state of one existing stream.
func (h *Hub) Info(name string) (StreamInfo, error) {
	h.mu.Lock()
	s, err := h.lookup(name, false)
	var binding Binding
	if err == nil {
		binding = s.binding
		binding.Channels = slices.Clone(binding.Channels)
	}
	h.mu.Unlock()
	if err != nil {
		return StreamInfo{}, err
	}
	return describe(name, s.b, binding), nil
}

// Streams lists every stream sorted by name.
func (h *Hub) Streams() []StreamInfo {
	type entry struct {
		name    string
		b       *multicast.Broadcaster[[]byte]
		binding Binding
	}

	h.mu.Lock()
	entries := make([]entry, 0, len(h.streams))
	for name, s := range h.streams {
		binding := s.binding
		binding.Channels = slices.Clone(binding.Channels)
		entries = append(entries, entry{name: name, b: s.b, binding: binding})
	}
	h.mu.Unlock()

	infos := make([]StreamInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, describe(e.name, e.b, e.binding))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func describe(name string, b *multicast.Broadcaster[[]byte], binding Binding) StreamInfo {
	snap := b.Snapshot()
	return StreamInfo{
		Name:              name,
		Subscribers:       snap.Subscribers,
		Generation:        snap.Generation,
		State:             snap.State.String(),
		WaitingForClients: snap.WaitingForClients,
		Binding:           binding,
	}
}

// Remove closes a stream. Its subscribers finish with multicast.ErrBroadcasterClosed.
func (h *Hub) Remove(name string) error {
	h.mu.Lock()
	s, err := h.lookup(name, false)
	if err == nil {
		delete(h.streams, name)
	}
	h.mu.Unlock()
	if err != nil {
		return err
	}

	s.b.Close()
	h.cfg.Metrics.Forget(name)
	slog.Info("Stream removed", "stream", name)
	return nil
}

// Close closes every stream. Later operations fail as unavailable.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	streams := h.streams
	h.streams = make(map[string]*stream)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for name, s := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.b.Close()
			h.cfg.Metrics.Forget(name)
		}()
	}
	wg.Wait()
	slog.Info("Relay closed", "streams", len(streams))
}
