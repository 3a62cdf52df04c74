package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/streamcast/internal/metrics"
	"github.com/pscheid92/streamcast/internal/multicast"
	apperrors "github.com/pscheid92/streamcast/internal/platform/errors"
)

// loopback is an in-memory upstream: publishing to a channel feeds the source opened for it.
type loopback struct {
	mu       sync.Mutex
	pipes    map[string]*multicast.Pipe[[]byte]
	releases map[string]int
	fail     error
}

func newLoopback() *loopback {
	return &loopback{
		pipes:    make(map[string]*multicast.Pipe[[]byte]),
		releases: make(map[string]int),
	}
}

// channelSource reads one loopback channel and records when it is released.
type channelSource struct {
	up      *loopback
	channel string
}

func (s channelSource) Next(ctx context.Context) ([]byte, error) {
	return s.up.pipe(s.channel).Next(ctx)
}

func (s channelSource) Close() error {
	s.up.mu.Lock()
	defer s.up.mu.Unlock()
	s.up.releases[s.channel]++
	return nil
}

func (l *loopback) released(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releases[channel]
}

func (l *loopback) pipe(channel string) *multicast.Pipe[[]byte] {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pipes[channel]
	if !ok {
		p = multicast.NewPipe[[]byte](8)
		l.pipes[channel] = p
	}
	return p
}

func (l *loopback) open(channel string) multicast.Source[[]byte] {
	return channelSource{up: l, channel: channel}
}

func (l *loopback) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if l.fail != nil {
		return 0, l.fail
	}
	if err := l.pipe(channel).Send(ctx, payload); err != nil {
		return 0, err
	}
	return 1, nil
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *loopback) {
	t.Helper()
	up := newLoopback()
	h := NewHub(up.open, up, cfg)
	t.Cleanup(h.Close)
	return h, up
}

func recv(t *testing.T, s *multicast.Stream[[]byte]) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := s.Recv(ctx)
	require.NoError(t, err)
	return string(v)
}

func finalErr(t *testing.T, s *multicast.Stream[[]byte]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, err := s.Recv(ctx)
		if err != nil {
			require.NotErrorIs(t, err, context.DeadlineExceeded, "stream did not finish")
			return err
		}
	}
}

func TestHub_BindChannelsAndPublish(t *testing.T) {
	h, _ := newTestHub(t, Config{WaitForClients: true})
	ctx := context.Background()

	sub, err := h.Subscribe("scores")
	require.NoError(t, err)
	require.NoError(t, h.BindChannels("scores", "match-1"))

	n, err := h.Publish(ctx, "scores", []byte("1:0"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "1:0", recv(t, sub))

	info, err := h.Info("scores")
	require.NoError(t, err)
	assert.Equal(t, BindingChannels, info.Binding.Kind)
	assert.Equal(t, []string{"match-1"}, info.Binding.Channels)
	assert.Equal(t, 1, info.Subscribers)
	assert.Equal(t, "active", info.State)
}

func TestHub_AddAndRemoveChannel(t *testing.T) {
	h, up := newTestHub(t, Config{WaitForClients: true})
	ctx := context.Background()

	sub, err := h.Subscribe("mixed")
	require.NoError(t, err)
	require.NoError(t, h.AddChannel("mixed", "a"))
	require.NoError(t, h.AddChannel("mixed", "b"))
	require.NoError(t, h.AddChannel("mixed", "b"))

	info, err := h.Info("mixed")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, info.Binding.Channels)

	require.NoError(t, up.pipe("b").Send(ctx, []byte("from-b")))
	assert.Equal(t, "from-b", recv(t, sub))

	require.NoError(t, h.RemoveChannel("mixed", "a"))
	err = h.RemoveChannel("mixed", "a")
	assert.True(t, apperrors.IsType(err, apperrors.TypeNotFound))

	n, err := h.Publish(ctx, "mixed", []byte("only-b"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "only-b", recv(t, sub))
}

func TestHub_RebindReleasesParkedUpstream(t *testing.T) {
	h, up := newTestHub(t, Config{WaitForClients: true})

	require.NoError(t, h.BindChannels("parked", "feed"))
	b, err := h.Stream("parked")
	require.NoError(t, err)

	// no subscribers: the producer holds the published item
	_, err = h.Publish(context.Background(), "parked", []byte("held"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Snapshot().Holding }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, up.released("feed"))

	require.NoError(t, h.Fail("parked", "replaced"))
	assert.Eventually(t, func() bool { return up.released("feed") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_RemoveChannelAndStreamReleaseUpstreams(t *testing.T) {
	h, up := newTestHub(t, Config{WaitForClients: true})

	sub, err := h.Subscribe("pair")
	require.NoError(t, err)
	require.NoError(t, h.BindChannels("pair", "left", "right"))

	// both members are being read once both items arrive
	n, err := h.Publish(context.Background(), "pair", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "x", recv(t, sub))
	assert.Equal(t, "x", recv(t, sub))

	require.NoError(t, h.RemoveChannel("pair", "left"))
	assert.Eventually(t, func() bool { return up.released("left") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, up.released("right"))

	require.NoError(t, h.Remove("pair"))
	assert.Eventually(t, func() bool { return up.released("right") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, up.released("left"))
}

func TestHub_PublishErrors(t *testing.T) {
	h, up := newTestHub(t, Config{})
	ctx := context.Background()

	_, err := h.Publish(ctx, "missing", []byte("x"))
	assert.True(t, apperrors.IsType(err, apperrors.TypeNotFound))

	_, err = h.Stream("idle")
	require.NoError(t, err)
	_, err = h.Publish(ctx, "idle", []byte("x"))
	assert.True(t, apperrors.IsType(err, apperrors.TypeConflict))

	require.NoError(t, h.BindChannels("idle", "c"))
	up.fail = errors.New("redis down")
	_, err = h.Publish(ctx, "idle", []byte("x"))
	assert.True(t, apperrors.IsType(err, apperrors.TypeExternal))
}

func TestHub_FailAndComplete(t *testing.T) {
	h, _ := newTestHub(t, Config{WaitForClients: true})

	early, err := h.Subscribe("match")
	require.NoError(t, err)
	require.NoError(t, h.Fail("match", "match abandoned"))
	assert.EqualError(t, finalErr(t, early), "match abandoned")

	late, err := h.Subscribe("match")
	require.NoError(t, err)
	assert.EqualError(t, finalErr(t, late), "match abandoned")

	require.NoError(t, h.Complete("match"))
	done, err := h.Subscribe("match")
	require.NoError(t, err)
	assert.ErrorIs(t, finalErr(t, done), io.EOF)

	info, err := h.Info("match")
	require.NoError(t, err)
	assert.Equal(t, BindingComplete, info.Binding.Kind)
}

func TestHub_ResetKeepsSubscribers(t *testing.T) {
	h, _ := newTestHub(t, Config{WaitForClients: true})
	ctx := context.Background()

	sub, err := h.Subscribe("live")
	require.NoError(t, err)
	require.NoError(t, h.BindChannels("live", "one"))
	_, err = h.Publish(ctx, "live", []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, "first", recv(t, sub))

	require.NoError(t, h.Reset("live"))
	require.Eventually(t, func() bool {
		info, _ := h.Info("live")
		return info.State == "idle"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.BindChannels("live", "two"))
	_, err = h.Publish(ctx, "live", []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, "second", recv(t, sub))
}

func TestHub_Countdown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h, _ := newTestHub(t, Config{WaitForClients: true, Clock: clock})

	sub, err := h.Subscribe("launch")
	require.NoError(t, err)
	require.NoError(t, h.StartCountdown("launch", 2, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	for _, want := range []CountdownEvent{
		{Type: "countdown", Seq: 1, Remaining: 1},
		{Type: "countdown", Seq: 2, Remaining: 0},
	} {
		clock.Advance(time.Second)
		var got CountdownEvent
		require.NoError(t, json.Unmarshal([]byte(recv(t, sub)), &got))
		assert.Equal(t, want, got)
	}

	clock.Advance(time.Second)
	assert.ErrorIs(t, finalErr(t, sub), io.EOF)
}

func TestHub_CountdownValidation(t *testing.T) {
	h, _ := newTestHub(t, Config{})
	assert.True(t, apperrors.IsType(h.StartCountdown("x", -1, time.Second), apperrors.TypeValidation))
	assert.True(t, apperrors.IsType(h.StartCountdown("x", 3, 0), apperrors.TypeValidation))
	assert.True(t, apperrors.IsType(h.Fail("x", ""), apperrors.TypeValidation))
	assert.True(t, apperrors.IsType(h.BindChannels("x"), apperrors.TypeValidation))
	assert.True(t, apperrors.IsType(h.BindChannels("x", "bad channel"), apperrors.TypeValidation))

	_, err := h.Subscribe("no spaces allowed")
	assert.True(t, apperrors.IsType(err, apperrors.TypeValidation))
}

func TestHub_StreamsAndRemove(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewBroadcasterMetrics(reg)
	h, _ := newTestHub(t, Config{WaitForClients: true, Metrics: m})

	sub, err := h.Subscribe("b-stream")
	require.NoError(t, err)
	_, err = h.Stream("a-stream")
	require.NoError(t, err)
	require.NoError(t, h.SetWaiting("a-stream", false))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Subscribers.WithLabelValues("b-stream")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	infos := h.Streams()
	require.Len(t, infos, 2)
	assert.Equal(t, "a-stream", infos[0].Name)
	assert.False(t, infos[0].WaitingForClients)
	assert.Equal(t, "b-stream", infos[1].Name)
	assert.Equal(t, 1, infos[1].Subscribers)

	require.NoError(t, h.Remove("b-stream"))
	assert.ErrorIs(t, finalErr(t, sub), multicast.ErrBroadcasterClosed)
	assert.Equal(t, 1, testutil.CollectAndCount(m.Subscribers), "removed stream series should be forgotten")

	_, err = h.Info("b-stream")
	assert.True(t, apperrors.IsType(err, apperrors.TypeNotFound))
	assert.True(t, apperrors.IsType(h.Remove("b-stream"), apperrors.TypeNotFound))
}

func TestHub_CloseRejectsFurtherUse(t *testing.T) {
	h, _ := newTestHub(t, Config{})
	sub, err := h.Subscribe("s")
	require.NoError(t, err)

	h.Close()
	assert.ErrorIs(t, finalErr(t, sub), multicast.ErrBroadcasterClosed)

	_, err = h.Subscribe("s")
	assert.True(t, apperrors.IsType(err, apperrors.TypeUnavailable))
	assert.Empty(t, h.Streams())
}
