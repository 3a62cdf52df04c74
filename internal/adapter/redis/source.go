package redis

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/streamcast/internal/multicast"
)

// ChannelSource reads message payloads from Redis Pub/Sub channels.
//
// The subscription is opened on the first Next and closed by Close or when the
// context passed to Next is cancelled. It never ends on its own: go-redis reconnects dropped
// subscriptions, so only a failed initial subscribe surfaces as an error.
type ChannelSource struct {
	rdb      *goredis.Client
	channels []string

	mu  sync.Mutex
	sub *goredis.PubSub
	ch  <-chan *goredis.Message
}

var _ multicast.Source[[]byte] = (*ChannelSource)(nil)

func NewChannelSource(rdb *goredis.Client, channels ...string) *ChannelSource {
	return &ChannelSource{rdb: rdb, channels: channels}
}

func (s *ChannelSource) Channels() []string {
	return s.channels
}

func (s *ChannelSource) Next(ctx context.Context) ([]byte, error) {
	ch, err := s.subscribe(ctx)
	if err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, io.EOF
		}
		return []byte(msg.Payload), nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

func (s *ChannelSource) subscribe(ctx context.Context) (<-chan *goredis.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil {
		return s.ch, nil
	}

	sub := s.rdb.Subscribe(ctx, s.channels...)
	// Receive blocks until Redis confirms the subscription
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to subscribe to %v: %w", s.channels, err)
	}

	slog.Debug("Subscribed to Redis channels", "channels", s.channels)
	s.sub = sub
	s.ch = sub.Channel()
	return s.ch, nil
}

// Close drops the subscription. Pending and later Next calls report io.EOF.
func (s *ChannelSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub == nil {
		return nil
	}
	err := s.sub.Close()
	if err != nil {
		slog.Debug("Closing Redis subscription failed", "channels", s.channels, "error", err)
	}
	s.sub = nil
	return err
}
