package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// Publisher writes payloads to Redis Pub/Sub channels.
type Publisher struct {
	rdb *goredis.Client
}

func NewPublisher(rdb *goredis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish sends payload to channel and returns how many Redis subscribers received it.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := p.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return n, nil
}
