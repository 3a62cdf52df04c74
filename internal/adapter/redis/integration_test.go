package redis

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/pscheid92/streamcast/internal/multicast"
)

var (
	testRedisURL   string
	redisContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redisContainer, err = tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()
	if err := redisContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
	}
	os.Exit(code)
}

func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, testRedisURL, NewCircuitBreakerHook(nil))
	require.NoError(t, err)
	require.NoError(t, client.FlushAll(ctx).Err())

	t.Cleanup(func() { _ = client.Close() })
	return client
}

func numSub(t *testing.T, rdb *goredis.Client, channel string) int64 {
	t.Helper()
	counts, err := rdb.PubSubNumSub(context.Background(), channel).Result()
	require.NoError(t, err)
	return counts[channel]
}

func TestNewClient_Connects(t *testing.T) {
	client := setupTestClient(t)
	require.NoError(t, HealthCheck(client)(context.Background()))
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(context.Background(), "://nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse redis URL")
}

func TestChannelSource_ReceivesPublishedPayloads(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := NewChannelSource(client, "ticks")
	pub := NewPublisher(client)

	got := make(chan []byte, 1)
	go func() {
		v, err := src.Next(ctx)
		if err == nil {
			got <- v
		}
	}()

	require.Eventually(t, func() bool { return numSub(t, client, "ticks") == 1 }, 5*time.Second, 20*time.Millisecond)

	n, err := pub.Publish(ctx, "ticks", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case v := <-got:
		assert.Equal(t, "hello", string(v))
	case <-ctx.Done():
		t.Fatal("payload not received")
	}
}

func TestChannelSource_CancelUnsubscribes(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	src := NewChannelSource(client, "cancel-me")
	errCh := make(chan error, 1)
	go func() {
		_, err := src.Next(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return numSub(t, client, "cancel-me") == 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Eventually(t, func() bool { return numSub(t, client, "cancel-me") == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestChannelSource_FeedsBroadcaster(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := multicast.New[[]byte](multicast.WithIdentifier("redis"))
	t.Cleanup(b.Close)
	first := b.Subscribe()
	second := b.Subscribe()

	b.SetSource(NewChannelSource(client, "fanout"))
	require.Eventually(t, func() bool { return numSub(t, client, "fanout") == 1 }, 5*time.Second, 20*time.Millisecond)

	_, err := NewPublisher(client).Publish(ctx, "fanout", []byte("x"))
	require.NoError(t, err)

	for _, s := range []*multicast.Stream[[]byte]{first, second} {
		v, err := s.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, "x", string(v))
	}

	// Replacing the source releases the Redis subscription
	b.Reset()
	assert.Eventually(t, func() bool { return numSub(t, client, "fanout") == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestChannelSource_ParkedGenerationReleasesSubscription(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := multicast.New[[]byte](multicast.WithIdentifier("parked"))
	t.Cleanup(b.Close)

	b.SetSource(NewChannelSource(client, "parked"))
	require.Eventually(t, func() bool { return numSub(t, client, "parked") == 1 }, 5*time.Second, 20*time.Millisecond)

	// nobody subscribed to the broadcaster, so the item is held
	_, err := NewPublisher(client).Publish(ctx, "parked", []byte("held"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Snapshot().Holding }, 5*time.Second, 20*time.Millisecond)

	b.SetError(errors.New("replaced"))
	assert.Eventually(t, func() bool { return numSub(t, client, "parked") == 0 }, 5*time.Second, 20*time.Millisecond)
}
