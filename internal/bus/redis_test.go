package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisBus(client, zap.NewNop()), mr
}

func TestRedisBusPingSucceedsAgainstLiveServer(t *testing.T) {
	b, _ := newTestRedisBus(t)
	assert.NoError(t, b.Ping(context.Background()))
}

func TestRedisBusPublishSubscribeRoundTrips(t *testing.T) {
	b, _ := newTestRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	go func() {
		_ = b.Subscribe(ctx, func(ev Event) { received <- ev })
	}()

	// give the subscribe goroutine time to register before publishing.
	time.Sleep(50 * time.Millisecond)

	want := Event{Type: NamespaceAccount, Key: "u1"}
	require.NoError(t, b.Publish(ctx, want))

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the published event to be delivered")
	}
}

func TestRedisBusSubscribeReturnsOnContextCancel(t *testing.T) {
	b, _ := newTestRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, func(Event) {}) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after context cancellation")
	}
}
