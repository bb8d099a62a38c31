package authcache

import (
	"context"
	"testing"
	"time"

	"github.com/amerfu/llmgate/internal/bus"
)

func newCtxWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func waitForSubscriber(t *testing.T, b *bus.MemoryBus) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if b.HandlerCount() > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("subscriber never registered")
		case <-time.After(time.Millisecond):
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(time.Millisecond):
		}
	}
}
