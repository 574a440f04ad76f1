package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-dev/agor/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var got atomic.Int32
	_, err := b.Subscribe("agor.session.abc", func(ctx context.Context, e *Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "agor.session.abc",
		NewEvent("session.status_changed", "agor", map[string]any{"status": "running"})))
	require.NoError(t, b.Publish(context.Background(), "agor.session.other",
		NewEvent("session.status_changed", "agor", nil)))

	waitFor(t, func() bool { return got.Load() == 1 })
}

func TestMemoryBusWildcards(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var single, multi atomic.Int32
	_, err := b.Subscribe("agor.session.*", func(ctx context.Context, e *Event) error {
		single.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("agor.>", func(ctx context.Context, e *Event) error {
		multi.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "agor.session.abc", NewEvent("x", "agor", nil)))
	require.NoError(t, b.Publish(ctx, "agor.user.u1", NewEvent("x", "agor", nil)))

	waitFor(t, func() bool { return single.Load() == 1 && multi.Load() == 2 })
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	counts := make(map[int]int)
	for i := 0; i < 3; i++ {
		i := i
		_, err := b.QueueSubscribe("agor.work", "workers", func(ctx context.Context, e *Event) error {
			mu.Lock()
			counts[i]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.NoError(t, b.Publish(ctx, "agor.work", NewEvent("job", "agor", nil)))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, c := range counts {
			total += c
		}
		return total == 9
	})

	mu.Lock()
	defer mu.Unlock()
	for i, c := range counts {
		assert.Equal(t, 3, c, "round-robin member %d", i)
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var got atomic.Int32
	sub, err := b.Subscribe("agor.session.abc", func(ctx context.Context, e *Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "agor.session.abc", NewEvent("x", "agor", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, got.Load())
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := newTestBus(t)
	b.Close()
	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), "agor.session.abc", NewEvent("x", "agor", nil))
	assert.Error(t, err)
}
