package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/stream"
)

func update(key string, slot uint64) *stream.AccountUpdate {
	return &stream.AccountUpdate{Key: key, Slot: slot, Source: "stream"}
}

func TestQueueProcessesInArrivalOrder(t *testing.T) {
	q := NewQueue(100, logging.NewNop())

	for i := 0; i < 50; i++ {
		require.True(t, q.TryEnqueue(update(fmt.Sprintf("k%d", i), uint64(i))))
	}

	var mu sync.Mutex
	var seen []uint64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func(_ context.Context, u *stream.AccountUpdate) {
			mu.Lock()
			seen = append(seen, u.Slot)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Stop(context.Background()))
	require.NoError(t, <-done)

	for i, slot := range seen {
		assert.Equal(t, uint64(i), slot)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(3, logging.NewNop())

	for i := 0; i < 3; i++ {
		assert.True(t, q.TryEnqueue(update("k", uint64(i))))
	}
	assert.False(t, q.TryEnqueue(update("k", 99)))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 3, q.Cap())
}

func TestQueueHandlesOneItemAtATime(t *testing.T) {
	q := NewQueue(10, logging.NewNop())
	for i := 0; i < 10; i++ {
		require.True(t, q.TryEnqueue(update("k", uint64(i))))
	}

	var mu sync.Mutex
	inFlight, maxInFlight, handled := 0, 0, 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func(context.Context, *stream.AccountUpdate) {
			mu.Lock()
			inFlight++
			maxInFlight = max(maxInFlight, inFlight)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inFlight--
			handled++
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 10
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, maxInFlight)
}

func TestQueueStopRefusesNewWork(t *testing.T) {
	q := NewQueue(10, logging.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- q.Run(context.Background(), func(context.Context, *stream.AccountUpdate) {
			close(started)
			<-release
		})
	}()

	require.True(t, q.TryEnqueue(update("first", 1)))
	<-started
	require.True(t, q.TryEnqueue(update("pending", 2)))

	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop(context.Background()) }()

	// The in-flight item holds Stop open.
	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight item finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	require.NoError(t, <-done)
	assert.False(t, q.TryEnqueue(update("late", 3)))
}

func TestQueueStopTimesOut(t *testing.T) {
	q := NewQueue(10, logging.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- q.Run(context.Background(), func(context.Context, *stream.AccountUpdate) {
			close(started)
			<-release
		})
	}()
	require.True(t, q.TryEnqueue(update("slow", 1)))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}

func TestQueueStopWithoutRun(t *testing.T) {
	q := NewQueue(1, logging.NewNop())
	assert.NoError(t, q.Stop(context.Background()))
}

func TestQueueRunTwice(t *testing.T) {
	q := NewQueue(1, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, func(context.Context, *stream.AccountUpdate) {}) }()

	require.Eventually(t, func() bool { return q.started.Load() }, time.Second, time.Millisecond)
	assert.Error(t, q.Run(ctx, func(context.Context, *stream.AccountUpdate) {}))

	cancel()
	require.NoError(t, <-done)
}
