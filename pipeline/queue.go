package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/metrics"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/stream"
)

// DefaultQueueCapacity bounds the ingestion queue
const DefaultQueueCapacity = 10000

// Handler processes one dequeued update. It must not return until the item
// is fully handled; the queue never runs two handlers at once.
type Handler func(ctx context.Context, update *stream.AccountUpdate)

// Queue is a bounded FIFO with a single worker. Producers never block: when
// the buffer is full the update is dropped.
type Queue struct {
	items  chan *stream.AccountUpdate
	logger *logging.ComponentLogger

	stopped  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
}

// NewQueue creates a queue holding at most capacity waiting updates
func NewQueue(capacity int, logger *logging.ComponentLogger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		items:  make(chan *stream.AccountUpdate, capacity),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// TryEnqueue admits update if there is room. It never blocks.
func (q *Queue) TryEnqueue(update *stream.AccountUpdate) bool {
	if q.stopped.Load() {
		return false
	}

	select {
	case q.items <- update:
		metrics.RecordEnqueue(update.Source, true, len(q.items))
		return true
	default:
		metrics.RecordEnqueue(update.Source, false, len(q.items))
		q.logger.Warn().
			Int("queue_size", len(q.items)).
			Uint64("slot", update.Slot).
			Str("key", update.Key).
			Str("source", update.Source).
			Msg("Queue full, dropping update")
		return false
	}
}

// Len returns the number of waiting updates
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return cap(q.items)
}

// Run processes updates in arrival order until ctx is cancelled or Stop is
// called. The item in progress always completes.
func (q *Queue) Run(ctx context.Context, handle Handler) error {
	if !q.started.CompareAndSwap(false, true) {
		return errors.New("queue worker already running")
	}
	defer close(q.done)

	for {
		// Stop wins over pending work.
		select {
		case <-q.stop:
			q.drained()
			return nil
		case <-ctx.Done():
			q.drained()
			return nil
		default:
		}

		select {
		case <-q.stop:
			q.drained()
			return nil
		case <-ctx.Done():
			q.drained()
			return nil
		case update := <-q.items:
			metrics.SetQueueDepth(len(q.items))
			handle(ctx, update)
		}
	}
}

// Stop refuses new updates and waits for the worker to finish its current
// item. Waiting updates are discarded.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		close(q.stop)
	})
	if !q.started.Load() {
		return nil
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drained() {
	if n := len(q.items); n > 0 {
		q.logger.Info().Int("pending", n).Msg("Queue worker stopped with pending updates")
	}
}
