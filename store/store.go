package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
)

// Redis key layout
const (
	memoKeyPrefix   = "memo:"
	authorKeyPrefix = "memos:author:"
	RecentKey       = "memos:recent"
	CursorKey       = "indexer:cursor"
	StatsKey        = "indexer:stats"
)

const (
	// RecentWindow is the number of entries kept in the recency index
	RecentWindow = 1000
	// DefaultRecentLimit applies when ListRecent is called without a limit
	DefaultRecentLimit = 20
)

// ErrRetryBudgetExhausted marks a store that can no longer make progress.
// Callers treat it as fatal.
var ErrRetryBudgetExhausted = errors.New("store retry budget exhausted")

// Options tunes connection retries and failure budgets
type Options struct {
	// MaxConsecutiveFailures is how many Put calls in a row may fail before
	// Put starts returning ErrRetryBudgetExhausted.
	MaxConsecutiveFailures int

	// PingAttempts and the backoff intervals bound the startup ping.
	PingAttempts        int
	PingInitialInterval time.Duration
	PingMaxInterval     time.Duration

	// Now is the clock used for updatedAt/lastIndexedAt. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 12
	}
	if o.PingAttempts <= 0 {
		o.PingAttempts = 12
	}
	if o.PingInitialInterval <= 0 {
		o.PingInitialInterval = time.Second
	}
	if o.PingMaxInterval <= 0 {
		o.PingMaxInterval = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// MemoStore is the Redis-backed projection of memo accounts. It assumes it is
// the only writer: Put reads then writes without a server-side compare.
type MemoStore struct {
	client *redis.Client
	logger *logging.ComponentLogger
	opts   Options

	failures atomic.Int32
}

// New wraps an existing client
func New(client *redis.Client, logger *logging.ComponentLogger, opts Options) *MemoStore {
	return &MemoStore{
		client: client,
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// Open creates a client from a redis:// URL. It does not contact the server;
// call Ping for that.
func Open(url string, logger *logging.ComponentLogger, opts Options) (*MemoStore, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	ro.MaxRetries = 3
	ro.MinRetryBackoff = 100 * time.Millisecond
	ro.MaxRetryBackoff = 2 * time.Second
	ro.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
		logger.Info().Str("addr", ro.Addr).Msg("Redis connected")
		return nil
	}

	return New(redis.NewClient(ro), logger, opts), nil
}

// Ping checks the connection, retrying with exponential backoff. Exhausting
// the attempts returns ErrRetryBudgetExhausted.
func (s *MemoStore) Ping(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.PingInitialInterval
	eb.MaxInterval = s.opts.PingMaxInterval
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.opts.PingAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return s.client.Ping(ctx).Err()
	}, policy, func(err error, delay time.Duration) {
		s.logger.Info().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Redis reconnecting")
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: ping failed after %d attempts: %v", ErrRetryBudgetExhausted, attempt, err)
	}
	return nil
}

// Close releases the connection pool
func (s *MemoStore) Close() error {
	return s.client.Close()
}

func memoKey(key string) string {
	return memoKeyPrefix + key
}

func authorKey(owner string) string {
	return authorKeyPrefix + owner
}

// recordFailure tracks consecutive write failures and escalates once the
// budget is spent.
func (s *MemoStore) recordFailure(err error) error {
	n := s.failures.Add(1)
	if int(n) >= s.opts.MaxConsecutiveFailures {
		return fmt.Errorf("%w: %d consecutive write failures: %v", ErrRetryBudgetExhausted, n, err)
	}
	return err
}

func (s *MemoStore) recordSuccess() {
	s.failures.Store(0)
}
