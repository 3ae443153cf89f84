package indexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/chainrpc"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/config"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/decoder"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/store"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/stream"
)

const (
	keyA   = "BxjTHjhEP4BfW9KWFB6uXnhPNeQQjFNMgYuFJnmFrkMK"
	keyB   = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	author = "9aBkp5kKJ5iziMqWAPaXvCDDBMJtn1ep2UuPBNQ3WMYC"
)

// fakeSource is a Source driven by the test
type fakeSource struct {
	events chan stream.Event

	mu         sync.Mutex
	connected  bool
	fromSlot   *uint64
	connectErr error
	shutdowns  int
	lastSlot   uint64
	closeOnce  sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan stream.Event, 64)}
}

func (f *fakeSource) Connect(ctx context.Context, fromSlot *uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	if fromSlot != nil {
		v := *fromSlot
		f.fromSlot = &v
	}
	return nil
}

func (f *fakeSource) Events() <-chan stream.Event { return f.events }

func (f *fakeSource) LastSlot() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSlot
}

func (f *fakeSource) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeSource) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSource) startSlot() *uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fromSlot
}

type fakeChain struct {
	mu       sync.Mutex
	slot     uint64
	accounts []chainrpc.ProgramAccount
	fullRuns int
}

func (c *fakeChain) GetSlot(ctx context.Context) (uint64, error) {
	return c.slot, nil
}

func (c *fakeChain) GetProgramAccounts(ctx context.Context) ([]chainrpc.ProgramAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fullRuns++
	return c.accounts, nil
}

func (c *fakeChain) GetProgramAccountsChangedSince(ctx context.Context, sinceSlot uint64) ([]chainrpc.ProgramAccount, error) {
	return nil, nil
}

func (c *fakeChain) backfills() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullRuns
}

func memoData(t *testing.T, text string, nonce uint64) []byte {
	t.Helper()
	data, err := decoder.Encode(&decoder.Memo{Owner: author, Text: text, Timestamp: 1708533600, Nonce: nonce, Bump: 1})
	require.NoError(t, err)
	return data
}

type harness struct {
	app    *App
	source *fakeSource
	chain  *fakeChain
	store  *store.MemoStore
	mr     *miniredis.Miniredis
	addr   string
	done   chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T, mutate func(*config.Config), storeOpts store.Options) *harness {
	t.Helper()
	mr := miniredis.RunT(t)

	// The app closes the store during shutdown.
	st := store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logging.NewNop(), storeOpts)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.ReconcileInterval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		source: newFakeSource(),
		chain:  &fakeChain{slot: 1000},
		store:  st,
		mr:     mr,
		addr:   lis.Addr().String(),
		done:   make(chan error, 1),
	}
	h.app = New(Deps{
		Config:         cfg,
		Logger:         logging.NewNop(),
		Store:          st,
		Chain:          h.chain,
		Source:         h.source,
		HealthListener: lis,
	})
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.app.Run(ctx) }()
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// reader opens a second client since the app owns and closes its own
func (h *harness) reader(t *testing.T) *store.MemoStore {
	t.Helper()
	st := store.New(redis.NewClient(&redis.Options{Addr: h.mr.Addr()}), logging.NewNop(), store.Options{})
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestColdStartBackfillsThenStreams(t *testing.T) {
	h := newHarness(t, nil, store.Options{})
	h.chain.accounts = []chainrpc.ProgramAccount{{Key: keyA, Data: memoData(t, "from backfill", 1)}}
	h.start()

	require.Eventually(t, h.source.isConnected, 5*time.Second, 5*time.Millisecond)
	require.NotNil(t, h.source.startSlot())
	assert.Equal(t, uint64(1000), *h.source.startSlot())
	assert.Equal(t, 1, h.chain.backfills())

	h.source.events <- stream.Event{Update: &stream.AccountUpdate{Slot: 1001, Key: keyB, Data: memoData(t, "from stream", 2), Source: "stream"}}

	reader := h.reader(t)
	require.Eventually(t, func() bool {
		keys, err := reader.ListByAuthor(context.Background(), author)
		return err == nil && len(keys) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, h.app.Tracker().IsHealthy, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get(fmt.Sprintf("http://%s/ready", h.addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stats, err := reader.GetStats(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.StartedAt.IsZero())

	h.cancel()
	require.NoError(t, h.wait(t))
	assert.Equal(t, 1, h.source.shutdowns)
}

func TestResumesFromCursorWithoutBackfill(t *testing.T) {
	h := newHarness(t, nil, store.Options{})
	h.mr.HSet(store.CursorKey, "lastSlot", "777")
	h.start()

	require.Eventually(t, h.source.isConnected, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(777), *h.source.startSlot())
	assert.Zero(t, h.chain.backfills())

	h.cancel()
	require.NoError(t, h.wait(t))
}

func TestStreamErrorThresholdIsFatal(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxStreamErrors = 3 }, store.Options{})
	h.start()
	require.Eventually(t, h.source.isConnected, 5*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		h.source.events <- stream.Event{Err: errors.New("connection reset")}
	}

	err := h.wait(t)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Contains(t, fatal.Reason, "3 consecutive stream errors")
	assert.Equal(t, 1, h.source.shutdowns)
}

func TestAccountEventResetsStreamErrorCount(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxStreamErrors = 3 }, store.Options{})
	h.start()
	require.Eventually(t, h.source.isConnected, 5*time.Second, 5*time.Millisecond)

	for round := 0; round < 3; round++ {
		h.source.events <- stream.Event{Err: errors.New("transient")}
		h.source.events <- stream.Event{Err: errors.New("transient")}
		h.source.events <- stream.Event{Update: &stream.AccountUpdate{
			Slot: uint64(2000 + round), Key: keyA, Data: memoData(t, "still alive", 1), Source: "stream",
		}}
	}

	reader := h.reader(t)
	require.Eventually(t, func() bool {
		got, err := reader.Get(context.Background(), keyA)
		return err == nil && got != nil && got.IndexedAtSlot == 2002
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-h.done:
		t.Fatalf("Run returned early: %v", err)
	default:
	}

	h.cancel()
	require.NoError(t, h.wait(t))
}

func TestStoreBudgetExhaustionIsFatal(t *testing.T) {
	h := newHarness(t, nil, store.Options{MaxConsecutiveFailures: 2})
	h.start()
	require.Eventually(t, h.source.isConnected, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.mr.Set(store.RecentKey, "wrong type"))
	h.source.events <- stream.Event{Update: &stream.AccountUpdate{Slot: 1, Key: keyA, Data: memoData(t, "a", 1)}}
	h.source.events <- stream.Event{Update: &stream.AccountUpdate{Slot: 2, Key: keyB, Data: memoData(t, "b", 2)}}

	err := h.wait(t)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, store.ErrRetryBudgetExhausted)
}

func TestUnreachableRedisFailsStartup(t *testing.T) {
	h := newHarness(t, nil, store.Options{
		PingAttempts:        2,
		PingInitialInterval: time.Millisecond,
		PingMaxInterval:     time.Millisecond,
	})
	h.mr.Close()
	h.start()

	err := h.wait(t)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.False(t, h.source.isConnected())
}

func TestStreamConnectFailure(t *testing.T) {
	h := newHarness(t, nil, store.Options{})
	h.source.connectErr = errors.New("unauthorized")
	h.start()

	err := h.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
	var fatal *FatalError
	assert.False(t, errors.As(err, &fatal))
}

func TestShutdownRunsOnce(t *testing.T) {
	h := newHarness(t, nil, store.Options{})
	h.start()
	require.Eventually(t, h.source.isConnected, 5*time.Second, 5*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))

	// A second call is a no-op and reports the same result.
	assert.NoError(t, h.app.Shutdown(context.Background()))
	assert.Equal(t, 1, h.source.shutdowns)
}

func TestFatalErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := error(&FatalError{Reason: "redis", Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "fatal: redis: boom", err.Error())
	assert.Equal(t, "fatal: stream closed", (&FatalError{Reason: "stream closed"}).Error())
}
