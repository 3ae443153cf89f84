package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/decoder"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/health"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/store"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/stream"
)

func TestProcessorStoresDecodedMemo(t *testing.T) {
	st, _ := newTestStore(t)
	tracker := health.NewTracker()
	p := NewProcessor(st, tracker, logging.NewNop(), nil)

	p.Handle(context.Background(), &stream.AccountUpdate{Slot: 42, Key: keyA, Data: memoData(t, "gm", 1), Source: "stream"})

	got, err := st.Get(context.Background(), keyA)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "gm", got.Text)
	assert.Equal(t, uint64(42), got.IndexedAtSlot)

	status, _ := tracker.Status(health.ComponentStore)
	assert.Equal(t, health.StatusHealthy, status)
}

func TestProcessorSkipsNonMemoAccounts(t *testing.T) {
	st, _ := newTestStore(t)
	tracker := health.NewTracker()
	tracker.Update(health.ComponentDecoder, health.StatusHealthy, "")
	p := NewProcessor(st, tracker, logging.NewNop(), nil)

	p.Handle(context.Background(), &stream.AccountUpdate{Slot: 42, Key: keyA, Data: []byte("garbage"), Source: "stream"})

	got, err := st.Get(context.Background(), keyA)
	require.NoError(t, err)
	assert.Nil(t, got)

	cursor, err := st.GetCursor(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cursor.LastSlot)
	assert.True(t, tracker.IsHealthy())
}

func TestProcessorStoreFailureMarksUnhealthyThenRecovers(t *testing.T) {
	st, mr := newTestStore(t)
	tracker := health.NewTracker()
	p := NewProcessor(st, tracker, logging.NewNop(), nil)
	ctx := context.Background()

	require.NoError(t, mr.Set(store.RecentKey, "wrong type"))
	p.Handle(ctx, &stream.AccountUpdate{Slot: 1, Key: keyA, Data: memoData(t, "a", 1)})

	status, _ := tracker.Status(health.ComponentStore)
	assert.Equal(t, health.StatusUnhealthy, status)
	assert.NotEmpty(t, tracker.Snapshot()[health.ComponentStore].Detail)

	mr.Del(store.RecentKey)
	p.Handle(ctx, &stream.AccountUpdate{Slot: 2, Key: keyB, Data: memoData(t, "b", 2)})

	status, _ = tracker.Status(health.ComponentStore)
	assert.Equal(t, health.StatusHealthy, status)
}

func TestProcessorReportsExhaustedStoreAsFatal(t *testing.T) {
	st, mr := newTestStore(t)
	var fatal error
	p := NewProcessor(st, health.NewTracker(), logging.NewNop(), func(err error) { fatal = err })
	ctx := context.Background()

	require.NoError(t, mr.Set(store.RecentKey, "wrong type"))

	p.Handle(ctx, &stream.AccountUpdate{Slot: 1, Key: keyA, Data: memoData(t, "a", 1)})
	assert.Nil(t, fatal)

	p.Handle(ctx, &stream.AccountUpdate{Slot: 2, Key: keyB, Data: memoData(t, "b", 2)})
	require.Error(t, fatal)
	assert.True(t, errors.Is(fatal, store.ErrRetryBudgetExhausted))
}

func TestProcessorRecoversPanics(t *testing.T) {
	st, _ := newTestStore(t)
	tracker := health.NewTracker()
	p := NewProcessor(st, tracker, logging.NewNop(), nil)
	p.decode = func(string, []byte) decoder.Result { panic("boom") }

	assert.NotPanics(t, func() {
		p.Handle(context.Background(), &stream.AccountUpdate{Slot: 1, Key: keyA, Data: []byte{1}})
	})

	status, _ := tracker.Status(health.ComponentDecoder)
	assert.Equal(t, health.StatusUnhealthy, status)
	assert.Contains(t, tracker.Snapshot()[health.ComponentDecoder].Detail, "boom")

	// The next good item clears the decoder component.
	p.decode = decoder.Decode
	p.Handle(context.Background(), &stream.AccountUpdate{Slot: 2, Key: keyA, Data: memoData(t, "ok", 1)})
	status, _ = tracker.Status(health.ComponentDecoder)
	assert.Equal(t, health.StatusHealthy, status)
}
