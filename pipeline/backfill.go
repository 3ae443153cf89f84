package pipeline

import (
	"context"
	"fmt"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/chainrpc"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/metrics"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/stream"
)

// ChainReader is the chain surface used by backfill and reconciliation
type ChainReader interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetProgramAccounts(ctx context.Context) ([]chainrpc.ProgramAccount, error)
	GetProgramAccountsChangedSince(ctx context.Context, sinceSlot uint64) ([]chainrpc.ProgramAccount, error)
}

// Enqueuer accepts updates without blocking
type Enqueuer interface {
	TryEnqueue(update *stream.AccountUpdate) bool
}

// Backfill enumerates every program account once and enqueues each stamped
// with the slot fetched before enumeration. The returned slot is where the
// stream should start. Callers run it only against an empty cursor.
func Backfill(ctx context.Context, chain ChainReader, queue Enqueuer, logger *logging.ComponentLogger) (uint64, error) {
	slot, err := chain.GetSlot(ctx)
	if err != nil {
		return 0, fmt.Errorf("backfill: %w", err)
	}

	logger.Info().Uint64("slot", slot).Msg("Backfilling existing accounts")
	accounts, err := chain.GetProgramAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("backfill: %w", err)
	}
	metrics.AddBackfillAccounts(len(accounts))

	queued := 0
	for _, acct := range accounts {
		if queue.TryEnqueue(&stream.AccountUpdate{
			Slot:   slot,
			Key:    acct.Key,
			Data:   acct.Data,
			Source: metrics.SourceBackfill,
		}) {
			queued++
		}
	}

	logger.Info().
		Int("count", len(accounts)).
		Int("queued", queued).
		Uint64("slot", slot).
		Msg("Backfill fetched")
	return slot, nil
}
