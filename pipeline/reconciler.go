package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/decoder"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/metrics"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/store"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/stream"
)

// ReconcileStore is the store surface used by reconciliation
type ReconcileStore interface {
	GetCursor(ctx context.Context) (store.Cursor, error)
	Exists(ctx context.Context, key string) (bool, error)
	SetLastReconciledSlot(ctx context.Context, slot uint64) error
}

// ReconcileReport summarises one pass
type ReconcileReport struct {
	ChangedSinceSlot uint64
	Slot             uint64
	Scanned          int
	Missing          int
	Queued           int
}

// Reconciler periodically re-enumerates recently changed accounts and
// enqueues any the store does not know about. It only checks presence:
// a stored record at an older slot is not refreshed.
type Reconciler struct {
	chain  ChainReader
	store  ReconcileStore
	queue  Enqueuer
	logger *logging.ComponentLogger

	interval time.Duration
	cron     *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewReconciler creates a reconciler that runs every interval once started
func NewReconciler(chain ChainReader, st ReconcileStore, queue Enqueuer, interval time.Duration, logger *logging.ComponentLogger) *Reconciler {
	cronLogger := logging.NewCronLogger(logger)
	return &Reconciler{
		chain:    chain,
		store:    st,
		queue:    queue,
		logger:   logger,
		interval: interval,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}
}

// Start schedules passes. The first pass runs one interval after Start.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("reconciler already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := r.cron.AddFunc(spec, func() { r.Reconcile(r.ctx) }); err != nil {
		r.cancel()
		r.cancel = nil
		return fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	r.cron.Start()

	r.logger.Info().Dur("interval", r.interval).Msg("Reconciler scheduled")
	return nil
}

// Stop cancels any running pass and waits for it to return
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile runs one pass and absorbs any failure
func (r *Reconciler) Reconcile(ctx context.Context) {
	report, err := r.RunOnce(ctx)
	if err != nil {
		metrics.RecordReconcile("failed", 0)
		r.logger.Error().Err(err).Msg("Reconciliation failed")
		return
	}

	metrics.RecordReconcile("ok", report.Queued)
	if report.Missing > 0 {
		r.logger.Info().
			Int("queued", report.Queued).
			Int("missing", report.Missing).
			Int("total", report.Scanned).
			Uint64("changed_since_slot", report.ChangedSinceSlot).
			Uint64("slot", report.Slot).
			Msg("Reconciliation found gaps")
		return
	}
	r.logger.Debug().
		Int("total", report.Scanned).
		Uint64("changed_since_slot", report.ChangedSinceSlot).
		Uint64("slot", report.Slot).
		Msg("Reconciliation clean")
}

// RunOnce performs one pass. On error lastReconciledSlot is left unchanged.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	cursor, err := r.store.GetCursor(ctx)
	if err != nil {
		return report, err
	}
	report.ChangedSinceSlot = cursor.LastReconciledSlot

	slot, err := r.chain.GetSlot(ctx)
	if err != nil {
		return report, err
	}
	report.Slot = slot

	accounts, err := r.chain.GetProgramAccountsChangedSince(ctx, report.ChangedSinceSlot)
	if err != nil {
		return report, err
	}
	report.Scanned = len(accounts)

	for _, acct := range accounts {
		exists, err := r.store.Exists(ctx, acct.Key)
		if err != nil {
			return report, err
		}
		if exists {
			continue
		}
		if decoder.Decode(acct.Key, acct.Data).NotApplicable() {
			continue
		}

		report.Missing++
		if r.queue.TryEnqueue(&stream.AccountUpdate{
			Slot:   slot,
			Key:    acct.Key,
			Data:   acct.Data,
			Source: metrics.SourceReconcile,
		}) {
			report.Queued++
		}
	}

	if err := r.store.SetLastReconciledSlot(ctx, slot); err != nil {
		return report, err
	}
	return report, nil
}
