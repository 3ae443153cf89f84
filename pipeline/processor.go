package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/decoder"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/health"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/metrics"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/store"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/stream"
)

// MemoWriter is the store surface the processor needs
type MemoWriter interface {
	Put(ctx context.Context, memo *decoder.Memo, slot uint64) (store.PutResult, error)
}

// Processor decodes and stores one update at a time. Failures stay inside
// the item: they are logged and reflected in health, never returned.
type Processor struct {
	writer  MemoWriter
	tracker *health.Tracker
	logger  *logging.ComponentLogger
	onFatal func(error)
	decode  func(key string, data []byte) decoder.Result
}

// NewProcessor wires a processor. onFatal is called when the store reports
// that its retry budget is spent.
func NewProcessor(writer MemoWriter, tracker *health.Tracker, logger *logging.ComponentLogger, onFatal func(error)) *Processor {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Processor{
		writer:  writer,
		tracker: tracker,
		logger:  logger,
		onFatal: onFatal,
		decode:  decoder.Decode,
	}
}

// Handle implements Handler
func (p *Processor) Handle(ctx context.Context, update *stream.AccountUpdate) {
	start := time.Now()
	defer func() {
		metrics.ObserveProcessingDuration(time.Since(start).Seconds())
	}()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic processing %s: %v", update.Key, r)
			metrics.IncrementProcessingErrors(health.ComponentDecoder)
			p.logger.Error().
				Err(err).
				Str("key", update.Key).
				Uint64("slot", update.Slot).
				Msg("Pipeline error")
			p.tracker.Update(health.ComponentDecoder, health.StatusUnhealthy, err.Error())
		}
	}()

	res := p.decode(update.Key, update.Data)
	memo, ok := res.Decoded()
	if !ok {
		metrics.IncrementDecodeSkipped()
		p.logger.Debug().
			Str("key", update.Key).
			Uint64("slot", update.Slot).
			Str("reason", res.Reason()).
			Msg("Skipping non-memo account")
		return
	}

	result, err := p.writer.Put(ctx, memo, update.Slot)
	if err != nil {
		metrics.IncrementProcessingErrors(health.ComponentStore)
		p.logger.Error().
			Err(err).
			Str("key", update.Key).
			Uint64("slot", update.Slot).
			Str("source", update.Source).
			Msg("Pipeline error")
		p.tracker.Update(health.ComponentStore, health.StatusUnhealthy, err.Error())
		if errors.Is(err, store.ErrRetryBudgetExhausted) {
			p.onFatal(err)
		}
		return
	}

	metrics.RecordWrite(result.String())
	p.tracker.Update(health.ComponentStore, health.StatusHealthy, "")
	p.tracker.Update(health.ComponentDecoder, health.StatusHealthy, "")
}
