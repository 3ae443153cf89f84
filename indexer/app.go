package indexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/config"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/health"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/logging"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/pipeline"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/store"
	"github.com/withObsrvr/ttp-processor-demo/memo-indexer/stream"
)

const shutdownTimeout = 10 * time.Second

// Deps are the collaborators the indexer runs with. Everything is built by
// the caller so tests can substitute fakes.
type Deps struct {
	Config *config.Config
	Logger *logging.ComponentLogger
	Store  *store.MemoStore
	Chain  pipeline.ChainReader
	Source stream.Source

	// HealthListener overrides binding Config.HealthPort.
	HealthListener net.Listener
}

// App is the running indexer: one queue worker fed by the stream and the
// reconciler, plus the health server.
type App struct {
	cfg    *config.Config
	logger *logging.ComponentLogger

	store      *store.MemoStore
	chain      pipeline.ChainReader
	source     stream.Source
	tracker    *health.Tracker
	queue      *pipeline.Queue
	processor  *pipeline.Processor
	reconciler *pipeline.Reconciler
	health     *health.Server
	listener   net.Listener

	fatal        chan error
	streamErrors int

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires the pipeline around deps
func New(deps Deps) *App {
	cfg := deps.Config
	logger := deps.Logger

	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    deps.Store,
		chain:    deps.Chain,
		source:   deps.Source,
		tracker:  health.NewTracker(),
		listener: deps.HealthListener,
		fatal:    make(chan error, 1),
	}

	a.queue = pipeline.NewQueue(cfg.QueueCapacity, logger.Component("queue"))
	a.processor = pipeline.NewProcessor(deps.Store, a.tracker, logger.Component("store"), a.reportFatal)
	a.reconciler = pipeline.NewReconciler(deps.Chain, deps.Store, a.queue, cfg.ReconcileInterval, logger.Component("reconcile"))
	a.health = health.NewServer(cfg.HealthPort, a.tracker, health.Probes{
		LastSlot:   deps.Source.LastSlot,
		QueueDepth: a.queue.Len,
	}, time.Now(), logger.Component("health"))

	return a
}

// Tracker exposes component health
func (a *App) Tracker() *health.Tracker {
	return a.tracker
}

// Run starts the indexer and blocks until ctx is cancelled or a fatal
// condition occurs. Cancellation returns nil; a fatal condition returns a
// *FatalError; a startup failure returns its error. Shutdown has always run
// by the time Run returns.
func (a *App) Run(ctx context.Context) error {
	a.tracker.Update(health.ComponentStream, health.StatusStarting, "")
	a.tracker.Update(health.ComponentStore, health.StatusStarting, "")
	a.tracker.Update(health.ComponentDecoder, health.StatusHealthy, "")

	if a.listener == nil {
		lis, err := a.health.Listen()
		if err != nil {
			_ = a.Shutdown(context.Background())
			return err
		}
		a.listener = lis
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.health.Serve(a.listener)
	})
	g.Go(func() error {
		return a.queue.Run(gctx, a.processor.Handle)
	})
	g.Go(func() error {
		err := a.run(gctx)
		if errors.Is(err, context.Canceled) && gctx.Err() != nil {
			err = nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := a.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error().Err(serr).Msg("Shutdown completed with errors")
		}
		return err
	})

	err := g.Wait()
	var fatal *FatalError
	if errors.As(err, &fatal) {
		a.logger.Error().Err(err).Msg("Indexer stopped on fatal condition")
	}
	return err
}

func (a *App) run(ctx context.Context) error {
	startedAt := time.Now()

	if err := a.store.Ping(ctx); err != nil {
		if errors.Is(err, store.ErrRetryBudgetExhausted) {
			return &FatalError{Reason: "redis unreachable", Err: err}
		}
		return err
	}
	a.tracker.Update(health.ComponentStore, health.StatusHealthy, "")
	a.logger.Info().Msg("Redis PING ok")

	fromSlot, err := a.startSlot(ctx)
	if err != nil {
		return err
	}

	if err := a.store.SetStartedAt(ctx, startedAt); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to set startedAt")
	}

	if err := a.source.Connect(ctx, &fromSlot); err != nil {
		return fmt.Errorf("stream connect failed: %w", err)
	}
	a.tracker.Update(health.ComponentStream, health.StatusHealthy, "")

	if err := a.reconciler.Start(ctx); err != nil {
		return err
	}

	a.logger.Info().
		Str("program_id", a.cfg.ProgramID).
		Int("health_port", a.cfg.HealthPort).
		Uint64("from_slot", fromSlot).
		Msg("Indexer running")

	return a.dispatch(ctx)
}

// startSlot resumes from the cursor, or backfills on a cold start
func (a *App) startSlot(ctx context.Context) (uint64, error) {
	cursor, err := a.store.GetCursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	if cursor.LastSlot > 0 {
		a.logger.Info().Uint64("from_slot", cursor.LastSlot).Msg("Resuming from cursor")
		return cursor.LastSlot, nil
	}

	slot, err := pipeline.Backfill(ctx, a.chain, a.queue, a.logger.Component("backfill"))
	if err != nil {
		return 0, err
	}
	return slot, nil
}

// dispatch moves stream events into the queue and counts consecutive errors
func (a *App) dispatch(ctx context.Context) error {
	events := a.source.Events()
	streamHealthy := true

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Shutting down")
			return nil

		case err := <-a.fatal:
			return err

		case ev, ok := <-events:
			if !ok {
				return &FatalError{Reason: "account stream closed"}
			}

			if ev.Err != nil {
				a.streamErrors++
				streamHealthy = false
				a.tracker.Update(health.ComponentStream, health.StatusUnhealthy, ev.Err.Error())
				if a.streamErrors >= a.cfg.MaxStreamErrors {
					a.logger.Error().Int("errors", a.streamErrors).Msg("Too many stream errors, exiting")
					return &FatalError{
						Reason: fmt.Sprintf("%d consecutive stream errors", a.streamErrors),
						Err:    ev.Err,
					}
				}
				continue
			}

			a.streamErrors = 0
			if !streamHealthy {
				streamHealthy = true
				a.tracker.Update(health.ComponentStream, health.StatusHealthy, "")
			}
			a.queue.TryEnqueue(ev.Update)
		}
	}
}

func (a *App) reportFatal(err error) {
	select {
	case a.fatal <- &FatalError{Reason: "redis retry budget exhausted", Err: err}:
	default:
	}
}

// Shutdown stops everything in order: health server, reconciler, stream,
// queue worker, then Redis. Each step runs even if an earlier one failed.
// Only the first call does anything.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		steps := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"health server", a.health.Shutdown},
			{"reconciler", a.reconciler.Stop},
			{"stream", a.source.Shutdown},
			{"queue", a.queue.Stop},
			{"redis", func(context.Context) error { return a.store.Close() }},
		}

		var errs []error
		for _, step := range steps {
			if err := step.fn(ctx); err != nil {
				a.logger.Warn().Err(err).Str("step", step.name).Msg("Shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			}
		}
		a.shutdownErr = errors.Join(errs...)
		a.logger.Info().Msg("Shutdown complete")
	})
	return a.shutdownErr
}
