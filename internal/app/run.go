package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sessrun/sessrun/internal/metrics"
	"github.com/sessrun/sessrun/internal/processor"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

// queueGaugeEvery is the cadence of the queue-depth gauge refresh.
const queueGaugeEvery = 5 * time.Second

// runner is the worker contract every long-lived component satisfies.
type runner interface {
	Run(ctx context.Context) error
}

// Run provisions the first session and supervises every worker until
// the context ends or, in backtest mode, the replay range is drained.
// It owns teardown: the notification queue closes and external
// connections are released before it returns.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.close()
	defer r.queue.Close()

	day, err := r.firstSessionDay()
	if err != nil {
		return err
	}
	if _, err := r.coord.StartSession(ctx, day); err != nil {
		return err
	}
	if r.live != nil {
		if err := r.live.Subscribe(ctx, r.cfg.SessionData.Symbols); err != nil {
			return err
		}
	}

	// The coordinator exiting cleanly (driver input closed, replay
	// done) must stop the whole group, not just its own goroutine; the
	// explicit cancel covers the return-nil case errgroup ignores.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if r.backtest != nil {
		r.supervise(g, gctx, "backtest driver", r.backtest)
	} else {
		if fr, ok := r.feedAdapter.(runner); ok {
			r.supervise(g, gctx, "feed", fr)
		}
		r.supervise(g, gctx, "live driver", r.live)
	}
	g.Go(func() error {
		defer cancel()
		return ignoreCanceled(r.coord.Run(gctx))
	})
	r.supervise(g, gctx, "processor", r.proc)
	r.supervise(g, gctx, "boundary monitor", r.boundary)
	r.supervise(g, gctx, "gap filler", r.gapFiller)
	r.supervise(g, gctx, "prefetcher", r.prefetch)
	if r.scanners != nil {
		r.supervise(g, gctx, "scanner scheduler", r.scanners)
	}
	if r.pub != nil {
		r.supervise(g, gctx, "redis publisher", r.pub)
	}
	if r.server != nil {
		r.supervise(g, gctx, "monitor server", r.server)
	}
	g.Go(func() error { return r.queueGaugeLoop(gctx) })

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("runtime stopped on error")
		return err
	}
	log.Info().Msg("runtime stopped")
	return nil
}

func (r *Runtime) supervise(g *errgroup.Group, ctx context.Context, name string, w runner) {
	g.Go(func() error {
		if err := ignoreCanceled(w.Run(ctx)); err != nil {
			log.Error().Err(err).Str("worker", name).Msg("worker failed")
			return err
		}
		return nil
	})
}

// ignoreCanceled strips the context error workers return on an orderly
// shutdown, so a drained replay or a signal exit reports success.
func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// queueGaugeLoop keeps the queue-depth gauges current. Depths are only
// sampled, never enforced here; backpressure lives in the channels.
func (r *Runtime) queueGaugeLoop(ctx context.Context) error {
	ticker := time.NewTicker(queueGaugeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.metrics.QueueDepth.WithLabelValues("processor").Set(float64(len(r.procIn)))
			r.metrics.QueueDepth.WithLabelValues("notifications").Set(float64(r.queue.Len()))
		}
	}
}

// DaySummary is one completed trading day's closing snapshot, captured
// at the roll while the store still holds the day.
type DaySummary struct {
	Date    time.Time                 `json:"date"`
	Symbols []sessiondata.SymbolStats `json:"symbols"`
}

// Summary aggregates a finished run. Backtest commands print it after
// the replay; live runs expose the same figures through /status.
type Summary struct {
	Days         []DaySummary     `json:"days"`
	BarsReplayed uint64           `json:"bars_replayed"`
	DaysReplayed uint64           `json:"days_replayed"`
	Processor    processor.Stats  `json:"processor"`
	Counters     metrics.Snapshot `json:"counters"`
}

// Summary snapshots the run so far. Call after Run returns for final
// figures.
func (r *Runtime) Summary() Summary {
	s := Summary{
		Days:      r.summary.days(),
		Processor: r.proc.Stats(),
		Counters:  r.metrics.Snapshot(),
	}
	if r.backtest != nil {
		s.BarsReplayed = r.backtest.BarsEmitted()
		s.DaysReplayed = r.backtest.DaysReplayed()
	}
	if r.live != nil {
		s.BarsReplayed = r.live.BarsEmitted()
	}
	return s
}

// summaryRecorder accumulates per-day closing stats off the roll hook.
type summaryRecorder struct {
	mu   sync.Mutex
	rows []DaySummary
}

func newSummaryRecorder() *summaryRecorder {
	return &summaryRecorder{}
}

// onRoll returns the roll hook that captures the ending day's symbol
// stats. The hook runs after deactivation but before the store clears,
// so internal reads still see the full day.
func (s *summaryRecorder) onRoll(store *sessiondata.Store) func(ctx context.Context, day time.Time) {
	return func(_ context.Context, day time.Time) {
		stats := store.SymbolStats(true)
		s.mu.Lock()
		s.rows = append(s.rows, DaySummary{Date: day, Symbols: stats})
		s.mu.Unlock()
	}
}

func (s *summaryRecorder) days() []DaySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DaySummary, len(s.rows))
	copy(out, s.rows)
	return out
}
