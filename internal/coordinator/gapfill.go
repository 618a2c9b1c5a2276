package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/barstore"
	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/driver"
	"github.com/sessrun/sessrun/internal/metrics"
	"github.com/sessrun/sessrun/internal/processor"
	"github.com/sessrun/sessrun/internal/quality"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

// Gap fill attempt outcomes, used as the result label on the gap fill
// metrics.
const (
	gapRecovered = "recovered"
	gapEmpty     = "empty"
	gapError     = "error"
	gapExhausted = "exhausted"
)

// GapFillerConfig bounds the retry loop. Each sweep makes one attempt
// per outstanding gap, so RetryEvery is both the sweep cadence and the
// spacing between attempts.
type GapFillerConfig struct {
	MaxRetries     int
	RetryEvery     time.Duration
	SessionQuality bool
}

// GapFiller re-queries the bar store for gaps the session store has
// recorded and merges whatever shows up, letting the processor derive
// retroactively. A gap that stays empty after MaxRetries attempts is
// abandoned until the series changes again. With SessionQuality it
// also refreshes the intraday quality score each sweep.
type GapFiller struct {
	store   *sessiondata.Store
	bars    barstore.Store
	proc    *processor.Processor
	checker *quality.Checker
	cal     *calendar.Calendar
	clock   driver.Clock
	metrics *metrics.Registry
	cfg     GapFillerConfig

	mu       sync.Mutex
	attempts map[gapKey]int
}

type gapKey struct {
	symbol string
	iv     domain.Interval
	from   int64
}

// NewGapFiller wires a filler over the session store and its backing
// bar store. Zero config values take the session defaults: three
// retries, five seconds apart.
func NewGapFiller(store *sessiondata.Store, bars barstore.Store, proc *processor.Processor,
	checker *quality.Checker, cal *calendar.Calendar, clock driver.Clock,
	reg *metrics.Registry, cfg GapFillerConfig) *GapFiller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = 5 * time.Second
	}
	return &GapFiller{
		store:    store,
		bars:     bars,
		proc:     proc,
		checker:  checker,
		cal:      cal,
		clock:    clock,
		metrics:  reg,
		cfg:      cfg,
		attempts: make(map[gapKey]int),
	}
}

// Run sweeps on the retry cadence until the context ends.
func (g *GapFiller) Run(ctx context.Context) error {
	log.Info().Dur("retry_every", g.cfg.RetryEvery).Int("max_retries", g.cfg.MaxRetries).
		Bool("session_quality", g.cfg.SessionQuality).Msg("gap filler started")
	ticker := time.NewTicker(g.cfg.RetryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gap filler stopping")
			return ctx.Err()
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep makes one pass over every registered symbol: attempt each
// outstanding gap once, derive after recoveries, refresh quality when
// enabled.
func (g *GapFiller) Sweep(ctx context.Context) {
	seen := make(map[gapKey]bool)
	for _, sym := range g.store.GetActiveSymbols(true) {
		recovered := false
		for iv, gaps := range g.store.GapReport(sym) {
			for _, gap := range gaps {
				key := gapKey{symbol: sym, iv: iv, from: gap.From.Unix()}
				seen[key] = true
				if g.fillGap(ctx, sym, iv, gap, key) {
					recovered = true
				}
			}
		}
		if recovered {
			if _, err := g.proc.Backfill(sym); err != nil {
				log.Error().Err(err).Str("symbol", sym).Msg("post-fill derivation failed")
			}
		}
		if g.cfg.SessionQuality {
			g.refreshQuality(sym)
		}
	}
	g.prune(seen)
}

// fillGap makes one attempt on one gap and reports whether bars were
// recovered.
func (g *GapFiller) fillGap(ctx context.Context, symbol string, iv domain.Interval, gap domain.GapSpan, key gapKey) bool {
	g.mu.Lock()
	n := g.attempts[key]
	if n >= g.cfg.MaxRetries {
		g.mu.Unlock()
		return false
	}
	g.attempts[key] = n + 1
	g.mu.Unlock()

	bars, err := g.bars.GetBars(ctx, symbol, iv, gap.From, gap.To)
	if err != nil {
		g.metrics.GapFillAttempts.WithLabelValues(gapError).Inc()
		log.Warn().Err(err).Str("symbol", symbol).Str("interval", iv.String()).
			Time("from", gap.From).Time("to", gap.To).Msg("gap query failed")
		return false
	}
	if len(bars) == 0 {
		if n+1 >= g.cfg.MaxRetries {
			g.metrics.GapFillAttempts.WithLabelValues(gapExhausted).Inc()
			log.Warn().Str("symbol", symbol).Str("interval", iv.String()).
				Time("from", gap.From).Time("to", gap.To).Int("attempts", n+1).
				Msg("gap not recoverable from store, giving up")
		} else {
			g.metrics.GapFillAttempts.WithLabelValues(gapEmpty).Inc()
		}
		return false
	}

	inserted, _, err := g.store.MergeBars(symbol, iv, bars)
	if err != nil {
		g.metrics.GapFillAttempts.WithLabelValues(gapError).Inc()
		log.Error().Err(err).Str("symbol", symbol).Str("interval", iv.String()).
			Msg("gap merge failed")
		return false
	}
	if inserted == 0 {
		g.metrics.GapFillAttempts.WithLabelValues(gapEmpty).Inc()
		return false
	}

	g.metrics.GapFillAttempts.WithLabelValues(gapRecovered).Inc()
	g.mu.Lock()
	delete(g.attempts, key)
	g.mu.Unlock()
	log.Info().Str("symbol", symbol).Str("interval", iv.String()).
		Time("from", gap.From).Time("to", gap.To).Int("bars", inserted).
		Msg("gap recovered")
	return true
}

// refreshQuality rewrites the intraday base-interval quality from what
// has arrived so far. Skipped while the session is paused so it cannot
// race a provisioning pipeline's own quality step.
func (g *GapFiller) refreshQuality(symbol string) {
	if !g.store.IsActive() {
		return
	}
	now := g.clock.Now()
	open, _, ok := g.cal.SessionWindow(now)
	if !ok {
		return
	}
	base, _, ok := g.store.GetIntervals(symbol, true)
	if !ok {
		return
	}
	actual := len(g.store.GetBarsSince(symbol, base, open, true))
	score, ok := g.checker.IntradayQuality(actual, now, base)
	if !ok {
		return
	}
	if err := g.store.SetIntervalQuality(symbol, base, score); err != nil {
		return
	}
	if err := g.store.SetQuality(symbol, score); err == nil {
		g.metrics.QualityScore.WithLabelValues(symbol).Set(score)
	}
}

// prune drops attempt bookkeeping for gaps that no longer exist, so
// the map stays bounded by the live gap count.
func (g *GapFiller) prune(seen map[gapKey]bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.attempts {
		if !seen[key] {
			delete(g.attempts, key)
		}
	}
}
