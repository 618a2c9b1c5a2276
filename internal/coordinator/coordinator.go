// Package coordinator owns the session lifecycle. It pulls inputs off
// the driver queue, appends base bars to the session store, paces the
// processor, polices processing lag, rolls the session across trading
// days, and serves the provisioning pipeline that adds symbols,
// intervals and indicators — before the open or in the middle of a
// running session.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/analyze"
	"github.com/sessrun/sessrun/internal/barstore"
	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/config"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/driver"
	"github.com/sessrun/sessrun/internal/feed"
	"github.com/sessrun/sessrun/internal/indicators"
	"github.com/sessrun/sessrun/internal/metrics"
	"github.com/sessrun/sessrun/internal/processor"
	"github.com/sessrun/sessrun/internal/quality"
	"github.com/sessrun/sessrun/internal/sessiondata"
	"github.com/sessrun/sessrun/internal/streamsub"
)

// RollHook runs during the end-of-day roll, after the session is
// deactivated and scored but before the store is cleared. Scanner
// teardown hangs off this.
type RollHook func(ctx context.Context, day time.Time)

// JoinFunc starts delivery for a symbol provisioned mid-session: the
// backtest driver's AddSymbol or a live feed subscribe.
type JoinFunc func(ctx context.Context, symbol string) error

// Deps are the collaborators the coordinator is wired with. Feed is
// nil in replay mode; Gate may be nil when nothing ever pauses
// delivery.
type Deps struct {
	Store      *sessiondata.Store
	Bars       barstore.Store
	Calendar   *calendar.Calendar
	Checker    *quality.Checker
	Analyzer   *analyze.Analyzer
	Indicators *indicators.Manager
	Processor  *processor.Processor
	Metrics    *metrics.Registry
	Feed       feed.Adapter
	Clock      driver.Clock
	Gate       *streamsub.Gate

	Input  <-chan driver.Input
	ProcIn chan<- processor.BarEvent
}

// Config holds the session config plus the pacing wiring. In
// data-driven mode the coordinator blocks after each forwarded bar
// until the processor signals the cycle complete.
type Config struct {
	Session          *config.Config
	DataDriven       bool
	CoordinatorReady *streamsub.Subscription
	Join             JoinFunc
}

// Coordinator is the session control plane. One goroutine runs the
// input loop; provisioning entry points are called from scanner or API
// goroutines and serialize on opMu.
type Coordinator struct {
	store   *sessiondata.Store
	bars    barstore.Store
	cal     *calendar.Calendar
	checker *quality.Checker

	analyzer *analyze.Analyzer
	mgr      *indicators.Manager
	proc     *processor.Processor
	metrics  *metrics.Registry
	feed     feed.Adapter
	clock    driver.Clock
	gate     *streamsub.Gate
	join     JoinFunc
	cfg      Config

	in     <-chan driver.Input
	procIn chan<- processor.BarEvent

	// opMu serializes session lifecycle changes: batch init, every
	// provisioning pipeline, and the end-of-day roll.
	opMu sync.Mutex

	mu         sync.Mutex
	plan       *analyze.SessionPlan
	pendingDay time.Time
	barCounts  map[string]int
	lagPaused  bool
	lastData   time.Time
	lastRoll   time.Time
	hooks      []RollHook
}

// New wires a coordinator. Missing required dependencies are a
// programming error surfaced at startup, not at first use.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("coordinator: session store required")
	case deps.Bars == nil:
		return nil, errors.New("coordinator: bar store required")
	case deps.Calendar == nil:
		return nil, errors.New("coordinator: calendar required")
	case deps.Checker == nil:
		return nil, errors.New("coordinator: quality checker required")
	case deps.Analyzer == nil:
		return nil, errors.New("coordinator: analyzer required")
	case deps.Indicators == nil:
		return nil, errors.New("coordinator: indicator manager required")
	case deps.Processor == nil:
		return nil, errors.New("coordinator: processor required")
	case deps.Metrics == nil:
		return nil, errors.New("coordinator: metrics registry required")
	case deps.Clock == nil:
		return nil, errors.New("coordinator: clock required")
	case deps.Input == nil:
		return nil, errors.New("coordinator: driver input required")
	case deps.ProcIn == nil:
		return nil, errors.New("coordinator: processor input required")
	case cfg.Session == nil:
		return nil, errors.New("coordinator: session config required")
	}
	if cfg.DataDriven && cfg.CoordinatorReady == nil {
		return nil, errors.New("coordinator: data-driven mode needs the ready subscription")
	}
	return &Coordinator{
		store:     deps.Store,
		bars:      deps.Bars,
		cal:       deps.Calendar,
		checker:   deps.Checker,
		analyzer:  deps.Analyzer,
		mgr:       deps.Indicators,
		proc:      deps.Processor,
		metrics:   deps.Metrics,
		feed:      deps.Feed,
		clock:     deps.Clock,
		gate:      deps.Gate,
		join:      cfg.Join,
		cfg:       cfg,
		in:        deps.Input,
		procIn:    deps.ProcIn,
		barCounts: make(map[string]int),
	}, nil
}

// OnRoll appends an end-of-day hook. Register before Run; hooks run on
// the roll path in registration order.
func (c *Coordinator) OnRoll(h RollHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// LastDataAt reports when the coordinator last accepted a bar. The
// boundary monitor reads it to detect stalls.
func (c *Coordinator) LastDataAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastData
}

// PauseSession blocks delivery at the driver gate without touching
// session state. External control surfaces use it for manual replay
// pauses.
func (c *Coordinator) PauseSession() {
	if c.gate != nil {
		c.gate.Clear()
		log.Info().Msg("delivery paused")
	}
}

// ResumeSession releases a manual pause.
func (c *Coordinator) ResumeSession() {
	if c.gate != nil {
		c.gate.Set()
		log.Info().Msg("delivery resumed")
	}
}

// StartSession plans and provisions the configured symbols for the
// trading day, then opens external reads. Individual symbol failures
// are reported but only a fully failed batch aborts the start.
func (c *Coordinator) StartSession(ctx context.Context, day time.Time) ([]Result, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.startSessionLocked(ctx, day)
}

func (c *Coordinator) startSessionLocked(ctx context.Context, day time.Time) ([]Result, error) {
	day = c.dayStart(day)

	plan, err := c.analyzer.PlanSession(c.cfg.Session, day)
	if err != nil {
		return nil, fmt.Errorf("failed to plan session: %w", err)
	}
	c.mu.Lock()
	c.plan = plan
	c.pendingDay = day
	c.mu.Unlock()

	symbols := c.cfg.Session.SessionData.Symbols
	results := make([]Result, 0, len(symbols))
	provisioned := 0
	for _, raw := range symbols {
		req, aerr := c.analyzeSymbol(raw, sessiondata.SourceConfig, true)
		res := c.runPipeline(ctx, req, aerr)
		results = append(results, res)
		if res.OK {
			provisioned++
			continue
		}
		log.Error().Str("symbol", raw).Str("reason", res.Reason).
			Msg("configured symbol failed provisioning")
	}
	if provisioned == 0 {
		return results, fmt.Errorf("failed to provision any of %d configured symbols", len(symbols))
	}

	c.store.ActivateSession(day)
	log.Info().Time("session_date", day).Int("symbols", provisioned).
		Int("failed", len(symbols)-provisioned).Str("base", plan.Base.String()).
		Msg("session started")
	return results, nil
}

// StopSession tears the session down without rolling to another day.
func (c *Coordinator) StopSession() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.store.DeactivateSession()
	c.store.Clear()
	c.mgr.Clear()
	c.resetLagState()
	log.Info().Msg("session stopped")
}

// Run is the input loop. It exits when the driver closes its channel
// (replay range exhausted) or the context ends. A fatal store
// inconsistency also exits: continuing after an ordering violation
// would corrupt every consumer downstream.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Info().Bool("data_driven", c.cfg.DataDriven).Msg("coordinator started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("coordinator stopping")
			return ctx.Err()
		case in, ok := <-c.in:
			if !ok {
				log.Info().Msg("driver input closed")
				return nil
			}
			switch in.Kind {
			case driver.InputBar:
				if err := c.handleBar(ctx, in); err != nil {
					return err
				}
			case driver.InputDayEnd:
				if err := c.rollSession(ctx, in.Day); err != nil {
					return err
				}
			}
		}
	}
}

// handleBar ingests one base bar: reject what the calendar or store
// refuses, append, police lag, and hand the bar to the processor.
// Returned errors are fatal to the session.
func (c *Coordinator) handleBar(ctx context.Context, in driver.Input) error {
	sym := domain.NormalizeSymbol(in.Symbol)
	bar := in.Bar

	if !c.cal.IsTradingDay(bar.Timestamp) {
		c.metrics.BarsRejected.WithLabelValues(sym, "non_trading_day").Inc()
		log.Warn().Str("symbol", sym).Time("ts", bar.Timestamp).
			Msg("bar on non-trading day rejected")
		return nil
	}

	data, ok := c.store.GetSymbolData(sym, true)
	if !ok {
		c.metrics.BarsRejected.WithLabelValues(sym, "unknown_symbol").Inc()
		log.Debug().Str("symbol", sym).Msg("bar for unprovisioned symbol dropped")
		return nil
	}

	start := time.Now()
	if err := c.store.AppendBar(sym, data.Base, bar); err != nil {
		if errors.Is(err, sessiondata.ErrNonMonotonic) {
			c.metrics.BarsRejected.WithLabelValues(sym, "out_of_order").Inc()
			return fmt.Errorf("stream ordering violated: %w", err)
		}
		c.metrics.BarsRejected.WithLabelValues(sym, "invalid").Inc()
		log.Warn().Err(err).Str("symbol", sym).Time("ts", bar.Timestamp).
			Msg("bar rejected")
		return nil
	}
	c.metrics.BarsIngested.WithLabelValues(sym, data.Base.String()).Inc()

	now := c.clock.Now()
	c.mu.Lock()
	c.lastData = now
	c.mu.Unlock()

	c.checkLag(sym, bar, now)

	select {
	case c.procIn <- processor.BarEvent{Symbol: sym, Bar: bar}:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.metrics.ProcessTime.WithLabelValues("ingest").Observe(time.Since(start).Seconds())

	if c.cfg.DataDriven {
		if err := c.cfg.CoordinatorReady.WaitUntilReady(ctx); err != nil {
			return err
		}
		c.cfg.CoordinatorReady.Reset()
	}
	return nil
}

// checkLag samples processing lag every Nth bar per symbol. A lagging
// session is deactivated so external readers stop seeing stale data;
// it reactivates by itself once the lag drains. Only lag-caused
// deactivations auto-reactivate — a session paused for provisioning
// stays paused until its own resume.
func (c *Coordinator) checkLag(symbol string, bar domain.Bar, now time.Time) {
	streaming := c.cfg.Session.SessionData.Streaming
	every := streaming.CatchupCheckInterval
	if every <= 0 {
		every = 10
	}

	c.mu.Lock()
	count := c.barCounts[symbol]
	c.barCounts[symbol]++
	c.mu.Unlock()
	if count%every != 0 {
		return
	}

	lag := now.Sub(bar.Timestamp)
	c.metrics.LagSeconds.WithLabelValues(symbol).Set(lag.Seconds())

	threshold := streaming.CatchupThreshold()
	if lag > threshold {
		if c.store.IsActive() {
			c.store.DeactivateSession()
			c.mu.Lock()
			c.lagPaused = true
			c.mu.Unlock()
			c.metrics.LagDeactivations.Inc()
			log.Warn().Str("symbol", symbol).Dur("lag", lag).Dur("threshold", threshold).
				Msg("processing lag over threshold, session deactivated")
		}
		return
	}

	c.mu.Lock()
	wasLagPaused := c.lagPaused
	c.lagPaused = false
	c.mu.Unlock()
	if wasLagPaused && !c.store.IsActive() {
		c.store.ActivateSession(c.store.SessionDate())
		log.Info().Str("symbol", symbol).Dur("lag", lag).
			Msg("lag drained, session reactivated")
	}
}

// rollSession finishes the trading day and provisions the next one:
// final quality, deactivate, teardown hooks, clear everything, then a
// fresh batch init for the next trading day. Both the replay day-end
// marker and the live boundary monitor funnel here; the date check
// makes the second caller a no-op.
func (c *Coordinator) rollSession(ctx context.Context, day time.Time) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	day = c.dayStart(day)
	c.mu.Lock()
	rolled := !c.lastRoll.IsZero() && !c.lastRoll.Before(day)
	if !rolled {
		c.lastRoll = day
	}
	hooks := make([]RollHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()
	if rolled {
		return nil
	}

	log.Info().Time("session_date", day).Msg("trading day complete, rolling session")

	for _, sym := range c.store.GetActiveSymbols(true) {
		c.scoreSymbol(sym, true)
	}
	c.store.DeactivateSession()
	for _, h := range hooks {
		h(ctx, day)
	}

	stats := c.store.Stats()
	c.store.Clear()
	c.mgr.Clear()
	c.resetLagState()
	log.Info().Int("symbols", stats.Symbols).Int("bars", stats.TotalBars).
		Msg("session state cleared")

	next := c.cal.NextTradingDay(day, 1)
	if next.IsZero() {
		log.Warn().Time("after", day).Msg("calendar has no next trading day")
		return nil
	}
	if c.cfg.Session.Mode == config.ModeBacktest && c.cfg.Session.Backtest != nil {
		_, end, err := c.cfg.Session.Backtest.Dates(c.cal.Location())
		if err == nil && next.After(end) {
			log.Info().Time("last_day", day).Msg("replay range complete")
			return nil
		}
	}

	if _, err := c.startSessionLocked(ctx, next); err != nil {
		return fmt.Errorf("failed to roll session to %s: %w", next.Format("2006-01-02"), err)
	}
	return nil
}

// scoreSymbol writes quality for every interval of the symbol. Final
// scoring at the roll uses the whole-session expectation; mid-session
// snapshots compare against what should have arrived so far. Daily
// series only score at the roll, weekly only on the last trading day
// of their week — earlier figures would penalize windows that cannot
// have closed yet.
func (c *Coordinator) scoreSymbol(symbol string, final bool) {
	day := c.sessionDay()
	open, close, ok := c.cal.SessionWindow(day)
	if !ok {
		return
	}
	base, derived, ok := c.store.GetIntervals(symbol, true)
	if !ok {
		return
	}

	for _, iv := range append([]domain.Interval{base}, derived...) {
		since := open
		switch iv.Unit {
		case domain.UnitDay:
			if !final {
				continue
			}
			since = day
		case domain.UnitWeek:
			if !final || !c.cal.IsLastTradingDayOfWeek(day) {
				continue
			}
			since = c.cal.WeekStart(day)
		}

		bars := c.store.GetBarsSince(symbol, iv, since, true)
		var score float64
		if final {
			score = c.checker.Check(bars, open, close, iv).Score
		} else {
			now := c.clock.Now()
			if now.After(close) {
				now = close
			}
			unique, dups := countUnique(bars)
			score = quality.Score(unique, c.checker.ExpectedSoFar(now, iv), dups)
		}

		if err := c.store.SetIntervalQuality(symbol, iv, score); err != nil {
			continue
		}
		if iv == base {
			if err := c.store.SetQuality(symbol, score); err == nil {
				c.metrics.QualityScore.WithLabelValues(symbol).Set(score)
			}
		}
	}
}

func countUnique(bars []domain.Bar) (unique, duplicates int) {
	var prev time.Time
	for i, b := range bars {
		if i > 0 && b.Timestamp.Equal(prev) {
			duplicates++
			continue
		}
		unique++
		prev = b.Timestamp
	}
	return unique, duplicates
}

// sessionPlan returns the current plan, computing one on demand when a
// provisioning request arrives before the first StartSession.
func (c *Coordinator) sessionPlan() (*analyze.SessionPlan, error) {
	c.mu.Lock()
	if c.plan != nil {
		plan := c.plan
		c.mu.Unlock()
		return plan, nil
	}
	c.mu.Unlock()

	plan, err := c.analyzer.PlanSession(c.cfg.Session, c.sessionDay())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.plan = plan
	c.mu.Unlock()
	return plan, nil
}

// sessionDay is the trading day the session is (or is about to be)
// running: the activated date, the day being initialized, or failing
// both, today by the session clock.
func (c *Coordinator) sessionDay() time.Time {
	if d := c.store.SessionDate(); !d.IsZero() {
		return c.dayStart(d)
	}
	c.mu.Lock()
	pending := c.pendingDay
	c.mu.Unlock()
	if !pending.IsZero() {
		return pending
	}
	return c.dayStart(c.clock.Now())
}

func (c *Coordinator) dayStart(t time.Time) time.Time {
	loc := c.cal.Location()
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func (c *Coordinator) resetLagState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barCounts = make(map[string]int)
	c.lagPaused = false
}
