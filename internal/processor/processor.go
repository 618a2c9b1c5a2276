// Package processor is the derivation and indicator engine. It
// consumes "base bar appended" events from the coordinator, closes
// derived-interval windows, drives indicator updates, and feeds the
// downstream notification queue plus the signal chain that paces
// data-driven sessions.
package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/indicators"
	"github.com/sessrun/sessrun/internal/notify"
	"github.com/sessrun/sessrun/internal/sessiondata"
	"github.com/sessrun/sessrun/internal/streamsub"
)

// BarEvent is one "base bar appended" notification handed over from
// the coordinator.
type BarEvent struct {
	Symbol string
	Bar    domain.Bar
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Processed            uint64 `json:"processed"`
	DerivedEmitted       uint64 `json:"derived_emitted"`
	WindowsSkipped       uint64 `json:"windows_skipped"`
	RetroEmitted         uint64 `json:"retro_emitted"`
	RetroDropped         uint64 `json:"retro_dropped"`
	NotificationsDropped uint64 `json:"notifications_dropped"`
}

// Config wires the processor's pacing and outputs. In data-driven mode
// each cycle waits for the analysis acknowledgement before releasing
// the coordinator; clock and live modes free-run. A nil Sink discards
// all notifications.
type Config struct {
	DataDriven       bool
	Sink             notify.Sink
	AnalysisReady    *streamsub.Subscription
	AnalysisAck      *streamsub.Subscription
	CoordinatorReady *streamsub.Subscription
}

// Processor advances per-symbol state bar by bar. One instance serves
// the whole session; a per-symbol guard keeps the streaming path and
// retroactive backfills from interleaving on the same symbol.
type Processor struct {
	store *sessiondata.Store
	cal   *calendar.Calendar
	mgr   *indicators.Manager
	cfg   Config

	in <-chan BarEvent

	mu     sync.Mutex
	guards map[string]*sync.Mutex

	processed      atomic.Uint64
	derivedEmitted atomic.Uint64
	windowsSkipped atomic.Uint64
	retroEmitted   atomic.Uint64
	retroDropped   atomic.Uint64
	notifsDropped  atomic.Uint64
}

// New builds a processor reading bar events from in.
func New(store *sessiondata.Store, cal *calendar.Calendar, mgr *indicators.Manager, in <-chan BarEvent, cfg Config) *Processor {
	if cfg.Sink == nil {
		cfg.Sink = notify.Discard{}
	}
	return &Processor{
		store:  store,
		cal:    cal,
		mgr:    mgr,
		cfg:    cfg,
		in:     in,
		guards: make(map[string]*sync.Mutex),
	}
}

// Run consumes bar events until the context is cancelled or the input
// channel closes.
func (p *Processor) Run(ctx context.Context) error {
	log.Info().Bool("data_driven", p.cfg.DataDriven).Msg("processor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("processor stopping")
			return ctx.Err()
		case ev, ok := <-p.in:
			if !ok {
				log.Info().Msg("processor input closed")
				return nil
			}
			if err := p.Process(ev); err != nil {
				log.Error().Err(err).Str("symbol", ev.Symbol).
					Time("ts", ev.Bar.Timestamp).Msg("bar processing failed")
			}
			p.completeCycle(ctx)
		}
	}
}

// Process runs one full cycle for a base bar that the coordinator has
// already appended: close derived windows, update indicators, emit
// notifications. Exported so backtests can drive it synchronously.
func (p *Processor) Process(ev BarEvent) error {
	unlock := p.lockSymbol(ev.Symbol)
	defer unlock()
	defer p.processed.Add(1)

	base, derived, ok := p.store.GetIntervals(ev.Symbol, true)
	if !ok {
		return fmt.Errorf("process %s: %w", ev.Symbol, sessiondata.ErrSymbolUnknown)
	}

	p.publishIndicators(ev.Symbol, base, ev.Bar)

	// Cascade: the base bar may close an intraday or daily window, and
	// each emitted bar may in turn close a coarser one.
	queue := []domain.Bar{ev.Bar}
	for len(queue) > 0 {
		src := queue[0]
		queue = queue[1:]
		for _, target := range derived {
			srcIv, err := target.DirectSource(base)
			if err != nil || srcIv != src.Interval {
				continue
			}
			dbar, closed, err := p.closeWindow(ev.Symbol, target, srcIv, src)
			if err != nil {
				log.Error().Err(err).Str("symbol", ev.Symbol).
					Str("interval", target.String()).Msg("window close failed")
				continue
			}
			if !closed {
				continue
			}
			if err := p.store.AppendBar(ev.Symbol, target, dbar); err != nil {
				log.Error().Err(err).Str("symbol", ev.Symbol).
					Str("interval", target.String()).Msg("derived append failed")
				continue
			}
			p.derivedEmitted.Add(1)
			p.publishIndicators(ev.Symbol, target, dbar)
			queue = append(queue, dbar)
		}
	}

	for _, iv := range p.store.ConsumeUpdated(ev.Symbol) {
		p.notify(notify.Notification{Symbol: ev.Symbol, Interval: iv, Kind: notify.KindBar, At: ev.Bar.Timestamp})
	}
	return nil
}

// completeCycle runs steps three to five of the per-event protocol:
// signal analysis, await its acknowledgement in data-driven mode, then
// release the coordinator.
func (p *Processor) completeCycle(ctx context.Context) {
	if p.cfg.AnalysisReady != nil {
		p.cfg.AnalysisReady.SignalReady()
	}
	if p.cfg.DataDriven && p.cfg.AnalysisAck != nil {
		if err := p.cfg.AnalysisAck.WaitUntilReady(ctx); err != nil {
			log.Warn().Err(err).Msg("analysis acknowledgement wait aborted")
		}
		p.cfg.AnalysisAck.Reset()
	}
	if p.cfg.CoordinatorReady != nil {
		p.cfg.CoordinatorReady.SignalReady()
	}
}

// closeWindow decides whether the source bar is the final tick of a
// target window and, if so, aggregates it. A window with missing
// source bars is skipped rather than emitted partially.
func (p *Processor) closeWindow(symbol string, target, srcIv domain.Interval, src domain.Bar) (domain.Bar, bool, error) {
	switch {
	case target.IsIntraday():
		if !target.ClosesWindow(src.Timestamp, srcIv) {
			return domain.Bar{}, false, nil
		}
		winStart := target.WindowStart(src.Timestamp)
		winEnd := winStart.Add(target.Duration())
		bars := p.barsBetween(symbol, srcIv, winStart, winEnd)
		expected := int(target.Duration() / srcIv.Duration())
		if len(bars) != expected {
			p.skipWindow(symbol, target, winStart, len(bars), expected)
			return domain.Bar{}, false, nil
		}
		bar, err := domain.Aggregate(target, winStart, bars)
		return bar, err == nil, err

	case target.Unit == domain.UnitDay && target.N == 1:
		// The daily bar aggregates the whole session and closes on the
		// bar whose window ends at the session close (early closes
		// included).
		if !src.WindowEnd().Equal(p.cal.SessionClose(src.Timestamp)) {
			return domain.Bar{}, false, nil
		}
		open, close, ok := p.cal.SessionWindow(src.Timestamp)
		if !ok {
			return domain.Bar{}, false, nil
		}
		bars := p.barsBetween(symbol, srcIv, open, close)
		expected := p.cal.SessionMinutes(src.Timestamp) * 60 / int(srcIv.Duration()/time.Second)
		if len(bars) != expected {
			p.skipWindow(symbol, target, open, len(bars), expected)
			return domain.Bar{}, false, nil
		}
		bar, err := domain.Aggregate(target, open.UTC(), bars)
		return bar, err == nil, err

	case target.Unit == domain.UnitWeek && target.N == 1:
		if !p.cal.IsLastTradingDayOfWeek(src.Timestamp) {
			return domain.Bar{}, false, nil
		}
		weekStart := p.cal.WeekStart(src.Timestamp)
		bars := p.barsBetween(symbol, srcIv, weekStart, weekStart.AddDate(0, 0, 7))
		expected := len(p.cal.TradingDays(weekStart, weekStart.AddDate(0, 0, 6)))
		if len(bars) != expected {
			p.skipWindow(symbol, target, weekStart, len(bars), expected)
			return domain.Bar{}, false, nil
		}
		bar, err := domain.Aggregate(target, weekStart.UTC(), bars)
		return bar, err == nil, err

	default:
		// Multi-day and multi-week targets group every N source bars
		// counted from the head of the source series.
		count := p.store.GetBarCount(symbol, srcIv, true)
		if count == 0 || count%target.N != 0 {
			return domain.Bar{}, false, nil
		}
		bars := p.store.GetLastNBars(symbol, srcIv, target.N, true)
		if len(bars) != target.N {
			return domain.Bar{}, false, nil
		}
		bar, err := domain.Aggregate(target, bars[0].Timestamp, bars)
		return bar, err == nil, err
	}
}

func (p *Processor) publishIndicators(symbol string, iv domain.Interval, bar domain.Bar) {
	for _, pub := range p.mgr.Update(symbol, iv, bar) {
		if err := p.store.SetIndicator(symbol, pub.Key, pub.Value); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Str("key", pub.Key).
				Msg("indicator publish failed")
			continue
		}
		p.notify(notify.Notification{Symbol: symbol, Interval: iv, Kind: notify.KindIndicator,
			Key: pub.Key, At: bar.Timestamp})
	}
}

// notify publishes without blocking. Inactive sessions drop the
// message before it reaches the sink; a refusing sink counts as a
// drop. The next emission supersedes either.
func (p *Processor) notify(n notify.Notification) {
	if !p.store.IsActive() {
		return
	}
	if !p.cfg.Sink.Publish(n) {
		p.notifsDropped.Add(1)
		log.Debug().Str("symbol", n.Symbol).Str("interval", n.Interval.String()).
			Str("kind", string(n.Kind)).Msg("notification dropped")
	}
}

// barsBetween returns the symbol's bars in [from, to).
func (p *Processor) barsBetween(symbol string, iv domain.Interval, from, to time.Time) []domain.Bar {
	bars := p.store.GetBarsSince(symbol, iv, from, true)
	cut := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Timestamp.Before(to)
	})
	return bars[:cut]
}

func (p *Processor) skipWindow(symbol string, target domain.Interval, winStart time.Time, got, want int) {
	p.windowsSkipped.Add(1)
	log.Debug().Str("symbol", symbol).Str("interval", target.String()).
		Time("window", winStart).Int("got", got).Int("want", want).
		Msg("incomplete window skipped")
}

func (p *Processor) lockSymbol(symbol string) func() {
	p.mu.Lock()
	guard, ok := p.guards[symbol]
	if !ok {
		guard = &sync.Mutex{}
		p.guards[symbol] = guard
	}
	p.mu.Unlock()
	guard.Lock()
	return guard.Unlock
}

// Stats snapshots the processing counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:            p.processed.Load(),
		DerivedEmitted:       p.derivedEmitted.Load(),
		WindowsSkipped:       p.windowsSkipped.Load(),
		RetroEmitted:         p.retroEmitted.Load(),
		RetroDropped:         p.retroDropped.Load(),
		NotificationsDropped: p.notifsDropped.Load(),
	}
}
