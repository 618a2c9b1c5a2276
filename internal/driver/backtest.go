package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/barstore"
	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/streamsub"
)

// BacktestConfig describes one historical replay.
type BacktestConfig struct {
	// Symbols replayed from the first session. Mid-session additions
	// arrive through AddSymbol.
	Symbols []string
	// Base is the interval replayed from the store.
	Base domain.Interval
	// Start and End bound the replay; any instant within the first and
	// last session date works. Non-trading days in between are skipped.
	Start time.Time
	End   time.Time
	// Speed is the history-to-wall time multiplier: 2.0 replays an hour
	// of history in thirty minutes. Zero or negative replays unpaced.
	Speed float64
	// QueueSize bounds the output channel (DefaultQueueSize when zero).
	QueueSize int
}

// Backtest replays stored bars across trading days in strict timestamp
// order under a virtual clock. Between bars it honors the coordinator's
// pause gate, and after draining each day it emits a day-end marker and
// jumps the clock to the next session.
type Backtest struct {
	store barstore.Store
	cal   *calendar.Calendar
	clock *VirtualClock
	gate  *streamsub.Gate
	out   chan Input

	base  domain.Interval
	start time.Time
	end   time.Time
	speed float64

	mu      sync.Mutex
	roster  []string
	pending []string
	active  map[string]bool

	barsEmitted  atomic.Uint64
	daysReplayed atomic.Uint64
}

// NewBacktest wires a replay over the given store and calendar. The
// gate may be nil when no consumer ever pauses the stream.
func NewBacktest(store barstore.Store, cal *calendar.Calendar, gate *streamsub.Gate, cfg BacktestConfig) (*Backtest, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("backtest needs at least one symbol")
	}
	if cfg.End.Before(cfg.Start) {
		return nil, fmt.Errorf("backtest end %s before start %s",
			cfg.End.Format("2006-01-02"), cfg.Start.Format("2006-01-02"))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	b := &Backtest{
		store:  store,
		cal:    cal,
		clock:  NewVirtualClock(cfg.Start),
		gate:   gate,
		out:    make(chan Input, cfg.QueueSize),
		base:   cfg.Base,
		start:  cfg.Start,
		end:    cfg.End,
		speed:  cfg.Speed,
		active: make(map[string]bool, len(cfg.Symbols)),
	}
	for _, s := range cfg.Symbols {
		sym := domain.NormalizeSymbol(s)
		if err := domain.ValidateSymbol(sym); err != nil {
			return nil, fmt.Errorf("backtest symbol %q: %w", s, err)
		}
		if b.active[sym] {
			continue
		}
		b.active[sym] = true
		b.roster = append(b.roster, sym)
	}
	return b, nil
}

// C returns the coordinator input queue. Run closes it when the replay
// finishes.
func (b *Backtest) C() <-chan Input { return b.out }

// Clock returns the replay's virtual clock.
func (b *Backtest) Clock() Clock { return b.clock }

// BarsEmitted reports how many bars have been enqueued so far.
func (b *Backtest) BarsEmitted() uint64 { return b.barsEmitted.Load() }

// DaysReplayed reports how many day-end markers have been emitted.
func (b *Backtest) DaysReplayed() uint64 { return b.daysReplayed.Load() }

// AddSymbol starts replaying a symbol mid-run. Bars already behind the
// virtual clock are not re-emitted; the coordinator's catch-up path
// owns those. Safe to call from other goroutines.
func (b *Backtest) AddSymbol(symbol string) error {
	sym := domain.NormalizeSymbol(symbol)
	if err := domain.ValidateSymbol(sym); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active[sym] {
		return nil
	}
	b.active[sym] = true
	b.pending = append(b.pending, sym)
	return nil
}

// source is one symbol's cursor into its day slice.
type source struct {
	symbol string
	bars   []domain.Bar
	i      int
}

func (s *source) exhausted() bool { return s.i >= len(s.bars) }

// Run replays every trading day in the configured range, then closes
// the output queue. A store failure on a day load aborts the replay;
// the backtest is meaningless without its source.
func (b *Backtest) Run(ctx context.Context) error {
	defer close(b.out)

	days := b.cal.TradingDays(b.start, b.end)
	b.mu.Lock()
	roster := append([]string(nil), b.roster...)
	b.mu.Unlock()
	log.Info().
		Time("start", b.start).
		Time("end", b.end).
		Int("trading_days", len(days)).
		Strs("symbols", roster).
		Float64("speed", b.speed).
		Msg("backtest replay starting")

	for _, day := range days {
		if err := b.replayDay(ctx, day); err != nil {
			return err
		}
	}

	log.Info().
		Uint64("bars", b.barsEmitted.Load()).
		Uint64("days", b.daysReplayed.Load()).
		Msg("backtest replay complete")
	return nil
}

func (b *Backtest) replayDay(ctx context.Context, day time.Time) error {
	open, close, ok := b.cal.SessionWindow(day)
	if !ok {
		return nil
	}
	b.clock.Set(open)

	// Symbols added between days join from the open like the rest.
	b.mu.Lock()
	b.roster = append(b.roster, b.pending...)
	b.pending = nil
	symbols := append([]string(nil), b.roster...)
	b.mu.Unlock()

	sources := make([]*source, 0, len(symbols))
	total := 0
	for _, sym := range symbols {
		bars, err := b.store.GetBars(ctx, sym, b.base, open, close)
		if err != nil {
			return fmt.Errorf("failed to load %s %s for %s: %w",
				sym, b.base, day.Format("2006-01-02"), err)
		}
		sources = append(sources, &source{symbol: sym, bars: bars})
		total += len(bars)
	}
	log.Debug().
		Str("date", day.Format("2006-01-02")).
		Int("bars", total).
		Msg("session loaded")

	prev := time.Time{}
	for {
		// Gate first: while paused the clock stays on the last emitted
		// bar, so a mid-session admit resumes exactly one tick after
		// the coordinator's catch-up.
		if b.gate != nil {
			if err := b.gate.Wait(ctx); err != nil {
				return err
			}
		}
		sources = append(sources, b.admitPending(ctx, close)...)

		src := nextSource(sources)
		if src == nil {
			break
		}
		bar := src.bars[src.i]
		src.i++

		if err := b.pace(ctx, prev, bar.Timestamp); err != nil {
			return err
		}
		prev = bar.Timestamp
		b.clock.Set(bar.Timestamp)

		select {
		case b.out <- Input{Kind: InputBar, Symbol: src.symbol, Bar: bar}:
			b.barsEmitted.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.clock.Set(close)
	select {
	case b.out <- Input{Kind: InputDayEnd, Day: day}:
		b.daysReplayed.Add(1)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// nextSource picks the cursor with the lowest pending timestamp; ties
// go to the earlier symbol so replays are deterministic.
func nextSource(sources []*source) *source {
	var best *source
	for _, s := range sources {
		if s.exhausted() {
			continue
		}
		if best == nil || s.bars[s.i].Timestamp.Before(best.bars[best.i].Timestamp) {
			best = s
		}
	}
	return best
}

// pace sleeps the wall-time gap implied by the speed multiplier.
func (b *Backtest) pace(ctx context.Context, prev, next time.Time) error {
	if b.speed <= 0 || prev.IsZero() || !next.After(prev) {
		return nil
	}
	wait := time.Duration(float64(next.Sub(prev)) / b.speed)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admitPending loads day remainders for symbols added mid-session,
// starting strictly after the virtual clock so catch-up bars are not
// replayed twice. A load failure skips the symbol until the next day;
// the coordinator already holds its catch-up data.
func (b *Backtest) admitPending(ctx context.Context, close time.Time) []*source {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.roster = append(b.roster, pending...)
	b.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	from := b.clock.Now().Add(time.Nanosecond)
	var added []*source
	for _, sym := range pending {
		bars, err := b.store.GetBars(ctx, sym, b.base, from, close)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).
				Msg("mid-session load failed, symbol resumes next day")
			continue
		}
		log.Info().Str("symbol", sym).Int("bars", len(bars)).
			Msg("symbol joined replay mid-session")
		added = append(added, &source{symbol: sym, bars: bars})
	}
	return added
}
