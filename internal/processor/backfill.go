package processor

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/notify"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

// Backfill derives every window the symbol's source series can now
// complete but the derived series is missing. It runs after gap fills
// and historical loads, emitting retroactive bars in timestamp order;
// a retro bar whose timestamp collides with an existing derived bar is
// dropped and logged. Indicators on any changed interval are rebuilt
// from the full series, since incremental state cannot rewind.
// Returns the number of derived bars emitted.
func (p *Processor) Backfill(symbol string) (int, error) {
	unlock := p.lockSymbol(symbol)
	defer unlock()

	base, derived, ok := p.store.GetIntervals(symbol, true)
	if !ok {
		return 0, fmt.Errorf("backfill %s: %w", symbol, sessiondata.ErrSymbolUnknown)
	}

	changed := make(map[domain.Interval]bool)
	for _, iv := range p.store.ConsumeUpdated(symbol) {
		changed[iv] = true
	}

	total := 0
	for _, target := range derived {
		srcIv, err := target.DirectSource(base)
		if err != nil {
			continue
		}
		pending := p.missingWindows(symbol, target, srcIv)
		if len(pending) == 0 {
			continue
		}
		inserted, skipped, err := p.store.MergeBars(symbol, target, pending)
		if err != nil {
			return total, fmt.Errorf("backfill %s %s: %w", symbol, target, err)
		}
		if skipped > 0 {
			p.retroDropped.Add(uint64(skipped))
			log.Warn().Str("symbol", symbol).Str("interval", target.String()).
				Int("dropped", skipped).Msg("retroactive derived bars collided, dropped")
		}
		if inserted > 0 {
			p.retroEmitted.Add(uint64(inserted))
			total += inserted
			changed[target] = true
		}
	}
	// The merges above set dirty bits we are already tracking.
	p.store.ConsumeUpdated(symbol)

	p.rebuildChanged(symbol, changed)
	return total, nil
}

// rebuildChanged re-feeds indicator state and emits one bar
// notification per changed interval, finest first.
func (p *Processor) rebuildChanged(symbol string, changed map[domain.Interval]bool) {
	ivs := make([]domain.Interval, 0, len(changed))
	for iv := range changed {
		ivs = append(ivs, iv)
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Finer(ivs[j]) })

	for _, iv := range ivs {
		series := p.store.GetBarsSince(symbol, iv, time.Time{}, true)
		for _, pub := range p.mgr.Rebuild(symbol, iv, series) {
			if err := p.store.SetIndicator(symbol, pub.Key, pub.Value); err != nil {
				log.Error().Err(err).Str("symbol", symbol).Str("key", pub.Key).
					Msg("indicator publish failed")
				continue
			}
			p.notify(notify.Notification{Symbol: symbol, Interval: iv, Kind: notify.KindIndicator,
				Key: pub.Key, At: pub.Value.UpdatedAt})
		}
		at := time.Now().UTC()
		if len(series) > 0 {
			at = series[len(series)-1].Timestamp
		}
		p.notify(notify.Notification{Symbol: symbol, Interval: iv, Kind: notify.KindBar, At: at})
	}
}

// missingWindows collects the complete windows of target present in
// the source series but absent from the derived series.
func (p *Processor) missingWindows(symbol string, target, srcIv domain.Interval) []domain.Bar {
	src := p.store.GetBarsSince(symbol, srcIv, time.Time{}, true)
	if len(src) == 0 {
		return nil
	}
	existing := make(map[int64]struct{})
	for _, b := range p.store.GetBarsSince(symbol, target, time.Time{}, true) {
		existing[b.Timestamp.Unix()] = struct{}{}
	}

	var out []domain.Bar
	emit := func(winStart time.Time, group []domain.Bar, expected int) {
		if _, ok := existing[winStart.Unix()]; ok {
			return
		}
		if expected <= 0 || len(group) != expected {
			return
		}
		bar, err := domain.Aggregate(target, winStart, group)
		if err != nil {
			return
		}
		out = append(out, bar)
	}

	switch {
	case target.IsIntraday():
		expected := int(target.Duration() / srcIv.Duration())
		for i := 0; i < len(src); {
			winStart := target.WindowStart(src[i].Timestamp)
			winEnd := winStart.Add(target.Duration())
			j := i
			for j < len(src) && src[j].Timestamp.Before(winEnd) {
				j++
			}
			emit(winStart, src[i:j], expected)
			i = j
		}

	case target.Unit == domain.UnitDay && target.N == 1:
		loc := p.cal.Location()
		secs := int(srcIv.Duration() / time.Second)
		for i := 0; i < len(src); {
			y, m, d := src[i].Timestamp.In(loc).Date()
			j := i
			for j < len(src) {
				yy, mm, dd := src[j].Timestamp.In(loc).Date()
				if yy != y || mm != m || dd != d {
					break
				}
				j++
			}
			group := src[i:j]
			i = j
			open, close, ok := p.cal.SessionWindow(group[0].Timestamp)
			if !ok || secs == 0 {
				continue
			}
			session := clampBars(group, open, close)
			emit(open.UTC(), session, p.cal.SessionMinutes(open)*60/secs)
		}

	case target.Unit == domain.UnitWeek && target.N == 1:
		for i := 0; i < len(src); {
			weekStart := p.cal.WeekStart(src[i].Timestamp)
			weekEnd := weekStart.AddDate(0, 0, 7)
			j := i
			for j < len(src) && src[j].Timestamp.Before(weekEnd) {
				j++
			}
			emit(weekStart.UTC(), src[i:j], len(p.cal.TradingDays(weekStart, weekStart.AddDate(0, 0, 6))))
			i = j
		}

	default:
		for i := 0; i+target.N <= len(src); i += target.N {
			group := src[i : i+target.N]
			emit(group[0].Timestamp, group, target.N)
		}
	}
	return out
}

// clampBars trims an ordered slice to [from, to).
func clampBars(bars []domain.Bar, from, to time.Time) []domain.Bar {
	lo := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Timestamp.Before(to)
	})
	return bars[lo:hi]
}
