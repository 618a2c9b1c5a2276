// Package analyze turns a session's declared streams and indicators
// into concrete provisioning requirements: the base interval to feed,
// the derivation intervals to maintain, warm-up bar counts, and how
// many calendar days of history satisfy them.
package analyze

import (
	"fmt"
	"sort"
	"time"

	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/config"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/indicators"
)

// defaultHistoryBuffer pads the back-walked history span so weekends,
// holidays and partial data do not starve warm-up.
const defaultHistoryBuffer = 2.0

// backWalkCap bounds history walks against degenerate calendars.
const backWalkCap = 3660

// IndicatorRequirement is the resolved demand of one configured
// indicator.
type IndicatorRequirement struct {
	Label       string
	Config      indicators.Config
	Intervals   []domain.Interval
	WarmupBars  int
	HistoryDays int
}

// PrefetchWindow is one trailing-history request from the session
// config.
type PrefetchWindow struct {
	TrailingDays int
	Intervals    []domain.Interval
}

// SessionPlan is everything provisioning needs, computed once up
// front.
type SessionPlan struct {
	Base        domain.Interval
	Intervals   []domain.Interval // base first, dependency order
	Indicators  []IndicatorRequirement
	Prefetch    []PrefetchWindow
	HistoryDays int // max over indicator and prefetch demands
}

// Analyzer resolves requirements against the trading calendar.
type Analyzer struct {
	cal    *calendar.Calendar
	buffer float64
}

// NewAnalyzer builds an analyzer with the default history buffer.
func NewAnalyzer(cal *calendar.Calendar) *Analyzer {
	return &Analyzer{cal: cal, buffer: defaultHistoryBuffer}
}

// ExpandIntervals returns base plus every interval the derivation
// chains of the targets pass through, deduplicated, in dependency
// order (an interval's source always precedes it).
func (a *Analyzer) ExpandIntervals(base domain.Interval, targets []domain.Interval) ([]domain.Interval, error) {
	ordered := make([]domain.Interval, 0, len(targets)+2)
	seen := map[domain.Interval]bool{}
	add := func(iv domain.Interval) {
		if !seen[iv] {
			seen[iv] = true
			ordered = append(ordered, iv)
		}
	}
	add(base)

	sorted := make([]domain.Interval, len(targets))
	copy(sorted, targets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Finer(sorted[j]) })

	for _, target := range sorted {
		chain, err := domain.DerivationChain(base, target)
		if err != nil {
			return nil, err
		}
		for _, iv := range chain {
			add(iv)
		}
	}
	return ordered, nil
}

// AnalyzeIndicator resolves one indicator config against the session
// base: required intervals, warm-up bars, and history days as of the
// session date.
func (a *Analyzer) AnalyzeIndicator(label string, cfg indicators.Config, base domain.Interval, asOf time.Time) (IndicatorRequirement, error) {
	if cfg.Interval != base && !cfg.Interval.DerivableFrom(base) {
		return IndicatorRequirement{}, fmt.Errorf("indicator %s: interval %s not derivable from base %s",
			label, cfg.Interval, base)
	}
	warmup, err := indicators.RequiredWarmup(cfg)
	if err != nil {
		return IndicatorRequirement{}, fmt.Errorf("indicator %s: %w", label, err)
	}
	intervals, err := a.ExpandIntervals(base, []domain.Interval{cfg.Interval})
	if err != nil {
		return IndicatorRequirement{}, fmt.Errorf("indicator %s: %w", label, err)
	}
	return IndicatorRequirement{
		Label:       label,
		Config:      cfg,
		Intervals:   intervals,
		WarmupBars:  warmup,
		HistoryDays: a.HistoryDays(warmup, cfg.Interval, asOf),
	}, nil
}

// HistoryDays back-walks trading days from asOf until enough bars of
// the interval have accumulated, then pads the calendar-day span with
// the buffer multiplier.
func (a *Analyzer) HistoryDays(warmupBars int, iv domain.Interval, asOf time.Time) int {
	if warmupBars <= 0 {
		return 0
	}

	var needDays int
	switch iv.Unit {
	case domain.UnitSecond, domain.UnitMinute:
		needDays = a.intradayHistoryDays(warmupBars, iv, asOf)
	case domain.UnitDay:
		needDays = a.tradingDaySpan(warmupBars*iv.N, asOf)
	case domain.UnitWeek:
		needDays = a.weekSpan(warmupBars*iv.N, asOf)
	}
	return int(float64(needDays)*a.buffer + 0.5)
}

func (a *Analyzer) intradayHistoryDays(warmupBars int, iv domain.Interval, asOf time.Time) int {
	secs := int(iv.Duration() / time.Second)
	if secs <= 0 {
		return 0
	}
	remaining := warmupBars
	day := asOf
	for i := 0; i < backWalkCap && remaining > 0; i++ {
		day = a.cal.PrevTradingDay(day, 1)
		if day.IsZero() {
			return 0
		}
		remaining -= a.cal.SessionMinutes(day) * 60 / secs
	}
	return calendarDaysBetween(day, asOf)
}

func (a *Analyzer) tradingDaySpan(days int, asOf time.Time) int {
	day := asOf
	for i := 0; i < days && i < backWalkCap; i++ {
		day = a.cal.PrevTradingDay(day, 1)
		if day.IsZero() {
			return 0
		}
	}
	return calendarDaysBetween(day, asOf)
}

func (a *Analyzer) weekSpan(weeks int, asOf time.Time) int {
	seen := map[[2]int]bool{}
	day := asOf
	for i := 0; i < backWalkCap && len(seen) < weeks; i++ {
		day = a.cal.PrevTradingDay(day, 1)
		if day.IsZero() {
			return 0
		}
		y, w := day.ISOWeek()
		seen[[2]int{y, w}] = true
	}
	return calendarDaysBetween(day, asOf)
}

// calendarDaysBetween rounds to whole days so DST-shifted midnights
// (23h/25h spans) still count correctly.
func calendarDaysBetween(from, to time.Time) int {
	d := int((to.Sub(from).Hours() + 12) / 24)
	if d < 0 {
		return 0
	}
	return d
}

// PlanSession resolves the whole session config as of the given
// session date. Errors here are configuration errors: the session
// must not start.
func (a *Analyzer) PlanSession(cfg *config.Config, asOf time.Time) (*SessionPlan, error) {
	streams, err := cfg.ParsedStreams()
	if err != nil {
		return nil, err
	}
	base, err := domain.RequiredBase(streams)
	if err != nil {
		return nil, err
	}

	targets := make([]domain.Interval, 0, len(streams)+4)
	targets = append(targets, streams...)
	for _, tag := range cfg.SessionData.DerivedIntervals {
		iv, err := domain.ParseInterval(tag)
		if err != nil {
			return nil, fmt.Errorf("invalid derived interval: %w", err)
		}
		targets = append(targets, iv)
	}

	labels := make([]string, 0, len(cfg.SessionData.Historical.Indicators))
	for label := range cfg.SessionData.Historical.Indicators {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	plan := &SessionPlan{Base: base}
	for _, label := range labels {
		spec := cfg.SessionData.Historical.Indicators[label]
		icfg, err := spec.Build()
		if err != nil {
			return nil, fmt.Errorf("indicator %q: %w", label, err)
		}
		req, err := a.AnalyzeIndicator(label, icfg, base, asOf)
		if err != nil {
			return nil, err
		}
		plan.Indicators = append(plan.Indicators, req)
		targets = append(targets, icfg.Interval)
		if req.HistoryDays > plan.HistoryDays {
			plan.HistoryDays = req.HistoryDays
		}
	}

	plan.Intervals, err = a.ExpandIntervals(base, targets)
	if err != nil {
		return nil, err
	}

	for _, h := range cfg.SessionData.Historical.Data {
		window := PrefetchWindow{TrailingDays: h.TrailingDays}
		for _, tag := range h.Intervals {
			iv, err := domain.ParseInterval(tag)
			if err != nil {
				return nil, fmt.Errorf("invalid historical interval: %w", err)
			}
			window.Intervals = append(window.Intervals, iv)
		}
		plan.Prefetch = append(plan.Prefetch, window)
		if h.TrailingDays > plan.HistoryDays {
			plan.HistoryDays = h.TrailingDays
		}
	}

	return plan, nil
}
