// Package sessiondata is the in-memory hub every runtime component
// reads from and writes to: per-symbol bar series keyed by interval,
// published indicator values, session metrics, and the session-active
// flag that gates external reads.
package sessiondata

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/indicators"
)

var (
	// ErrSymbolUnknown is returned when a symbol was never registered.
	ErrSymbolUnknown = errors.New("symbol not registered")
	// ErrIntervalUnknown is returned when an interval was never attached
	// to the symbol.
	ErrIntervalUnknown = errors.New("interval not attached")
	// ErrNonMonotonic is returned when an appended bar does not advance
	// the series timestamp.
	ErrNonMonotonic = errors.New("bar timestamp not after latest")
	// ErrBaseMismatch is returned when a registration disagrees with the
	// symbol's existing base interval.
	ErrBaseMismatch = errors.New("base interval mismatch")
)

// Store owns all session state behind a single RWMutex. Writes are
// funneled through the coordinator/processor pipeline, so each
// (symbol, interval) series has exactly one writer; the lock protects
// the maps and the readers.
type Store struct {
	mu          sync.RWMutex
	symbols     map[string]*SymbolData
	active      bool
	sessionDate time.Time
}

// NewStore returns an empty, inactive store.
func NewStore() *Store {
	return &Store{symbols: make(map[string]*SymbolData)}
}

// RegisterSymbol creates the symbol entry, or returns the existing one
// when the registration is compatible. A symbol's base interval is
// fixed for its lifetime; re-registering with a different base fails.
func (s *Store) RegisterSymbol(symbol string, base domain.Interval, meta SymbolMeta) (*SymbolData, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if err := domain.ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	if base.IsZero() {
		return nil, fmt.Errorf("register %s: base interval required", symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.symbols[symbol]; ok {
		if existing.Base != base {
			return nil, fmt.Errorf("register %s: %w: have %s, got %s",
				symbol, ErrBaseMismatch, existing.Base, base)
		}
		return existing, nil
	}

	if meta.AddedAt.IsZero() {
		meta.AddedAt = time.Now().UTC()
	}
	entry := &SymbolData{
		Symbol:     symbol,
		Base:       base,
		Series:     map[domain.Interval]*IntervalSeries{base: {Interval: base}},
		Indicators: make(map[string]indicators.Value),
		Meta:       meta,
	}
	s.symbols[symbol] = entry
	log.Debug().Str("symbol", symbol).Str("base", base.String()).
		Str("added_by", string(meta.AddedBy)).Msg("symbol registered")
	return entry, nil
}

// UpgradeSymbol promotes an ad-hoc symbol to full session requirements.
func (s *Store) UpgradeSymbol(symbol string, by Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return fmt.Errorf("upgrade %s: %w", symbol, ErrSymbolUnknown)
	}
	if entry.Meta.MeetsSessionReqs {
		return nil
	}
	entry.Meta.MeetsSessionReqs = true
	entry.Meta.UpgradedFromAdhoc = true
	entry.Meta.AddedBy = by
	return nil
}

// RemoveSymbol drops the symbol and all its series. Scanner teardown
// uses it for symbols that were neither promoted nor locked.
func (s *Store) RemoveSymbol(symbol string) error {
	symbol = domain.NormalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[symbol]; !ok {
		return fmt.Errorf("remove %s: %w", symbol, ErrSymbolUnknown)
	}
	delete(s.symbols, symbol)
	log.Debug().Str("symbol", symbol).Msg("symbol removed")
	return nil
}

// AddInterval attaches an empty series for the interval. Attaching an
// already-present interval is a no-op.
func (s *Store) AddInterval(symbol string, iv domain.Interval, derived bool, baseRef domain.Interval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return fmt.Errorf("add interval %s %s: %w", symbol, iv, ErrSymbolUnknown)
	}
	if _, ok := entry.Series[iv]; ok {
		return nil
	}
	entry.Series[iv] = &IntervalSeries{Interval: iv, Derived: derived, BaseRef: baseRef}
	return nil
}

// AppendBar appends a live bar to the (symbol, interval) series. The
// bar must strictly advance the series timestamp; anything else is
// rejected so replays and duplicate deliveries cannot corrupt order.
// Base-interval bars inside the session date also feed the symbol's
// session metrics. The series dirty bit is set for the processor.
func (s *Store) AppendBar(symbol string, iv domain.Interval, bar domain.Bar) error {
	if err := bar.Validate(); err != nil {
		return fmt.Errorf("append %s %s: %w", symbol, iv, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	series, entry, err := s.seriesLocked(symbol, iv)
	if err != nil {
		return fmt.Errorf("append %s %s: %w", symbol, iv, err)
	}
	if last, ok := series.latest(); ok && !bar.Timestamp.After(last.Timestamp) {
		return fmt.Errorf("append %s %s at %s: %w (latest %s)",
			symbol, iv, bar.Timestamp.UTC().Format(time.RFC3339), ErrNonMonotonic,
			last.Timestamp.UTC().Format(time.RFC3339))
	}

	if last, ok := series.latest(); ok && iv.IsIntraday() {
		expected := last.Timestamp.Add(iv.Duration())
		if bar.Timestamp.After(expected) {
			series.Gaps = append(series.Gaps, domain.GapSpan{From: expected, To: bar.Timestamp})
		}
	}

	series.Bars = append(series.Bars, bar)
	series.Updated = true
	if iv == entry.Base && s.inSessionDateLocked(bar.Timestamp) {
		entry.Metrics.observe(bar)
	}
	return nil
}

// MergeBars inserts bars in timestamp order, skipping timestamps the
// series already holds. It serves gap fills and retroactive derivation,
// where out-of-order arrival is expected. Returns how many bars were
// inserted and how many were skipped as duplicates.
func (s *Store) MergeBars(symbol string, iv domain.Interval, bars []domain.Bar) (inserted, skipped int, err error) {
	if len(bars) == 0 {
		return 0, 0, nil
	}
	for _, b := range bars {
		if verr := b.Validate(); verr != nil {
			return 0, 0, fmt.Errorf("merge %s %s: %w", symbol, iv, verr)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	series, entry, err := s.seriesLocked(symbol, iv)
	if err != nil {
		return 0, 0, fmt.Errorf("merge %s %s: %w", symbol, iv, err)
	}

	incoming := make([]domain.Bar, len(bars))
	copy(incoming, bars)
	sort.Slice(incoming, func(i, j int) bool {
		return incoming[i].Timestamp.Before(incoming[j].Timestamp)
	})

	for _, bar := range incoming {
		idx := sort.Search(len(series.Bars), func(i int) bool {
			return !series.Bars[i].Timestamp.Before(bar.Timestamp)
		})
		if idx < len(series.Bars) && series.Bars[idx].Timestamp.Equal(bar.Timestamp) {
			skipped++
			continue
		}
		series.Bars = append(series.Bars, domain.Bar{})
		copy(series.Bars[idx+1:], series.Bars[idx:])
		series.Bars[idx] = bar
		inserted++
		if iv == entry.Base && s.inSessionDateLocked(bar.Timestamp) {
			entry.Metrics.observe(bar)
		}
	}

	if inserted > 0 {
		series.Updated = true
		if iv.IsIntraday() {
			series.Gaps = domain.DetectGaps(series.Bars, iv)
		}
	}
	if skipped > 0 {
		log.Debug().Str("symbol", symbol).Str("interval", iv.String()).
			Int("inserted", inserted).Int("skipped", skipped).
			Msg("merge skipped duplicate timestamps")
	}
	return inserted, skipped, nil
}

// GetLatestBar returns the newest bar of the series.
func (s *Store) GetLatestBar(symbol string, iv domain.Interval, internal bool) (domain.Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.readableLocked(internal) {
		return domain.Bar{}, false
	}
	series, _, err := s.seriesLocked(symbol, iv)
	if err != nil {
		return domain.Bar{}, false
	}
	return series.latest()
}

// GetLastNBars returns up to n trailing bars. The slice aliases store
// memory; callers must not mutate it.
func (s *Store) GetLastNBars(symbol string, iv domain.Interval, n int, internal bool) []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || !s.readableLocked(internal) {
		return nil
	}
	series, _, err := s.seriesLocked(symbol, iv)
	if err != nil || len(series.Bars) == 0 {
		return nil
	}
	if n > len(series.Bars) {
		n = len(series.Bars)
	}
	return series.Bars[len(series.Bars)-n:]
}

// GetBarsSince returns all bars with timestamp >= since, aliasing
// store memory.
func (s *Store) GetBarsSince(symbol string, iv domain.Interval, since time.Time, internal bool) []domain.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.readableLocked(internal) {
		return nil
	}
	series, _, err := s.seriesLocked(symbol, iv)
	if err != nil {
		return nil
	}
	idx := sort.Search(len(series.Bars), func(i int) bool {
		return !series.Bars[i].Timestamp.Before(since)
	})
	if idx == len(series.Bars) {
		return nil
	}
	return series.Bars[idx:]
}

// GetBarCount returns the series length.
func (s *Store) GetBarCount(symbol string, iv domain.Interval, internal bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.readableLocked(internal) {
		return 0
	}
	series, _, err := s.seriesLocked(symbol, iv)
	if err != nil {
		return 0
	}
	return len(series.Bars)
}

// GetActiveSymbols returns the registered symbols in sorted order.
func (s *Store) GetActiveSymbols(internal bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.readableLocked(internal) {
		return nil
	}
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// GetSymbolData returns the symbol's full entry by reference. Callers
// must treat it as read-only.
func (s *Store) GetSymbolData(symbol string, internal bool) (*SymbolData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.readableLocked(internal) {
		return nil, false
	}
	entry, ok := s.symbols[domain.NormalizeSymbol(symbol)]
	return entry, ok
}

// GetIntervals returns the symbol's attached intervals, base first then
// finest to coarsest. The slice is a copy and safe to hold.
func (s *Store) GetIntervals(symbol string, internal bool) (domain.Interval, []domain.Interval, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.readableLocked(internal) {
		return domain.Interval{}, nil, false
	}
	entry, ok := s.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return domain.Interval{}, nil, false
	}
	out := make([]domain.Interval, 0, len(entry.Series))
	for iv := range entry.Series {
		if iv != entry.Base {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Finer(out[j]) })
	return entry.Base, out, true
}

// GapReport returns a copy of the recorded gaps per interval. Series
// without gaps are omitted; an empty map means the symbol is whole.
func (s *Store) GapReport(symbol string) map[domain.Interval][]domain.GapSpan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return nil
	}
	out := make(map[domain.Interval][]domain.GapSpan)
	for iv, series := range entry.Series {
		if len(series.Gaps) == 0 {
			continue
		}
		spans := make([]domain.GapSpan, len(series.Gaps))
		copy(spans, series.Gaps)
		out[iv] = spans
	}
	return out
}

// SetIndicator publishes an indicator value under its identity key.
func (s *Store) SetIndicator(symbol, key string, val indicators.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return fmt.Errorf("set indicator %s %s: %w", symbol, key, ErrSymbolUnknown)
	}
	entry.Indicators[key] = val
	return nil
}

// GetIndicator returns the published value for the identity key.
func (s *Store) GetIndicator(symbol, key string, internal bool) (indicators.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.readableLocked(internal) {
		return indicators.Value{}, false
	}
	entry, ok := s.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return indicators.Value{}, false
	}
	val, ok := entry.Indicators[key]
	return val, ok
}

// SetQuality records the provisioning-time quality score for a symbol.
func (s *Store) SetQuality(symbol string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return fmt.Errorf("set quality %s: %w", symbol, ErrSymbolUnknown)
	}
	entry.Quality = &score
	return nil
}

// SetIntervalQuality records a per-series quality score.
func (s *Store) SetIntervalQuality(symbol string, iv domain.Interval, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	series, _, err := s.seriesLocked(symbol, iv)
	if err != nil {
		return fmt.Errorf("set quality %s %s: %w", symbol, iv, err)
	}
	series.Quality = &score
	return nil
}

// ConsumeUpdated returns the intervals whose dirty bit is set for the
// symbol and clears them in the same critical section.
func (s *Store) ConsumeUpdated(symbol string) []domain.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return nil
	}
	var out []domain.Interval
	for iv, series := range entry.Series {
		if series.Updated {
			series.Updated = false
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Finer(out[j]) })
	return out
}

// ActivateSession opens external reads for the given session date.
func (s *Store) ActivateSession(date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.sessionDate = date
	log.Info().Time("session_date", date).Msg("session data activated")
}

// DeactivateSession closes external reads; internal readers are
// unaffected.
func (s *Store) DeactivateSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		log.Info().Msg("session data deactivated")
	}
}

// IsActive reports whether external reads are open.
func (s *Store) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SessionDate returns the date the session was last activated for.
func (s *Store) SessionDate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionDate
}

// Clear drops every symbol and deactivates the session. Used at
// teardown before rolling to the next trading day.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.symbols)
	s.symbols = make(map[string]*SymbolData)
	s.active = false
	log.Info().Int("symbols", n).Msg("session data cleared")
}

// Stats returns a snapshot for status surfaces.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Symbols: len(s.symbols), Active: s.active, SessionDate: s.sessionDate}
	for _, entry := range s.symbols {
		for _, series := range entry.Series {
			st.TotalBars += len(series.Bars)
		}
	}
	return st
}

// SymbolStats returns per-symbol status rows sorted by symbol. Quality
// pointers are safe to hold: scores are published by replacement, never
// mutated in place.
func (s *Store) SymbolStats(internal bool) []SymbolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.readableLocked(internal) {
		return nil
	}
	out := make([]SymbolStats, 0, len(s.symbols))
	for sym, entry := range s.symbols {
		row := SymbolStats{
			Symbol:          sym,
			Base:            entry.Base.String(),
			AddedBy:         entry.Meta.AddedBy,
			FullSession:     entry.Meta.MeetsSessionReqs,
			AutoProvisioned: entry.Meta.AutoProvisioned,
			Quality:         entry.Quality,
			Metrics:         entry.Metrics,
			Indicators:      len(entry.Indicators),
		}
		if base, ok := entry.Series[entry.Base]; ok {
			if bar, ok := base.latest(); ok {
				row.LastBarAt = bar.Timestamp
			}
		}
		for _, series := range entry.Series {
			row.Gaps += len(series.Gaps)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// seriesLocked resolves (symbol, interval) under the lock held by the
// caller.
func (s *Store) seriesLocked(symbol string, iv domain.Interval) (*IntervalSeries, *SymbolData, error) {
	entry, ok := s.symbols[domain.NormalizeSymbol(symbol)]
	if !ok {
		return nil, nil, ErrSymbolUnknown
	}
	series, ok := entry.Series[iv]
	if !ok {
		return nil, nil, ErrIntervalUnknown
	}
	return series, entry, nil
}

// readableLocked gates external reads on the session-active flag.
func (s *Store) readableLocked(internal bool) bool {
	return internal || s.active
}

// inSessionDateLocked reports whether ts falls on the activated
// session date. With no date set every base bar counts.
func (s *Store) inSessionDateLocked(ts time.Time) bool {
	if s.sessionDate.IsZero() {
		return true
	}
	start := s.sessionDate
	return !ts.Before(start) && ts.Before(start.AddDate(0, 0, 1))
}
