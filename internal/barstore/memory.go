package barstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sessrun/sessrun/internal/domain"
)

type seriesKey struct {
	symbol   string
	interval domain.Interval
}

// Memory is the in-process Store used by tests and backtest seeding.
// Safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	series map[seriesKey][]domain.Bar
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{series: make(map[seriesKey][]domain.Bar)}
}

// GetBars returns a copy of the bars in [start, end), ascending.
func (m *Memory) GetBars(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	bars := m.series[seriesKey{domain.NormalizeSymbol(symbol), iv}]
	lo := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(start) })
	hi := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(end) })
	if lo >= hi {
		return nil, nil
	}
	out := make([]domain.Bar, hi-lo)
	copy(out, bars[lo:hi])
	return out, nil
}

// BulkUpsert inserts or replaces bars, keeping each series sorted.
func (m *Memory) BulkUpsert(ctx context.Context, bars []domain.Bar) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("bulk upsert: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range bars {
		key := seriesKey{domain.NormalizeSymbol(b.Symbol), b.Interval}
		series := m.series[key]
		idx := sort.Search(len(series), func(i int) bool {
			return !series[i].Timestamp.Before(b.Timestamp)
		})
		if idx < len(series) && series[idx].Timestamp.Equal(b.Timestamp) {
			series[idx] = b
			continue
		}
		series = append(series, domain.Bar{})
		copy(series[idx+1:], series[idx:])
		series[idx] = b
		m.series[key] = series
	}
	return nil
}

// DateRange scans every interval the symbol has bars under.
func (m *Memory) DateRange(ctx context.Context, symbol string) (time.Time, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, time.Time{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbol = domain.NormalizeSymbol(symbol)
	var min, max time.Time
	for key, series := range m.series {
		if key.symbol != symbol || len(series) == 0 {
			continue
		}
		if min.IsZero() || series[0].Timestamp.Before(min) {
			min = series[0].Timestamp
		}
		if last := series[len(series)-1].Timestamp; last.After(max) {
			max = last
		}
	}
	if min.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("date range %s: %w", symbol, ErrNoData)
	}
	return min, max, nil
}

// HasData reports whether any bar falls inside [start, end).
func (m *Memory) HasData(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) (bool, error) {
	bars, err := m.GetBars(ctx, symbol, iv, start, end)
	if err != nil {
		return false, err
	}
	return len(bars) > 0, nil
}

// Clear drops every series.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series = make(map[seriesKey][]domain.Bar)
}

// Len reports the total bar count, for test assertions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, series := range m.series {
		n += len(series)
	}
	return n
}
