// Package quality scores bar series against what the trading calendar
// says should exist.
package quality

import (
	"fmt"
	"sync"
	"time"

	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/domain"
)

// Composite score weights: completeness dominates, duplicate-freedom
// contributes the remainder.
const (
	completenessWeight = 0.9
	dupFreeWeight      = 0.1
)

// Metrics is the quality report for one (symbol, interval) series over
// a window.
type Metrics struct {
	TotalBars     int     `json:"total_bars"`
	ExpectedBars  int     `json:"expected_bars"`
	MissingBars   int     `json:"missing_bars"`
	DuplicateBars int     `json:"duplicate_bars"`
	Completeness  float64 `json:"completeness_pct"`
	Score         float64 `json:"score"`
}

type cacheKey struct {
	start    string
	end      string
	interval string
}

// Checker computes expected bar counts and quality scores. Expected
// counts are cached per (window, interval) until the calendar is
// swapped out.
type Checker struct {
	mu    sync.RWMutex
	cal   *calendar.Calendar
	cache map[cacheKey]int
}

// NewChecker wraps a calendar.
func NewChecker(cal *calendar.Calendar) *Checker {
	return &Checker{
		cal:   cal,
		cache: make(map[cacheKey]int),
	}
}

// SetCalendar swaps the calendar in and clears the expected-bars cache.
func (c *Checker) SetCalendar(cal *calendar.Calendar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cal = cal
	c.cache = make(map[cacheKey]int)
}

// Calendar returns the calendar currently backing the checker.
func (c *Checker) Calendar() *calendar.Calendar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cal
}

// ExpectedBars walks the calendar from start to end (dates inclusive)
// and counts how many bars of the interval a complete feed would have
// produced, honoring early closes.
func (c *Checker) ExpectedBars(start, end time.Time, iv domain.Interval) int {
	key := cacheKey{
		start:    start.UTC().Format("2006-01-02"),
		end:      end.UTC().Format("2006-01-02"),
		interval: iv.String(),
	}
	c.mu.RLock()
	if n, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return n
	}
	cal := c.cal
	c.mu.RUnlock()

	n := expectedBars(cal, start, end, iv)

	c.mu.Lock()
	c.cache[key] = n
	c.mu.Unlock()
	return n
}

func expectedBars(cal *calendar.Calendar, start, end time.Time, iv domain.Interval) int {
	days := cal.TradingDays(start, end)
	switch iv.Unit {
	case domain.UnitSecond, domain.UnitMinute:
		secs := int(iv.Duration() / time.Second)
		if secs <= 0 {
			return 0
		}
		total := 0
		for _, day := range days {
			total += cal.SessionMinutes(day) * 60 / secs
		}
		return total
	case domain.UnitDay:
		return len(days) / iv.N
	case domain.UnitWeek:
		weeks := 0
		seen := map[[2]int]bool{}
		for _, day := range days {
			y, w := day.ISOWeek()
			if !seen[[2]int{y, w}] {
				seen[[2]int{y, w}] = true
				weeks++
			}
		}
		return weeks / iv.N
	}
	return 0
}

// Check builds the metrics record for a series over [start, end].
// Bars are assumed ordered by timestamp; duplicates are repeated
// timestamps, which the store normally prevents.
func (c *Checker) Check(bars []domain.Bar, start, end time.Time, iv domain.Interval) Metrics {
	expected := c.ExpectedBars(start, end, iv)

	unique := 0
	duplicates := 0
	var prev time.Time
	for i, b := range bars {
		if i > 0 && b.Timestamp.Equal(prev) {
			duplicates++
			continue
		}
		unique++
		prev = b.Timestamp
	}

	missing := expected - unique
	if missing < 0 {
		missing = 0
	}

	completeness := 100.0
	if expected > 0 {
		completeness = float64(unique) / float64(expected) * 100
		if completeness > 100 {
			completeness = 100
		}
	}

	return Metrics{
		TotalBars:     len(bars),
		ExpectedBars:  expected,
		MissingBars:   missing,
		DuplicateBars: duplicates,
		Completeness:  completeness,
		Score:         Score(unique, expected, duplicates),
	}
}

// Score is the composite quality score on [0, 100]:
// 0.9·min(1, actual/expected) + 0.1·(duplicate-free), scaled by 100.
// A window expecting zero bars scores the completeness share in full.
func Score(actual, expected, duplicates int) float64 {
	completeness := 1.0
	if expected > 0 {
		completeness = float64(actual) / float64(expected)
		if completeness > 1 {
			completeness = 1
		}
	}
	dupFree := 1.0
	if duplicates > 0 {
		dupFree = 0
	}
	return (completenessWeight*completeness + dupFreeWeight*dupFree) * 100
}

// ExpectedSoFar counts interval slots from session open to
// min(now, session close) on now's date. Zero before open and on
// non-trading days.
func (c *Checker) ExpectedSoFar(now time.Time, iv domain.Interval) int {
	c.mu.RLock()
	cal := c.cal
	c.mu.RUnlock()

	open, close, ok := cal.SessionWindow(now)
	if !ok || !now.After(open) {
		return 0
	}
	until := now
	if until.After(close) {
		until = close
	}
	d := iv.Duration()
	if d <= 0 {
		return 0
	}
	return int(until.Sub(open) / d)
}

// IntradayQuality is actual/expected-so-far as a percentage. Before
// the open it is 100 by convention. On non-trading days there is no
// meaningful figure and ok is false.
func (c *Checker) IntradayQuality(actual int, now time.Time, iv domain.Interval) (float64, bool) {
	c.mu.RLock()
	cal := c.cal
	c.mu.RUnlock()

	if !cal.IsTradingDay(now) {
		return 0, false
	}
	expected := c.ExpectedSoFar(now, iv)
	if expected == 0 {
		return 100, true
	}
	q := float64(actual) / float64(expected) * 100
	if q > 100 {
		q = 100
	}
	return q, true
}

func (m Metrics) String() string {
	return fmt.Sprintf("bars=%d expected=%d missing=%d dups=%d score=%.2f",
		m.TotalBars, m.ExpectedBars, m.MissingBars, m.DuplicateBars, m.Score)
}
