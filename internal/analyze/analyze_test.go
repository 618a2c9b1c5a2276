package analyze

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/config"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/indicators"
)

func testAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	cal, err := calendar.New(calendar.Options{})
	require.NoError(t, err)
	return NewAnalyzer(cal)
}

func asOf(t *testing.T) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// Thursday.
	return time.Date(2025, time.January, 9, 0, 0, 0, 0, loc)
}

func tags(list ...string) []domain.Interval {
	out := make([]domain.Interval, 0, len(list))
	for _, tag := range list {
		out = append(out, domain.MustInterval(tag))
	}
	return out
}

func TestExpandIntervals(t *testing.T) {
	a := testAnalyzer(t)

	got, err := a.ExpandIntervals(domain.Base1m, tags("1w", "15m", "5m"))
	require.NoError(t, err)
	assert.Equal(t, tags("1m", "5m", "15m", "1d", "1w"), got)

	// Duplicates collapse; the base itself is never repeated.
	got, err = a.ExpandIntervals(domain.Base1m, tags("5m", "5m", "1m"))
	require.NoError(t, err)
	assert.Equal(t, tags("1m", "5m"), got)

	_, err = a.ExpandIntervals(domain.Base1s, tags("5m"))
	require.Error(t, err)
}

func TestAnalyzeIndicator(t *testing.T) {
	a := testAnalyzer(t)

	cfg, err := indicators.NewConfig("rsi", 14, domain.MustInterval("5m"), nil)
	require.NoError(t, err)

	req, err := a.AnalyzeIndicator("rsi_fast", cfg, domain.Base1m, asOf(t))
	require.NoError(t, err)
	assert.Equal(t, "rsi_fast", req.Label)
	assert.Equal(t, 15, req.WarmupBars)
	assert.Equal(t, tags("1m", "5m"), req.Intervals)
	// 15 five-minute bars fit inside one prior trading day; buffered 2x.
	assert.Equal(t, 2, req.HistoryDays)
}

func TestAnalyzeIndicatorIntervalMismatch(t *testing.T) {
	a := testAnalyzer(t)

	cfg, err := indicators.NewConfig("sma", 10, domain.MustInterval("30s"), nil)
	require.NoError(t, err)

	_, err = a.AnalyzeIndicator("sma_s", cfg, domain.Base1m, asOf(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not derivable")
}

func TestHistoryDays(t *testing.T) {
	a := testAnalyzer(t)
	now := asOf(t)

	// Zero warm-up needs no history.
	assert.Equal(t, 0, a.HistoryDays(0, domain.Base1m, now))

	// 3 daily bars: Jan 8, 7, 6 -> 3 calendar days back, buffered 2x.
	assert.Equal(t, 6, a.HistoryDays(3, domain.Base1d, now))

	// 5 daily bars cross the weekend: Jan 2 is 7 calendar days back.
	assert.Equal(t, 14, a.HistoryDays(5, domain.Base1d, now))

	// One weekly bar: satisfied by the previous trading day's week.
	assert.Equal(t, 2, a.HistoryDays(1, domain.Base1w, now))

	// 800 one-minute bars: two full prior sessions (Jan 8 + Jan 7, 780
	// bars) are not enough, Jan 6 completes it -> 3 days back, 2x.
	assert.Equal(t, 6, a.HistoryDays(800, domain.Base1m, now))
}

func TestPlanSession(t *testing.T) {
	a := testAnalyzer(t)

	cfg := &config.Config{
		SessionName: "t",
		Mode:        config.ModeLive,
		SessionData: &config.SessionDataConfig{
			Symbols:          []string{"AAPL"},
			Streams:          []string{"1m", "5m"},
			DerivedIntervals: []string{"15m"},
			Historical: config.HistoricalConfig{
				Data: []config.HistoricalData{
					{TrailingDays: 5, Intervals: []string{"1m"}},
				},
				Indicators: map[string]config.IndicatorSpec{
					"rsi_fast":  {Type: "rsi", Period: 14, Interval: "5m"},
					"sma_daily": {Type: "sma", Period: 3, Interval: "1d"},
				},
			},
		},
	}

	plan, err := a.PlanSession(cfg, asOf(t))
	require.NoError(t, err)

	assert.Equal(t, domain.Base1m, plan.Base)
	assert.Equal(t, tags("1m", "5m", "15m", "1d"), plan.Intervals)

	require.Len(t, plan.Indicators, 2)
	// Labels come back sorted.
	assert.Equal(t, "rsi_fast", plan.Indicators[0].Label)
	assert.Equal(t, "sma_daily", plan.Indicators[1].Label)
	assert.Equal(t, 15, plan.Indicators[0].WarmupBars)
	assert.Equal(t, 3, plan.Indicators[1].WarmupBars)

	require.Len(t, plan.Prefetch, 1)
	assert.Equal(t, 5, plan.Prefetch[0].TrailingDays)
	assert.Equal(t, tags("1m"), plan.Prefetch[0].Intervals)

	// max(rsi 2d, sma 6d, prefetch 5d).
	assert.Equal(t, 6, plan.HistoryDays)
}

func TestPlanSessionRejectsBadIndicator(t *testing.T) {
	a := testAnalyzer(t)

	cfg := &config.Config{
		SessionData: &config.SessionDataConfig{
			Symbols: []string{"AAPL"},
			Streams: []string{"1m"},
			Historical: config.HistoricalConfig{
				Indicators: map[string]config.IndicatorSpec{
					"bad": {Type: "wavelet", Period: 3, Interval: "1m"},
				},
			},
		},
	}

	_, err := a.PlanSession(cfg, asOf(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}
