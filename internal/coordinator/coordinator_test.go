package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/driver"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

func TestHandleBarIngestsAndForwards(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	f.feedBar(t, minuteBar("ACME", openOf(monday), 100))

	assert.Equal(t, 1, f.store.GetBarCount("ACME", domain.MustInterval("1m"), true))
	assert.InDelta(t, 1, f.reg.Snapshot().BarsIngested, 0.001)
	assert.True(t, f.coord.LastDataAt().Equal(openOf(monday)))
}

func TestHandleBarDropsUnknownSymbol(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	f.feedBar(t, minuteBar("GHOST", openOf(monday), 50))

	assert.InDelta(t, 0, f.reg.Snapshot().BarsIngested, 0.001)
	assert.InDelta(t, 1, f.reg.Snapshot().BarsRejected, 0.001)
}

func TestHandleBarRejectsNonTradingDay(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	saturday := monday.AddDate(0, 0, 5)
	f.feedBar(t, minuteBar("ACME", openOf(saturday), 100))

	assert.Equal(t, 0, f.store.GetBarCount("ACME", domain.MustInterval("1m"), true))
	assert.InDelta(t, 1, f.reg.Snapshot().BarsRejected, 0.001)
}

func TestHandleBarFatalOnOrderingViolation(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	f.feedBar(t, minuteBar("ACME", openOf(monday).Add(time.Minute), 101))

	stale := minuteBar("ACME", openOf(monday), 100)
	f.clock.Set(stale.Timestamp)
	err = f.coord.handleBar(context.Background(),
		driver.Input{Kind: driver.InputBar, Symbol: stale.Symbol, Bar: stale})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sessiondata.ErrNonMonotonic))
}

func TestLagDeactivatesAndRecovers(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme")) // threshold 60s, check every bar
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	f.feedBar(t, minuteBar("ACME", openOf(monday), 100))
	require.True(t, f.store.IsActive())

	// Processing 90s behind the session clock crosses the threshold.
	lagged := minuteBar("ACME", openOf(monday).Add(time.Minute), 101)
	f.clock.Set(lagged.Timestamp.Add(90 * time.Second))
	require.NoError(t, f.coord.handleBar(context.Background(),
		driver.Input{Kind: driver.InputBar, Symbol: lagged.Symbol, Bar: lagged}))
	f.pump(t)

	assert.False(t, f.store.IsActive())
	assert.InDelta(t, 1, f.reg.Snapshot().LagDeactivations, 0.001)

	// Back on time: the session reactivates by itself, same date.
	f.feedBar(t, minuteBar("ACME", openOf(monday).Add(2*time.Minute), 102))
	assert.True(t, f.store.IsActive())
	assert.True(t, f.store.SessionDate().Equal(monday))
}

func TestLagRecoveryIgnoresManualPauses(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	// Deactivated for some other reason; an on-time bar must not flip
	// the session back on.
	f.store.DeactivateSession()
	f.feedBar(t, minuteBar("ACME", openOf(monday), 100))
	assert.False(t, f.store.IsActive())
}

func TestRollSessionAdvancesToNextDay(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	var hookDay time.Time
	var hookQuality float64
	f.coord.OnRoll(func(_ context.Context, day time.Time) {
		hookDay = day
		// Hooks see the finished session: scored but not yet cleared.
		data, ok := f.store.GetSymbolData("ACME", true)
		require.True(t, ok)
		require.NotNil(t, data.Quality)
		hookQuality = *data.Quality
	})

	for i := 0; i < 5; i++ {
		f.feedBar(t, minuteBar("ACME", openOf(monday).Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	require.NoError(t, f.coord.rollSession(context.Background(), monday))

	assert.True(t, hookDay.Equal(monday))
	assert.InDelta(t, 100, hookQuality, 0.001, "five of five bars is a perfect session")

	// Fresh session on the next trading day.
	assert.True(t, f.store.IsActive())
	assert.True(t, f.store.SessionDate().Equal(tuesday))
	assert.Equal(t, 0, f.store.GetBarCount("ACME", domain.MustInterval("1m"), true))
	assert.Empty(t, f.mgr.Labels("ACME"))
}

func TestRollSessionSkipsHoliday(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"),
		calendar.DayOverride{Date: "2024-03-05", Name: "Exchange Holiday", Holiday: true})
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	require.NoError(t, f.coord.rollSession(context.Background(), monday))

	wednesday := monday.AddDate(0, 0, 2)
	assert.True(t, f.store.SessionDate().Equal(wednesday))
	assert.True(t, f.store.IsActive())
}

func TestRollSessionIdempotentPerDay(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	require.NoError(t, f.coord.rollSession(context.Background(), monday))
	require.True(t, f.store.SessionDate().Equal(tuesday))

	// The duplicate marker for the same day must not roll again.
	require.NoError(t, f.coord.rollSession(context.Background(), monday))
	assert.True(t, f.store.SessionDate().Equal(tuesday))
	assert.True(t, f.store.IsActive())
}

func TestRollSessionStopsAtRangeEnd(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	lastDay := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC) // friday, range end
	_, err := f.coord.StartSession(context.Background(), lastDay)
	require.NoError(t, err)

	require.NoError(t, f.coord.rollSession(context.Background(), lastDay))

	assert.False(t, f.store.IsActive())
	assert.Equal(t, 0, f.store.Stats().Symbols)
}

func TestRunDrainsDriverQueue(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.in <- driver.Input{Kind: driver.InputBar, Symbol: "ACME",
			Bar: minuteBar("ACME", openOf(monday).Add(time.Duration(i)*time.Minute), 100+float64(i))}
	}
	f.in <- driver.Input{Kind: driver.InputDayEnd, Day: monday}
	close(f.in)

	require.NoError(t, f.coord.Run(context.Background()))
	f.pump(t)

	assert.InDelta(t, 5, f.reg.Snapshot().BarsIngested, 0.001)
	assert.True(t, f.store.SessionDate().Equal(tuesday))
}

func TestScoreSymbolFinalFullDay(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.feedBar(t, minuteBar("ACME", openOf(monday).Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	f.coord.scoreSymbol("ACME", true)

	data, ok := f.store.GetSymbolData("ACME", true)
	require.True(t, ok)
	require.NotNil(t, data.Quality)
	assert.InDelta(t, 100, *data.Quality, 0.001)

	fiveMin := data.Series[domain.MustInterval("5m")]
	require.NotNil(t, fiveMin)
	require.NotNil(t, fiveMin.Quality)
	assert.InDelta(t, 100, *fiveMin.Quality, 0.001, "the single 5m window closed")
}

func TestScoreSymbolFinalWithMissingBar(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	// 09:32 never arrives.
	for _, i := range []int{0, 1, 3, 4} {
		f.feedBar(t, minuteBar("ACME", openOf(monday).Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	f.coord.scoreSymbol("ACME", true)

	data, ok := f.store.GetSymbolData("ACME", true)
	require.True(t, ok)
	require.NotNil(t, data.Quality)
	assert.InDelta(t, 82.0, *data.Quality, 0.001, "four of five bars, no duplicates")

	// The gap also kept the 5m window from closing.
	fiveMin := data.Series[domain.MustInterval("5m")]
	require.NotNil(t, fiveMin)
	require.NotNil(t, fiveMin.Quality)
	assert.InDelta(t, 10.0, *fiveMin.Quality, 0.001)
}

func TestScoreSymbolMidSessionUsesElapsedExpectation(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)

	// Two bars in, clock at 09:32: two of two expected so far.
	f.feedBar(t, minuteBar("ACME", openOf(monday), 100))
	f.feedBar(t, minuteBar("ACME", openOf(monday).Add(time.Minute), 101))
	f.clock.Set(openOf(monday).Add(2 * time.Minute))
	f.coord.scoreSymbol("ACME", false)

	data, ok := f.store.GetSymbolData("ACME", true)
	require.True(t, ok)
	require.NotNil(t, data.Quality)
	assert.InDelta(t, 100, *data.Quality, 0.001)
}

func TestStopSessionTearsDown(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)
	f.feedBar(t, minuteBar("ACME", openOf(monday), 100))

	f.coord.StopSession()

	assert.False(t, f.store.IsActive())
	assert.Equal(t, 0, f.store.Stats().Symbols)
	assert.Empty(t, f.mgr.Labels("ACME"))
}

func TestPauseResumeSession(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	f.coord.PauseSession()
	assert.False(t, f.gate.IsSet())
	f.coord.ResumeSession()
	assert.True(t, f.gate.IsSet())
}
