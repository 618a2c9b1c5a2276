package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/indicators"
	"github.com/sessrun/sessrun/internal/notify"
	"github.com/sessrun/sessrun/internal/sessiondata"
	"github.com/sessrun/sessrun/internal/streamsub"
)

// The fixtures run a miniature exchange: five-minute sessions in UTC
// so a 1d bar needs exactly five 1m bars.
const (
	fixtureOpen  = "09:30"
	fixtureClose = "09:35"
)

func fixtureCalendar(t *testing.T, overrides ...calendar.DayOverride) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(calendar.Options{
		Timezone:   "UTC",
		OpenClock:  fixtureOpen,
		CloseClock: fixtureClose,
		Overrides:  overrides,
	})
	require.NoError(t, err)
	return cal
}

type fixture struct {
	store *sessiondata.Store
	mgr   *indicators.Manager
	queue *notify.Queue
	proc  *Processor
}

func newFixture(t *testing.T, cal *calendar.Calendar, symbol string, derived ...string) *fixture {
	t.Helper()
	store := sessiondata.NewStore()
	base := domain.MustInterval("1m")
	_, err := store.RegisterSymbol(symbol, base, sessiondata.SymbolMeta{AddedBy: sessiondata.SourceConfig})
	require.NoError(t, err)
	for _, tag := range derived {
		iv := domain.MustInterval(tag)
		src, err := iv.DirectSource(base)
		require.NoError(t, err)
		require.NoError(t, store.AddInterval(symbol, iv, true, src))
	}

	queue := notify.NewQueue(1024)
	mgr := indicators.NewManager()
	proc := New(store, cal, mgr, nil, Config{Sink: queue})
	return &fixture{store: store, mgr: mgr, queue: queue, proc: proc}
}

func (f *fixture) feed(t *testing.T, symbol string, bar domain.Bar) {
	t.Helper()
	require.NoError(t, f.store.AppendBar(symbol, bar.Interval, bar))
	require.NoError(t, f.proc.Process(BarEvent{Symbol: symbol, Bar: bar}))
}

func minuteBar(ts time.Time, close float64) domain.Bar {
	return domain.Bar{
		Symbol:    "ACME",
		Interval:  domain.MustInterval("1m"),
		Timestamp: ts,
		Open:      close - 0.5,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    100,
	}
}

func drain(q *notify.Queue) []notify.Notification {
	var out []notify.Notification
	for {
		select {
		case n := <-q.C():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestIntradayWindowClosesOnLastTick(t *testing.T) {
	cal := fixtureCalendar(t)
	f := newFixture(t, cal, "ACME", "5m")
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	f.store.ActivateSession(day)
	open := day.Add(9*time.Hour + 30*time.Minute)

	for i := 0; i < 4; i++ {
		f.feed(t, "ACME", minuteBar(open.Add(time.Duration(i)*time.Minute), 100+float64(i)))
		assert.Equal(t, 0, f.store.GetBarCount("ACME", domain.MustInterval("5m"), true),
			"window must not close before its last tick")
	}

	f.feed(t, "ACME", minuteBar(open.Add(4*time.Minute), 104))

	fives := f.store.GetBarsSince("ACME", domain.MustInterval("5m"), time.Time{}, true)
	require.Len(t, fives, 1)
	got := fives[0]
	assert.Equal(t, open, got.Timestamp, "derived bar is stamped at its window start")
	assert.Equal(t, 99.5, got.Open, "open comes from the first source bar")
	assert.Equal(t, 105.0, got.High)
	assert.Equal(t, 99.0, got.Low)
	assert.Equal(t, 104.0, got.Close, "close comes from the last source bar")
	assert.Equal(t, 500.0, got.Volume, "volume sums the window")

	notes := drain(f.queue)
	var sawFive bool
	for _, n := range notes {
		if n.Interval == domain.MustInterval("5m") && n.Kind == notify.KindBar {
			sawFive = true
		}
	}
	assert.True(t, sawFive, "derived advance must be notified")
	assert.Equal(t, uint64(1), f.proc.Stats().DerivedEmitted)
}

func TestIncompleteWindowSkipped(t *testing.T) {
	cal := fixtureCalendar(t)
	f := newFixture(t, cal, "ACME", "5m")
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	f.store.ActivateSession(day)
	open := day.Add(9*time.Hour + 30*time.Minute)

	// Minute 09:32 never arrives.
	for _, i := range []int{0, 1, 3, 4} {
		f.feed(t, "ACME", minuteBar(open.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}

	assert.Equal(t, 0, f.store.GetBarCount("ACME", domain.MustInterval("5m"), true),
		"a window with missing source bars must be skipped, not emitted partially")
	assert.Equal(t, uint64(1), f.proc.Stats().WindowsSkipped)
}

func TestBackfillEmitsRetroWindow(t *testing.T) {
	cal := fixtureCalendar(t)
	f := newFixture(t, cal, "ACME", "5m")
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	f.store.ActivateSession(day)
	open := day.Add(9*time.Hour + 30*time.Minute)

	for _, i := range []int{0, 1, 3, 4} {
		f.feed(t, "ACME", minuteBar(open.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	drain(f.queue)

	// The gap fill recovers 09:32; the 5m window is now derivable.
	missing := minuteBar(open.Add(2*time.Minute), 102)
	inserted, skipped, err := f.store.MergeBars("ACME", domain.MustInterval("1m"), []domain.Bar{missing})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.Equal(t, 0, skipped)

	n, err := f.proc.Backfill("ACME")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fives := f.store.GetBarsSince("ACME", domain.MustInterval("5m"), time.Time{}, true)
	require.Len(t, fives, 1)
	assert.Equal(t, open, fives[0].Timestamp)
	assert.Equal(t, 104.0, fives[0].Close)
	assert.Equal(t, uint64(1), f.proc.Stats().RetroEmitted)

	var sawRetro bool
	for _, note := range drain(f.queue) {
		if note.Interval == domain.MustInterval("5m") && note.Kind == notify.KindBar {
			sawRetro = true
		}
	}
	assert.True(t, sawRetro, "retro emission must be notified")

	// Running again finds nothing new.
	n, err = f.proc.Backfill("ACME")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackfillSkipsAlreadyDerivedWindows(t *testing.T) {
	cal := fixtureCalendar(t)
	f := newFixture(t, cal, "ACME", "5m")
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	f.store.ActivateSession(day)
	open := day.Add(9*time.Hour + 30*time.Minute)

	for i := 0; i < 5; i++ {
		f.feed(t, "ACME", minuteBar(open.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	require.Equal(t, 1, f.store.GetBarCount("ACME", domain.MustInterval("5m"), true))

	// A second pass over the same source bars finds every window
	// already derived and emits nothing.
	n, err := f.proc.Backfill("ACME")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.store.GetBarCount("ACME", domain.MustInterval("5m"), true))
}

func TestDailyClosesAtSessionClose(t *testing.T) {
	cal := fixtureCalendar(t)
	f := newFixture(t, cal, "ACME", "1d")
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	f.store.ActivateSession(day)
	open := day.Add(9*time.Hour + 30*time.Minute)

	for i := 0; i < 5; i++ {
		f.feed(t, "ACME", minuteBar(open.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}

	dailies := f.store.GetBarsSince("ACME", domain.MustInterval("1d"), time.Time{}, true)
	require.Len(t, dailies, 1, "the bar whose window ends at session close closes the day")
	assert.Equal(t, open, dailies[0].Timestamp)
	assert.Equal(t, 104.0, dailies[0].Close)
	assert.Equal(t, 500.0, dailies[0].Volume)
}

func TestDailyHonorsEarlyClose(t *testing.T) {
	// 2024-03-05 closes two minutes early.
	cal := fixtureCalendar(t, calendar.DayOverride{
		Date: "2024-03-05", Name: "half day", CloseClock: "09:33",
	})
	f := newFixture(t, cal, "ACME", "1d")
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	f.store.ActivateSession(day)
	open := day.Add(9*time.Hour + 30*time.Minute)

	for i := 0; i < 3; i++ {
		f.feed(t, "ACME", minuteBar(open.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}

	dailies := f.store.GetBarsSince("ACME", domain.MustInterval("1d"), time.Time{}, true)
	require.Len(t, dailies, 1, "early close ends the daily window at the shortened close")
	assert.Equal(t, 102.0, dailies[0].Close)
	assert.Equal(t, 300.0, dailies[0].Volume)
}

func TestWeeklyCascadesFromDaily(t *testing.T) {
	cal := fixtureCalendar(t)
	f := newFixture(t, cal, "ACME", "1d", "1w")
	monday := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	for d := 0; d < 5; d++ {
		day := monday.AddDate(0, 0, d)
		f.store.ActivateSession(day)
		open := day.Add(9*time.Hour + 30*time.Minute)
		for i := 0; i < 5; i++ {
			f.feed(t, "ACME", minuteBar(open.Add(time.Duration(i)*time.Minute), 100+float64(d*10+i)))
		}
	}

	require.Equal(t, 5, f.store.GetBarCount("ACME", domain.MustInterval("1d"), true))

	weeks := f.store.GetBarsSince("ACME", domain.MustInterval("1w"), time.Time{}, true)
	require.Len(t, weeks, 1, "friday's daily bar must cascade into the weekly window")
	got := weeks[0]
	assert.Equal(t, monday, got.Timestamp, "weekly bar is stamped at the week start")
	assert.Equal(t, 99.5, got.Open, "open from monday's first bar")
	assert.Equal(t, 144.0, got.Close, "close from friday's last bar")
	assert.Equal(t, 2500.0, got.Volume)
}

func TestNotificationsGatedBySessionActive(t *testing.T) {
	cal := fixtureCalendar(t)
	f := newFixture(t, cal, "ACME", "5m")
	open := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

	// Session never activated: processing works, notifications do not.
	f.feed(t, "ACME", minuteBar(open, 100))
	assert.Empty(t, drain(f.queue), "inactive session must not notify")
	assert.Equal(t, 1, f.store.GetBarCount("ACME", domain.MustInterval("1m"), true))
}

func TestDataDrivenSignalChain(t *testing.T) {
	cal := fixtureCalendar(t)
	f := newFixture(t, cal, "ACME", "5m")
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	f.store.ActivateSession(day)

	analysisReady := streamsub.New("analysis-ready", streamsub.ModeData)
	analysisAck := streamsub.New("analysis-ack", streamsub.ModeData)
	coordReady := streamsub.New("coordinator-ready", streamsub.ModeData)

	in := make(chan BarEvent, 1)
	proc := New(f.store, cal, f.mgr, in, Config{
		DataDriven:       true,
		Sink:             f.queue,
		AnalysisReady:    analysisReady,
		AnalysisAck:      analysisAck,
		CoordinatorReady: coordReady,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	bar := minuteBar(day.Add(9*time.Hour+30*time.Minute), 100)
	require.NoError(t, f.store.AppendBar("ACME", bar.Interval, bar))
	in <- BarEvent{Symbol: "ACME", Bar: bar}

	// The processor signals analysis and parks until it is acknowledged.
	require.NoError(t, analysisReady.WaitTimeout(ctx, time.Second))
	assert.False(t, coordReady.IsReady(), "coordinator is not released before the ack")

	analysisAck.SignalReady()
	require.NoError(t, coordReady.WaitTimeout(ctx, time.Second))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestProcessUnknownSymbolFails(t *testing.T) {
	cal := fixtureCalendar(t)
	f := newFixture(t, cal, "ACME")
	err := f.proc.Process(BarEvent{Symbol: "GHOST",
		Bar: minuteBar(time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC), 1)})
	require.ErrorIs(t, err, sessiondata.ErrSymbolUnknown)
}
