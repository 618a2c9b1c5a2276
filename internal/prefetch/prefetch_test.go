package prefetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/driver"
	"github.com/sessrun/sessrun/internal/metrics"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

var monday = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func openOf(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, time.UTC)
}

type fixture struct {
	store *sessiondata.Store
	clock *driver.VirtualClock
	calls int
}

func newFixture(t *testing.T, loader Loader, cfg Config) (*fixture, *Prefetcher) {
	t.Helper()
	cal, err := calendar.New(calendar.Options{Timezone: "UTC", OpenClock: "09:30", CloseClock: "16:00"})
	require.NoError(t, err)

	f := &fixture{
		store: sessiondata.NewStore(),
		clock: driver.NewVirtualClock(openOf(monday).Add(-2 * time.Hour)),
	}
	if loader == nil {
		loader = LoaderFunc(func(context.Context) (int, error) {
			f.calls++
			return 5, nil
		})
	}
	p, err := New(Deps{
		Session: f.store,
		Cal:     cal,
		Clock:   f.clock,
		Loader:  loader,
		Metrics: metrics.NewRegistry(),
	}, cfg)
	require.NoError(t, err)
	return f, p
}

func TestNewValidatesDepsAndDefaults(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.Error(t, err)

	_, p := newFixture(t, nil, Config{})
	assert.Equal(t, 60, p.Status().LeadMinutes)
	assert.Equal(t, DefaultCheckEvery, p.cfg.CheckEvery)
}

func TestStepFiresOnceInsidePreOpenWindow(t *testing.T) {
	f, p := newFixture(t, nil, Config{})
	f.store.ActivateSession(monday)
	ctx := context.Background()

	// Two hours out: window not open yet.
	p.Step(ctx)
	assert.Equal(t, 0, f.calls)

	f.clock.Set(openOf(monday).Add(-30 * time.Minute))
	p.Step(ctx)
	require.Equal(t, 1, f.calls)

	st := p.Status()
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, 5, st.BarsLoaded)
	assert.Empty(t, st.LastError)

	// Same day, still in window: already done.
	f.clock.Advance(time.Minute)
	p.Step(ctx)
	assert.Equal(t, 1, f.calls)
}

func TestStepSkipsAfterOpen(t *testing.T) {
	f, p := newFixture(t, nil, Config{})
	f.store.ActivateSession(monday)
	f.clock.Set(openOf(monday))

	p.Step(context.Background())
	assert.Equal(t, 0, f.calls)
	assert.Equal(t, 0, p.Status().Runs)
}

func TestStepRetriesFailureWhileWindowOpen(t *testing.T) {
	calls := 0
	loader := LoaderFunc(func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("warehouse unavailable")
		}
		return 7, nil
	})
	f, p := newFixture(t, loader, Config{})
	f.store.ActivateSession(monday)
	f.clock.Set(openOf(monday).Add(-10 * time.Minute))
	ctx := context.Background()

	p.Step(ctx)
	st := p.Status()
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, 0, st.BarsLoaded)
	assert.Contains(t, st.LastError, "warehouse unavailable")

	// Next tick inside the window retries and succeeds.
	f.clock.Advance(30 * time.Second)
	p.Step(ctx)
	st = p.Status()
	require.Equal(t, 2, calls)
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, 7, st.BarsLoaded)
	assert.Empty(t, st.LastError)

	// Done for the day.
	p.Step(ctx)
	assert.Equal(t, 2, calls)
}

func TestStepIgnoresInactiveSession(t *testing.T) {
	f, p := newFixture(t, nil, Config{})
	f.clock.Set(openOf(monday).Add(-10 * time.Minute))
	ctx := context.Background()

	// Never activated: no session date.
	p.Step(ctx)
	assert.Equal(t, 0, f.calls)

	// Activated then deactivated: date remains but reads are closed.
	f.store.ActivateSession(monday)
	f.store.DeactivateSession()
	p.Step(ctx)
	assert.Equal(t, 0, f.calls)
}

func TestStepRearmsForNextSessionDate(t *testing.T) {
	f, p := newFixture(t, nil, Config{})
	f.store.ActivateSession(monday)
	f.clock.Set(openOf(monday).Add(-5 * time.Minute))
	ctx := context.Background()

	p.Step(ctx)
	require.Equal(t, 1, f.calls)

	tuesday := monday.AddDate(0, 0, 1)
	f.store.ActivateSession(tuesday)
	f.clock.Set(openOf(tuesday).Add(-5 * time.Minute))
	p.Step(ctx)
	assert.Equal(t, 2, f.calls)
	assert.Equal(t, 10, p.Status().BarsLoaded)
}

func TestCustomLeadBoundsWindow(t *testing.T) {
	f, p := newFixture(t, nil, Config{Lead: 15 * time.Minute})
	f.store.ActivateSession(monday)
	ctx := context.Background()

	f.clock.Set(openOf(monday).Add(-16 * time.Minute))
	p.Step(ctx)
	assert.Equal(t, 0, f.calls)

	f.clock.Set(openOf(monday).Add(-15 * time.Minute))
	p.Step(ctx)
	assert.Equal(t, 1, f.calls)
}

func TestRunStopsWithContext(t *testing.T) {
	f, p := newFixture(t, nil, Config{CheckEvery: 5 * time.Millisecond})
	f.store.ActivateSession(monday)
	f.clock.Set(openOf(monday).Add(-5 * time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Status().Runs >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("prefetcher did not stop")
	}
}
