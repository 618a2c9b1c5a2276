package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessrun/sessrun/internal/calendar"
)

func TestMonitorLifecycleWalk(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)
	m := NewMonitor(f.coord, MonitorConfig{})
	ctx := context.Background()

	step := func(at time.Time) SessionState {
		f.clock.Set(at)
		m.Step(ctx)
		return m.State()
	}

	assert.Equal(t, StateNotStarted, step(monday.Add(8*time.Hour)))
	assert.Equal(t, StatePreMarket, step(openOf(monday).Add(-20*time.Minute)))

	f.feedBar(t, minuteBar("ACME", openOf(monday), 100))
	assert.Equal(t, StateActive, step(openOf(monday).Add(time.Minute)))

	// Silent past the data timeout while the market is open.
	assert.Equal(t, StateTimeout, step(openOf(monday).Add(3*time.Minute+30*time.Second)))

	// Fresh data clears the timeout; it is not sticky.
	f.feedBar(t, minuteBar("ACME", openOf(monday).Add(4*time.Minute), 104))
	assert.Equal(t, StateActive, step(openOf(monday).Add(4*time.Minute)))

	assert.Equal(t, StatePostMarket, step(openOf(monday).Add(10*time.Minute)))

	// Grace expired: the day ends and the roll provisions the next one.
	assert.Equal(t, StateEnded, step(openOf(monday).Add(21*time.Minute)))
	assert.True(t, f.store.SessionDate().Equal(tuesday))
	assert.True(t, f.store.IsActive())

	// Repeat checks on the same evening must not roll again.
	assert.Equal(t, StateEnded, step(openOf(monday).Add(22*time.Minute)))
	assert.True(t, f.store.SessionDate().Equal(tuesday))
}

func TestMonitorNoDataTimesOutFromOpen(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)
	m := NewMonitor(f.coord, MonitorConfig{})
	ctx := context.Background()

	// Within the timeout window nothing has to have arrived yet.
	f.clock.Set(openOf(monday).Add(time.Minute))
	m.Step(ctx)
	assert.Equal(t, StateActive, m.State())

	// Past it, silence since the open is a stall.
	f.clock.Set(openOf(monday).Add(3 * time.Minute))
	m.Step(ctx)
	assert.Equal(t, StateTimeout, m.State())
}

func TestMonitorWeekendEndsWithoutRolling(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)
	m := NewMonitor(f.coord, MonitorConfig{})

	saturday := monday.AddDate(0, 0, 5)
	f.clock.Set(saturday.Add(12 * time.Hour))
	m.Step(context.Background())

	assert.Equal(t, StateEnded, m.State())
	// No trading day ended here; the running session is untouched.
	assert.True(t, f.store.SessionDate().Equal(monday))
	assert.True(t, f.store.IsActive())
}

func TestMonitorHolidayEndsWithoutRolling(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"),
		calendar.DayOverride{Date: "2024-03-05", Name: "Exchange Holiday", Holiday: true})
	_, err := f.coord.StartSession(context.Background(), monday)
	require.NoError(t, err)
	m := NewMonitor(f.coord, MonitorConfig{})

	f.clock.Set(tuesday.Add(10 * time.Hour))
	m.Step(context.Background())

	assert.Equal(t, StateEnded, m.State())
	assert.True(t, f.store.SessionDate().Equal(monday))
}

func TestMonitorDefaults(t *testing.T) {
	f := newFixture(t, fixtureConfig("acme"))
	m := NewMonitor(f.coord, MonitorConfig{})

	assert.Equal(t, DefaultCheckEvery, m.cfg.CheckEvery)
	assert.Equal(t, DefaultPreOpenLead, m.cfg.PreOpenLead)
	assert.Equal(t, DefaultPostGrace, m.cfg.PostGrace)
	assert.Equal(t, DefaultDataTimeout, m.cfg.DataTimeout)
	assert.Equal(t, StateNotStarted, m.State())
}
