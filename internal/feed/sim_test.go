package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessrun/sessrun/internal/domain"
)

func TestSimRejectsUnknownSymbol(t *testing.T) {
	sim := NewSim(map[string]float64{"ACME": 100}, domain.MustInterval("1m"),
		time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC), time.Millisecond)

	require.Error(t, sim.Subscribe(context.Background(), []string{"GHOST"}))

	ok, err := sim.KnownSymbol(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = sim.KnownSymbol(context.Background(), "GHOST")
	assert.False(t, ok)
}

func TestSimSynthesizesWalk(t *testing.T) {
	start := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	sim := NewSim(map[string]float64{"ACME": 100, "BETA": 50},
		domain.MustInterval("1m"), start, time.Millisecond, WithSimSeed(7))
	require.NoError(t, sim.Subscribe(context.Background(), []string{"ACME", "BETA"}))

	ctx, cancel := context.WithCancel(context.Background())
	go sim.Run(ctx)

	var firstTS time.Time
	last := make(map[string]time.Time)
	seen := make(map[string]int)
	for seen["ACME"] < 3 || seen["BETA"] < 3 {
		select {
		case ev := <-sim.Events():
			require.NoError(t, ev.Bar.Validate())
			assert.Equal(t, domain.MustInterval("1m"), ev.Bar.Interval)
			if firstTS.IsZero() {
				firstTS = ev.Bar.Timestamp
			}
			if prev, ok := last[ev.Symbol]; ok {
				assert.Equal(t, time.Minute, ev.Bar.Timestamp.Sub(prev),
					"consecutive bars advance one interval")
			}
			last[ev.Symbol] = ev.Bar.Timestamp
			seen[ev.Symbol]++
		case <-time.After(2 * time.Second):
			t.Fatal("sim produced too few events")
		}
	}
	assert.Equal(t, start, firstTS, "walk starts at the configured cursor")

	cancel()
}

func TestSimEmitForTests(t *testing.T) {
	sim := NewSim(map[string]float64{"ACME": 100}, domain.MustInterval("1m"),
		time.Now(), time.Hour)

	bar := domain.Bar{
		Symbol: "ACME", Interval: domain.MustInterval("1m"),
		Timestamp: time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC),
		Open:      1, High: 2, Low: 0.5, Close: 1.5, Volume: 10,
	}
	require.True(t, sim.Emit(Event{Symbol: "ACME", Bar: bar}))

	got := <-sim.Events()
	assert.Equal(t, bar, got.Bar)
}

func TestSimUnsubscribeStopsSymbol(t *testing.T) {
	sim := NewSim(map[string]float64{"ACME": 100, "BETA": 50},
		domain.MustInterval("1m"), time.Now().UTC(), time.Hour)
	ctx := context.Background()

	require.NoError(t, sim.Subscribe(ctx, []string{"ACME", "BETA"}))
	require.NoError(t, sim.Unsubscribe(ctx, []string{"beta"}))

	sim.mu.Lock()
	_, acme := sim.subscribed["ACME"]
	_, beta := sim.subscribed["BETA"]
	sim.mu.Unlock()
	assert.True(t, acme)
	assert.False(t, beta)
}
