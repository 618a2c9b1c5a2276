package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/feed"
)

func TestLiveForwardsFeedEvents(t *testing.T) {
	start := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)
	sim := feed.NewSim(map[string]float64{"ACME": 100}, domain.MustInterval("1m"),
		start, time.Millisecond)
	l := NewLive(sim, 0)

	simCtx, simCancel := context.WithCancel(context.Background())
	defer simCancel()
	go sim.Run(simCtx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.NoError(t, l.Subscribe(ctx, []string{"ACME"}))

	var got []Input
	deadline := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case in := <-l.C():
			got = append(got, in)
		case <-deadline:
			t.Fatalf("expected 3 bars, got %d", len(got))
		}
	}

	prev := time.Time{}
	for _, in := range got {
		assert.Equal(t, InputBar, in.Kind, "live sessions never emit day-end markers")
		assert.Equal(t, "ACME", in.Symbol)
		assert.True(t, in.Bar.Timestamp.After(prev))
		prev = in.Bar.Timestamp
	}
	assert.GreaterOrEqual(t, l.BarsEmitted(), uint64(3))

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("live driver did not stop on cancellation")
	}
	for range l.C() {
	}
}

func TestLiveStopsWhenFeedCloses(t *testing.T) {
	start := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)
	sim := feed.NewSim(map[string]float64{"ACME": 100}, domain.MustInterval("1m"),
		start, time.Millisecond)
	l := NewLive(sim, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	simDone := make(chan error, 1)
	go func() { simDone <- sim.Run(ctx) }()
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.NoError(t, sim.Close())
	require.NoError(t, <-simDone)

	select {
	case err := <-done:
		require.NoError(t, err, "a closed feed ends the driver cleanly")
	case <-time.After(2 * time.Second):
		t.Fatal("live driver did not notice the feed closing")
	}
}
