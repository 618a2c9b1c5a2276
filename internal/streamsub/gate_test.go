package streamsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatePassesWhileSet(t *testing.T) {
	g := NewGate(true)
	require.True(t, g.IsSet())
	require.NoError(t, g.Wait(context.Background()))
}

func TestGateBlocksWhileCleared(t *testing.T) {
	g := NewGate(true)
	g.Clear()
	assert.False(t, g.IsSet())

	done := make(chan error, 1)
	go func() {
		done <- g.Wait(context.Background())
	}()

	select {
	case err := <-done:
		t.Fatalf("wait returned while gate cleared: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	g.Set()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter did not pass after set")
	}
}

func TestGateSetClearIdempotent(t *testing.T) {
	g := NewGate(false)
	g.Clear()
	g.Clear()
	g.Set()
	g.Set()
	require.NoError(t, g.Wait(context.Background()))
}

func TestGateWaitHonorsContext(t *testing.T) {
	g := NewGate(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter did not observe cancellation")
	}
}
