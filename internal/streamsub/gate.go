package streamsub

import (
	"context"
	"sync"
)

// Gate is a level-triggered pause switch: while cleared, Wait blocks;
// while set, Wait returns immediately. The coordinator clears it around
// mid-session provisioning so drivers stop enqueueing bars.
type Gate struct {
	mu   sync.Mutex
	set  bool
	open chan struct{}
}

// NewGate returns a gate in the given initial state.
func NewGate(set bool) *Gate {
	g := &Gate{set: set, open: make(chan struct{})}
	if set {
		close(g.open)
	}
	return g
}

// Set opens the gate, releasing every waiter.
func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set {
		return
	}
	g.set = true
	close(g.open)
}

// Clear closes the gate; subsequent Wait calls block until Set.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		return
	}
	g.set = false
	g.open = make(chan struct{})
}

// IsSet reports whether the gate is open.
func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set
}

// Wait blocks while the gate is cleared. Returns the context error if
// the caller is cancelled first.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.open
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}

		// The gate may have been cleared again between the close and
		// our wakeup; only a currently-set gate lets the caller pass.
		g.mu.Lock()
		set := g.set
		g.mu.Unlock()
		if set {
			return nil
		}
	}
}
