package driver

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/feed"
)

// Live forwards feed events onto the coordinator queue under the wall
// clock. It never emits day-end markers; live sessions close on the
// boundary monitor's clock, not on feed exhaustion.
type Live struct {
	adapter feed.Adapter
	clock   Clock
	out     chan Input

	barsEmitted atomic.Uint64
}

// NewLive wraps a feed adapter. queueSize <= 0 uses DefaultQueueSize.
func NewLive(adapter feed.Adapter, queueSize int) *Live {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Live{
		adapter: adapter,
		clock:   WallClock{},
		out:     make(chan Input, queueSize),
	}
}

// C returns the coordinator input queue. Run closes it when the feed
// terminates.
func (l *Live) C() <-chan Input { return l.out }

// Clock returns the wall clock.
func (l *Live) Clock() Clock { return l.clock }

// BarsEmitted reports how many bars have been enqueued so far.
func (l *Live) BarsEmitted() uint64 { return l.barsEmitted.Load() }

// Subscribe asks the feed for the symbols' bars.
func (l *Live) Subscribe(ctx context.Context, symbols []string) error {
	return l.adapter.Subscribe(ctx, symbols)
}

// Unsubscribe stops the symbols' bars at the feed.
func (l *Live) Unsubscribe(ctx context.Context, symbols []string) error {
	return l.adapter.Unsubscribe(ctx, symbols)
}

// Run pumps feed events into the queue until the feed closes or the
// context is cancelled.
func (l *Live) Run(ctx context.Context) error {
	defer close(l.out)
	log.Info().Msg("live driver started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-l.adapter.Events():
			if !ok {
				log.Info().Uint64("bars", l.barsEmitted.Load()).Msg("feed closed, live driver stopping")
				return nil
			}
			select {
			case l.out <- Input{Kind: InputBar, Symbol: ev.Symbol, Bar: ev.Bar}:
				l.barsEmitted.Add(1)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
