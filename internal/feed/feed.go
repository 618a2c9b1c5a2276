// Package feed defines the market-data feed surface the runtime
// consumes and the adapters that implement it: a websocket client for
// live sessions and a simulator for tests and dry runs.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/sessrun/sessrun/internal/domain"
)

// Event is one bar pushed by the feed, stamped with wall-clock arrival.
type Event struct {
	Symbol     string
	Bar        domain.Bar
	ReceivedAt time.Time
}

// Adapter is a live bar source. Events terminates once the adapter's
// run loop exits after Close or context cancellation. Subscribe may be
// called any time; adapters resubscribe on reconnect without being
// asked.
type Adapter interface {
	// Subscribe starts delivery for the given symbols.
	Subscribe(ctx context.Context, symbols []string) error
	// Unsubscribe stops delivery for the given symbols.
	Unsubscribe(ctx context.Context, symbols []string) error
	// KnownSymbol reports whether the upstream recognizes the symbol.
	// Adapters that cannot probe answer true and let the subscribe
	// surface the rejection.
	KnownSymbol(ctx context.Context, symbol string) (bool, error)
	// Events is the delivery channel. Slow consumers lose events; the
	// adapter never blocks its read path.
	Events() <-chan Event
	Close() error
}

// ErrClosed is returned by operations on a closed adapter.
var ErrClosed = errors.New("feed: adapter closed")
