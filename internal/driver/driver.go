// Package driver feeds the coordinator's input queue. The backtest
// driver replays stored bars under a virtual clock; the live driver
// forwards feed events under the wall clock. Downstream sees the same
// contract either way: base bars in strict per-symbol timestamp order,
// then a day-end marker.
package driver

import (
	"time"

	"github.com/sessrun/sessrun/internal/domain"
)

// DefaultQueueSize bounds the driver → coordinator channel. The driver
// blocks when the coordinator falls behind; that backpressure is the
// design, not a failure.
const DefaultQueueSize = 256

// InputKind discriminates coordinator queue entries.
type InputKind int

const (
	// InputBar carries one base bar for one symbol.
	InputBar InputKind = iota
	// InputDayEnd marks a trading day fully drained. Only the backtest
	// driver emits it; live sessions end by the boundary monitor.
	InputDayEnd
)

func (k InputKind) String() string {
	switch k {
	case InputBar:
		return "bar"
	case InputDayEnd:
		return "day_end"
	default:
		return "unknown"
	}
}

// Input is one element of the coordinator's input queue.
type Input struct {
	Kind   InputKind
	Symbol string
	Bar    domain.Bar
	// Day is the session date a day-end marker closes (midnight,
	// calendar timezone). Zero for bars.
	Day time.Time
}

// Driver produces the coordinator's input stream. C returns the output
// queue; it is closed by Run when the source is exhausted or the
// driver is stopped, never by the consumer.
type Driver interface {
	C() <-chan Input
	Clock() Clock
}
