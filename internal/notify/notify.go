// Package notify carries the downstream notification stream: bounded,
// lossy, in-process first, optionally mirrored to Redis pub/sub for
// external consumers. Dropped notifications are never replayed; the
// next emission is sufficient for consumers to re-read state.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessrun/sessrun/internal/domain"
)

// Kind tags what advanced on the symbol.
type Kind string

const (
	KindBar       Kind = "bar"
	KindIndicator Kind = "indicator"
)

// Notification reports that the processor advanced one (symbol,
// interval) series. Consumers re-read state through the session data
// API; the notification carries no payload beyond identity. Key names
// the indicator instance on KindIndicator messages.
type Notification struct {
	Symbol   string          `json:"symbol"`
	Interval domain.Interval `json:"interval"`
	Kind     Kind            `json:"kind"`
	Key      string          `json:"key,omitempty"`
	At       time.Time       `json:"at"`
}

// Sink accepts notifications. Publish reports whether the notification
// was accepted; false means it was dropped.
type Sink interface {
	Publish(n Notification) bool
}

// DefaultQueueSize bounds the in-process queue when the config leaves
// it unset.
const DefaultQueueSize = 1024

// Queue is the bounded in-process notification queue. Publish never
// blocks; a full queue drops and counts.
type Queue struct {
	ch      chan Notification
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewQueue builds a queue with the given capacity; capacity <= 0 falls
// back to DefaultQueueSize.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{ch: make(chan Notification, capacity)}
}

// Publish enqueues without blocking. It reports false when the queue
// is full or closed.
func (q *Queue) Publish(n Notification) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- n:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// C is the consumer side. It is closed by Close.
func (q *Queue) C() <-chan Notification {
	return q.ch
}

// Len is the current queue depth.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped counts publishes lost to a full queue.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close ends the stream; subsequent publishes report false. Consumers
// ranging over C drain what remains and exit.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Multi fans a notification out to every sink. The result is true when
// any sink accepted it.
type Multi []Sink

func (m Multi) Publish(n Notification) bool {
	accepted := false
	for _, s := range m {
		if s.Publish(n) {
			accepted = true
		}
	}
	return accepted
}

// Discard drops everything; it stands in when notifications are off.
type Discard struct{}

func (Discard) Publish(Notification) bool { return false }
