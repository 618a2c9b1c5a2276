// Package streamsub provides the one-shot, reusable ready signal the
// pipeline stages hand each other. Producers and consumers follow a
// strict signal -> wait -> reset cycle; a signal landing while the
// previous one is still set is dropped and counted as an overrun.
package streamsub

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Mode selects the wait semantics.
type Mode string

const (
	// ModeData blocks waiters indefinitely; the producer is the clock.
	ModeData Mode = "data"
	// ModeClock bounds waits with a timeout; missing a cycle is
	// tolerated and observable.
	ModeClock Mode = "clock"
	// ModeLive behaves like ModeClock against wall-clock feeds.
	ModeLive Mode = "live"
)

// DefaultTimeout bounds clock- and live-mode waits unless overridden.
const DefaultTimeout = time.Second

var (
	ErrTimeout = errors.New("stream subscription: wait timed out")
	ErrClosed  = errors.New("stream subscription: closed")
)

// Stats is a point-in-time view for monitoring.
type Stats struct {
	Name     string `json:"name"`
	Mode     Mode   `json:"mode"`
	Ready    bool   `json:"ready"`
	Signals  uint64 `json:"signals"`
	Overruns uint64 `json:"overruns"`
}

// Subscription is safe for any number of producers and waiters; all
// waiters unblock on a single signal.
type Subscription struct {
	name    string
	mode    Mode
	timeout time.Duration

	mu      sync.Mutex
	ready   chan struct{}
	set     bool
	closed  bool
	signals uint64
	overrun uint64
}

// Option tunes a subscription at construction.
type Option func(*Subscription)

// WithTimeout overrides the clock/live wait bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Subscription) { s.timeout = d }
}

// New creates a subscription in the not-ready state.
func New(name string, mode Mode, opts ...Option) *Subscription {
	s := &Subscription{
		name:    name,
		mode:    mode,
		timeout: DefaultTimeout,
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the identity tag given at construction.
func (s *Subscription) Name() string { return s.name }

// Mode returns the wait semantics.
func (s *Subscription) Mode() Mode { return s.mode }

// SignalReady wakes all current waiters. Signalling an already-set
// subscription drops the extra signal and counts an overrun.
func (s *Subscription) SignalReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.set {
		s.overrun++
		return
	}
	s.set = true
	s.signals++
	close(s.ready)
}

// WaitUntilReady blocks until the subscription is signalled. In clock
// and live mode the wait is bounded by the configured timeout and
// returns ErrTimeout when it elapses. Context cancellation always
// wins.
func (s *Subscription) WaitUntilReady(ctx context.Context) error {
	if s.mode == ModeData {
		return s.wait(ctx, 0)
	}
	return s.wait(ctx, s.timeout)
}

// WaitTimeout waits with an explicit bound regardless of mode.
func (s *Subscription) WaitTimeout(ctx context.Context, timeout time.Duration) error {
	return s.wait(ctx, timeout)
}

func (s *Subscription) wait(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	ch := s.ready
	s.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.set && s.closed {
			return ErrClosed
		}
		// A reset may have raced our wakeup; the signal still
		// happened, which is all the caller needs to know.
		return nil
	case <-timeoutC:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset rearms the subscription for the next cycle.
func (s *Subscription) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.set {
		return
	}
	s.set = false
	s.ready = make(chan struct{})
}

// IsReady reports whether a signal is pending.
func (s *Subscription) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// OverrunCount reports how many signals were dropped on an already-set
// subscription.
func (s *Subscription) OverrunCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrun
}

// Close permanently unblocks every current and future waiter with
// ErrClosed. Used at session teardown.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !s.set {
		close(s.ready)
	}
}

// Stats snapshots the subscription for status surfaces.
func (s *Subscription) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Name:     s.name,
		Mode:     s.mode,
		Ready:    s.set,
		Signals:  s.signals,
		Overruns: s.overrun,
	}
}
