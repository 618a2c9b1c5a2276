package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/domain"
)

// Sim is a deterministic feed for tests and dry runs. It knows a fixed
// symbol universe and synthesizes a random-walk bar per subscribed
// symbol each emit tick. Tests may also push events directly via Emit.
type Sim struct {
	universe  map[string]float64
	interval  domain.Interval
	emitEvery time.Duration
	events    chan Event

	mu         sync.Mutex
	subscribed map[string]struct{}
	cursor     time.Time
	prices     map[string]float64
	rng        *rand.Rand
	closed     bool
}

// SimOption adjusts the simulator.
type SimOption func(*Sim)

// WithSimSeed fixes the random walk.
func WithSimSeed(seed int64) SimOption {
	return func(s *Sim) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithSimBuffer sets the event channel capacity.
func WithSimBuffer(n int) SimOption {
	return func(s *Sim) { s.events = make(chan Event, n) }
}

// NewSim builds a simulator. universe maps symbols to starting prices;
// start is the timestamp of the first synthesized bar.
func NewSim(universe map[string]float64, iv domain.Interval, start time.Time, emitEvery time.Duration, opts ...SimOption) *Sim {
	if emitEvery <= 0 {
		emitEvery = time.Second
	}
	s := &Sim{
		universe:   make(map[string]float64, len(universe)),
		interval:   iv,
		emitEvery:  emitEvery,
		events:     make(chan Event, 256),
		subscribed: make(map[string]struct{}),
		cursor:     start.UTC(),
		prices:     make(map[string]float64, len(universe)),
		rng:        rand.New(rand.NewSource(1)),
	}
	for sym, px := range universe {
		sym = domain.NormalizeSymbol(sym)
		s.universe[sym] = px
		s.prices[sym] = px
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run synthesizes bars until ctx is done, then closes the stream.
func (s *Sim) Run(ctx context.Context) error {
	defer close(s.events)
	ticker := time.NewTicker(s.emitEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return nil
			}
			batch := s.nextBatchLocked()
			s.mu.Unlock()
			for _, ev := range batch {
				select {
				case s.events <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// nextBatchLocked advances the cursor one interval and walks each
// subscribed symbol's price.
func (s *Sim) nextBatchLocked() []Event {
	ts := s.cursor
	s.cursor = s.cursor.Add(s.interval.Duration())

	batch := make([]Event, 0, len(s.subscribed))
	for sym := range s.subscribed {
		px := s.prices[sym]
		drift := px * 0.002 * (s.rng.Float64()*2 - 1)
		open := px
		close := px + drift
		high := open
		if close > high {
			high = close
		}
		high += px * 0.0005 * s.rng.Float64()
		low := open
		if close < low {
			low = close
		}
		low -= px * 0.0005 * s.rng.Float64()
		s.prices[sym] = close

		batch = append(batch, Event{
			Symbol: sym,
			Bar: domain.Bar{
				Symbol:    sym,
				Interval:  s.interval,
				Timestamp: ts,
				Open:      open,
				High:      high,
				Low:       low,
				Close:     close,
				Volume:    float64(s.rng.Intn(9000) + 1000),
			},
			ReceivedAt: time.Now().UTC(),
		})
	}
	return batch
}

// Emit pushes an event directly, for tests that need exact bars. It
// reports false when the buffer is full.
func (s *Sim) Emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Subscribe starts synthesis for symbols known to the universe.
func (s *Sim) Subscribe(_ context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, sym := range symbols {
		sym = domain.NormalizeSymbol(sym)
		if _, ok := s.universe[sym]; !ok {
			return fmt.Errorf("sim feed: unknown symbol %s", sym)
		}
		s.subscribed[sym] = struct{}{}
	}
	log.Debug().Strs("symbols", symbols).Msg("sim feed subscribed")
	return nil
}

// Unsubscribe stops synthesis for the given symbols.
func (s *Sim) Unsubscribe(_ context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, sym := range symbols {
		delete(s.subscribed, domain.NormalizeSymbol(sym))
	}
	return nil
}

// KnownSymbol answers from the configured universe.
func (s *Sim) KnownSymbol(_ context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.universe[domain.NormalizeSymbol(symbol)]
	return ok, nil
}

// Events is the delivery channel.
func (s *Sim) Events() <-chan Event { return s.events }

// Close stops synthesis; Run closes the stream on its way out.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
