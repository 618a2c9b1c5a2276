package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionState is the boundary monitor's view of where the trading day
// stands. The string values feed the session state gauge.
type SessionState string

const (
	StateNotStarted SessionState = "NOT_STARTED"
	StatePreMarket  SessionState = "PRE_MARKET"
	StateActive     SessionState = "ACTIVE"
	StatePostMarket SessionState = "POST_MARKET"
	StateEnded      SessionState = "ENDED"
	StateTimeout    SessionState = "TIMEOUT"
	StateError      SessionState = "ERROR"
)

// Monitor defaults. The data timeout is deliberately looser than the
// lag threshold: lag control reacts to slow processing of a live
// stream, the timeout to the stream going silent entirely.
const (
	DefaultCheckEvery  = 30 * time.Second
	DefaultPreOpenLead = 30 * time.Minute
	DefaultPostGrace   = 15 * time.Minute
	DefaultDataTimeout = 2 * time.Minute
)

// MonitorConfig tunes the boundary checks. Zero values take the
// defaults above.
type MonitorConfig struct {
	CheckEvery  time.Duration
	PreOpenLead time.Duration
	PostGrace   time.Duration
	DataTimeout time.Duration
}

// Monitor derives the session state from the calendar, the session
// clock and the coordinator's data freshness, and ends the trading day
// when the close grace expires. TIMEOUT is not sticky: the next check
// with fresh data returns to ACTIVE.
type Monitor struct {
	coord *Coordinator
	cfg   MonitorConfig

	mu       sync.Mutex
	state    SessionState
	endedDay time.Time
}

// NewMonitor builds a boundary monitor over the coordinator's clock
// and calendar.
func NewMonitor(coord *Coordinator, cfg MonitorConfig) *Monitor {
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = DefaultCheckEvery
	}
	if cfg.PreOpenLead <= 0 {
		cfg.PreOpenLead = DefaultPreOpenLead
	}
	if cfg.PostGrace <= 0 {
		cfg.PostGrace = DefaultPostGrace
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = DefaultDataTimeout
	}
	return &Monitor{coord: coord, cfg: cfg, state: StateNotStarted}
}

// State returns the last evaluated session state.
func (m *Monitor) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run evaluates on a fixed wall-clock cadence until the context ends.
// The first evaluation happens immediately so status surfaces never
// report a stale NOT_STARTED after restart.
func (m *Monitor) Run(ctx context.Context) error {
	log.Info().Dur("check_every", m.cfg.CheckEvery).Msg("boundary monitor started")
	m.Step(ctx)
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("boundary monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			m.Step(ctx)
		}
	}
}

// Step runs one evaluation: record the transition if the state moved,
// and fire the end-of-day roll exactly once per date when a trading day
// reaches ENDED. Weekends and holidays report ENDED without rolling —
// the preceding trading day's roll already provisioned the next
// session.
func (m *Monitor) Step(ctx context.Context) {
	now := m.coord.clock.Now()
	next := m.evaluate(now)

	m.mu.Lock()
	prev := m.state
	m.state = next
	day := m.coord.dayStart(now)
	endDue := next == StateEnded && m.coord.cal.IsTradingDay(now) && !m.endedDay.Equal(day)
	if endDue {
		m.endedDay = day
	}
	m.mu.Unlock()

	if next != prev {
		m.coord.metrics.RecordTransition(string(prev), string(next))
		log.Info().Str("from", string(prev)).Str("to", string(next)).
			Time("at", now).Msg("session boundary transition")
	}
	if endDue {
		if err := m.coord.rollSession(ctx, day); err != nil {
			log.Error().Err(err).Time("day", day).Msg("end-of-day roll failed")
		}
	}
}

// evaluate maps an instant to a session state. Holidays and weekends
// are ENDED outright: there is no session to wait for.
func (m *Monitor) evaluate(now time.Time) SessionState {
	if !m.coord.cal.IsTradingDay(now) {
		return StateEnded
	}
	open, close, ok := m.coord.cal.SessionWindow(now)
	if !ok {
		return StateError
	}

	switch {
	case now.Before(open.Add(-m.cfg.PreOpenLead)):
		return StateNotStarted
	case now.Before(open):
		return StatePreMarket
	case now.Before(close):
		last := m.coord.LastDataAt()
		if last.Before(open) {
			// Nothing received yet today; measure silence from the open.
			last = open
		}
		if now.Sub(last) > m.cfg.DataTimeout {
			return StateTimeout
		}
		return StateActive
	case now.Before(close.Add(m.cfg.PostGrace)):
		return StatePostMarket
	default:
		return StateEnded
	}
}
