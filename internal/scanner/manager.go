package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/config"
	"github.com/sessrun/sessrun/internal/coordinator"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/execution"
	"github.com/sessrun/sessrun/internal/indicators"
	"github.com/sessrun/sessrun/internal/metrics"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

// Scheduler defaults. The pre-open lead sits inside the boundary
// monitor's PRE_MARKET window so pre-session promotions finish before
// the open.
const (
	DefaultCheckEvery  = 10 * time.Second
	DefaultPreOpenLead = 15 * time.Minute
)

// ManagerConfig tunes the scheduler. Zero values take the defaults.
type ManagerConfig struct {
	Scanners    []config.ScannerConfig
	CheckEvery  time.Duration
	PreOpenLead time.Duration
}

// Deps are the runtime surfaces the manager hands to its scanners and
// uses itself for the teardown sweep. Locker may be nil when no
// execution layer exists; nothing is locked then.
type Deps struct {
	Env        Env
	Locker     execution.Locker
	Indicators *indicators.Manager
	Metrics    *metrics.Registry
}

// entry is one loaded scanner module plus its per-day schedule state.
// All fields below the schedules are guarded by Manager.mu; Scan and
// Teardown themselves run unlocked so a slow scanner never stalls the
// roll path.
type entry struct {
	cfg    config.ScannerConfig
	pre    bool
	scheds []cron.Schedule

	armedDay  time.Time
	scanner   Scanner
	fires     []time.Time
	nextIdx   int
	requested map[string]struct{}
	busy      bool
	retired   bool

	runs     int
	promoted int
	removed  int
	lastRun  time.Time
	lastErr  string
}

// Manager loads the scanner modules the session config declares and
// runs them against the session clock: pre-session modules once in the
// pre-open window, regular-session modules at each configured clock
// time inside the trading window. Registered as a coordinator roll
// hook it tears the day's scanners down and removes their symbols that
// were neither promoted to full session scope nor locked by the
// execution layer.
type Manager struct {
	deps Deps
	cfg  ManagerConfig

	mu      sync.Mutex
	entries []*entry
}

// NewManager validates the configured scanner blocks and parses their
// schedules. Disabled blocks are skipped; unknown modules and
// unparseable clock times fail the load.
func NewManager(deps Deps, cfg ManagerConfig) (*Manager, error) {
	if deps.Env.Session == nil || deps.Env.Cal == nil || deps.Env.Clock == nil || deps.Env.Sink == nil {
		return nil, fmt.Errorf("scanner manager requires session store, calendar, clock and sink")
	}
	if deps.Indicators == nil || deps.Metrics == nil {
		return nil, fmt.Errorf("scanner manager requires indicator manager and metrics")
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = DefaultCheckEvery
	}
	if cfg.PreOpenLead <= 0 {
		cfg.PreOpenLead = DefaultPreOpenLead
	}

	m := &Manager{deps: deps, cfg: cfg}
	loc := deps.Env.Cal.Location()
	for _, sc := range cfg.Scanners {
		if !sc.Enabled {
			log.Debug().Str("scanner", sc.Module).Msg("scanner disabled, skipping")
			continue
		}
		if !Known(sc.Module) {
			return nil, fmt.Errorf("unknown scanner module %q", sc.Module)
		}
		if sc.PreSession == (len(sc.RegularSession) > 0) {
			return nil, fmt.Errorf("scanner %s: want either pre_session or regular_session times", sc.Module)
		}
		e := &entry{cfg: sc, pre: sc.PreSession}
		for _, clock := range sc.RegularSession {
			sched, err := parseClockSchedule(clock, loc)
			if err != nil {
				return nil, fmt.Errorf("scanner %s: %w", sc.Module, err)
			}
			e.scheds = append(e.scheds, sched)
		}
		// Fail bad config blocks at load, not at the first run.
		if _, err := New(sc.Module, deps.Env, sc.Config); err != nil {
			return nil, err
		}
		m.entries = append(m.entries, e)
	}
	return m, nil
}

// parseClockSchedule turns "HH:MM" into a daily cron schedule pinned
// to the exchange timezone. Schedule.Next is a pure function of its
// argument, so the same schedule serves virtual and wall clocks.
func parseClockSchedule(clock string, loc *time.Location) (cron.Schedule, error) {
	minutes, err := calendar.ParseClock(clock)
	if err != nil {
		return nil, err
	}
	spec := fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc.String(), minutes%60, minutes/60)
	return cron.ParseStandard(spec)
}

// Run executes scheduled scans on a fixed cadence until the context
// ends. One Step runs immediately so a restart inside the pre-open
// window still fires pre-session scans.
func (m *Manager) Run(ctx context.Context) error {
	log.Info().Int("scanners", len(m.entries)).Dur("check_every", m.cfg.CheckEvery).
		Msg("scanner scheduler started")
	m.Step(ctx)
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scanner scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			m.Step(ctx)
		}
	}
}

// Step arms schedules for the current session date and fires whatever
// is due. Multiple missed fire times collapse into a single scan: a
// fast replay that jumps hours of session time should not trigger a
// burst of identical scans.
func (m *Manager) Step(ctx context.Context) {
	now := m.deps.Env.Clock.Now()
	day := m.deps.Env.Session.SessionDate()
	if day.IsZero() || !m.deps.Env.Session.IsActive() {
		return
	}
	open, close, ok := m.deps.Env.Cal.SessionWindow(day)
	if !ok {
		return
	}

	m.mu.Lock()
	var toSetup []*entry
	for _, e := range m.entries {
		if e.busy || e.retired || e.armedDay.Equal(day) {
			continue
		}
		e.armedDay = day
		e.scanner = nil
		e.requested = nil
		e.nextIdx = 0
		e.fires = m.firesFor(e, day, open, close)
		if !e.pre && len(e.fires) > 0 {
			e.busy = true
			toSetup = append(toSetup, e)
		}
	}
	m.mu.Unlock()

	for _, e := range toSetup {
		m.setup(ctx, e)
	}

	// Past the close only teardown remains; the roll hook handles it.
	if !now.Before(close) {
		return
	}

	m.mu.Lock()
	var due []*entry
	for _, e := range m.entries {
		if e.busy || e.retired || !e.armedDay.Equal(day) {
			continue
		}
		if !e.pre && e.scanner == nil {
			continue
		}
		fired := false
		for e.nextIdx < len(e.fires) && !now.Before(e.fires[e.nextIdx]) {
			e.nextIdx++
			fired = true
		}
		if fired {
			e.busy = true
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	for _, e := range due {
		if e.pre {
			m.runPre(ctx, e)
		} else {
			m.run(ctx, e)
		}
	}
}

// firesFor resolves an entry's schedule to concrete instants on day.
// Pre-session modules get a single fire at open minus the lead;
// regular times outside the trading window are dropped for the day, so
// an early close silently cancels afternoon scans.
func (m *Manager) firesFor(e *entry, day, open, close time.Time) []time.Time {
	if e.pre {
		return []time.Time{open.Add(-m.cfg.PreOpenLead)}
	}
	fires := make([]time.Time, 0, len(e.scheds))
	for _, sched := range e.scheds {
		t := sched.Next(day)
		if !t.Before(open) && t.Before(close) {
			fires = append(fires, t)
		}
	}
	sort.Slice(fires, func(i, j int) bool { return fires[i].Before(fires[j]) })
	return fires
}

// setup instantiates a regular-session scanner for the day. It runs at
// arm time rather than at the first fire so modules that register
// watchlists see the session from the open.
func (m *Manager) setup(ctx context.Context, e *entry) {
	sc, err := New(e.cfg.Module, m.envFor(e), e.cfg.Config)
	if err == nil {
		err = sc.Setup(ctx)
	}

	m.mu.Lock()
	e.busy = false
	if err != nil {
		e.lastErr = err.Error()
		e.fires = nil
	} else {
		e.scanner = sc
		e.lastErr = ""
	}
	retired := e.retired && e.scanner != nil
	m.mu.Unlock()

	if err != nil {
		m.deps.Metrics.ScannerRuns.WithLabelValues(e.cfg.Module, "setup_error").Inc()
		log.Error().Err(err).Str("scanner", e.cfg.Module).Msg("scanner setup failed")
		return
	}
	log.Info().Str("scanner", e.cfg.Module).Int("fires", len(e.fires)).
		Msg("scanner loaded for session")
	if retired {
		m.finish(ctx, e)
	}
}

// run executes one scheduled scan of a loaded regular-session module.
func (m *Manager) run(ctx context.Context, e *entry) {
	res, err := e.scanner.Scan(ctx)
	m.recordRun(e, res, err)
	m.mu.Lock()
	retired := e.retired
	m.mu.Unlock()
	if retired {
		m.finish(ctx, e)
	}
}

// runPre executes a pre-session module's full lifecycle in one shot:
// setup, the single scan, immediate teardown, then the removal sweep.
func (m *Manager) runPre(ctx context.Context, e *entry) {
	sc, err := New(e.cfg.Module, m.envFor(e), e.cfg.Config)
	if err == nil {
		err = sc.Setup(ctx)
	}
	if err != nil {
		m.mu.Lock()
		e.busy = false
		e.lastErr = err.Error()
		m.mu.Unlock()
		m.deps.Metrics.ScannerRuns.WithLabelValues(e.cfg.Module, "setup_error").Inc()
		log.Error().Err(err).Str("scanner", e.cfg.Module).Msg("pre-session scanner setup failed")
		return
	}

	res, err := sc.Scan(ctx)
	m.recordRun(e, res, err)
	if terr := sc.Teardown(ctx); terr != nil {
		log.Warn().Err(terr).Str("scanner", e.cfg.Module).Msg("pre-session scanner teardown failed")
	}

	m.mu.Lock()
	requested := e.requested
	e.requested = nil
	m.mu.Unlock()
	m.sweep(ctx, e, requested)
}

// recordRun books one scan outcome into the entry and the metrics.
func (m *Manager) recordRun(e *entry, res Result, err error) {
	now := m.deps.Env.Clock.Now()
	m.mu.Lock()
	e.busy = false
	e.runs++
	e.lastRun = now
	if err != nil {
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
		e.promoted += len(res.Promoted)
	}
	m.mu.Unlock()

	if err != nil {
		m.deps.Metrics.ScannerRuns.WithLabelValues(e.cfg.Module, "error").Inc()
		log.Error().Err(err).Str("scanner", e.cfg.Module).Msg("scan failed")
		return
	}
	m.deps.Metrics.ScannerRuns.WithLabelValues(e.cfg.Module, "ok").Inc()
	if n := len(res.Promoted); n > 0 {
		m.deps.Metrics.ScannerSymbols.WithLabelValues(e.cfg.Module, "promoted").Add(float64(n))
	}
	log.Info().Str("scanner", e.cfg.Module).Int("evaluated", res.Evaluated).
		Strs("promoted", res.Promoted).Msg("scan complete")
}

// OnRoll is the coordinator roll hook: it retires the day's
// regular-session scanners and sweeps their leftovers while the
// session store still holds the ending day. Entries busy in a scan
// tear down when that scan returns.
func (m *Manager) OnRoll(ctx context.Context, day time.Time) {
	m.mu.Lock()
	var done []*entry
	for _, e := range m.entries {
		e.armedDay = time.Time{}
		if e.pre || e.scanner == nil {
			continue
		}
		e.retired = true
		if e.busy {
			continue
		}
		done = append(done, e)
	}
	m.mu.Unlock()

	for _, e := range done {
		m.finish(ctx, e)
	}
}

// finish tears one regular-session scanner down and runs its removal
// sweep.
func (m *Manager) finish(ctx context.Context, e *entry) {
	m.mu.Lock()
	sc := e.scanner
	requested := e.requested
	e.scanner = nil
	e.requested = nil
	e.retired = false
	m.mu.Unlock()
	if sc == nil {
		return
	}

	if err := sc.Teardown(ctx); err != nil {
		log.Warn().Err(err).Str("scanner", e.cfg.Module).Msg("scanner teardown failed")
	}
	m.sweep(ctx, e, requested)
	log.Info().Str("scanner", e.cfg.Module).Msg("scanner torn down")
}

// sweep removes the symbols a scanner asked for that were never
// promoted to full session scope, unless the execution layer holds a
// position or pending order on them. A lock probe failure counts as
// locked: losing track of a position is worse than carrying an idle
// symbol one more day.
func (m *Manager) sweep(ctx context.Context, e *entry, requested map[string]struct{}) {
	if len(requested) == 0 {
		return
	}
	symbols := make([]string, 0, len(requested))
	for sym := range requested {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	store := m.deps.Env.Session
	for _, sym := range symbols {
		sd, ok := store.GetSymbolData(sym, true)
		if !ok || sd.Meta.MeetsSessionReqs {
			continue
		}
		if m.deps.Locker != nil {
			locked, err := m.deps.Locker.IsSymbolLocked(ctx, sym)
			if err != nil {
				log.Warn().Err(err).Str("symbol", sym).Msg("lock probe failed, keeping symbol")
				continue
			}
			if locked {
				log.Info().Str("symbol", sym).Str("scanner", e.cfg.Module).
					Msg("symbol locked by execution, keeping")
				continue
			}
		}
		if err := store.RemoveSymbol(sym); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("scanner sweep remove failed")
			continue
		}
		m.deps.Indicators.Remove(sym)
		m.mu.Lock()
		e.removed++
		m.mu.Unlock()
		m.deps.Metrics.ScannerSymbols.WithLabelValues(e.cfg.Module, "removed").Inc()
		log.Info().Str("symbol", sym).Str("scanner", e.cfg.Module).
			Msg("unpromoted scanner symbol removed")
	}
}

// envFor wraps the shared Env with a sink that records the entry's
// successful symbol requests for the teardown sweep.
func (m *Manager) envFor(e *entry) Env {
	env := m.deps.Env
	env.Sink = &recordingSink{inner: m.deps.Env.Sink, m: m, e: e}
	return env
}

// recordingSink tags every successful AddSymbol with the scanner that
// asked, so the sweep knows what to reconsider at teardown.
type recordingSink struct {
	inner Sink
	m     *Manager
	e     *entry
}

func (s *recordingSink) AddSymbol(ctx context.Context, symbol string, by sessiondata.Source, fullSession bool) coordinator.Result {
	res := s.inner.AddSymbol(ctx, symbol, by, fullSession)
	if res.OK {
		s.m.mu.Lock()
		if s.e.requested == nil {
			s.e.requested = make(map[string]struct{})
		}
		s.e.requested[domain.NormalizeSymbol(symbol)] = struct{}{}
		s.m.mu.Unlock()
	}
	return res
}

func (s *recordingSink) AddIndicator(ctx context.Context, symbol, label string, cfg indicators.Config) coordinator.Result {
	return s.inner.AddIndicator(ctx, symbol, label, cfg)
}

// JobStatus is one scanner's scheduler view for the status surface.
type JobStatus struct {
	Module     string    `json:"module"`
	PreSession bool      `json:"pre_session"`
	Times      []string  `json:"times,omitempty"`
	Active     bool      `json:"active"`
	Runs       int       `json:"runs"`
	Promoted   int       `json:"promoted"`
	Removed    int       `json:"removed"`
	LastRun    time.Time `json:"last_run"`
	NextRun    time.Time `json:"next_run"`
	LastError  string    `json:"last_error,omitempty"`
}

// Status reports every loaded scanner's schedule state.
func (m *Manager) Status() []JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobStatus, 0, len(m.entries))
	for _, e := range m.entries {
		js := JobStatus{
			Module:     e.cfg.Module,
			PreSession: e.pre,
			Times:      e.cfg.RegularSession,
			Active:     e.scanner != nil,
			Runs:       e.runs,
			Promoted:   e.promoted,
			Removed:    e.removed,
			LastRun:    e.lastRun,
			LastError:  e.lastErr,
		}
		if e.nextIdx < len(e.fires) {
			js.NextRun = e.fires[e.nextIdx]
		}
		out = append(out, js)
	}
	return out
}
