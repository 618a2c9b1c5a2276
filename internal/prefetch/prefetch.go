// Package prefetch warms the session store before the market opens.
// Overnight loaders land bars in the historical store after the evening
// roll has already provisioned the next session; the prefetcher picks
// those bars up inside the pre-open window so the session starts with a
// complete trailing history and no provisioning step has to load it
// mid-flight.
package prefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/driver"
	"github.com/sessrun/sessrun/internal/metrics"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

const (
	DefaultLead       = time.Hour
	DefaultCheckEvery = 30 * time.Second
)

// Loader is the coordinator surface the prefetcher drives.
type Loader interface {
	PrefetchHistory(ctx context.Context) (int, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) (int, error)

func (f LoaderFunc) PrefetchHistory(ctx context.Context) (int, error) { return f(ctx) }

// Config tunes the pre-open window. Zero values take the defaults.
type Config struct {
	Lead       time.Duration // refresh starts at open minus this
	CheckEvery time.Duration
}

// Deps are the collaborators the prefetcher runs against.
type Deps struct {
	Session *sessiondata.Store
	Cal     *calendar.Calendar
	Clock   driver.Clock
	Loader  Loader
	Metrics *metrics.Registry
}

// Prefetcher runs one trailing-history refresh per trading day inside
// the pre-open window [open-lead, open).
type Prefetcher struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	done    time.Time // session date of the last successful refresh
	runs    int
	bars    int
	lastRun time.Time
	lastErr string
}

// New validates the wiring and applies defaults.
func New(deps Deps, cfg Config) (*Prefetcher, error) {
	if deps.Session == nil || deps.Cal == nil || deps.Clock == nil || deps.Loader == nil || deps.Metrics == nil {
		return nil, fmt.Errorf("prefetcher requires session store, calendar, clock, loader and metrics")
	}
	if cfg.Lead <= 0 {
		cfg.Lead = DefaultLead
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = DefaultCheckEvery
	}
	return &Prefetcher{deps: deps, cfg: cfg}, nil
}

// Run checks the window on a fixed cadence until the context ends. One
// Step runs immediately so a restart inside the pre-open window still
// refreshes.
func (p *Prefetcher) Run(ctx context.Context) error {
	log.Info().Dur("lead", p.cfg.Lead).Dur("check_every", p.cfg.CheckEvery).
		Msg("prefetcher started")
	p.Step(ctx)
	ticker := time.NewTicker(p.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("prefetcher stopping")
			return ctx.Err()
		case <-ticker.C:
			p.Step(ctx)
		}
	}
}

// Step refreshes once per session date when the clock sits inside the
// pre-open window. A failed refresh retries on the next tick while the
// window is still open; past the open the day is left to the gap
// filler.
func (p *Prefetcher) Step(ctx context.Context) {
	now := p.deps.Clock.Now()
	day := p.deps.Session.SessionDate()
	if day.IsZero() || !p.deps.Session.IsActive() {
		return
	}
	open, _, ok := p.deps.Cal.SessionWindow(day)
	if !ok {
		return
	}
	if now.Before(open.Add(-p.cfg.Lead)) || !now.Before(open) {
		return
	}

	p.mu.Lock()
	if p.done.Equal(day) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	n, err := p.deps.Loader.PrefetchHistory(ctx)

	p.mu.Lock()
	p.runs++
	p.lastRun = now
	if err != nil {
		p.lastErr = err.Error()
	} else {
		p.lastErr = ""
		p.bars += n
		p.done = day
	}
	p.mu.Unlock()

	if err != nil {
		p.deps.Metrics.PrefetchRuns.WithLabelValues("error").Inc()
		log.Error().Err(err).Time("session_date", day).Msg("pre-open history refresh failed")
		return
	}
	p.deps.Metrics.PrefetchRuns.WithLabelValues("ok").Inc()
	p.deps.Metrics.PrefetchBars.Add(float64(n))
	log.Info().Int("bars", n).Time("session_date", day).Msg("pre-open history refreshed")
}

// Status is the prefetcher's view for the status surface.
type Status struct {
	LeadMinutes int       `json:"lead_minutes"`
	Runs        int       `json:"runs"`
	BarsLoaded  int       `json:"bars_loaded"`
	LastRun     time.Time `json:"last_run"`
	LastError   string    `json:"last_error,omitempty"`
}

func (p *Prefetcher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		LeadMinutes: int(p.cfg.Lead / time.Minute),
		Runs:        p.runs,
		BarsLoaded:  p.bars,
		LastRun:     p.lastRun,
		LastError:   p.lastErr,
	}
}
