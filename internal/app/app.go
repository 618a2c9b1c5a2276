// Package app is the composition root. It owns every component of the
// session runtime — store, coordinator, processor, drivers, scanners,
// quality upkeep, monitoring — wires them from one session config, and
// supervises their workers. Nothing in the runtime is process-global;
// tests build a Runtime (or any slice of it) directly.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/analyze"
	"github.com/sessrun/sessrun/internal/barstore"
	"github.com/sessrun/sessrun/internal/calendar"
	"github.com/sessrun/sessrun/internal/config"
	"github.com/sessrun/sessrun/internal/coordinator"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/driver"
	"github.com/sessrun/sessrun/internal/execution"
	"github.com/sessrun/sessrun/internal/feed"
	"github.com/sessrun/sessrun/internal/indicators"
	"github.com/sessrun/sessrun/internal/metrics"
	"github.com/sessrun/sessrun/internal/monitor"
	"github.com/sessrun/sessrun/internal/notify"
	"github.com/sessrun/sessrun/internal/prefetch"
	"github.com/sessrun/sessrun/internal/processor"
	"github.com/sessrun/sessrun/internal/quality"
	"github.com/sessrun/sessrun/internal/scanner"
	"github.com/sessrun/sessrun/internal/sessiondata"
	"github.com/sessrun/sessrun/internal/streamsub"
)

// Options inject alternative collaborators. All fields are optional:
// a nil Bars builds the Postgres store from the config, a nil Feed
// builds the websocket client in live mode, a nil Locker leaves
// scanner-promoted symbols unlocked.
type Options struct {
	Bars    barstore.Store
	Feed    feed.Adapter
	Locker  execution.Locker
	Version string
}

// Runtime is one fully wired session runtime instance.
type Runtime struct {
	cfg  *config.Config
	opts Options

	db      *sqlx.DB
	cacheV8 *redisv8.Client
	pubV9   *redisv9.Client

	cal      *calendar.Calendar
	bars     barstore.Store
	metrics  *metrics.Registry
	store    *sessiondata.Store
	mgr      *indicators.Manager
	checker  *quality.Checker
	analyzer *analyze.Analyzer

	gate   *streamsub.Gate
	procIn chan processor.BarEvent
	queue  *notify.Queue
	pub    *notify.RedisPublisher

	feedAdapter feed.Adapter
	backtest    *driver.Backtest
	live        *driver.Live
	clock       driver.Clock

	proc      *processor.Processor
	coord     *coordinator.Coordinator
	boundary  *coordinator.Monitor
	gapFiller *coordinator.GapFiller
	scanners  *scanner.Manager
	prefetch  *prefetch.Prefetcher
	server    *monitor.Server

	summary *summaryRecorder
}

// New wires a runtime from a validated session config. It connects the
// database and redis when the config calls for them, builds the
// calendar, the mode-appropriate driver and the full worker set, but
// starts nothing; Run does that.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	r := &Runtime{
		cfg:     cfg,
		opts:    opts,
		metrics: metrics.NewRegistry(),
		store:   sessiondata.NewStore(),
		mgr:     indicators.NewManager(),
		gate:    streamsub.NewGate(true),
		procIn:  make(chan processor.BarEvent, driver.DefaultQueueSize),
		queue:   notify.NewQueue(notify.DefaultQueueSize),
		summary: newSummaryRecorder(),
	}

	if opts.Bars == nil {
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		r.db = db
	}

	cal, err := BuildCalendar(ctx, cfg, r.db)
	if err != nil {
		r.close()
		return nil, err
	}
	r.cal = cal
	r.checker = quality.NewChecker(cal)
	r.analyzer = analyze.NewAnalyzer(cal)

	if err := r.buildBarStore(); err != nil {
		r.close()
		return nil, err
	}
	if err := r.buildDriver(ctx); err != nil {
		r.close()
		return nil, err
	}
	if err := r.buildPipeline(); err != nil {
		r.close()
		return nil, err
	}
	if err := r.buildWorkers(); err != nil {
		r.close()
		return nil, err
	}

	log.Info().Str("session", cfg.SessionName).Str("mode", string(cfg.Mode)).
		Bool("database", r.db != nil).Bool("redis", cfg.Redis.Enabled).
		Msg("runtime wired")
	return r, nil
}

// openDatabase connects the Postgres pool shared by the bar store and
// the calendar table.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// BuildCalendar resolves the trading calendar: session hours from the
// config, overrides from the calendar table when a database is wired,
// otherwise from the bootstrap file. An empty table is seeded from the
// bootstrap file so fresh installs work without a manual load. A nil db
// skips the table entirely; the calendar subcommand uses that path.
func BuildCalendar(ctx context.Context, cfg *config.Config, db *sqlx.DB) (*calendar.Calendar, error) {
	opts := calendar.Options{
		Timezone:   cfg.Calendar.Timezone,
		OpenClock:  cfg.Calendar.Open,
		CloseClock: cfg.Calendar.Close,
	}

	var boot *calendar.BootstrapFile
	if cfg.Calendar.BootstrapFile != "" {
		var err error
		boot, err = calendar.LoadBootstrap(cfg.Calendar.BootstrapFile)
		if err != nil {
			return nil, err
		}
		fileOpts := boot.Options()
		if fileOpts.Timezone != "" {
			opts.Timezone = fileOpts.Timezone
		}
		if fileOpts.OpenClock != "" {
			opts.OpenClock = fileOpts.OpenClock
		}
		if fileOpts.CloseClock != "" {
			opts.CloseClock = fileOpts.CloseClock
		}
		opts.Overrides = fileOpts.Overrides
	}

	if db != nil {
		repo := calendar.NewRepo(db, cfg.Database.Timeout())
		count, err := repo.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect calendar table: %w", err)
		}
		if count == 0 && boot != nil {
			if _, err := repo.Seed(ctx, opts.Overrides); err != nil {
				return nil, fmt.Errorf("failed to seed calendar table: %w", err)
			}
		}
		overrides, err := repo.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load calendar table: %w", err)
		}
		if len(overrides) > 0 {
			opts.Overrides = overrides
		}
	}

	return calendar.New(opts)
}

// buildBarStore picks the injected store or the Postgres one, wrapping
// either in the read-through cache when redis is enabled.
func (r *Runtime) buildBarStore() error {
	if r.opts.Bars != nil {
		r.bars = r.opts.Bars
	} else {
		r.bars = barstore.NewPostgres(r.db, r.cfg.Database.Timeout())
	}

	if r.cfg.Redis.Enabled {
		r.cacheV8 = redisv8.NewClient(&redisv8.Options{
			Addr:     r.cfg.Redis.Addr,
			Password: r.cfg.Redis.Password,
			DB:       r.cfg.Redis.DB,
		})
		cache := barstore.NewCache(r.bars, r.cacheV8, barstore.DefaultCacheTTL)
		r.metrics.MustRegisterGaugeFunc("sessrun_barstore_cache_hits",
			"Bar store cache hits", func() float64 { return float64(cache.Stats().Hits) })
		r.metrics.MustRegisterGaugeFunc("sessrun_barstore_cache_misses",
			"Bar store cache misses", func() float64 { return float64(cache.Stats().Misses) })
		r.bars = cache
	}
	return nil
}

// buildDriver constructs the mode-appropriate bar source and the
// session clock.
func (r *Runtime) buildDriver(ctx context.Context) error {
	streams, err := r.cfg.ParsedStreams()
	if err != nil {
		return err
	}
	base, err := domain.RequiredBase(streams)
	if err != nil {
		return err
	}

	switch r.cfg.Mode {
	case config.ModeBacktest:
		start, end, err := r.cfg.Backtest.Dates(r.cal.Location())
		if err != nil {
			return err
		}
		bt, err := driver.NewBacktest(r.bars, r.cal, r.gate, driver.BacktestConfig{
			Symbols: r.cfg.SessionData.Symbols,
			Base:    base,
			Start:   start,
			End:     end,
			Speed:   r.cfg.Backtest.SpeedMultiplier,
		})
		if err != nil {
			return err
		}
		r.backtest = bt
		r.clock = bt.Clock()

	case config.ModeLive:
		adapter := r.opts.Feed
		if adapter == nil {
			adapter = feed.NewWSClient(feed.WSConfig{URL: r.cfg.API.DataAPI})
		}
		r.feedAdapter = adapter
		r.live = driver.NewLive(adapter, driver.DefaultQueueSize)
		r.clock = r.live.Clock()

	default:
		return fmt.Errorf("unsupported mode %q", r.cfg.Mode)
	}
	return nil
}

// buildPipeline wires processor and coordinator with the pacing chain
// the mode demands: data-driven hand-over-hand in backtests, free-run
// in live sessions.
func (r *Runtime) buildPipeline() error {
	dataDriven := r.cfg.Mode == config.ModeBacktest

	subMode := streamsub.ModeLive
	if dataDriven {
		subMode = streamsub.ModeData
	}
	coordReady := streamsub.New("coordinator", subMode)
	analysisReady := streamsub.New("analysis", subMode)

	sinks := notify.Multi{r.queue}
	if r.cfg.Mode == config.ModeLive && r.cfg.Redis.Enabled {
		r.pubV9 = redisv9.NewClient(&redisv9.Options{
			Addr:     r.cfg.Redis.Addr,
			Password: r.cfg.Redis.Password,
			DB:       r.cfg.Redis.DB,
		})
		r.pub = notify.NewRedisPublisher(r.pubV9, notify.ChannelSessionEvents, notify.DefaultQueueSize)
		sinks = append(sinks, r.pub)
	}

	r.proc = processor.New(r.store, r.cal, r.mgr, r.procIn, processor.Config{
		DataDriven: dataDriven,
		Sink:       sinks,
		// AnalysisAck stays nil: no in-process analysis consumer acks
		// cycles here. Embedders that attach one wire it themselves.
		AnalysisReady:    analysisReady,
		CoordinatorReady: coordReady,
	})

	var in <-chan driver.Input
	var join coordinator.JoinFunc
	if r.backtest != nil {
		in = r.backtest.C()
		join = func(_ context.Context, symbol string) error {
			return r.backtest.AddSymbol(symbol)
		}
	} else {
		in = r.live.C()
		join = func(ctx context.Context, symbol string) error {
			return r.live.Subscribe(ctx, []string{symbol})
		}
	}

	coord, err := coordinator.New(coordinator.Deps{
		Store:      r.store,
		Bars:       r.bars,
		Calendar:   r.cal,
		Checker:    r.checker,
		Analyzer:   r.analyzer,
		Indicators: r.mgr,
		Processor:  r.proc,
		Metrics:    r.metrics,
		Feed:       r.feedAdapter,
		Clock:      r.clock,
		Gate:       r.gate,
		Input:      in,
		ProcIn:     r.procIn,
	}, coordinator.Config{
		Session:          r.cfg,
		DataDriven:       dataDriven,
		CoordinatorReady: coordReady,
		Join:             join,
	})
	if err != nil {
		return err
	}
	r.coord = coord
	r.coord.OnRoll(r.summary.onRoll(r.store))
	return nil
}

// buildWorkers assembles the periodic workers around the pipeline:
// boundary monitor, gap filler, scanner scheduler, prefetcher, and the
// monitoring server.
func (r *Runtime) buildWorkers() error {
	r.boundary = coordinator.NewMonitor(r.coord, coordinator.MonitorConfig{
		DataTimeout: r.cfg.SessionData.Streaming.CatchupThreshold() * 2,
	})

	gf := r.cfg.SessionData.GapFiller
	r.gapFiller = coordinator.NewGapFiller(r.store, r.bars, r.proc, r.checker,
		r.cal, r.clock, r.metrics, coordinator.GapFillerConfig{
			MaxRetries:     gf.MaxRetries,
			RetryEvery:     gf.RetryInterval(),
			SessionQuality: gf.EnableSessionQuality,
		})

	if len(r.cfg.SessionData.Scanners) > 0 {
		mgr, err := scanner.NewManager(scanner.Deps{
			Env: scanner.Env{
				Session: r.store,
				Bars:    r.bars,
				Cal:     r.cal,
				Clock:   r.clock,
				Sink:    r.coord,
			},
			Locker:     r.opts.Locker,
			Indicators: r.mgr,
			Metrics:    r.metrics,
		}, scanner.ManagerConfig{Scanners: r.cfg.SessionData.Scanners})
		if err != nil {
			return err
		}
		r.scanners = mgr
		r.coord.OnRoll(mgr.OnRoll)
	}

	pf, err := prefetch.New(prefetch.Deps{
		Session: r.store,
		Cal:     r.cal,
		Clock:   r.clock,
		Loader:  r.coord,
		Metrics: r.metrics,
	}, prefetch.Config{})
	if err != nil {
		return err
	}
	r.prefetch = pf

	if r.cfg.Server.Enabled {
		src := monitor.Sources{
			Service:     "sessrun",
			Version:     r.opts.Version,
			Mode:        string(r.cfg.Mode),
			SessionName: r.cfg.SessionName,
			Session:     r.store,
			Clock:       r.clock,
			Metrics:     r.metrics,
			State:       func() string { return string(r.boundary.State()) },
			Processor:   r.proc.Stats,
			Prefetch:    r.prefetch.Status,
			QueueLen:    r.queue.Len,
		}
		if r.scanners != nil {
			src.Scanners = r.scanners.Status
		}
		r.server = monitor.New(src, monitor.Config{Listen: r.cfg.Server.Listen})
	}
	return nil
}

// Store exposes the session read surface for embedders.
func (r *Runtime) Store() *sessiondata.Store { return r.store }

// Notifications is the downstream notification stream.
func (r *Runtime) Notifications() <-chan notify.Notification { return r.queue.C() }

// Coordinator exposes the provisioning entry points (AddSymbol,
// AddIndicator, AddInterval) for embedders and strategies.
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coord }

// State is the boundary monitor's current session state.
func (r *Runtime) State() coordinator.SessionState { return r.boundary.State() }

// close releases external connections. Run calls it on exit; New calls
// it on wiring failures.
func (r *Runtime) close() {
	if r.feedAdapter != nil {
		if err := r.feedAdapter.Close(); err != nil && !errors.Is(err, feed.ErrClosed) {
			log.Warn().Err(err).Msg("feed close failed")
		}
	}
	if r.cacheV8 != nil {
		r.cacheV8.Close()
	}
	if r.pubV9 != nil {
		r.pubV9.Close()
	}
	if r.db != nil {
		r.db.Close()
	}
}

// firstSessionDay resolves the trading day the session starts on.
func (r *Runtime) firstSessionDay() (time.Time, error) {
	var day time.Time
	if r.cfg.Mode == config.ModeBacktest {
		start, _, err := r.cfg.Backtest.Dates(r.cal.Location())
		if err != nil {
			return time.Time{}, err
		}
		day = start
	} else {
		day = r.clock.Now()
	}
	if !r.cal.IsTradingDay(day) {
		next := r.cal.NextTradingDay(day, 1)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("no trading day on or after %s", day.Format("2006-01-02"))
		}
		log.Info().Time("requested", day).Time("using", next).
			Msg("session start falls on a non-trading day, advancing")
		day = next
	}
	return day, nil
}
