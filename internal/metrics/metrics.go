// Package metrics holds the Prometheus instruments for the session
// runtime. The registry is instance-owned rather than global so tests
// and embedded runtimes can construct it more than once.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds all instruments and the prometheus registry backing
// them.
type Registry struct {
	reg *prometheus.Registry

	// Ingestion and derivation
	BarsIngested  *prometheus.CounterVec
	BarsRejected  *prometheus.CounterVec
	DerivedBars   *prometheus.CounterVec
	RetroBars     *prometheus.CounterVec
	ProcessTime   *prometheus.HistogramVec
	IndicatorUpds *prometheus.CounterVec

	// Session lifecycle
	SessionState     prometheus.Gauge
	StateTransitions *prometheus.CounterVec
	LagSeconds       *prometheus.GaugeVec
	LagDeactivations prometheus.Counter

	// Quality and reconciliation
	QualityScore    *prometheus.GaugeVec
	GapFillAttempts *prometheus.CounterVec

	// Queues and signalling
	QueueDepth    *prometheus.GaugeVec
	NotifyDropped prometheus.Counter
	Overruns      *prometheus.CounterVec

	// Provisioning
	ProvisionSteps *prometheus.CounterVec

	// Scanners
	ScannerRuns    *prometheus.CounterVec
	ScannerSymbols *prometheus.CounterVec

	// Prefetch
	PrefetchRuns *prometheus.CounterVec
	PrefetchBars prometheus.Counter
}

// NewRegistry constructs and registers every instrument.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		BarsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_bars_ingested_total",
				Help: "Base-interval bars accepted into session data",
			},
			[]string{"symbol", "interval"},
		),

		BarsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_bars_rejected_total",
				Help: "Bars refused at the session data boundary",
			},
			[]string{"symbol", "reason"},
		),

		DerivedBars: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_derived_bars_total",
				Help: "Bars produced by interval derivation",
			},
			[]string{"symbol", "interval"},
		),

		RetroBars: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_retro_bars_total",
				Help: "Derived bars emitted retroactively after gap recovery",
			},
			[]string{"symbol", "result"},
		),

		ProcessTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sessrun_process_duration_seconds",
				Help:    "Duration of processing stages in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"stage"},
		),

		IndicatorUpds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_indicator_updates_total",
				Help: "Indicator recomputations by symbol and interval",
			},
			[]string{"symbol", "interval"},
		),

		SessionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessrun_session_state",
				Help: "Session boundary state (0=not_started 1=pre_market 2=active 3=post_market 4=ended 5=timeout 6=error)",
			},
		),

		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_session_transitions_total",
				Help: "Session state transitions by from/to state",
			},
			[]string{"from", "to"},
		),

		LagSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessrun_symbol_lag_seconds",
				Help: "Gap between now and the latest base bar per symbol",
			},
			[]string{"symbol"},
		),

		LagDeactivations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessrun_lag_deactivations_total",
				Help: "Times the session was deactivated for exceeding the lag threshold",
			},
		),

		QualityScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessrun_quality_score",
				Help: "Composite data quality score per symbol (0-100)",
			},
			[]string{"symbol"},
		),

		GapFillAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_gap_fill_attempts_total",
				Help: "Gap reconciliation attempts by outcome",
			},
			[]string{"result"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessrun_queue_depth",
				Help: "Current depth of runtime queues",
			},
			[]string{"queue"},
		),

		NotifyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessrun_notifications_dropped_total",
				Help: "Notifications lost to a full or gated queue",
			},
		),

		Overruns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_subscription_overruns_total",
				Help: "Signals raised on an already-ready subscription",
			},
			[]string{"subscription"},
		),

		ProvisionSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_provision_steps_total",
				Help: "Provisioning pipeline steps executed by status",
			},
			[]string{"step", "status"},
		),

		ScannerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_scanner_runs_total",
				Help: "Scanner executions by module and outcome",
			},
			[]string{"scanner", "result"},
		),

		ScannerSymbols: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_scanner_symbols_total",
				Help: "Symbols promoted or removed by scanner modules",
			},
			[]string{"scanner", "action"},
		),

		PrefetchRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessrun_prefetch_runs_total",
				Help: "Pre-open history refresh runs by outcome",
			},
			[]string{"result"},
		),

		PrefetchBars: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessrun_prefetch_bars_total",
				Help: "Historical bars merged into session data by the prefetcher",
			},
		),
	}

	r.reg.MustRegister(
		r.BarsIngested,
		r.BarsRejected,
		r.DerivedBars,
		r.RetroBars,
		r.ProcessTime,
		r.IndicatorUpds,
		r.SessionState,
		r.StateTransitions,
		r.LagSeconds,
		r.LagDeactivations,
		r.QualityScore,
		r.GapFillAttempts,
		r.QueueDepth,
		r.NotifyDropped,
		r.Overruns,
		r.ProvisionSteps,
		r.ScannerRuns,
		r.ScannerSymbols,
		r.PrefetchRuns,
		r.PrefetchBars,
	)

	return r
}

// MustRegisterGaugeFunc binds a live value (cache stats, queue depth
// snapshots) without the owning package importing prometheus.
func (r *Registry) MustRegisterGaugeFunc(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help}, fn,
	))
}

// Handler serves the /metrics endpoint from this registry only.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordTransition counts a state change and moves the state gauge.
func (r *Registry) RecordTransition(from, to string) {
	r.StateTransitions.WithLabelValues(from, to).Inc()
	r.SessionState.Set(stateToGaugeValue(to))
	log.Debug().Str("from", from).Str("to", to).Msg("session transition recorded")
}

func stateToGaugeValue(state string) float64 {
	switch strings.ToUpper(state) {
	case "NOT_STARTED":
		return 0
	case "PRE_MARKET":
		return 1
	case "ACTIVE":
		return 2
	case "POST_MARKET":
		return 3
	case "ENDED":
		return 4
	case "TIMEOUT":
		return 5
	case "ERROR":
		return 6
	default:
		return -1
	}
}

// Snapshot is the counter subset surfaced on /status.
type Snapshot struct {
	BarsIngested         float64 `json:"bars_ingested"`
	BarsRejected         float64 `json:"bars_rejected"`
	DerivedBars          float64 `json:"derived_bars"`
	IndicatorUpdates     float64 `json:"indicator_updates"`
	NotificationsDropped float64 `json:"notifications_dropped"`
	LagDeactivations     float64 `json:"lag_deactivations"`
	GapFillAttempts      float64 `json:"gap_fill_attempts"`
}

// Snapshot sums the per-label counters into the /status totals.
func (r *Registry) Snapshot() Snapshot {
	var s Snapshot
	families, err := r.reg.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("metrics gather failed")
		return s
	}
	for _, fam := range families {
		total := sumFamily(fam)
		switch fam.GetName() {
		case "sessrun_bars_ingested_total":
			s.BarsIngested = total
		case "sessrun_bars_rejected_total":
			s.BarsRejected = total
		case "sessrun_derived_bars_total":
			s.DerivedBars = total
		case "sessrun_indicator_updates_total":
			s.IndicatorUpdates = total
		case "sessrun_notifications_dropped_total":
			s.NotificationsDropped = total
		case "sessrun_lag_deactivations_total":
			s.LagDeactivations = total
		case "sessrun_gap_fill_attempts_total":
			s.GapFillAttempts = total
		}
	}
	return s
}

func sumFamily(fam *io_prometheus_client.MetricFamily) float64 {
	var total float64
	for _, m := range fam.GetMetric() {
		switch {
		case m.GetCounter() != nil:
			total += m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			total += m.GetGauge().GetValue()
		}
	}
	return total
}
