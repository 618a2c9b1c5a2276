package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/analyze"
	"github.com/sessrun/sessrun/internal/config"
	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/indicators"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

// RequestKind classifies a provisioning request after analysis.
type RequestKind string

const (
	KindNewSymbol      RequestKind = "new_symbol"
	KindUpgradeSymbol  RequestKind = "upgrade_symbol"
	KindAddInterval    RequestKind = "add_interval"
	KindAddIndicator   RequestKind = "add_indicator"
	KindRefreshHistory RequestKind = "refresh_history"
	KindNoop           RequestKind = "noop"
)

// Step status values. They double as the status label on the
// provisioning metrics.
const (
	StepOK      = "ok"
	StepSkipped = "skipped"
	StepFailed  = "failed"
)

// Step name prefixes. Interval and indicator steps carry their subject
// in the name so results read as a plan: add_interval_5m,
// register_indicator_sma_20_1m.
const (
	stepCreateSymbol  = "create_symbol"
	stepUpgradeSymbol = "upgrade_symbol"
	stepAddInterval   = "add_interval_"
	stepRegisterInd   = "register_indicator_"
	stepLoadHistory   = "load_historical"
	stepQuality       = "calculate_quality"
)

// Requirements is the output of the analysis phase: everything the
// provisioning phase will execute, resolved against the session plan.
type Requirements struct {
	Kind        RequestKind
	Symbol      string
	Base        domain.Interval
	Intervals   []domain.Interval // new attachments only, dependency order
	Indicators  []analyze.IndicatorRequirement
	HistoryDays int
	Source      sessiondata.Source
	FullSession bool // session-config scope vs lightweight ad-hoc
	MidSession  bool // session was active when the request arrived
	Steps       []string
}

// ValidationResult is the feasibility verdict for a request. The
// sub-flags survive in the result so callers can tell a hard reject
// from a degraded-but-possible provisioning.
type ValidationResult struct {
	CanProceed      bool   `json:"can_proceed"`
	Reason          string `json:"reason,omitempty"`
	SourceKnown     bool   `json:"source_known"`
	HistoryPresent  bool   `json:"history_present"`
	HistoryComplete bool   `json:"history_complete"`
	Derivable       bool   `json:"derivable"`
	LabelConflict   bool   `json:"label_conflict,omitempty"`
}

// StepResult records one executed provisioning step.
type StepResult struct {
	Step    string        `json:"step"`
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Result is the full outcome of one provisioning request. A failed
// result keeps the steps that already ran; completed steps are never
// rolled back, so a retry of the same request resumes where this one
// stopped.
type Result struct {
	RequestID  string           `json:"request_id"`
	Kind       RequestKind      `json:"kind"`
	Symbol     string           `json:"symbol"`
	OK         bool             `json:"ok"`
	Reason     string           `json:"reason,omitempty"`
	Validation ValidationResult `json:"validation"`
	Steps      []StepResult     `json:"steps,omitempty"`
	Elapsed    time.Duration    `json:"elapsed"`
}

// AddSymbol provisions a symbol through the full analyze, validate,
// provision pipeline. With fullSession the symbol gets every interval
// and indicator of the session plan plus historical warm-up; without
// it the symbol is registered ad-hoc with its base stream only.
// Adding a symbol that is already provisioned at the requested scope
// is a no-op success. While a session is active the pipeline pauses
// delivery, provisions, catches the symbol up, and resumes.
func (c *Coordinator) AddSymbol(ctx context.Context, symbol string, by sessiondata.Source, fullSession bool) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	req, err := c.analyzeSymbol(symbol, by, fullSession)
	return c.runPipeline(ctx, req, err)
}

// AddIndicator registers one indicator on an already-provisioned
// symbol, attaching any intervals its derivation needs and loading
// enough history to warm it up. Re-adding an identical indicator is a
// no-op success; the same label with a different configuration is
// rejected in validation.
func (c *Coordinator) AddIndicator(ctx context.Context, symbol, label string, cfg indicators.Config) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	req, err := c.analyzeIndicator(symbol, label, cfg)
	return c.runPipeline(ctx, req, err)
}

// AddInterval attaches one derived interval to a symbol and derives
// whatever windows the existing base bars already complete.
func (c *Coordinator) AddInterval(ctx context.Context, symbol string, iv domain.Interval) Result {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	req, err := c.analyzeInterval(symbol, iv)
	return c.runPipeline(ctx, req, err)
}

// PrefetchHistory reloads the planned trailing-history windows for
// every full-scope symbol from the bar store. Merges skip bars already
// present, so the call is idempotent and cheap when nothing new landed;
// bars written to the store after the session was provisioned (overnight
// loaders, late backfills) are picked up here and any later historical
// load finds them in place. Per-symbol failures are logged and skipped;
// the error return covers only a missing session plan.
func (c *Coordinator) PrefetchHistory(ctx context.Context) (int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	plan, err := c.sessionPlan()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, sym := range c.store.GetActiveSymbols(true) {
		data, ok := c.store.GetSymbolData(sym, true)
		if !ok || data.IsAdhoc() {
			continue
		}
		req := Requirements{
			Kind:        KindRefreshHistory,
			Symbol:      sym,
			Base:        data.Base,
			FullSession: true,
			HistoryDays: plan.HistoryDays,
		}
		n, err := c.loadHistory(ctx, req)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("history refresh failed")
			continue
		}
		total += n
	}
	log.Info().Int("merged", total).Msg("history refresh complete")
	return total, nil
}

// runPipeline executes validate and provision for an analyzed request.
// Callers hold opMu: requests are strictly serialized, which is what
// makes pause/resume and catch-up race-free.
func (c *Coordinator) runPipeline(ctx context.Context, req Requirements, analyzeErr error) Result {
	start := time.Now()
	res := Result{
		RequestID: uuid.NewString(),
		Kind:      req.Kind,
		Symbol:    req.Symbol,
	}
	defer func() { res.Elapsed = time.Since(start) }()

	if analyzeErr != nil {
		res.Reason = analyzeErr.Error()
		log.Warn().Str("symbol", req.Symbol).Str("request_id", res.RequestID).
			Err(analyzeErr).Msg("provisioning analysis rejected request")
		return res
	}
	if req.Kind == KindNoop {
		res.OK = true
		res.Reason = "already provisioned"
		res.Validation = passingValidation()
		return res
	}

	res.Validation = c.validate(ctx, req)
	if !res.Validation.CanProceed {
		res.Reason = res.Validation.Reason
		log.Warn().Str("symbol", req.Symbol).Str("kind", string(req.Kind)).
			Str("request_id", res.RequestID).Str("reason", res.Reason).
			Msg("provisioning validation failed")
		return res
	}

	if req.MidSession {
		resume := c.pauseForProvisioning()
		defer resume()
	}

	steps, err := c.provision(ctx, req)
	res.Steps = steps
	if err != nil {
		res.Reason = err.Error()
		log.Error().Str("symbol", req.Symbol).Str("request_id", res.RequestID).
			Err(err).Msg("provisioning stopped at first failing step")
		return res
	}

	if req.MidSession && req.Kind != KindAddIndicator && req.Kind != KindAddInterval {
		if err := c.joinStream(ctx, req.Symbol); err != nil {
			res.Reason = fmt.Sprintf("provisioned but not joined to stream: %v", err)
			log.Error().Str("symbol", req.Symbol).Err(err).Msg("stream join failed")
			return res
		}
	}

	res.OK = true
	log.Info().Str("symbol", req.Symbol).Str("kind", string(req.Kind)).
		Str("request_id", res.RequestID).Int("steps", len(steps)).
		Dur("elapsed", time.Since(start)).Msg("symbol provisioned")
	return res
}

// pauseForProvisioning blocks delivery and closes external reads so a
// mid-session pipeline works on a quiescent store. The returned resume
// reopens reads for the same session date and releases the gate.
func (c *Coordinator) pauseForProvisioning() func() {
	date := c.store.SessionDate()
	if c.gate != nil {
		c.gate.Clear()
	}
	c.store.DeactivateSession()
	log.Info().Time("session_date", date).Msg("session paused for provisioning")
	return func() {
		c.store.ActivateSession(date)
		if c.gate != nil {
			c.gate.Set()
		}
		log.Info().Time("session_date", date).Msg("session resumed after provisioning")
	}
}

// joinStream starts live delivery for a symbol added while the session
// is running. In replay mode it hands the symbol to the backtest
// driver; in live mode it subscribes the feed.
func (c *Coordinator) joinStream(ctx context.Context, symbol string) error {
	if c.join == nil {
		return nil
	}
	return c.join(ctx, symbol)
}

// analyzeSymbol resolves an add-symbol request against the session
// plan. Only new attachments and unregistered indicators become steps,
// so retrying a partially provisioned symbol resumes instead of
// redoing completed work.
func (c *Coordinator) analyzeSymbol(symbol string, by sessiondata.Source, fullSession bool) (Requirements, error) {
	sym := domain.NormalizeSymbol(symbol)
	if err := domain.ValidateSymbol(sym); err != nil {
		return Requirements{}, err
	}
	plan, err := c.sessionPlan()
	if err != nil {
		return Requirements{}, err
	}

	req := Requirements{
		Kind:        KindNewSymbol,
		Symbol:      sym,
		Base:        plan.Base,
		Source:      by,
		FullSession: fullSession,
		MidSession:  c.store.IsActive(),
	}

	data, exists := c.store.GetSymbolData(sym, true)
	if exists {
		switch {
		case !fullSession:
			req.Kind = KindNoop
			return req, nil
		case data.IsAdhoc():
			req.Kind = KindUpgradeSymbol
		case c.fullyProvisioned(sym, plan):
			req.Kind = KindNoop
			return req, nil
		}
	}

	if fullSession {
		req.Intervals = c.newIntervals(sym, plan.Base, plan.Intervals)
		req.Indicators = c.newIndicators(sym, plan.Indicators)
		req.HistoryDays = plan.HistoryDays
	}
	req.Steps = buildSteps(req)
	return req, nil
}

// analyzeIndicator resolves an add-indicator request for a symbol that
// must already be provisioned.
func (c *Coordinator) analyzeIndicator(symbol, label string, cfg indicators.Config) (Requirements, error) {
	sym := domain.NormalizeSymbol(symbol)
	data, ok := c.store.GetSymbolData(sym, true)
	if !ok {
		return Requirements{}, fmt.Errorf("add indicator %s: %w", sym, sessiondata.ErrSymbolUnknown)
	}

	ind, err := c.analyzer.AnalyzeIndicator(label, cfg, data.Base, c.sessionDay())
	if err != nil {
		return Requirements{}, err
	}

	req := Requirements{
		Kind:       KindAddIndicator,
		Symbol:     sym,
		Base:       data.Base,
		Source:     data.Meta.AddedBy,
		MidSession: c.store.IsActive(),
	}

	// Only a warmed indicator counts as done: a registered but never
	// warmed instance means an earlier pipeline failed before its
	// history load, and the retry must run the remaining steps.
	if snap, ok := c.mgr.Snapshot(sym, label); ok && snap.Config.Key() == cfg.Key() && snap.IsValid {
		req.Kind = KindNoop
		return req, nil
	}

	req.Intervals = c.newIntervals(sym, data.Base, ind.Intervals)
	req.Indicators = []analyze.IndicatorRequirement{ind}
	req.HistoryDays = ind.HistoryDays
	req.Steps = buildSteps(req)
	return req, nil
}

// analyzeInterval resolves an add-interval request, expanding the
// derivation chain so intermediate intervals come along.
func (c *Coordinator) analyzeInterval(symbol string, iv domain.Interval) (Requirements, error) {
	sym := domain.NormalizeSymbol(symbol)
	data, ok := c.store.GetSymbolData(sym, true)
	if !ok {
		return Requirements{}, fmt.Errorf("add interval %s: %w", sym, sessiondata.ErrSymbolUnknown)
	}

	req := Requirements{
		Kind:       KindAddInterval,
		Symbol:     sym,
		Base:       data.Base,
		Source:     data.Meta.AddedBy,
		MidSession: c.store.IsActive(),
	}

	if iv == data.Base {
		req.Kind = KindNoop
		return req, nil
	}
	chain, err := c.analyzer.ExpandIntervals(data.Base, []domain.Interval{iv})
	if err != nil {
		return Requirements{}, err
	}
	req.Intervals = c.newIntervals(sym, data.Base, chain)
	if len(req.Intervals) == 0 {
		req.Kind = KindNoop
		return req, nil
	}
	req.Steps = buildSteps(req)
	return req, nil
}

// newIntervals filters candidates down to the ones the symbol does not
// have yet, preserving dependency order. Unregistered symbols keep the
// full candidate list.
func (c *Coordinator) newIntervals(symbol string, base domain.Interval, candidates []domain.Interval) []domain.Interval {
	attached := map[domain.Interval]bool{base: true}
	if _, derived, ok := c.store.GetIntervals(symbol, true); ok {
		for _, iv := range derived {
			attached[iv] = true
		}
	}
	out := make([]domain.Interval, 0, len(candidates))
	for _, iv := range candidates {
		if !attached[iv] {
			out = append(out, iv)
		}
	}
	return out
}

// newIndicators filters plan indicators down to the ones the symbol
// does not carry warmed up yet. A registered but cold instance is kept:
// it means an earlier pipeline stopped before its history load, and the
// remaining steps still have to run.
func (c *Coordinator) newIndicators(symbol string, candidates []analyze.IndicatorRequirement) []analyze.IndicatorRequirement {
	out := make([]analyze.IndicatorRequirement, 0, len(candidates))
	for _, ind := range candidates {
		snap, ok := c.mgr.Snapshot(symbol, ind.Label)
		if ok && snap.Config.Key() == ind.Config.Key() && snap.IsValid {
			continue
		}
		out = append(out, ind)
	}
	return out
}

// fullyProvisioned reports whether the symbol already satisfies the
// session plan, in which case a repeated add is a no-op.
func (c *Coordinator) fullyProvisioned(symbol string, plan *analyze.SessionPlan) bool {
	if len(c.newIntervals(symbol, plan.Base, plan.Intervals)) > 0 {
		return false
	}
	return len(c.newIndicators(symbol, plan.Indicators)) == 0
}

// buildSteps lays out the ordered provisioning plan for the request.
// Order matters: structure first, then indicators, then data, then the
// quality snapshot over whatever arrived.
func buildSteps(req Requirements) []string {
	steps := make([]string, 0, len(req.Intervals)+len(req.Indicators)+3)
	switch req.Kind {
	case KindNewSymbol:
		steps = append(steps, stepCreateSymbol)
	case KindUpgradeSymbol:
		steps = append(steps, stepUpgradeSymbol)
	}
	for _, iv := range req.Intervals {
		if iv != req.Base {
			steps = append(steps, stepAddInterval+iv.String())
		}
	}
	for _, ind := range req.Indicators {
		steps = append(steps, stepRegisterInd+ind.Config.Key())
	}
	// Symbol-scope requests load even without warm-up demand when the
	// session is already running: the load doubles as the catch-up
	// that replays today's missed bars.
	symbolScope := req.Kind == KindNewSymbol || req.Kind == KindUpgradeSymbol
	if req.HistoryDays > 0 || (req.MidSession && symbolScope) {
		steps = append(steps, stepLoadHistory)
	}
	return append(steps, stepQuality)
}

func passingValidation() ValidationResult {
	return ValidationResult{
		CanProceed:      true,
		SourceKnown:     true,
		HistoryPresent:  true,
		HistoryComplete: true,
		Derivable:       true,
	}
}

// validate checks feasibility without mutating anything. Hard rejects
// are base mismatches, underivable intervals, conflicting indicator
// labels, unknown feed symbols, and requested history with no bars at
// all; merely incomplete history degrades to a warning flag.
func (c *Coordinator) validate(ctx context.Context, req Requirements) ValidationResult {
	v := passingValidation()

	if data, ok := c.store.GetSymbolData(req.Symbol, true); ok && data.Base != req.Base {
		v.CanProceed = false
		v.Reason = fmt.Sprintf("base interval mismatch: have %s, plan needs %s", data.Base, req.Base)
		return v
	}

	for _, iv := range req.Intervals {
		if iv == req.Base || iv.DerivableFrom(req.Base) {
			continue
		}
		v.CanProceed = false
		v.Derivable = false
		v.Reason = fmt.Sprintf("interval %s not derivable from base %s", iv, req.Base)
		return v
	}

	for _, ind := range req.Indicators {
		snap, ok := c.mgr.Snapshot(req.Symbol, ind.Label)
		if ok && snap.Config.Key() != ind.Config.Key() {
			v.CanProceed = false
			v.LabelConflict = true
			v.Reason = fmt.Sprintf("indicator label %q already registered as %s", ind.Label, snap.Config.Key())
			return v
		}
	}

	if c.feed != nil {
		known, err := c.feed.KnownSymbol(ctx, req.Symbol)
		if err != nil {
			v.CanProceed = false
			v.SourceKnown = false
			v.Reason = fmt.Sprintf("feed lookup failed: %v", err)
			return v
		}
		if !known {
			v.CanProceed = false
			v.SourceKnown = false
			v.Reason = fmt.Sprintf("symbol %s unknown to feed", req.Symbol)
			return v
		}
	}

	if req.HistoryDays > 0 {
		day := c.sessionDay()
		histStart := day.AddDate(0, 0, -req.HistoryDays)

		if c.feed == nil {
			if _, _, err := c.bars.DateRange(ctx, req.Symbol); err != nil {
				v.CanProceed = false
				v.SourceKnown = false
				v.Reason = fmt.Sprintf("symbol %s has no stored bars to replay", req.Symbol)
				return v
			}
		}

		present, err := c.bars.HasData(ctx, req.Symbol, req.Base, histStart, day)
		if err != nil {
			v.CanProceed = false
			v.HistoryPresent = false
			v.Reason = fmt.Sprintf("history check failed: %v", err)
			return v
		}
		if !present {
			v.CanProceed = false
			v.HistoryPresent = false
			v.Reason = fmt.Sprintf("no historical bars for %s in trailing %d days", req.Symbol, req.HistoryDays)
			return v
		}
		if min, _, err := c.bars.DateRange(ctx, req.Symbol); err == nil && min.After(histStart.AddDate(0, 0, 1)) {
			v.HistoryComplete = false
			log.Warn().Str("symbol", req.Symbol).Time("earliest", min).
				Time("wanted", histStart).Msg("historical coverage shorter than requested, proceeding")
		}
	}

	return v
}

// provision executes the steps in order, stopping at the first
// failure. Completed steps stay; the request is retryable because
// every step tolerates its own prior completion.
func (c *Coordinator) provision(ctx context.Context, req Requirements) ([]StepResult, error) {
	out := make([]StepResult, 0, len(req.Steps))
	for _, step := range req.Steps {
		start := time.Now()
		status, err := c.runStep(ctx, req, step)
		sr := StepResult{Step: step, Status: status, Elapsed: time.Since(start)}
		if err != nil {
			sr.Error = err.Error()
		}
		out = append(out, sr)
		c.metrics.ProvisionSteps.WithLabelValues(stepFamily(step), status).Inc()
		log.Debug().Str("symbol", req.Symbol).Str("step", step).Str("status", status).
			Dur("elapsed", sr.Elapsed).Msg("provisioning step")
		if status == StepFailed {
			return out, fmt.Errorf("step %s: %w", step, err)
		}
	}
	return out, nil
}

// runStep dispatches one named step.
func (c *Coordinator) runStep(ctx context.Context, req Requirements, step string) (string, error) {
	switch {
	case step == stepCreateSymbol:
		meta := sessiondata.SymbolMeta{
			AddedBy:          req.Source,
			AutoProvisioned:  req.Source != sessiondata.SourceConfig,
			MeetsSessionReqs: req.FullSession,
		}
		if _, err := c.store.RegisterSymbol(req.Symbol, req.Base, meta); err != nil {
			return StepFailed, err
		}
		return StepOK, nil

	case step == stepUpgradeSymbol:
		if err := c.store.UpgradeSymbol(req.Symbol, req.Source); err != nil {
			return StepFailed, err
		}
		return StepOK, nil

	case strings.HasPrefix(step, stepAddInterval):
		iv, err := domain.ParseInterval(strings.TrimPrefix(step, stepAddInterval))
		if err != nil {
			return StepFailed, err
		}
		src, err := iv.DirectSource(req.Base)
		if err != nil {
			return StepFailed, err
		}
		if err := c.store.AddInterval(req.Symbol, iv, true, src); err != nil {
			return StepFailed, err
		}
		// Base bars may already complete windows of the new interval.
		if _, err := c.proc.Backfill(req.Symbol); err != nil {
			return StepFailed, err
		}
		return StepOK, nil

	case strings.HasPrefix(step, stepRegisterInd):
		key := strings.TrimPrefix(step, stepRegisterInd)
		for _, ind := range req.Indicators {
			if ind.Config.Key() != key {
				continue
			}
			history := c.store.GetLastNBars(req.Symbol, ind.Config.Interval, ind.WarmupBars, true)
			val, err := c.mgr.Register(req.Symbol, ind.Label, ind.Config, history)
			if err != nil {
				return StepFailed, err
			}
			// Bars already in the store can warm the indicator on the
			// spot; publish so readers see it before the next update.
			if val.IsValid {
				if err := c.store.SetIndicator(req.Symbol, key, val); err != nil {
					return StepFailed, err
				}
			}
			return StepOK, nil
		}
		return StepSkipped, nil

	case step == stepLoadHistory:
		n, err := c.loadHistory(ctx, req)
		if err != nil {
			return StepFailed, err
		}
		if n == 0 {
			return StepSkipped, nil
		}
		return StepOK, nil

	case step == stepQuality:
		c.scoreSymbol(req.Symbol, !c.midSessionNow(req))
		return StepOK, nil
	}
	return StepFailed, fmt.Errorf("unknown provisioning step %q", step)
}

// midSessionNow reports whether the quality snapshot should use the
// partial-day expectation. During a mid-session add the store is
// paused, so the request flag is the authority, not store.IsActive.
func (c *Coordinator) midSessionNow(req Requirements) bool {
	if req.MidSession {
		return true
	}
	return c.store.IsActive()
}

// loadHistory merges historical bars into the session store and
// derives what they complete. The window normally ends at the session
// open; a mid-session replay add extends it through the virtual clock
// so the symbol catches up with everything already replayed.
func (c *Coordinator) loadHistory(ctx context.Context, req Requirements) (int, error) {
	day := c.sessionDay()
	loadEnd, _, ok := c.cal.SessionWindow(day)
	if !ok {
		loadEnd = day
	}

	// Replay-mode adds catch up through the virtual clock: everything
	// the driver already emitted for other symbols is loaded here, and
	// the driver resumes this symbol strictly after the clock.
	catchup := req.MidSession && c.cfg.Session.Mode == config.ModeBacktest
	if catchup {
		if now := c.clock.Now(); now.After(loadEnd) {
			loadEnd = now.Add(time.Nanosecond)
		}
	}

	total := 0
	if req.HistoryDays > 0 || catchup {
		histStart := day.AddDate(0, 0, -req.HistoryDays)
		bars, err := c.bars.GetBars(ctx, req.Symbol, req.Base, histStart, loadEnd)
		if err != nil {
			return 0, fmt.Errorf("failed to load %s history: %w", req.Base, err)
		}
		inserted, _, err := c.store.MergeBars(req.Symbol, req.Base, bars)
		if err != nil {
			return 0, err
		}
		total += inserted
	}

	for _, win := range c.prefetchWindows(req) {
		start := day.AddDate(0, 0, -win.TrailingDays)
		for _, iv := range win.Intervals {
			if iv == req.Base {
				continue
			}
			bars, err := c.bars.GetBars(ctx, req.Symbol, iv, start, loadEnd)
			if err != nil {
				return total, fmt.Errorf("failed to load %s history: %w", iv, err)
			}
			if len(bars) == 0 {
				continue
			}
			if err := c.store.AddInterval(req.Symbol, iv, false, domain.Interval{}); err != nil {
				return total, err
			}
			inserted, _, err := c.store.MergeBars(req.Symbol, iv, bars)
			if err != nil {
				return total, err
			}
			total += inserted
		}
	}

	retro, err := c.proc.Backfill(req.Symbol)
	if err != nil {
		return total, err
	}
	log.Info().Str("symbol", req.Symbol).Int("merged", total).Int("derived", retro).
		Time("through", loadEnd).Msg("historical bars loaded")
	return total, nil
}

// prefetchWindows returns the configured trailing windows for
// session-scope requests. Indicator adds only need the warm-up span
// already covered by HistoryDays.
func (c *Coordinator) prefetchWindows(req Requirements) []analyze.PrefetchWindow {
	if !req.FullSession {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil {
		return nil
	}
	return c.plan.Prefetch
}

// stepFamily collapses parameterized step names for metric labels so
// cardinality stays bounded.
func stepFamily(step string) string {
	switch {
	case strings.HasPrefix(step, stepAddInterval):
		return "add_interval"
	case strings.HasPrefix(step, stepRegisterInd):
		return "register_indicator"
	default:
		return step
	}
}
