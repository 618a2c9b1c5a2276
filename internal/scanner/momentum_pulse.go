package scanner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/indicators"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

// pulseLabel is the session indicator registered on every promotion so
// downstream consumers see the signal that triggered it.
const pulseLabel = "pulse_rsi"

// momentumPulse is the regular-session promoter: its setup registers a
// lightweight watchlist, and each scheduled scan upgrades watchlist
// symbols whose RSI and rate of change both clear their thresholds.
// Symbols that never fire are removed by the teardown sweep.
//
// Config block:
//
//	watchlist:  candidate symbols, provisioned ad-hoc at setup (required)
//	rsi_period: RSI length in base bars (default 14)
//	roc_period: rate-of-change length in base bars (default 10)
//	rsi_min:    minimum RSI to promote (default 60)
//	roc_min:    minimum rate of change in percent (default 0.5)
type momentumPulse struct {
	env Env

	watch     []string
	rsiPeriod int
	rocPeriod int
	rsiMin    float64
	rocMin    float64
}

func newMomentumPulse(env Env, cfg map[string]any) (Scanner, error) {
	p := &momentumPulse{
		env:       env,
		rsiPeriod: cfgInt(cfg, "rsi_period", 14),
		rocPeriod: cfgInt(cfg, "roc_period", 10),
		rsiMin:    cfgFloat(cfg, "rsi_min", 60),
		rocMin:    cfgFloat(cfg, "roc_min", 0.5),
	}
	for _, raw := range cfgStrings(cfg, "watchlist") {
		sym := domain.NormalizeSymbol(raw)
		if err := domain.ValidateSymbol(sym); err != nil {
			return nil, fmt.Errorf("momentum_pulse watchlist: %w", err)
		}
		p.watch = append(p.watch, sym)
	}
	if len(p.watch) == 0 {
		return nil, fmt.Errorf("momentum_pulse: watchlist is required")
	}
	if p.rsiPeriod <= 0 || p.rocPeriod <= 0 {
		return nil, fmt.Errorf("momentum_pulse: rsi_period and roc_period must be positive")
	}
	return p, nil
}

func (p *momentumPulse) Name() string { return "momentum_pulse" }

// Setup provisions the watchlist ad-hoc: base stream only, no
// historical warm-up. Rejected symbols stay on the watch and simply
// never accumulate data.
func (p *momentumPulse) Setup(ctx context.Context) error {
	for _, sym := range p.watch {
		res := p.env.Sink.AddSymbol(ctx, sym, sessiondata.SourceScanner, false)
		if !res.OK {
			log.Warn().Str("symbol", sym).Str("reason", res.Reason).
				Msg("watchlist symbol rejected")
		}
	}
	return nil
}

func (p *momentumPulse) Teardown(context.Context) error { return nil }

// Scan measures each still-ad-hoc watchlist symbol over its session
// base bars and upgrades the ones clearing both thresholds. The RSI
// that fired is registered on the symbol so readers can see why it was
// promoted.
func (p *momentumPulse) Scan(ctx context.Context) (Result, error) {
	var out Result
	for _, sym := range p.watch {
		sd, ok := p.env.Session.GetSymbolData(sym, false)
		if !ok || sd.Meta.MeetsSessionReqs {
			continue
		}
		out.Evaluated++

		base, _, ok := p.env.Session.GetIntervals(sym, false)
		if !ok {
			continue
		}
		need := p.rsiPeriod * 3
		if n := p.rocPeriod + 1; n > need {
			need = n
		}
		bars := p.env.Session.GetLastNBars(sym, base, need, false)
		if len(bars) < p.rocPeriod+1 {
			continue
		}

		ref := bars[len(bars)-1-p.rocPeriod].Close
		if ref == 0 {
			continue
		}
		roc := (bars[len(bars)-1].Close/ref - 1) * 100

		cfg, err := indicators.NewConfig("rsi", p.rsiPeriod, base, nil)
		if err != nil {
			return out, err
		}
		ind, err := indicators.New(cfg)
		if err != nil {
			return out, err
		}
		val := indicators.Warmup(ind, bars)
		if !val.IsValid || val.Value < p.rsiMin || roc < p.rocMin {
			continue
		}

		res := p.env.Sink.AddSymbol(ctx, sym, sessiondata.SourceScanner, true)
		if !res.OK {
			log.Warn().Str("symbol", sym).Str("reason", res.Reason).
				Msg("momentum promotion rejected by pipeline")
			continue
		}
		log.Info().Str("symbol", sym).Float64("rsi", val.Value).Float64("roc", roc).
			Msg("momentum pulse promoted symbol")
		out.Promoted = append(out.Promoted, sym)

		if ires := p.env.Sink.AddIndicator(ctx, sym, pulseLabel, cfg); !ires.OK {
			log.Warn().Str("symbol", sym).Str("reason", ires.Reason).
				Msg("pulse indicator registration rejected")
		}
	}
	return out, nil
}
