package scanner

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

// volumeLeaders is the pre-session universe expander: it ranks a
// configured candidate universe by trailing dollar volume from the bar
// store and promotes the top names into full session scope, so the day
// trades the liquid end of the list without hand-editing the symbol
// config.
//
// Config block:
//
//	universe:          candidate symbols (required)
//	top_n:             how many leaders to promote (default 3)
//	lookback_days:     trailing calendar days to sum (default 5)
//	min_dollar_volume: floor below which a candidate never qualifies
//	interval:          bar interval the volume is summed over (default 1d)
type volumeLeaders struct {
	env Env

	universe  []string
	topN      int
	lookback  int
	minDollar float64
	interval  domain.Interval
}

func newVolumeLeaders(env Env, cfg map[string]any) (Scanner, error) {
	v := &volumeLeaders{
		env:       env,
		topN:      cfgInt(cfg, "top_n", 3),
		lookback:  cfgInt(cfg, "lookback_days", 5),
		minDollar: cfgFloat(cfg, "min_dollar_volume", 0),
	}
	for _, raw := range cfgStrings(cfg, "universe") {
		sym := domain.NormalizeSymbol(raw)
		if err := domain.ValidateSymbol(sym); err != nil {
			return nil, fmt.Errorf("volume_leaders universe: %w", err)
		}
		v.universe = append(v.universe, sym)
	}
	if len(v.universe) == 0 {
		return nil, fmt.Errorf("volume_leaders: universe is required")
	}
	if v.topN <= 0 || v.lookback <= 0 {
		return nil, fmt.Errorf("volume_leaders: top_n and lookback_days must be positive")
	}
	iv, err := domain.ParseInterval(cfgString(cfg, "interval", "1d"))
	if err != nil {
		return nil, fmt.Errorf("volume_leaders interval: %w", err)
	}
	v.interval = iv
	if v.env.Bars == nil {
		return nil, fmt.Errorf("volume_leaders: bar store is required")
	}
	return v, nil
}

func (v *volumeLeaders) Name() string { return "volume_leaders" }

func (v *volumeLeaders) Setup(context.Context) error { return nil }

func (v *volumeLeaders) Teardown(context.Context) error { return nil }

// Scan sums close*volume per candidate over the trailing window ending
// at the session date and promotes the top ranks. Candidates already
// holding full session scope are left alone; ad-hoc leftovers from
// earlier scans are eligible and get upgraded.
func (v *volumeLeaders) Scan(ctx context.Context) (Result, error) {
	day := v.env.Session.SessionDate()
	if day.IsZero() {
		return Result{}, fmt.Errorf("volume_leaders: no session date")
	}
	start := day.AddDate(0, 0, -v.lookback)

	type ranked struct {
		symbol string
		dollar float64
	}
	var (
		out   Result
		ranks []ranked
	)
	for _, sym := range v.universe {
		if sd, ok := v.env.Session.GetSymbolData(sym, false); ok && sd.Meta.MeetsSessionReqs {
			continue
		}
		out.Evaluated++
		bars, err := v.env.Bars.GetBars(ctx, sym, v.interval, start, day)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("volume lookup failed")
			continue
		}
		var dollar float64
		for _, bar := range bars {
			dollar += bar.Close * bar.Volume
		}
		if dollar <= 0 || dollar < v.minDollar {
			continue
		}
		ranks = append(ranks, ranked{symbol: sym, dollar: dollar})
	}

	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].dollar != ranks[j].dollar {
			return ranks[i].dollar > ranks[j].dollar
		}
		return ranks[i].symbol < ranks[j].symbol
	})

	for i, r := range ranks {
		if i >= v.topN {
			break
		}
		res := v.env.Sink.AddSymbol(ctx, r.symbol, sessiondata.SourceScanner, true)
		if !res.OK {
			log.Warn().Str("symbol", r.symbol).Str("reason", res.Reason).
				Msg("volume leader rejected by pipeline")
			continue
		}
		log.Info().Str("symbol", r.symbol).Float64("dollar_volume", r.dollar).
			Msg("volume leader promoted")
		out.Promoted = append(out.Promoted, r.symbol)
	}
	return out, nil
}
