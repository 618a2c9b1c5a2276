package indicators

import "github.com/sessrun/sessrun/internal/domain"

// vwap is the session volume-weighted average price, cumulative from
// the first bar the instance sees. Instances live for one session, so
// no daily reset is needed here.
type vwap struct {
	cfg     Config
	minBars int
	pv      float64
	vol     float64
	n       int
	last    Value
}

func newVWAP(cfg Config) (Indicator, error) {
	minBars := cfg.Period
	if minBars < 1 {
		minBars = 1
	}
	return &vwap{cfg: cfg, minBars: minBars}, nil
}

func (w *vwap) Config() Config  { return w.cfg }
func (w *vwap) Snapshot() Value { return w.last }

func (w *vwap) Reset() {
	*w = vwap{cfg: w.cfg, minBars: w.minBars}
}

func (w *vwap) Update(bar domain.Bar) Value {
	typical := (bar.High + bar.Low + bar.Close) / 3
	w.pv += typical * bar.Volume
	w.vol += bar.Volume
	w.n++

	v := Value{Config: w.cfg, UpdatedAt: bar.Timestamp}
	if w.n >= w.minBars && w.vol > 0 {
		v.IsValid = true
		v.Value = w.pv / w.vol
	}
	w.last = v
	return v
}
