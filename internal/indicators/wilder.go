package indicators

import (
	"math"

	"github.com/sessrun/sessrun/internal/domain"
)

// wilderCore applies Wilder's smoothing: SMA seed over the first
// period samples, then alpha = 1/period.
type wilderCore struct {
	period int
	n      int
	sum    float64
	value  float64
}

func (w *wilderCore) step(v float64) (float64, bool) {
	w.n++
	if w.n <= w.period {
		w.sum += v
		w.value = w.sum / float64(w.n)
		return w.value, w.n == w.period
	}
	alpha := 1.0 / float64(w.period)
	w.value = w.value*(1-alpha) + v*alpha
	return w.value, true
}

func (w *wilderCore) valid() bool {
	return w.n >= w.period
}

// rsi is Wilder's relative strength index. The value reads 50
// (neutral) until period+1 bars have been seen.
type rsi struct {
	cfg       Config
	prevClose float64
	havePrev  bool
	gains     wilderCore
	losses    wilderCore
	last      Value
}

func newRSI(cfg Config) (Indicator, error) {
	return &rsi{
		cfg:    cfg,
		gains:  wilderCore{period: cfg.Period},
		losses: wilderCore{period: cfg.Period},
	}, nil
}

func (r *rsi) Config() Config  { return r.cfg }
func (r *rsi) Snapshot() Value { return r.last }

func (r *rsi) Reset() {
	*r = rsi{
		cfg:    r.cfg,
		gains:  wilderCore{period: r.cfg.Period},
		losses: wilderCore{period: r.cfg.Period},
	}
}

func (r *rsi) Update(bar domain.Bar) Value {
	v := Value{Config: r.cfg, UpdatedAt: bar.Timestamp, Value: 50}

	if !r.havePrev {
		r.prevClose = bar.Close
		r.havePrev = true
		r.last = v
		return v
	}

	change := bar.Close - r.prevClose
	r.prevClose = bar.Close
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}
	avgGain, _ := r.gains.step(gain)
	avgLoss, _ := r.losses.step(loss)

	if r.gains.valid() {
		v.IsValid = true
		if avgLoss == 0 {
			v.Value = 100
		} else {
			rs := avgGain / avgLoss
			v.Value = 100 - 100/(1+rs)
		}
	}
	r.last = v
	return v
}

func trueRange(bar domain.Bar, prevClose float64) float64 {
	hl := bar.High - bar.Low
	hc := math.Abs(bar.High - prevClose)
	lc := math.Abs(bar.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// atr is Wilder's average true range.
type atr struct {
	cfg       Config
	prevClose float64
	havePrev  bool
	core      wilderCore
	last      Value
}

func newATR(cfg Config) (Indicator, error) {
	return &atr{cfg: cfg, core: wilderCore{period: cfg.Period}}, nil
}

func (a *atr) Config() Config  { return a.cfg }
func (a *atr) Snapshot() Value { return a.last }

func (a *atr) Reset() {
	*a = atr{cfg: a.cfg, core: wilderCore{period: a.cfg.Period}}
}

func (a *atr) Update(bar domain.Bar) Value {
	v := Value{Config: a.cfg, UpdatedAt: bar.Timestamp}

	if !a.havePrev {
		a.prevClose = bar.Close
		a.havePrev = true
		a.last = v
		return v
	}

	tr := trueRange(bar, a.prevClose)
	a.prevClose = bar.Close
	val, _ := a.core.step(tr)
	if a.core.valid() {
		v.IsValid = true
		v.Value = val
	}
	a.last = v
	return v
}

// adx smooths true range and directional movement, then smooths the
// resulting DX once more. Valid after 2*period+1 bars.
type adx struct {
	cfg      Config
	prev     domain.Bar
	havePrev bool
	tr       wilderCore
	plusDM   wilderCore
	minusDM  wilderCore
	dx       wilderCore
	last     Value
}

func newADX(cfg Config) (Indicator, error) {
	p := cfg.Period
	return &adx{
		cfg:     cfg,
		tr:      wilderCore{period: p},
		plusDM:  wilderCore{period: p},
		minusDM: wilderCore{period: p},
		dx:      wilderCore{period: p},
	}, nil
}

func (a *adx) Config() Config  { return a.cfg }
func (a *adx) Snapshot() Value { return a.last }

func (a *adx) Reset() {
	p := a.cfg.Period
	*a = adx{
		cfg:     a.cfg,
		tr:      wilderCore{period: p},
		plusDM:  wilderCore{period: p},
		minusDM: wilderCore{period: p},
		dx:      wilderCore{period: p},
	}
}

func (a *adx) Update(bar domain.Bar) Value {
	v := Value{Config: a.cfg, UpdatedAt: bar.Timestamp}

	if !a.havePrev {
		a.prev = bar
		a.havePrev = true
		a.last = v
		return v
	}

	tr := trueRange(bar, a.prev.Close)
	plusMove := bar.High - a.prev.High
	minusMove := a.prev.Low - bar.Low
	a.prev = bar

	pDM, mDM := 0.0, 0.0
	if plusMove > minusMove && plusMove > 0 {
		pDM = plusMove
	}
	if minusMove > plusMove && minusMove > 0 {
		mDM = minusMove
	}

	sTR, _ := a.tr.step(tr)
	sP, _ := a.plusDM.step(pDM)
	sM, _ := a.minusDM.step(mDM)

	if !a.tr.valid() {
		a.last = v
		return v
	}

	var pdi, mdi, dx float64
	if sTR > 0 {
		pdi = 100 * sP / sTR
		mdi = 100 * sM / sTR
		if sum := pdi + mdi; sum > 0 {
			dx = 100 * math.Abs(pdi-mdi) / sum
		}
	}
	// DX smoothing begins on the step after the TR seed completes, so
	// validity lands exactly at 2*period+1 bars.
	var adxVal float64
	if a.tr.n > a.cfg.Period {
		adxVal, _ = a.dx.step(dx)
	}

	v.Aux = map[string]float64{"pdi": pdi, "mdi": mdi, "dx": dx}
	if a.dx.valid() {
		v.IsValid = true
		v.Value = adxVal
	}
	a.last = v
	return v
}
