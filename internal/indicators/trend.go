package indicators

import (
	"math"

	"github.com/sessrun/sessrun/internal/domain"
)

// sma is a simple moving average over closes.
type sma struct {
	cfg  Config
	buf  []float64
	sum  float64
	idx  int
	n    int
	last Value
}

func newSMA(cfg Config) (Indicator, error) {
	return &sma{cfg: cfg, buf: make([]float64, cfg.Period)}, nil
}

func (s *sma) Config() Config  { return s.cfg }
func (s *sma) Snapshot() Value { return s.last }

func (s *sma) Reset() {
	*s = sma{cfg: s.cfg, buf: make([]float64, s.cfg.Period)}
}

func (s *sma) Update(bar domain.Bar) Value {
	c := bar.Close
	if s.n < len(s.buf) {
		s.buf[s.idx] = c
		s.sum += c
		s.n++
	} else {
		s.sum += c - s.buf[s.idx]
		s.buf[s.idx] = c
	}
	s.idx = (s.idx + 1) % len(s.buf)

	v := Value{Config: s.cfg, UpdatedAt: bar.Timestamp}
	if s.n >= len(s.buf) {
		v.IsValid = true
		v.Value = s.sum / float64(len(s.buf))
	}
	s.last = v
	return v
}

// ema is an exponential moving average, SMA-seeded.
type ema struct {
	cfg  Config
	core emaCore
	last Value
}

func newEMA(cfg Config) (Indicator, error) {
	return &ema{cfg: cfg, core: newEMACore(cfg.Period)}, nil
}

func (e *ema) Config() Config  { return e.cfg }
func (e *ema) Snapshot() Value { return e.last }

func (e *ema) Reset() {
	e.core = newEMACore(e.cfg.Period)
	e.last = Value{}
}

func (e *ema) Update(bar domain.Bar) Value {
	val, seeded := e.core.step(bar.Close)
	v := Value{Config: e.cfg, UpdatedAt: bar.Timestamp}
	if seeded || e.core.valid() {
		v.IsValid = true
		v.Value = val
	}
	e.last = v
	return v
}

// macd tracks fast and slow EMAs of close plus a signal EMA over the
// MACD line. The published value is the MACD line; signal and
// histogram ride along in Aux.
type macd struct {
	cfg    Config
	fast   emaCore
	slow   emaCore
	signal emaCore
	last   Value
}

func newMACD(cfg Config) (Indicator, error) {
	fast, slow, signal := macdPeriods(cfg)
	return &macd{
		cfg:    cfg,
		fast:   newEMACore(fast),
		slow:   newEMACore(slow),
		signal: newEMACore(signal),
	}, nil
}

func (m *macd) Config() Config  { return m.cfg }
func (m *macd) Snapshot() Value { return m.last }

func (m *macd) Reset() {
	fast, slow, signal := macdPeriods(m.cfg)
	m.fast = newEMACore(fast)
	m.slow = newEMACore(slow)
	m.signal = newEMACore(signal)
	m.last = Value{}
}

func (m *macd) Update(bar domain.Bar) Value {
	fastVal, _ := m.fast.step(bar.Close)
	slowVal, slowOK := m.slow.step(bar.Close)

	v := Value{Config: m.cfg, UpdatedAt: bar.Timestamp}
	if slowOK || m.slow.valid() {
		line := fastVal - slowVal
		sig, _ := m.signal.step(line)
		v.IsValid = true
		v.Value = line
		v.Aux = map[string]float64{
			"macd":      line,
			"signal":    sig,
			"histogram": line - sig,
		}
	}
	m.last = v
	return v
}

// bollinger keeps rolling mean and population stddev of closes.
type bollinger struct {
	cfg   Config
	buf   []float64
	sum   float64
	sumSq float64
	idx   int
	n     int
	last  Value
}

func newBollinger(cfg Config) (Indicator, error) {
	return &bollinger{cfg: cfg, buf: make([]float64, cfg.Period)}, nil
}

func (b *bollinger) Config() Config  { return b.cfg }
func (b *bollinger) Snapshot() Value { return b.last }

func (b *bollinger) Reset() {
	*b = bollinger{cfg: b.cfg, buf: make([]float64, b.cfg.Period)}
}

func (b *bollinger) Update(bar domain.Bar) Value {
	c := bar.Close
	if b.n < len(b.buf) {
		b.buf[b.idx] = c
		b.sum += c
		b.sumSq += c * c
		b.n++
	} else {
		old := b.buf[b.idx]
		b.sum += c - old
		b.sumSq += c*c - old*old
		b.buf[b.idx] = c
	}
	b.idx = (b.idx + 1) % len(b.buf)

	v := Value{Config: b.cfg, UpdatedAt: bar.Timestamp}
	if b.n >= len(b.buf) {
		p := float64(len(b.buf))
		mean := b.sum / p
		variance := b.sumSq/p - mean*mean
		if variance < 0 {
			variance = 0
		}
		band := b.cfg.param("stddev", 2) * math.Sqrt(variance)
		v.IsValid = true
		v.Value = mean
		v.Aux = map[string]float64{
			"middle": mean,
			"upper":  mean + band,
			"lower":  mean - band,
		}
	}
	b.last = v
	return v
}

// highLow tracks the rolling session range: highest high and lowest
// low over the window. The published value is the spread.
type highLow struct {
	cfg   Config
	highs []float64
	lows  []float64
	idx   int
	n     int
	last  Value
}

func newHighLow(cfg Config) (Indicator, error) {
	return &highLow{
		cfg:   cfg,
		highs: make([]float64, cfg.Period),
		lows:  make([]float64, cfg.Period),
	}, nil
}

func (h *highLow) Config() Config  { return h.cfg }
func (h *highLow) Snapshot() Value { return h.last }

func (h *highLow) Reset() {
	*h = highLow{
		cfg:   h.cfg,
		highs: make([]float64, h.cfg.Period),
		lows:  make([]float64, h.cfg.Period),
	}
}

func (h *highLow) Update(bar domain.Bar) Value {
	h.highs[h.idx] = bar.High
	h.lows[h.idx] = bar.Low
	h.idx = (h.idx + 1) % len(h.highs)
	if h.n < len(h.highs) {
		h.n++
	}

	v := Value{Config: h.cfg, UpdatedAt: bar.Timestamp}
	if h.n >= len(h.highs) {
		hi, lo := h.highs[0], h.lows[0]
		for i := 1; i < len(h.highs); i++ {
			if h.highs[i] > hi {
				hi = h.highs[i]
			}
			if h.lows[i] < lo {
				lo = h.lows[i]
			}
		}
		v.IsValid = true
		v.Value = hi - lo
		v.Aux = map[string]float64{"high": hi, "low": lo}
	}
	h.last = v
	return v
}
