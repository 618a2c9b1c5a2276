// Package indicators implements incremental technical indicators fed
// bar-by-bar during a session. Each instance owns whatever running
// state its formula needs; values carry a validity flag that flips on
// once the warm-up requirement is met.
package indicators

import (
	"fmt"
	"time"

	"github.com/sessrun/sessrun/internal/domain"
)

// Kind tags an indicator family for reporting and filtering.
type Kind string

const (
	KindTrend      Kind = "trend"
	KindMomentum   Kind = "momentum"
	KindVolatility Kind = "volatility"
	KindVolume     Kind = "volume"
)

// Config identifies one indicator instance: (name, period, interval).
type Config struct {
	Name     string             `json:"name" yaml:"name"`
	Period   int                `json:"period" yaml:"period"`
	Interval domain.Interval    `json:"interval" yaml:"interval"`
	Kind     Kind               `json:"kind" yaml:"-"`
	Params   map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
}

// Key is the registry identity "<name>_<period>_<interval>".
func (c Config) Key() string {
	return fmt.Sprintf("%s_%d_%s", c.Name, c.Period, c.Interval)
}

func (c Config) param(name string, fallback float64) float64 {
	if v, ok := c.Params[name]; ok {
		return v
	}
	return fallback
}

// Value is a published indicator snapshot. Aux carries secondary
// outputs (MACD signal line, Bollinger bands, directional indexes).
type Value struct {
	Value     float64            `json:"value"`
	Aux       map[string]float64 `json:"aux,omitempty"`
	IsValid   bool               `json:"is_valid"`
	UpdatedAt time.Time          `json:"updated_at"`
	Config    Config             `json:"config"`
}

// Indicator consumes bars of its configured interval in order. Reset
// clears all running state so the instance can be re-fed from history
// after a retroactive series change.
type Indicator interface {
	Update(bar domain.Bar) Value
	Snapshot() Value
	Config() Config
	Reset()
}

// Warmup bulk-feeds historical bars and returns the resulting
// snapshot. Validity flips on inside Update once the instance has
// seen its warm-up requirement.
func Warmup(ind Indicator, bars []domain.Bar) Value {
	for _, bar := range bars {
		ind.Update(bar)
	}
	return ind.Snapshot()
}

type builder func(Config) (Indicator, error)

// registry is the closed set of known indicators. New ones are added
// here and nowhere else.
var registry = map[string]struct {
	kind  Kind
	build builder
}{
	"sma":       {KindTrend, newSMA},
	"ema":       {KindTrend, newEMA},
	"macd":      {KindTrend, newMACD},
	"adx":       {KindTrend, newADX},
	"rsi":       {KindMomentum, newRSI},
	"bollinger": {KindVolatility, newBollinger},
	"atr":       {KindVolatility, newATR},
	"highlow":   {KindVolatility, newHighLow},
	"vwap":      {KindVolume, newVWAP},
}

// warmupOverrides lifts the warm-up floor for names whose formula
// needs more history than period+1 would suggest. Currently empty;
// kept as the single place such exceptions go.
var warmupOverrides = map[string]int{}

// NewConfig validates and normalizes an indicator request.
func NewConfig(name string, period int, iv domain.Interval, params map[string]float64) (Config, error) {
	entry, ok := registry[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown indicator %q", name)
	}
	if period <= 0 && name != "vwap" {
		return Config{}, fmt.Errorf("indicator %s: period must be positive, got %d", name, period)
	}
	if iv.IsZero() {
		return Config{}, fmt.Errorf("indicator %s: missing interval", name)
	}
	return Config{
		Name:     name,
		Period:   period,
		Interval: iv,
		Kind:     entry.kind,
		Params:   params,
	}, nil
}

// New instantiates the indicator the config names.
func New(cfg Config) (Indicator, error) {
	entry, ok := registry[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("unknown indicator %q", cfg.Name)
	}
	if cfg.Kind == "" {
		cfg.Kind = entry.kind
	}
	return entry.build(cfg)
}

// RequiredWarmup is the number of bars an indicator must see before
// its value turns valid.
func RequiredWarmup(cfg Config) (int, error) {
	if _, ok := registry[cfg.Name]; !ok {
		return 0, fmt.Errorf("unknown indicator %q", cfg.Name)
	}
	switch cfg.Name {
	case "rsi":
		warmup := cfg.Period + 1
		if floor, ok := warmupOverrides[cfg.Name]; ok && floor > warmup {
			warmup = floor
		}
		return warmup, nil
	case "macd":
		_, slow, _ := macdPeriods(cfg)
		return slow, nil
	case "atr":
		return cfg.Period + 1, nil
	case "adx":
		return cfg.Period*2 + 1, nil
	case "vwap":
		if cfg.Period > 1 {
			return cfg.Period, nil
		}
		return 1, nil
	default:
		return cfg.Period, nil
	}
}

// Names lists the registered indicator names, for config validation
// messages.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

func macdPeriods(cfg Config) (fast, slow, signal int) {
	slow = cfg.Period
	if slow <= 0 {
		slow = 26
	}
	fast = int(cfg.param("fast_period", 12))
	signal = int(cfg.param("signal_period", 9))
	if fast <= 0 {
		fast = 12
	}
	if signal <= 0 {
		signal = 9
	}
	if v := cfg.param("slow_period", 0); v > 0 {
		slow = int(v)
	}
	return fast, slow, signal
}

// emaCore is the shared exponential smoothing step: SMA-seeded over
// the first period values, then alpha = 2/(period+1).
type emaCore struct {
	period int
	alpha  float64
	n      int
	sum    float64
	value  float64
}

func newEMACore(period int) emaCore {
	return emaCore{period: period, alpha: 2.0 / (float64(period) + 1)}
}

// step folds in the next value, returning the running value and
// whether the seed is complete.
func (e *emaCore) step(v float64) (float64, bool) {
	e.n++
	if e.n <= e.period {
		e.sum += v
		e.value = e.sum / float64(e.n)
		return e.value, e.n == e.period
	}
	e.value = e.alpha*v + (1-e.alpha)*e.value
	return e.value, true
}

func (e *emaCore) valid() bool {
	return e.n >= e.period
}
