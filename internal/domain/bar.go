package domain

import (
	"fmt"
	"time"
)

// Bar is one OHLCV record. Timestamp marks the start of the window the
// bar covers and is stored in UTC.
type Bar struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Interval  Interval  `json:"interval" db:"interval"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
}

// Validate checks the OHLCV price relations. A bar that fails here is
// rejected at the store boundary and never reaches consumers.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar missing symbol")
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar %s missing timestamp", b.Symbol)
	}
	if b.Low > b.High {
		return fmt.Errorf("bar %s@%s: low %.8f above high %.8f",
			b.Symbol, b.Timestamp.Format(time.RFC3339), b.Low, b.High)
	}
	if b.Open < b.Low || b.Open > b.High {
		return fmt.Errorf("bar %s@%s: open %.8f outside [low, high]",
			b.Symbol, b.Timestamp.Format(time.RFC3339), b.Open)
	}
	if b.Close < b.Low || b.Close > b.High {
		return fmt.Errorf("bar %s@%s: close %.8f outside [low, high]",
			b.Symbol, b.Timestamp.Format(time.RFC3339), b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s: negative volume %.4f",
			b.Symbol, b.Timestamp.Format(time.RFC3339), b.Volume)
	}
	return nil
}

// WindowEnd is the first instant after the bar's window. Only intraday
// bars have a computable end; day and week bars return the zero time.
func (b Bar) WindowEnd() time.Time {
	d := b.Interval.Duration()
	if d <= 0 {
		return time.Time{}
	}
	return b.Timestamp.Add(d)
}

// Aggregate folds src bars (ordered by timestamp) into a single bar of
// the target interval stamped at windowStart. At least one source bar
// is required.
func Aggregate(target Interval, windowStart time.Time, src []Bar) (Bar, error) {
	if len(src) == 0 {
		return Bar{}, fmt.Errorf("aggregate %s: no source bars", target)
	}
	out := Bar{
		Symbol:    src[0].Symbol,
		Interval:  target,
		Timestamp: windowStart,
		Open:      src[0].Open,
		High:      src[0].High,
		Low:       src[0].Low,
		Close:     src[len(src)-1].Close,
	}
	for _, b := range src {
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
		out.Volume += b.Volume
	}
	return out, nil
}
