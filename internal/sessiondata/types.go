package sessiondata

import (
	"time"

	"github.com/sessrun/sessrun/internal/domain"
	"github.com/sessrun/sessrun/internal/indicators"
)

// Source records who asked for a symbol.
type Source string

const (
	SourceConfig   Source = "config"
	SourceScanner  Source = "scanner"
	SourceStrategy Source = "strategy"
)

// SymbolMeta is the provenance block carried by every symbol entry.
type SymbolMeta struct {
	AddedBy           Source    `json:"added_by"`
	AddedAt           time.Time `json:"added_at"`
	AutoProvisioned   bool      `json:"auto_provisioned"`
	MeetsSessionReqs  bool      `json:"meets_session_config_requirements"`
	UpgradedFromAdhoc bool      `json:"upgraded_from_adhoc"`
}

// SessionMetrics accumulates over the base-interval bars of the
// current session date.
type SessionMetrics struct {
	CumulativeVolume float64 `json:"cumulative_volume"`
	SessionHigh      float64 `json:"session_high"`
	SessionLow       float64 `json:"session_low"`
	BarCount         int     `json:"bar_count"`
}

func (m *SessionMetrics) observe(bar domain.Bar) {
	if m.BarCount == 0 {
		m.SessionHigh = bar.High
		m.SessionLow = bar.Low
	} else {
		if bar.High > m.SessionHigh {
			m.SessionHigh = bar.High
		}
		if bar.Low < m.SessionLow {
			m.SessionLow = bar.Low
		}
	}
	m.CumulativeVolume += bar.Volume
	m.BarCount++
}

// IntervalSeries holds the bars of one (symbol, interval) plus its
// bookkeeping: quality, detected gaps, derivation link, and the dirty
// bit the processor consumes to drive notifications.
type IntervalSeries struct {
	Interval domain.Interval  `json:"interval"`
	Bars     []domain.Bar     `json:"bars"`
	Quality  *float64         `json:"quality,omitempty"`
	Gaps     []domain.GapSpan `json:"gaps,omitempty"`
	Derived  bool             `json:"derived"`
	BaseRef  domain.Interval  `json:"base_ref,omitempty"`
	Updated  bool             `json:"updated"`
}

func (s *IntervalSeries) latest() (domain.Bar, bool) {
	if len(s.Bars) == 0 {
		return domain.Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// SymbolData is everything the session knows about one symbol. The
// store hands out pointers for zero-copy reads; callers must treat
// them as read-only and must not retain them across session teardown.
type SymbolData struct {
	Symbol     string                              `json:"symbol"`
	Base       domain.Interval                     `json:"base"`
	Series     map[domain.Interval]*IntervalSeries `json:"series"`
	Indicators map[string]indicators.Value         `json:"indicators"`
	Quality    *float64                            `json:"quality,omitempty"`
	Metrics    SessionMetrics                      `json:"metrics"`
	Meta       SymbolMeta                          `json:"meta"`
}

// IsAdhoc reports whether the symbol carries only lightweight
// scanner-provisioned state.
func (d *SymbolData) IsAdhoc() bool {
	return !d.Meta.MeetsSessionReqs
}

// Stats is the store-level snapshot served by status surfaces.
type Stats struct {
	Symbols     int       `json:"symbols"`
	Active      bool      `json:"active"`
	SessionDate time.Time `json:"session_date"`
	TotalBars   int       `json:"total_bars"`
}

// SymbolStats is one symbol's row in status surfaces, copied out under
// the store lock so readers on other goroutines never alias live
// series.
type SymbolStats struct {
	Symbol          string         `json:"symbol"`
	Base            string         `json:"base"`
	AddedBy         Source         `json:"added_by"`
	FullSession     bool           `json:"full_session"`
	AutoProvisioned bool           `json:"auto_provisioned"`
	Quality         *float64       `json:"quality,omitempty"`
	Metrics         SessionMetrics `json:"metrics"`
	LastBarAt       time.Time      `json:"last_bar_at"`
	Indicators      int            `json:"indicators"`
	Gaps            int            `json:"gaps"`
}
