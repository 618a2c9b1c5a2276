package domain

import (
	"fmt"
	"time"
)

// GapSpan is a half-open [From, To) range of missing bars on one
// (symbol, interval) series.
type GapSpan struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Bars is the number of interval slots the span covers. Zero for
// non-intraday intervals, whose slot count depends on the calendar.
func (g GapSpan) Bars(iv Interval) int {
	d := iv.Duration()
	if d <= 0 || !g.To.After(g.From) {
		return 0
	}
	return int(g.To.Sub(g.From) / d)
}

func (g GapSpan) String() string {
	return fmt.Sprintf("[%s, %s)", g.From.Format(time.RFC3339), g.To.Format(time.RFC3339))
}

// DetectGaps scans bars (assumed ordered, deduplicated) for interior
// holes larger than one interval step. Intraday intervals only.
func DetectGaps(bars []Bar, iv Interval) []GapSpan {
	d := iv.Duration()
	if d <= 0 || len(bars) < 2 {
		return nil
	}
	var spans []GapSpan
	for i := 1; i < len(bars); i++ {
		prevEnd := bars[i-1].Timestamp.Add(d)
		if bars[i].Timestamp.After(prevEnd) {
			spans = append(spans, GapSpan{From: prevEnd, To: bars[i].Timestamp})
		}
	}
	return spans
}
