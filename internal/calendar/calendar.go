// Package calendar answers every "what hours does the market keep?"
// question in the runtime. No other package is allowed to hard-code
// open/close times or holiday lists.
package calendar

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// walkCap bounds calendar walks so a misloaded table (every day a
// holiday) cannot spin forever.
const walkCap = 3660

// DayOverride is one persisted calendar exception: either a full
// holiday or an early close at the given minute of day.
type DayOverride struct {
	Date       string `db:"day" yaml:"date"`
	Name       string `db:"name" yaml:"name"`
	Holiday    bool   `db:"holiday" yaml:"holiday"`
	CloseClock string `db:"close_clock" yaml:"close"`
}

// Options configures a Calendar. Zero fields fall back to US equity
// defaults (09:30-16:00 America/New_York, Saturday/Sunday closed).
type Options struct {
	Timezone   string
	OpenClock  string
	CloseClock string
	Overrides  []DayOverride
}

// Calendar resolves trading days and session hours. It is immutable
// after construction and safe for concurrent use.
type Calendar struct {
	loc         *time.Location
	openMinute  int
	closeMinute int
	holidays    map[string]string
	earlyCloses map[string]int
}

// New builds a Calendar from the given options.
func New(opts Options) (*Calendar, error) {
	tz := opts.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}

	openClock := opts.OpenClock
	if openClock == "" {
		openClock = "09:30"
	}
	closeClock := opts.CloseClock
	if closeClock == "" {
		closeClock = "16:00"
	}
	openMin, err := ParseClock(openClock)
	if err != nil {
		return nil, fmt.Errorf("invalid open clock: %w", err)
	}
	closeMin, err := ParseClock(closeClock)
	if err != nil {
		return nil, fmt.Errorf("invalid close clock: %w", err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("close %s not after open %s", closeClock, openClock)
	}

	c := &Calendar{
		loc:         loc,
		openMinute:  openMin,
		closeMinute: closeMin,
		holidays:    make(map[string]string),
		earlyCloses: make(map[string]int),
	}
	for _, ov := range opts.Overrides {
		if _, err := time.ParseInLocation(dateLayout, ov.Date, loc); err != nil {
			return nil, fmt.Errorf("invalid override date %q: %w", ov.Date, err)
		}
		if ov.Holiday {
			c.holidays[ov.Date] = ov.Name
			continue
		}
		if ov.CloseClock == "" {
			return nil, fmt.Errorf("override %s is neither holiday nor early close", ov.Date)
		}
		m, err := ParseClock(ov.CloseClock)
		if err != nil {
			return nil, fmt.Errorf("invalid early close for %s: %w", ov.Date, err)
		}
		if m <= openMin {
			return nil, fmt.Errorf("early close %s for %s not after open", ov.CloseClock, ov.Date)
		}
		c.earlyCloses[ov.Date] = m
	}
	return c, nil
}

// ParseClock converts "HH:MM" to minutes since midnight.
func ParseClock(clock string) (int, error) {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", clock)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", clock, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", clock, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q: out of range", clock)
	}
	return h*60 + m, nil
}

// Location is the exchange timezone the calendar operates in.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) dateKey(t time.Time) string {
	return t.In(c.loc).Format(dateLayout)
}

// midnight returns t's date at 00:00 in the exchange timezone.
func (c *Calendar) midnight(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
}

// IsTradingDay reports whether the market opens on t's date.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	lt := t.In(c.loc)
	if wd := lt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := c.holidays[c.dateKey(t)]
	return !holiday
}

// HolidayName returns the holiday label for t's date, if any.
func (c *Calendar) HolidayName(t time.Time) (string, bool) {
	name, ok := c.holidays[c.dateKey(t)]
	return name, ok
}

// RegularOpen is the scheduled open on t's date, regardless of whether
// the date is a trading day.
func (c *Calendar) RegularOpen(t time.Time) time.Time {
	return c.midnight(t).Add(time.Duration(c.openMinute) * time.Minute)
}

// RegularClose is the scheduled full-day close on t's date.
func (c *Calendar) RegularClose(t time.Time) time.Time {
	return c.midnight(t).Add(time.Duration(c.closeMinute) * time.Minute)
}

// EarlyClose returns the shortened close for t's date when one is on
// record.
func (c *Calendar) EarlyClose(t time.Time) (time.Time, bool) {
	m, ok := c.earlyCloses[c.dateKey(t)]
	if !ok {
		return time.Time{}, false
	}
	return c.midnight(t).Add(time.Duration(m) * time.Minute), true
}

// SessionClose is the effective close on t's date: the early close
// when one exists, the regular close otherwise.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	if early, ok := c.EarlyClose(t); ok {
		return early
	}
	return c.RegularClose(t)
}

// SessionWindow returns the effective [open, close) for t's date, with
// ok=false on non-trading days.
func (c *Calendar) SessionWindow(t time.Time) (open, close time.Time, ok bool) {
	if !c.IsTradingDay(t) {
		return time.Time{}, time.Time{}, false
	}
	return c.RegularOpen(t), c.SessionClose(t), true
}

// SessionMinutes is the length of t's trading session in minutes, zero
// on non-trading days.
func (c *Calendar) SessionMinutes(t time.Time) int {
	open, close, ok := c.SessionWindow(t)
	if !ok {
		return 0
	}
	return int(close.Sub(open) / time.Minute)
}

// NextTradingDay advances n trading days from t's date (n >= 1) and
// returns that date's midnight. A pathological calendar that never
// yields enough trading days returns the zero time.
func (c *Calendar) NextTradingDay(t time.Time, n int) time.Time {
	if n < 1 {
		n = 1
	}
	day := c.midnight(t)
	for i := 0; i < walkCap; i++ {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			n--
			if n == 0 {
				return day
			}
		}
	}
	return time.Time{}
}

// PrevTradingDay walks n trading days backwards from t's date.
func (c *Calendar) PrevTradingDay(t time.Time, n int) time.Time {
	if n < 1 {
		n = 1
	}
	day := c.midnight(t)
	for i := 0; i < walkCap; i++ {
		day = day.AddDate(0, 0, -1)
		if c.IsTradingDay(day) {
			n--
			if n == 0 {
				return day
			}
		}
	}
	return time.Time{}
}

// TradingDays lists the trading-day midnights in [from, to] inclusive,
// in ascending order.
func (c *Calendar) TradingDays(from, to time.Time) []time.Time {
	start := c.midnight(from)
	end := c.midnight(to)
	var days []time.Time
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if c.IsTradingDay(day) {
			days = append(days, day)
		}
		if len(days) > walkCap {
			break
		}
	}
	return days
}

// IsLastTradingDayOfWeek reports whether no further trading day falls
// in t's ISO week. Weekly bars close on these days.
func (c *Calendar) IsLastTradingDayOfWeek(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	year, week := t.In(c.loc).ISOWeek()
	next := c.NextTradingDay(t, 1)
	if next.IsZero() {
		return true
	}
	ny, nw := next.ISOWeek()
	return ny != year || nw != week
}

// WeekStart is the Monday midnight of t's ISO week, used to stamp
// weekly bars.
func (c *Calendar) WeekStart(t time.Time) time.Time {
	day := c.midnight(t)
	for day.Weekday() != time.Monday {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// Overrides returns the loaded exceptions sorted by date, for status
// reporting.
func (c *Calendar) Overrides() []DayOverride {
	out := make([]DayOverride, 0, len(c.holidays)+len(c.earlyCloses))
	for day, name := range c.holidays {
		out = append(out, DayOverride{Date: day, Name: name, Holiday: true})
	}
	for day, m := range c.earlyCloses {
		out = append(out, DayOverride{
			Date:       day,
			CloseClock: fmt.Sprintf("%02d:%02d", m/60, m%60),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
