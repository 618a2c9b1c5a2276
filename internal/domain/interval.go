package domain

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"
)

// IntervalUnit is the time unit of an interval tag.
type IntervalUnit byte

const (
	UnitSecond IntervalUnit = 's'
	UnitMinute IntervalUnit = 'm'
	UnitDay    IntervalUnit = 'd'
	UnitWeek   IntervalUnit = 'w'
)

// unitRank orders units from finest to coarsest.
func unitRank(u IntervalUnit) int {
	switch u {
	case UnitSecond:
		return 0
	case UnitMinute:
		return 1
	case UnitDay:
		return 2
	case UnitWeek:
		return 3
	}
	return -1
}

// Interval is a bar granularity tag such as 5m, 1d or 2w. The zero
// value is invalid; build one via ParseInterval or the Base* constants.
type Interval struct {
	N    int
	Unit IntervalUnit
}

// The four base intervals from which everything else derives.
var (
	Base1s = Interval{N: 1, Unit: UnitSecond}
	Base1m = Interval{N: 1, Unit: UnitMinute}
	Base1d = Interval{N: 1, Unit: UnitDay}
	Base1w = Interval{N: 1, Unit: UnitWeek}
)

// ParseInterval parses a tag of the form <N><unit> with unit one of
// s, m, d, w. Hourly tags are rejected outright: callers express
// hours as minute multiples (1h == 60m).
func ParseInterval(tag string) (Interval, error) {
	if len(tag) < 2 {
		return Interval{}, fmt.Errorf("invalid interval %q: want <N><unit>", tag)
	}
	unit := tag[len(tag)-1]
	n, err := strconv.Atoi(tag[:len(tag)-1])
	if err != nil {
		return Interval{}, fmt.Errorf("invalid interval %q: %w", tag, err)
	}
	if n <= 0 {
		return Interval{}, fmt.Errorf("invalid interval %q: count must be positive", tag)
	}
	switch IntervalUnit(unit) {
	case UnitSecond, UnitMinute, UnitDay, UnitWeek:
		return Interval{N: n, Unit: IntervalUnit(unit)}, nil
	case 'h':
		return Interval{}, fmt.Errorf("hourly interval %q not supported: use %dm", tag, n*60)
	default:
		return Interval{}, fmt.Errorf("invalid interval %q: unknown unit %q", tag, string(unit))
	}
}

// MustInterval is ParseInterval for compile-time constant tags.
func MustInterval(tag string) Interval {
	iv, err := ParseInterval(tag)
	if err != nil {
		panic(err)
	}
	return iv
}

func (i Interval) String() string {
	return strconv.Itoa(i.N) + string(i.Unit)
}

// IsZero reports whether i is the invalid zero value.
func (i Interval) IsZero() bool {
	return i.N == 0
}

// IsBase reports whether i is one of the four base intervals.
func (i Interval) IsBase() bool {
	return i.N == 1 && unitRank(i.Unit) >= 0
}

// Base returns the base interval of i's unit (5m -> 1m, 3d -> 1d).
func (i Interval) Base() Interval {
	return Interval{N: 1, Unit: i.Unit}
}

// IsIntraday reports whether i is second- or minute-denominated.
// Only intraday intervals have a fixed wall-clock duration.
func (i Interval) IsIntraday() bool {
	return i.Unit == UnitSecond || i.Unit == UnitMinute
}

// Duration returns the wall-clock span of an intraday interval.
// Day and week intervals have no fixed duration (holidays, early
// closes) and yield zero.
func (i Interval) Duration() time.Duration {
	switch i.Unit {
	case UnitSecond:
		return time.Duration(i.N) * time.Second
	case UnitMinute:
		return time.Duration(i.N) * time.Minute
	}
	return 0
}

// Finer reports whether i is strictly finer than other: a lower unit
// rank, or the same unit with a smaller count.
func (i Interval) Finer(other Interval) bool {
	ri, ro := unitRank(i.Unit), unitRank(other.Unit)
	if ri != ro {
		return ri < ro
	}
	return i.N < other.N
}

// DerivationChain returns the ordered list of intermediate intervals
// (excluding base, including target) the processor must maintain to
// build target out of base bars. Allowed steps are same-unit integer
// multiples of the unit's base, 1m to 1d (session aggregation), and
// 1d to 1w. The empty chain means target == base.
func DerivationChain(base, target Interval) ([]Interval, error) {
	if !base.IsBase() {
		return nil, fmt.Errorf("interval %s is not a base interval", base)
	}
	if target == base {
		return nil, nil
	}
	if target.Unit == base.Unit {
		// N>1 of the same unit aggregates directly from the base.
		return []Interval{target}, nil
	}
	switch {
	case base.Unit == UnitMinute && target.Unit == UnitDay:
		if target.N == 1 {
			return []Interval{Base1d}, nil
		}
		return []Interval{Base1d, target}, nil
	case base.Unit == UnitMinute && target.Unit == UnitWeek:
		chain := []Interval{Base1d, Base1w}
		if target.N > 1 {
			chain = append(chain, target)
		}
		return chain, nil
	case base.Unit == UnitDay && target.Unit == UnitWeek:
		if target.N == 1 {
			return []Interval{Base1w}, nil
		}
		return []Interval{Base1w, target}, nil
	}
	return nil, fmt.Errorf("interval %s cannot derive from base %s", target, base)
}

// DerivableFrom reports whether target can be built (directly or
// through intermediates) from the given base interval.
func (i Interval) DerivableFrom(base Interval) bool {
	_, err := DerivationChain(base, i)
	return err == nil
}

// RequiredBase picks the finest base interval among the streams'
// declared bases and verifies every stream derives from it. Streams
// that force incompatible bases (30s alongside 5m) are a
// configuration error.
func RequiredBase(streams []Interval) (Interval, error) {
	if len(streams) == 0 {
		return Interval{}, fmt.Errorf("no streams configured")
	}
	base := streams[0].Base()
	for _, s := range streams[1:] {
		if b := s.Base(); b.Finer(base) {
			base = b
		}
	}
	for _, s := range streams {
		if s == base {
			continue
		}
		if !s.DerivableFrom(base) {
			return Interval{}, fmt.Errorf("stream %s not derivable from base %s", s, base)
		}
	}
	return base, nil
}

// DirectSource returns the interval whose bars feed i in a derivation
// chain rooted at base: the last intermediate before i, or base itself.
func (i Interval) DirectSource(base Interval) (Interval, error) {
	chain, err := DerivationChain(base, i)
	if err != nil {
		return Interval{}, err
	}
	if len(chain) == 0 {
		return Interval{}, fmt.Errorf("interval %s is the base itself", i)
	}
	if len(chain) == 1 {
		return base, nil
	}
	return chain[len(chain)-2], nil
}

// WindowStart aligns an intraday timestamp down to the start of the
// i-window containing it. Alignment is epoch-based, matching how the
// bars themselves are stamped.
func (i Interval) WindowStart(ts time.Time) time.Time {
	secs := int64(i.Duration() / time.Second)
	if secs <= 0 {
		return ts
	}
	aligned := (ts.Unix() / secs) * secs
	return time.Unix(aligned, 0).UTC()
}

// ClosesWindow reports whether a source bar stamped srcTS is the last
// tick of an i-window, i.e. the window [WindowStart, WindowStart+i)
// is complete once that source bar lands. Intraday only.
func (i Interval) ClosesWindow(srcTS time.Time, src Interval) bool {
	d := i.Duration()
	if d <= 0 {
		return false
	}
	end := srcTS.Add(src.Duration())
	return end.Unix()%int64(d/time.Second) == 0
}

// Value implements driver.Valuer so intervals persist as their tag.
func (i Interval) Value() (driver.Value, error) {
	return i.String(), nil
}

// Scan implements sql.Scanner for the tag representation.
func (i *Interval) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseInterval(v)
		if err != nil {
			return err
		}
		*i = parsed
		return nil
	case []byte:
		parsed, err := ParseInterval(string(v))
		if err != nil {
			return err
		}
		*i = parsed
		return nil
	}
	return fmt.Errorf("cannot scan %T into Interval", src)
}

// MarshalText lets intervals serve as YAML/JSON scalar values.
func (i Interval) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText parses the tag form, rejecting what ParseInterval rejects.
func (i *Interval) UnmarshalText(text []byte) error {
	parsed, err := ParseInterval(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
