package calendar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCalendar(t *testing.T) *Calendar {
	t.Helper()
	cal, err := New(Options{
		Overrides: []DayOverride{
			{Date: "2024-01-01", Name: "New Year's Day", Holiday: true},
			{Date: "2024-03-29", Name: "Good Friday", Holiday: true},
			{Date: "2024-07-04", Name: "Independence Day", Holiday: true},
			{Date: "2024-07-03", Name: "Independence Day (half)", CloseClock: "13:00"},
		},
	})
	require.NoError(t, err)
	return cal
}

func nyDate(t *testing.T, y int, m time.Month, d int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func TestIsTradingDay(t *testing.T) {
	cal := testCalendar(t)

	assert.True(t, cal.IsTradingDay(nyDate(t, 2024, time.March, 11)))  // Monday
	assert.False(t, cal.IsTradingDay(nyDate(t, 2024, time.March, 9)))  // Saturday
	assert.False(t, cal.IsTradingDay(nyDate(t, 2024, time.March, 10))) // Sunday
	assert.False(t, cal.IsTradingDay(nyDate(t, 2024, time.July, 4)))   // holiday
	assert.True(t, cal.IsTradingDay(nyDate(t, 2024, time.July, 3)))    // early close still trades

	name, ok := cal.HolidayName(nyDate(t, 2024, time.July, 4))
	require.True(t, ok)
	assert.Equal(t, "Independence Day", name)
}

func TestSessionWindow(t *testing.T) {
	cal := testCalendar(t)

	open, close, ok := cal.SessionWindow(nyDate(t, 2024, time.March, 11))
	require.True(t, ok)
	assert.Equal(t, "09:30", open.Format("15:04"))
	assert.Equal(t, "16:00", close.Format("15:04"))
	assert.Equal(t, 390, cal.SessionMinutes(nyDate(t, 2024, time.March, 11)))

	// Early close shortens the session to 210 minutes.
	open, close, ok = cal.SessionWindow(nyDate(t, 2024, time.July, 3))
	require.True(t, ok)
	assert.Equal(t, "09:30", open.Format("15:04"))
	assert.Equal(t, "13:00", close.Format("15:04"))
	assert.Equal(t, 210, cal.SessionMinutes(nyDate(t, 2024, time.July, 3)))

	_, _, ok = cal.SessionWindow(nyDate(t, 2024, time.July, 4))
	assert.False(t, ok)
	assert.Equal(t, 0, cal.SessionMinutes(nyDate(t, 2024, time.July, 4)))
}

func TestNextPrevTradingDay(t *testing.T) {
	cal := testCalendar(t)

	// Friday -> Monday across a weekend.
	next := cal.NextTradingDay(nyDate(t, 2024, time.June, 28), 1)
	assert.Equal(t, "2024-07-01", next.Format("2006-01-02"))

	// July 3 -> July 5, skipping the July 4 holiday.
	next = cal.NextTradingDay(nyDate(t, 2024, time.July, 3), 1)
	assert.Equal(t, "2024-07-05", next.Format("2006-01-02"))

	// Two trading days from July 2: July 3 then July 5.
	next = cal.NextTradingDay(nyDate(t, 2024, time.July, 2), 2)
	assert.Equal(t, "2024-07-05", next.Format("2006-01-02"))

	prev := cal.PrevTradingDay(nyDate(t, 2024, time.July, 5), 1)
	assert.Equal(t, "2024-07-03", prev.Format("2006-01-02"))

	prev = cal.PrevTradingDay(nyDate(t, 2024, time.March, 11), 1)
	assert.Equal(t, "2024-03-08", prev.Format("2006-01-02"))
}

func TestTradingDays(t *testing.T) {
	cal := testCalendar(t)

	// July 1-7 2024: Mon, Tue, Wed(half), Fri. Thu is a holiday.
	days := cal.TradingDays(nyDate(t, 2024, time.July, 1), nyDate(t, 2024, time.July, 7))
	require.Len(t, days, 4)
	assert.Equal(t, "2024-07-01", days[0].Format("2006-01-02"))
	assert.Equal(t, "2024-07-05", days[3].Format("2006-01-02"))
}

func TestLastTradingDayOfWeek(t *testing.T) {
	cal := testCalendar(t)

	assert.True(t, cal.IsLastTradingDayOfWeek(nyDate(t, 2024, time.March, 15)))  // Friday
	assert.False(t, cal.IsLastTradingDayOfWeek(nyDate(t, 2024, time.March, 14))) // Thursday

	// Good Friday week: Thursday March 28 closes the week.
	assert.True(t, cal.IsLastTradingDayOfWeek(nyDate(t, 2024, time.March, 28)))
	assert.False(t, cal.IsLastTradingDayOfWeek(nyDate(t, 2024, time.March, 29)))
}

func TestWeekStart(t *testing.T) {
	cal := testCalendar(t)

	monday := cal.WeekStart(nyDate(t, 2024, time.March, 14))
	assert.Equal(t, "2024-03-11", monday.Format("2006-01-02"))
	assert.Equal(t, monday, cal.WeekStart(monday))
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 570, m)

	m, err = ParseClock("16:00")
	require.NoError(t, err)
	assert.Equal(t, 960, m)

	for _, bad := range []string{"9", "25:00", "10:75", "ten:30", ""} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Timezone: "Mars/Olympus"})
	assert.Error(t, err)

	_, err = New(Options{OpenClock: "16:00", CloseClock: "09:30"})
	assert.Error(t, err)

	_, err = New(Options{Overrides: []DayOverride{{Date: "03/11/2024", Holiday: true}}})
	assert.Error(t, err)

	_, err = New(Options{Overrides: []DayOverride{{Date: "2024-07-03"}}})
	assert.Error(t, err)

	_, err = New(Options{Overrides: []DayOverride{{Date: "2024-07-03", CloseClock: "08:00"}}})
	assert.Error(t, err)
}

func TestLoadBootstrap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calendar.yaml")
	body := `timezone: America/New_York
open: "09:30"
close: "16:00"
holidays:
  - date: "2024-07-04"
    name: Independence Day
early_closes:
  - date: "2024-07-03"
    name: Independence Day (half)
    close: "13:00"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	file, err := LoadBootstrap(path)
	require.NoError(t, err)
	require.Len(t, file.Holidays, 1)
	assert.True(t, file.Holidays[0].Holiday)
	require.Len(t, file.EarlyCloses, 1)
	assert.False(t, file.EarlyCloses[0].Holiday)

	cal, err := New(file.Options())
	require.NoError(t, err)
	assert.False(t, cal.IsTradingDay(nyDate(t, 2024, time.July, 4)))
	assert.Equal(t, 210, cal.SessionMinutes(nyDate(t, 2024, time.July, 3)))

	_, err = LoadBootstrap(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("early_closes:\n  - date: \"2024-07-03\"\n"), 0o644))
	_, err = LoadBootstrap(bad)
	assert.Error(t, err)
}
