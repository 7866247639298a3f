package common

import "time"

// Market session window, exchange-local.
const (
	MarketOpenHour    = 9
	MarketOpenMinute  = 30
	MarketCloseHour   = 16
	MarketCloseMinute = 0
)

// MarketCalendar answers trading-day and market-hours questions for one
// exchange timezone.
type MarketCalendar struct {
	loc *time.Location
}

// NewMarketCalendar builds a calendar for the named exchange timezone.
// Falls back to UTC when the zone is unknown.
func NewMarketCalendar(timezone string) *MarketCalendar {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return &MarketCalendar{loc: loc}
}

// Location returns the exchange timezone.
func (c *MarketCalendar) Location() *time.Location { return c.loc }

// IsTradingDay reports whether t falls on a weekday that is not a market
// holiday, evaluated in the exchange timezone.
func (c *MarketCalendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.isHoliday(t)
}

// IsMarketHours reports whether t is inside the weekday 09:30–16:00 session
// in the exchange timezone. Holidays count as closed.
func (c *MarketCalendar) IsMarketHours(t time.Time) bool {
	t = t.In(c.loc)
	if !c.IsTradingDay(t) {
		return false
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), MarketOpenHour, MarketOpenMinute, 0, 0, c.loc)
	close := time.Date(t.Year(), t.Month(), t.Day(), MarketCloseHour, MarketCloseMinute, 0, 0, c.loc)
	return !t.Before(open) && t.Before(close)
}

// PreviousTradingDay returns the most recent trading day strictly before t,
// truncated to midnight exchange-local.
func (c *MarketCalendar) PreviousTradingDay(t time.Time) time.Time {
	t = t.In(c.loc)
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
	for {
		d = d.AddDate(0, 0, -1)
		if c.IsTradingDay(d) {
			return d
		}
	}
}

// RecentTradingDays returns the n most recent trading days ending at (and
// excluding) today, newest first.
func (c *MarketCalendar) RecentTradingDays(now time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	d := now
	for len(days) < n {
		d = c.PreviousTradingDay(d)
		days = append(days, d)
	}
	return days
}

// TargetDate returns the logical business date a daily job operates on:
// the previous trading day, so market-close prices are final.
func (c *MarketCalendar) TargetDate(now time.Time) time.Time {
	return c.PreviousTradingDay(now)
}

// isHoliday checks the fixed North American market holiday set.
func (c *MarketCalendar) isHoliday(t time.Time) bool {
	y, m, d := t.Date()

	// New Year's Day (observed Monday when on Sunday)
	if m == time.January && (d == 1 || (d == 2 && t.Weekday() == time.Monday)) {
		return true
	}
	// Martin Luther King Jr. Day: third Monday of January
	if m == time.January && t.Weekday() == time.Monday && d >= 15 && d <= 21 {
		return true
	}
	// Presidents' Day: third Monday of February
	if m == time.February && t.Weekday() == time.Monday && d >= 15 && d <= 21 {
		return true
	}
	// Good Friday
	if gf := goodFriday(y); m == gf.Month() && d == gf.Day() {
		return true
	}
	// Memorial Day: last Monday of May
	if m == time.May && t.Weekday() == time.Monday && d >= 25 {
		return true
	}
	// Juneteenth (observed)
	if m == time.June && observedDay(y, time.June, 19) == d && d >= 18 && d <= 20 {
		return true
	}
	// Independence Day (observed)
	if m == time.July && observedDay(y, time.July, 4) == d && d >= 3 && d <= 5 {
		return true
	}
	// Labor Day: first Monday of September
	if m == time.September && t.Weekday() == time.Monday && d <= 7 {
		return true
	}
	// Thanksgiving: fourth Thursday of November
	if m == time.November && t.Weekday() == time.Thursday && d >= 22 && d <= 28 {
		return true
	}
	// Christmas (observed)
	if m == time.December && observedDay(y, time.December, 25) == d && d >= 24 && d <= 26 {
		return true
	}
	return false
}

// observedDay shifts a fixed-date holiday to the nearest weekday:
// Saturday observes Friday, Sunday observes Monday.
func observedDay(year int, month time.Month, day int) int {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	switch t.Weekday() {
	case time.Saturday:
		return day - 1
	case time.Sunday:
		return day + 1
	}
	return day
}

// goodFriday computes Good Friday via the Gregorian Easter algorithm.
func goodFriday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1
	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return easter.AddDate(0, 0, -2)
}
