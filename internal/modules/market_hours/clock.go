// Package market_hours provides the exchange clock: calendar-date keys in the exchange
// timezone and the NYSE trading calendar.
package market_hours

import (
	"fmt"
	"sync"
	"time"

	"github.com/aristath/earnings/internal/domain"
)

// Clock resolves "today" and trading days in a fixed exchange timezone.
type Clock struct {
	loc *time.Location
	now func() time.Time

	mu       sync.Mutex
	holidays map[int]map[string]bool
}

// NewClock creates a clock for loc. A nil now uses time.Now.
func NewClock(loc *time.Location, now func() time.Time) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Clock{loc: loc, now: now, holidays: make(map[int]map[string]bool)}
}

// Location returns the exchange timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Now returns the current time in the exchange timezone.
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// Today returns today's date key in the exchange timezone.
func (c *Clock) Today() string {
	return c.DateKey(c.now())
}

// DateKey formats t as an exchange-local date key.
func (c *Clock) DateKey(t time.Time) string {
	return domain.DateKey(t, c.loc)
}

// ReportDate returns exchange midnight for dateKey, in UTC.
func (c *Clock) ReportDate(dateKey string) (time.Time, error) {
	return domain.ExchangeMidnight(dateKey, c.loc)
}

// IsWeekend reports whether t falls on a Saturday or Sunday in the exchange timezone.
func (c *Clock) IsWeekend(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsHoliday reports whether dateKey is a full-day NYSE closure.
func (c *Clock) IsHoliday(dateKey string) bool {
	d, err := domain.ParseDateKey(dateKey)
	if err != nil {
		return false
	}
	return c.holidaySet(d.Year())[dateKey]
}

// IsTradingDay reports whether dateKey is a weekday that is not a holiday.
func (c *Clock) IsTradingDay(dateKey string) bool {
	d, err := domain.ParseDateKey(dateKey)
	if err != nil {
		return false
	}
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.IsHoliday(dateKey)
}

// NextTradingDay returns the first trading day strictly after dateKey.
func (c *Clock) NextTradingDay(dateKey string) (string, error) {
	d, err := domain.ParseDateKey(dateKey)
	if err != nil {
		return "", err
	}
	for i := 1; i <= 10; i++ {
		candidate := d.AddDate(0, 0, i).Format(domain.DateLayout)
		if c.IsTradingDay(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no trading day within 10 days of %s", dateKey)
}

// Holidays returns the holiday date keys for year.
func (c *Clock) Holidays(year int) []string {
	days := NYSEHolidays(year)
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = d.Format(domain.DateLayout)
	}
	return out
}

func (c *Clock) holidaySet(year int) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.holidays[year]; ok {
		return set
	}
	set := make(map[string]bool)
	for _, key := range c.Holidays(year) {
		set[key] = true
	}
	c.holidays[year] = set
	return set
}
