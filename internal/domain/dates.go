package domain

import (
	"fmt"
	"time"
)

// DateLayout is the canonical calendar-date key format.
const DateLayout = "2006-01-02"

// DateKey formats t as a calendar date in loc.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// ExchangeMidnight returns midnight of dateKey in the exchange location, expressed in UTC.
func ExchangeMidnight(dateKey string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, dateKey, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", dateKey, err)
	}
	return t.UTC(), nil
}

// ParseDateKey validates a YYYY-MM-DD key.
func ParseDateKey(dateKey string) (time.Time, error) {
	t, err := time.Parse(DateLayout, dateKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", dateKey, err)
	}
	return t, nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
