package pipeline

import (
	"context"
	"time"

	"github.com/aristath/earnings/internal/domain"
)

// Default soft-confirmation settings. The values are tuned empirically against provider
// backfill behaviour and are overridable through configuration.
var DefaultRetryDelays = []time.Duration{10 * time.Minute, 15 * time.Minute, 30 * time.Minute}

const (
	DefaultNoEarningsQuietPeriod = 2 * time.Hour
	DefaultNextDayCutoffHour     = 1
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy governs how an empty calendar answer is confirmed. Each delay is one extra
// fetch; once they are exhausted the day is marked soft-empty, never definitively empty.
type RetryPolicy struct {
	Delays            []time.Duration
	QuietPeriod       time.Duration
	NextDayCutoffHour int
}

// DefaultRetryPolicy returns 10/15/30 minute retries with a two hour quiet period and a
// 01:00 next-day cutoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays:            append([]time.Duration(nil), DefaultRetryDelays...),
		QuietPeriod:       DefaultNoEarningsQuietPeriod,
		NextDayCutoffHour: DefaultNextDayCutoffHour,
	}
}

// MaxAttempts is the total number of calendar fetches for one run.
func (p RetryPolicy) MaxAttempts() int {
	return len(p.Delays) + 1
}

// CanDeclareNoEarnings reports whether an empty tradingDate may be shown as having no
// earnings: the date is in the past, or it is past the cutoff hour on the following day,
// or the quiet period has elapsed since the last attempt.
func (p RetryPolicy) CanDeclareNoEarnings(now time.Time, tradingDate string, lastAttempt time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	if domain.DateKey(now, loc) > tradingDate {
		return true
	}

	day, err := domain.ParseDateKey(tradingDate)
	if err != nil {
		return false
	}
	cutoff := time.Date(day.Year(), day.Month(), day.Day()+1, p.NextDayCutoffHour, 0, 0, 0, loc)
	if !now.Before(cutoff) {
		return true
	}

	quiet := p.QuietPeriod
	if quiet <= 0 {
		quiet = DefaultNoEarningsQuietPeriod
	}
	return !lastAttempt.IsZero() && now.Sub(lastAttempt) >= quiet
}
