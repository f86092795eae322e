package pipeline

import (
	"fmt"
	"time"
)

// Kind identifies a scheduled or manual job type. Locks are taken per kind and date.
type Kind string

const (
	KindBootstrap    Kind = "bootstrap"
	KindIntradayFast Kind = "intraday-fast"
	KindIntradaySlow Kind = "intraday-slow"
	KindWeekend      Kind = "weekend"
	KindManual       Kind = "manual"
)

// AllKinds lists every job kind.
var AllKinds = []Kind{KindBootstrap, KindIntradayFast, KindIntradaySlow, KindWeekend, KindManual}

// ParseKind validates a job kind string.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// DefaultLockTTLs bound how long a crashed run can block its successors.
func DefaultLockTTLs() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindBootstrap:    2 * time.Hour,
		KindIntradayFast: 4 * time.Minute,
		KindIntradaySlow: 25 * time.Minute,
		KindWeekend:      2 * time.Hour,
		KindManual:       2 * time.Hour,
	}
}
