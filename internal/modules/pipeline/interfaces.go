package pipeline

import (
	"context"
	"time"

	"github.com/aristath/earnings/internal/domain"
	"github.com/aristath/earnings/internal/modules/publish"
)

// Locker is the lock manager contract used by the orchestrator.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) bool
	Release(ctx context.Context, name string)
}

// StateMachine is the daily state contract used by the orchestrator.
type StateMachine interface {
	IsResetCompleted(ctx context.Context, date string) bool
	SetState(ctx context.Context, date string, next domain.DayState) error
	RecordAttempt(ctx context.Context, date string, count int, softEmpty bool) error
	PurgeBefore(ctx context.Context, date string) (int64, error)
}

// Repository is the persistence contract used by the orchestrator.
type Repository interface {
	UpsertEarnings(ctx context.Context, rec domain.EarningsRecord) error
	UpsertMarketSnapshot(ctx context.Context, snap domain.MarketSnapshot) error
	UpsertGuidance(ctx context.Context, g domain.GuidanceRecord) error
	ListByDate(ctx context.Context, dateKey string) ([]domain.EarningsRow, error)
	PurgeOutsideWindow(ctx context.Context, from, to string) (int64, error)
}

// Publisher promotes day snapshots.
type Publisher interface {
	Publish(ctx context.Context, snap publish.Snapshot) (uint64, error)
}

// NegativeCache holds short-lived upstream failure markers.
type NegativeCache interface {
	GetNegative(ctx context.Context, baseKey string) (*publish.Marker, error)
	SetNegative(ctx context.Context, baseKey string, marker publish.Marker, ttl time.Duration) error
	ClearNamespace(ctx context.Context, pattern string) (int, error)
}

// Archiver stores a copy of each published snapshot outside the service.
type Archiver interface {
	Archive(ctx context.Context, snap publish.Snapshot, version uint64) error
}

// Clock supplies exchange-local time.
type Clock interface {
	Now() time.Time
	Today() string
	Location() *time.Location
}
