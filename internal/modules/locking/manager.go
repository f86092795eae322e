// Package locking provides TTL-based mutual exclusion for scheduled jobs, backed by a
// single SQLite table. Expiry is computed from the acquisition time; nothing sweeps it.
package locking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aristath/earnings/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Inspect when no row exists for the name.
var ErrNotFound = errors.New("lock not found")

// Takes the row only when it does not exist or its TTL has elapsed.
const acquireConflict = `ON CONFLICT(name) DO UPDATE SET
	owner = excluded.owner,
	acquired_at_ms = excluded.acquired_at_ms,
	ttl_ms = excluded.ttl_ms
WHERE job_locks.acquired_at_ms + job_locks.ttl_ms <= excluded.acquired_at_ms`

// Name builds the lock name for a job kind on a date, e.g. "bootstrap-2025-01-15".
func Name(kind, dateKey string) string {
	return kind + "-" + dateKey
}

// Manager acquires and releases named locks. Each acquisition gets a fresh owner token and
// Release only removes rows carrying a token this manager handed out.
type Manager struct {
	db     *sql.DB
	log    zerolog.Logger
	now    func() time.Time
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewManager creates a lock manager over the coordination database.
func NewManager(db *sql.DB, log zerolog.Logger) *Manager {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Manager{
		db:     db,
		log:    log.With().Str("component", "locks").Logger(),
		now:    time.Now,
		prefix: fmt.Sprintf("%s:%d", host, os.Getpid()),
		tokens: make(map[string]string),
	}
}

// Acquire tries to take name for ttl. It returns false when a live lock exists, including
// one held by this manager, and when the store cannot be reached.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) bool {
	if ttl <= 0 {
		m.log.Error().Str("lock", name).Dur("ttl", ttl).Msg("Refusing lock with non-positive TTL")
		return false
	}

	owner := m.prefix + ":" + uuid.NewString()
	query, args, err := sq.Insert("job_locks").
		Columns("name", "owner", "acquired_at_ms", "ttl_ms").
		Values(name, owner, m.now().UnixMilli(), ttl.Milliseconds()).
		Suffix(acquireConflict).
		ToSql()
	if err != nil {
		m.log.Error().Err(err).Str("lock", name).Msg("Failed to build lock query")
		return false
	}

	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		m.log.Warn().Err(err).Str("lock", name).Msg("Lock store unavailable, treating as locked")
		return false
	}
	n, err := res.RowsAffected()
	if err != nil || n != 1 {
		m.log.Debug().Str("lock", name).Msg("Lock busy")
		return false
	}

	m.mu.Lock()
	m.tokens[name] = owner
	m.mu.Unlock()

	m.log.Debug().Str("lock", name).Str("owner", owner).Dur("ttl", ttl).Msg("Lock acquired")
	return true
}

// Release drops name if this manager still holds it. A lock that expired and was taken by
// someone else is left alone.
func (m *Manager) Release(ctx context.Context, name string) {
	m.mu.Lock()
	owner, ok := m.tokens[name]
	delete(m.tokens, name)
	m.mu.Unlock()
	if !ok {
		return
	}

	query, args, err := sq.Delete("job_locks").
		Where(sq.Eq{"name": name, "owner": owner}).
		ToSql()
	if err != nil {
		m.log.Error().Err(err).Str("lock", name).Msg("Failed to build release query")
		return
	}
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		m.log.Warn().Err(err).Str("lock", name).Msg("Failed to release lock, it will expire")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		m.log.Warn().Str("lock", name).Msg("Lock was no longer ours at release")
		return
	}
	m.log.Debug().Str("lock", name).Msg("Lock released")
}

// Inspect returns the stored lock row for name, live or expired.
func (m *Manager) Inspect(ctx context.Context, name string) (*domain.Lock, error) {
	query, args, err := sq.Select("name", "owner", "acquired_at_ms", "ttl_ms").
		From("job_locks").
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var (
		lock        domain.Lock
		acquired, t int64
	)
	err = m.db.QueryRowContext(ctx, query, args...).Scan(&lock.Name, &lock.Owner, &acquired, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect lock %s: %w", name, err)
	}
	lock.AcquiredAt = time.UnixMilli(acquired).UTC()
	lock.TTL = time.Duration(t) * time.Millisecond
	return &lock, nil
}

// Held reports whether name is currently live according to the store.
func (m *Manager) Held(ctx context.Context, name string) bool {
	lock, err := m.Inspect(ctx, name)
	if err != nil {
		return false
	}
	return !lock.Expired(m.now())
}
