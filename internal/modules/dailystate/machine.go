// Package dailystate persists the per-day pipeline state INIT -> RESET_DONE -> FETCH_DONE.
// States only move forward within a day; a new day starts at INIT.
package dailystate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aristath/earnings/internal/database"
	"github.com/aristath/earnings/internal/domain"
	"github.com/rs/zerolog"
)

// ErrStateRegression is returned when a caller tries to move a day's state backwards.
var ErrStateRegression = errors.New("state regression")

var stateColumns = []string{
	"date", "state", "reset_at", "fetch_at", "last_attempt_at", "last_count", "soft_empty",
}

// Machine reads and advances daily state rows.
type Machine struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewMachine creates a state machine over the coordination database.
func NewMachine(db *sql.DB, log zerolog.Logger) *Machine {
	return &Machine{
		db:  db,
		log: log.With().Str("component", "daily_state").Logger(),
		now: time.Now,
	}
}

// Get returns the stored row, or a fresh INIT state when none exists.
func (m *Machine) Get(ctx context.Context, date string) (*domain.DailyState, error) {
	query, args, err := sq.Select(stateColumns...).
		From("daily_state").
		Where(sq.Eq{"date": date}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	st, err := scanState(m.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.DailyState{Date: date, State: domain.StateInit}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read daily state %s: %w", date, err)
	}
	return st, nil
}

// GetState returns the state for date. Read failures are reported as INIT so callers skip
// work rather than write against an unknown state.
func (m *Machine) GetState(ctx context.Context, date string) domain.DayState {
	st, err := m.Get(ctx, date)
	if err != nil {
		m.log.Warn().Err(err).Str("date", date).Msg("Daily state read failed, treating as INIT")
		return domain.StateInit
	}
	return st.State
}

// IsResetCompleted reports whether date has reached RESET_DONE or later.
func (m *Machine) IsResetCompleted(ctx context.Context, date string) bool {
	return m.GetState(ctx, date).Ordinal() >= domain.StateResetDone.Ordinal()
}

// IsFetchCompleted reports whether date has reached FETCH_DONE.
func (m *Machine) IsFetchCompleted(ctx context.Context, date string) bool {
	return m.GetState(ctx, date) == domain.StateFetchDone
}

// SetState advances date to next. Setting the current state again is a no-op; moving
// backwards returns ErrStateRegression and leaves the stored state unchanged.
func (m *Machine) SetState(ctx context.Context, date string, next domain.DayState) error {
	if next != domain.ParseDayState(string(next)) {
		return fmt.Errorf("unknown state %q", next)
	}

	return database.WithTransaction(ctx, m.db, func(tx *sql.Tx) error {
		current := domain.StateInit
		var stored string
		err := tx.QueryRowContext(ctx, "SELECT state FROM daily_state WHERE date = ?", date).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read state: %w", err)
		default:
			current = domain.ParseDayState(stored)
		}

		if next.Ordinal() < current.Ordinal() {
			return fmt.Errorf("%s: %s -> %s: %w", date, current, next, ErrStateRegression)
		}
		if next == current && err == nil {
			return nil
		}

		now := m.now().UnixMilli()
		insert := sq.Insert("daily_state").
			Columns("date", "state", "updated_at").
			Values(date, string(next), now)
		update := "ON CONFLICT(date) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at"

		switch next {
		case domain.StateResetDone:
			insert = sq.Insert("daily_state").
				Columns("date", "state", "updated_at", "reset_at").
				Values(date, string(next), now, now)
			update += ", reset_at = COALESCE(daily_state.reset_at, excluded.reset_at)"
		case domain.StateFetchDone:
			insert = sq.Insert("daily_state").
				Columns("date", "state", "updated_at", "fetch_at").
				Values(date, string(next), now, now)
			update += ", fetch_at = COALESCE(daily_state.fetch_at, excluded.fetch_at)"
		}

		query, args, err := insert.Suffix(update).ToSql()
		if err != nil {
			return fmt.Errorf("build upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("write state: %w", err)
		}

		m.log.Info().Str("date", date).Str("from", string(current)).Str("to", string(next)).Msg("Daily state advanced")
		return nil
	})
}

// RecordAttempt stores the outcome of the latest calendar fetch for date. It never changes
// the state column.
func (m *Machine) RecordAttempt(ctx context.Context, date string, count int, softEmpty bool) error {
	now := m.now().UnixMilli()
	soft := 0
	if softEmpty {
		soft = 1
	}
	query, args, err := sq.Insert("daily_state").
		Columns("date", "state", "last_attempt_at", "last_count", "soft_empty", "updated_at").
		Values(date, string(domain.StateInit), now, count, soft, now).
		Suffix(`ON CONFLICT(date) DO UPDATE SET
			last_attempt_at = excluded.last_attempt_at,
			last_count = excluded.last_count,
			soft_empty = excluded.soft_empty,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record attempt for %s: %w", date, err)
	}
	return nil
}

// PurgeBefore deletes state rows for days before date.
func (m *Machine) PurgeBefore(ctx context.Context, date string) (int64, error) {
	query, args, err := sq.Delete("daily_state").Where(sq.Lt{"date": date}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge daily state before %s: %w", date, err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanState(s scanner) (*domain.DailyState, error) {
	var (
		st                      domain.DailyState
		state                   string
		resetAt, fetchAt, tried sql.NullInt64
		count, soft             int64
	)
	if err := s.Scan(&st.Date, &state, &resetAt, &fetchAt, &tried, &count, &soft); err != nil {
		return nil, err
	}
	st.State = domain.ParseDayState(state)
	st.ResetAt = msTime(resetAt)
	st.FetchAt = msTime(fetchAt)
	st.LastAttemptAt = msTime(tried)
	st.LastCount = int(count)
	st.SoftEmpty = soft != 0
	return &st, nil
}

func msTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
