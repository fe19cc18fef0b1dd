// Package ratelimit enforces API quotas that survive process restarts.
// Call timestamps and the daily counter live in sqlite, keyed by service
// name, so a crashed or restarted run cannot overspend a free-tier quota.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrQuotaExceeded means the daily quota is spent and no slot will free up
// today. Callers should stop issuing new calls rather than wait overnight.
var ErrQuotaExceeded = errors.New("daily API quota exceeded")

// window is the trailing interval for the per-minute quota
const window = time.Minute

// retention for old call timestamps; anything past the window is only kept
// briefly for debugging
const retention = time.Hour

// Limiter gates calls against a per-minute sliding window and a per-day
// counter, both persisted. Safe for concurrent use; acquisition is
// serialized so at most one caller passes the check-and-record step at a
// time.
type Limiter struct {
	db        *sqlx.DB
	service   string
	perMinute int
	perDay    int

	mu  sync.Mutex
	now func() time.Time // Injectable for tests
}

const schema = `
CREATE TABLE IF NOT EXISTS api_calls (
	service   TEXT NOT NULL,
	called_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_calls_service_time ON api_calls(service, called_at);

CREATE TABLE IF NOT EXISTS daily_usage (
	service TEXT PRIMARY KEY,
	day     TEXT NOT NULL,
	calls   INTEGER NOT NULL
);
`

// New creates a limiter for the named service
func New(db *sqlx.DB, service string, perMinute, perDay int) (*Limiter, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create rate limit schema: %w", err)
	}

	return &Limiter{
		db:        db,
		service:   service,
		perMinute: perMinute,
		perDay:    perDay,
		now:       time.Now,
	}, nil
}

// Acquire blocks until a per-minute slot is available, records the call, and
// returns. It returns ErrQuotaExceeded immediately when the daily quota is
// exhausted, and the context error if ctx is cancelled while waiting.
// Recording happens in the same critical section as the check, in one
// transaction, only when a call is actually about to be made.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, err := l.tryAcquire()
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire returns 0 and records the call when a slot is free, or the
// duration to sleep before the oldest in-window call expires.
func (l *Limiter) tryAcquire() (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	day := now.Format("2006-01-02") // Local calendar day

	dayCalls, err := l.dayCalls(day)
	if err != nil {
		return 0, err
	}
	if dayCalls >= l.perDay {
		return 0, ErrQuotaExceeded
	}

	cutoff := now.Add(-window).UnixNano()

	var inWindow int
	if err := l.db.Get(&inWindow,
		`SELECT COUNT(*) FROM api_calls WHERE service = ? AND called_at > ?`,
		l.service, cutoff); err != nil {
		return 0, fmt.Errorf("rate limit read failed: %w", err)
	}

	if inWindow >= l.perMinute {
		var oldest int64
		if err := l.db.Get(&oldest,
			`SELECT MIN(called_at) FROM api_calls WHERE service = ? AND called_at > ?`,
			l.service, cutoff); err != nil {
			return 0, fmt.Errorf("rate limit read failed: %w", err)
		}
		wait := time.Unix(0, oldest).Add(window).Sub(now) + 10*time.Millisecond
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		return wait, nil
	}

	if err := l.record(now, day, dayCalls); err != nil {
		return 0, err
	}
	return 0, nil
}

// record appends the call timestamp and bumps the daily counter in a single
// transaction, so a crash cannot leave the two out of step.
func (l *Limiter) record(now time.Time, day string, dayCalls int) error {
	tx, err := l.db.Beginx()
	if err != nil {
		return fmt.Errorf("rate limit write failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO api_calls (service, called_at) VALUES (?, ?)`,
		l.service, now.UnixNano()); err != nil {
		return fmt.Errorf("rate limit write failed: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO daily_usage (service, day, calls) VALUES (?, ?, 1)
		ON CONFLICT (service) DO UPDATE SET
			day = excluded.day,
			calls = ?`,
		l.service, day, dayCalls+1); err != nil {
		return fmt.Errorf("rate limit write failed: %w", err)
	}

	// Drop timestamps no enforcement decision will ever look at again
	if _, err := tx.Exec(
		`DELETE FROM api_calls WHERE service = ? AND called_at < ?`,
		l.service, now.Add(-retention).UnixNano()); err != nil {
		return fmt.Errorf("rate limit cleanup failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rate limit write failed: %w", err)
	}
	return nil
}

// dayCalls reads the persisted counter, treating a stale row from a
// previous day as zero (day rollover)
func (l *Limiter) dayCalls(day string) (int, error) {
	var row struct {
		Day   string `db:"day"`
		Calls int    `db:"calls"`
	}
	err := l.db.Get(&row,
		`SELECT day, calls FROM daily_usage WHERE service = ?`, l.service)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("rate limit read failed: %w", err)
	}
	if row.Day != day {
		return 0, nil
	}
	return row.Calls, nil
}

// Remaining reports how many calls are left today
func (l *Limiter) Remaining() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dayCalls, err := l.dayCalls(l.now().Format("2006-01-02"))
	if err != nil {
		return 0, err
	}
	remaining := l.perDay - dayCalls
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
