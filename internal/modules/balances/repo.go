// Package balances persists point-in-time account equity snapshots, used to
// evaluate the daily-loss guardrail against start-of-day equity.
package balances

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/signalmirror/internal/domain"
)

// Repo persists domain.BalanceSnapshot rows.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a balance snapshot repository over db.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Record inserts one snapshot. Safe to call repeatedly within the same
// second for the same (subscriber, exchange): the composite primary key on
// (subscriber_id, exchange_id, instant) makes a same-instant write a no-op.
func (r *Repo) Record(ctx context.Context, s domain.BalanceSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO balance_snapshots (subscriber_id, exchange_id, instant, equity, available)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (subscriber_id, exchange_id, instant) DO NOTHING`,
		s.SubscriberID, s.ExchangeID, s.Instant.Unix(), s.Equity, s.Available)
	if err != nil {
		return fmt.Errorf("failed to record balance snapshot: %w", err)
	}
	return nil
}

// StartOfDayEquity returns the earliest equity reading recorded today (UTC)
// for (subscriberID, exchangeID), or ok=false if none exists yet.
func (r *Repo) StartOfDayEquity(ctx context.Context, subscriberID, exchangeID string) (equity float64, ok bool, err error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	row := r.db.QueryRowContext(ctx, `
		SELECT equity FROM balance_snapshots
		WHERE subscriber_id = ? AND exchange_id = ? AND instant >= ?
		ORDER BY instant ASC LIMIT 1`,
		subscriberID, exchangeID, dayStart.Unix())
	if err := row.Scan(&equity); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load start-of-day equity: %w", err)
	}
	return equity, true, nil
}
