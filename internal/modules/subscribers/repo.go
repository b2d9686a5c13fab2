// Package subscribers owns subscriber records, strategy overrides, and the
// Subscriber Resolver: turning a signal into the set of eligible
// subscribers and each one's effective execution parameters.
package subscribers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/signalmirror/internal/domain"
)

// Repo persists subscribers and their per-strategy overrides.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a subscriber repository over db.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Get loads one subscriber by id.
func (r *Repo) Get(ctx context.Context, id string) (*domain.Subscriber, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, risk_fraction, leverage, tp_perc, sl_perc, max_concurrent_positions,
		       dca_enabled, dca_threshold_perc, dca_multiplier, dca_max_additions,
		       trailing_enabled, trailing_activation_perc, trailing_distance_perc,
		       daily_loss_cutoff_perc, emits_signals, active,
		       subscription_expires_at, guardrail_paused_until, created_at, updated_at
		FROM subscribers WHERE id = ?`, id)
	return scanSubscriber(row)
}

// ListActive returns every active subscriber, used by the resolver and by
// periodic balance-snapshot and supervisor jobs that must scan all accounts.
func (r *Repo) ListActive(ctx context.Context) ([]domain.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, risk_fraction, leverage, tp_perc, sl_perc, max_concurrent_positions,
		       dca_enabled, dca_threshold_perc, dca_multiplier, dca_max_additions,
		       trailing_enabled, trailing_activation_perc, trailing_distance_perc,
		       daily_loss_cutoff_perc, emits_signals, active,
		       subscription_expires_at, guardrail_paused_until, created_at, updated_at
		FROM subscribers WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscribers: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// scanner satisfies both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscriber(s scanner) (*domain.Subscriber, error) {
	var (
		sub                                domain.Subscriber
		subscriptionExpiresAt, guardrailPausedUntil sql.NullInt64
		createdAt, updatedAt               int64
	)
	err := s.Scan(
		&sub.ID, &sub.RiskFraction, &sub.Leverage, &sub.TPPerc, &sub.SLPerc, &sub.MaxConcurrentPositions,
		&sub.DCAEnabled, &sub.DCAThresholdPerc, &sub.DCAMultiplier, &sub.DCAMaxAdditions,
		&sub.TrailingEnabled, &sub.TrailingActivationPerc, &sub.TrailingDistancePerc,
		&sub.DailyLossCutoffPerc, &sub.EmitsSignals, &sub.Active,
		&subscriptionExpiresAt, &guardrailPausedUntil, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscriber: %w", err)
	}

	if subscriptionExpiresAt.Valid {
		t := time.Unix(subscriptionExpiresAt.Int64, 0)
		sub.SubscriptionExpiresAt = &t
	}
	if guardrailPausedUntil.Valid {
		t := time.Unix(guardrailPausedUntil.Int64, 0)
		sub.GuardrailPausedUntil = &t
	}
	sub.CreatedAt = time.Unix(createdAt, 0)
	sub.UpdatedAt = time.Unix(updatedAt, 0)
	return &sub, nil
}

// StrategyOverride returns the strategy-level override for (subscriberID,
// strategyID), or nil if the subscriber has no override for that strategy.
func (r *Repo) StrategyOverride(ctx context.Context, subscriberID string, strategyID int64) (*domain.StrategySubscription, error) {
	var (
		riskPerc, tpPerc, slPerc sql.NullFloat64
		leverage                 sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT risk_perc, leverage, tp_perc, sl_perc
		FROM strategy_subscriptions WHERE subscriber_id = ? AND strategy_id = ?`,
		subscriberID, strategyID,
	).Scan(&riskPerc, &leverage, &tpPerc, &slPerc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy override: %w", err)
	}

	sub := &domain.StrategySubscription{SubscriberID: subscriberID, StrategyID: strategyID}
	if riskPerc.Valid {
		sub.RiskPerc = &riskPerc.Float64
	}
	if leverage.Valid {
		l := int(leverage.Int64)
		sub.Leverage = &l
	}
	if tpPerc.Valid {
		sub.TPPerc = &tpPerc.Float64
	}
	if slPerc.Valid {
		sub.SLPerc = &slPerc.Float64
	}
	return sub, nil
}

// HasApprovedCredential reports whether subscriberID has at least one
// approved, active credential for exchangeID.
func (r *Repo) HasApprovedCredential(ctx context.Context, subscriberID, exchangeID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credentials
		WHERE subscriber_id = ? AND exchange_id = ? AND status = 'APPROVED' AND active = 1`,
		subscriberID, exchangeID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check credential: %w", err)
	}
	return n > 0, nil
}

// ApprovedExchanges lists the exchange IDs subscriberID holds an approved,
// active credential for.
func (r *Repo) ApprovedExchanges(ctx context.Context, subscriberID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT exchange_id FROM credentials
		WHERE subscriber_id = ? AND status = 'APPROVED' AND active = 1`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved exchanges: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan exchange id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetGuardrailPause pauses subscriberID from new entries until until.
func (r *Repo) SetGuardrailPause(ctx context.Context, subscriberID string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscribers SET guardrail_paused_until = ?, updated_at = ? WHERE id = ?`,
		until.Unix(), time.Now().Unix(), subscriberID)
	if err != nil {
		return fmt.Errorf("failed to set guardrail pause: %w", err)
	}
	return nil
}
