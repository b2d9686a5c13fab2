// Package execution implements the per-subscriber execution task: the
// idempotency fence, pre-checks, sizing, order placement, bracket attach,
// and recording steps described for the Execution Engine.
package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/signalmirror/internal/domain"
)

// ErrAlreadyAttempted is returned when the idempotency fence row already
// exists for (signalID, subscriberID) — the caller must exit with no
// further side effects.
var ErrAlreadyAttempted = fmt.Errorf("execution attempt already exists")

// Repo persists the Execution Attempt idempotency fence.
type Repo struct {
	db *sql.DB
}

// NewRepo creates an execution attempt repository over db.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Fence attempts to insert a PENDING attempt row. Returns ErrAlreadyAttempted
// if the pair already has a row — the idempotency fence for signal fan-out.
func (r *Repo) Fence(ctx context.Context, signalID, subscriberID string, params domain.EffectiveParams) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal effective params: %w", err)
	}

	now := time.Now().Unix()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO execution_attempts (signal_id, subscriber_id, outcome, effective_params, created_at, updated_at)
		VALUES (?, ?, 'PENDING', ?, ?, ?)
		ON CONFLICT (signal_id, subscriber_id) DO NOTHING`,
		signalID, subscriberID, string(paramsJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution attempt fence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyAttempted
	}
	return nil
}

// MarkSkipped flips a PENDING attempt to SKIPPED(reason).
func (r *Repo) MarkSkipped(ctx context.Context, signalID, subscriberID, reason string) error {
	return r.setOutcome(ctx, signalID, subscriberID, domain.ExecutionSkipped, reason, "", 0)
}

// MarkFailed flips a PENDING attempt to FAILED(reason).
func (r *Repo) MarkFailed(ctx context.Context, signalID, subscriberID, reason string) error {
	return r.setOutcome(ctx, signalID, subscriberID, domain.ExecutionFailed, reason, "", 0)
}

// MarkSubmitted flips a PENDING attempt to SUBMITTED with the resulting
// exchange order id and sized quantity.
func (r *Repo) MarkSubmitted(ctx context.Context, signalID, subscriberID, exchangeOrderID string, quantity float64) error {
	return r.setOutcome(ctx, signalID, subscriberID, domain.ExecutionSubmitted, "", exchangeOrderID, quantity)
}

func (r *Repo) setOutcome(ctx context.Context, signalID, subscriberID string, outcome domain.ExecutionOutcome, reason, exchangeOrderID string, quantity float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE execution_attempts
		SET outcome = ?, reason = ?, exchange_order_id = ?, quantity = ?, updated_at = ?
		WHERE signal_id = ? AND subscriber_id = ?`,
		string(outcome), reason, exchangeOrderID, quantity, time.Now().Unix(), signalID, subscriberID)
	if err != nil {
		return fmt.Errorf("failed to update execution attempt outcome: %w", err)
	}
	return nil
}
