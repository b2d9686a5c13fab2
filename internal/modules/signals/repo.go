// Package signals implements Signal Intake: webhook authentication and
// validation, canonical hashing for idempotent deduplication, and the
// persisted signal row that the execute_signal job later loads.
package signals

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/signalmirror/internal/domain"
)

// Repo persists domain.Signal rows.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a signal repository over db.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Insert writes signal with ON CONFLICT DO NOTHING on signal_id, reporting
// whether this call actually created the row (new signal) or the row
// already existed (duplicate delivery).
func (r *Repo) Insert(ctx context.Context, s domain.Signal) (created bool, err error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO signals (signal_id, strategy_id, symbol, action, risk_perc, leverage, tp_perc, sl_perc, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'RECEIVED', ?)
		ON CONFLICT (signal_id) DO NOTHING`,
		s.SignalID, nullInt64(s.StrategyID), s.Symbol, string(s.Action),
		nullFloat(s.RiskPerc), nullInt(s.Leverage), nullFloat(s.TPPerc), nullFloat(s.SLPerc),
		s.ReceivedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Get loads a signal by id.
func (r *Repo) Get(ctx context.Context, signalID string) (*domain.Signal, error) {
	var (
		s                                    domain.Signal
		strategyID                           sql.NullInt64
		riskPerc, tpPerc, slPerc             sql.NullFloat64
		leverage                             sql.NullInt64
		receivedAt                           int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT signal_id, strategy_id, symbol, action, risk_perc, leverage, tp_perc, sl_perc, status, received_at
		FROM signals WHERE signal_id = ?`, signalID,
	).Scan(&s.SignalID, &strategyID, &s.Symbol, &s.Action, &riskPerc, &leverage, &tpPerc, &slPerc, &s.Status, &receivedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load signal %s: %w", signalID, err)
	}

	s.StrategyID = strategyID.Int64
	if riskPerc.Valid {
		s.RiskPerc = &riskPerc.Float64
	}
	if leverage.Valid {
		l := int(leverage.Int64)
		s.Leverage = &l
	}
	if tpPerc.Valid {
		s.TPPerc = &tpPerc.Float64
	}
	if slPerc.Valid {
		s.SLPerc = &slPerc.Float64
	}
	s.ReceivedAt = time.Unix(receivedAt, 0)
	return &s, nil
}

// SetStatus transitions a signal's lifecycle state.
func (r *Repo) SetStatus(ctx context.Context, signalID string, status domain.SignalStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE signals SET status = ? WHERE signal_id = ?`, string(status), signalID)
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}
	return nil
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
