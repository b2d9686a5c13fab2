// Package positions persists live and closed positions and implements the
// read path the Subscriber Resolver and Position Supervisor both need.
package positions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/signalmirror/internal/domain"
)

// Repo persists domain.Position rows.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a position repository over db.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// HasOpenPosition implements subscribers.PositionChecker.
func (r *Repo) HasOpenPosition(ctx context.Context, subscriberID, exchangeID, symbol string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE subscriber_id = ? AND exchange_id = ? AND symbol = ? AND status = 'OPEN'`,
		subscriberID, exchangeID, symbol,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check open position: %w", err)
	}
	return n > 0, nil
}

// GetOpen returns the open position for (subscriberID, exchangeID, symbol,
// side), or nil if there isn't one. The schema's partial unique index
// guarantees at most one row can match.
func (r *Repo) GetOpen(ctx context.Context, subscriberID, exchangeID, symbol string, side domain.Side) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subscriber_id, exchange_id, symbol, side, status, entry_price, quantity,
		       tp_order_id, sl_order_id, best_favorable_price, trailing_active,
		       dca_additions_made, dca_last_price, last_addition_qty, opened_at, closed_at, updated_at
		FROM positions
		WHERE subscriber_id = ? AND exchange_id = ? AND symbol = ? AND side = ? AND status = 'OPEN'`,
		subscriberID, exchangeID, symbol, side)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListOpenBatch returns up to limit open positions with id > afterID,
// ordered by id, for the supervisor's bounded-batch scan.
func (r *Repo) ListOpenBatch(ctx context.Context, afterID string, limit int) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subscriber_id, exchange_id, symbol, side, status, entry_price, quantity,
		       tp_order_id, sl_order_id, best_favorable_price, trailing_active,
		       dca_additions_made, dca_last_price, last_addition_qty, opened_at, closed_at, updated_at
		FROM positions
		WHERE status = 'OPEN' AND id > ?
		ORDER BY id
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.Position, error) {
	var (
		p                             domain.Position
		tpOrderID, slOrderID         sql.NullString
		bestFavorablePrice           sql.NullFloat64
		dcaLastPrice                 sql.NullFloat64
		closedAt                     sql.NullInt64
		openedAt, updatedAt          int64
	)
	err := s.Scan(
		&p.ID, &p.SubscriberID, &p.ExchangeID, &p.Symbol, &p.Side, &p.Status, &p.EntryPrice, &p.Quantity,
		&tpOrderID, &slOrderID, &bestFavorablePrice, &p.TrailingActive,
		&p.DCAAdditionsMade, &dcaLastPrice, &p.LastAdditionQty, &openedAt, &closedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.TPOrderID = tpOrderID.String
	p.SLOrderID = slOrderID.String
	p.BestFavorablePrice = bestFavorablePrice.Float64
	p.DCALastPrice = dcaLastPrice.Float64
	p.OpenedAt = time.Unix(openedAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0)
		p.ClosedAt = &t
	}
	return &p, nil
}

// Open inserts a new open position, returning the assigned ID. Relies on
// idx_positions_open_unique to reject a concurrent duplicate open.
func (r *Repo) Open(ctx context.Context, p domain.Position) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions (
			id, subscriber_id, exchange_id, symbol, side, status, entry_price, quantity,
			tp_order_id, sl_order_id, best_favorable_price, trailing_active,
			dca_additions_made, dca_last_price, last_addition_qty, opened_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 'OPEN', ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)`,
		p.ID, p.SubscriberID, p.ExchangeID, p.Symbol, p.Side, p.EntryPrice, p.Quantity,
		nullString(p.TPOrderID), nullString(p.SLOrderID), p.EntryPrice, p.EntryPrice, p.Quantity, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to open position: %w", err)
	}
	return p.ID, nil
}

// UpdateBrackets stores the TP/SL order IDs attached after a position opens
// or after the supervisor cancels-and-replaces them.
func (r *Repo) UpdateBrackets(ctx context.Context, id, tpOrderID, slOrderID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE positions SET tp_order_id = ?, sl_order_id = ?, updated_at = ? WHERE id = ?`,
		nullString(tpOrderID), nullString(slOrderID), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update brackets: %w", err)
	}
	return nil
}

// UpdateTrailing records the latest best-favorable-price and whether the
// trailing stop has activated.
func (r *Repo) UpdateTrailing(ctx context.Context, id string, bestFavorablePrice float64, trailingActive bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE positions SET best_favorable_price = ?, trailing_active = ?, updated_at = ? WHERE id = ?`,
		bestFavorablePrice, trailingActive, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update trailing state: %w", err)
	}
	return nil
}

// RecordDCA updates average entry price and quantity after a DCA addition,
// storing additionQty as last_addition_qty so the next addition can be
// sized as additionQty*multiplier without reverse-deriving it from the
// (by-then-compounded) running quantity total.
func (r *Repo) RecordDCA(ctx context.Context, id string, newEntryPrice, newQuantity, additionQty, lastFillPrice float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE positions
		SET entry_price = ?, quantity = ?, dca_additions_made = dca_additions_made + 1,
		    dca_last_price = ?, last_addition_qty = ?, updated_at = ?
		WHERE id = ?`,
		newEntryPrice, newQuantity, lastFillPrice, additionQty, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record dca addition: %w", err)
	}
	return nil
}

// MarkClosing transitions an open position to CLOSING, the state a
// server-initiated close holds while its reduce-only order is in flight.
func (r *Repo) MarkClosing(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE positions SET status = 'CLOSING', updated_at = ? WHERE id = ? AND status = 'OPEN'`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark position closing: %w", err)
	}
	return nil
}

// Close marks a position closed. Normally called after MarkClosing once the
// reduce-only order has been submitted.
func (r *Repo) Close(ctx context.Context, id string) error {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE positions SET status = 'CLOSED', closed_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return nil
}

// CountOpen returns how many open positions subscriberID currently holds,
// used to enforce MaxConcurrentPositions.
func (r *Repo) CountOpen(ctx context.Context, subscriberID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE subscriber_id = ? AND status = 'OPEN'`, subscriberID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}
	return n, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
