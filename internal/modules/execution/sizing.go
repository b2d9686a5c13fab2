package execution

import (
	"math"

	"github.com/aristath/signalmirror/internal/domain"
)

// SizeResult is the outcome of sizing one order.
type SizeResult struct {
	Quantity     float64
	BelowNotional bool
}

// Size computes raw quantity q = (balance * riskFraction * leverage) / entryPrice,
// rounds down to stepSize, and flags BelowNotional if the resulting notional
// value falls under minNotional.
func Size(balance, riskFraction float64, leverage int, entryPrice, stepSize, minNotional float64) SizeResult {
	raw := (balance * riskFraction * float64(leverage)) / entryPrice
	rounded := roundDown(raw, stepSize)
	notional := rounded * entryPrice
	return SizeResult{Quantity: rounded, BelowNotional: notional < minNotional}
}

func roundDown(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}

// TakeProfitPrice returns the TP trigger price for side, rounded toward
// entry (less profit) so an off-tick target never overstates the gain.
func TakeProfitPrice(entry, tpPerc float64, side domain.Side, tickSize float64) float64 {
	var raw float64
	if side == domain.SideLong {
		raw = entry * (1 + tpPerc)
		return RoundToTick(raw, tickSize, false)
	}
	raw = entry * (1 - tpPerc)
	return RoundToTick(raw, tickSize, true)
}

// StopLossPrice returns the SL trigger price for side, rounded away from
// entry (worse for the trader) so an off-tick stop never understates risk.
func StopLossPrice(entry, slPerc float64, side domain.Side, tickSize float64) float64 {
	var raw float64
	if side == domain.SideLong {
		raw = entry * (1 - slPerc)
		return RoundToTick(raw, tickSize, false)
	}
	raw = entry * (1 + slPerc)
	return RoundToTick(raw, tickSize, true)
}

// RoundToTick snaps raw to the nearest tick, rounding up if up is true or
// down otherwise. Shared by TakeProfitPrice/StopLossPrice and by the
// supervisor's post-DCA bracket re-attachment.
func RoundToTick(raw, tickSize float64, up bool) float64 {
	if tickSize <= 0 {
		return raw
	}
	if up {
		return math.Ceil(raw/tickSize) * tickSize
	}
	return math.Floor(raw/tickSize) * tickSize
}
