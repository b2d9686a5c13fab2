package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/signalmirror/internal/domain"
	"github.com/aristath/signalmirror/internal/events"
	"github.com/aristath/signalmirror/internal/modules/positions"
	"github.com/aristath/signalmirror/internal/modules/ratelimiter"
	"github.com/aristath/signalmirror/internal/modules/subscribers"
)

// Engine runs the per-subscriber task described in the Execution Engine
// contract: fence, pre-checks, sizing, placement, bracket attach, record,
// notify.
type Engine struct {
	attempts    *Repo
	positions   *positions.Repo
	factory     domain.AdapterFactory
	limiter     *ratelimiter.Registry
	em          *events.Manager
	log         zerolog.Logger
}

// NewEngine builds an execution engine wiring its collaborators.
func NewEngine(attempts *Repo, positionsRepo *positions.Repo, factory domain.AdapterFactory, limiter *ratelimiter.Registry, em *events.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		attempts:  attempts,
		positions: positionsRepo,
		factory:   factory,
		limiter:   limiter,
		em:        em,
		log:       log.With().Str("component", "execution_engine").Logger(),
	}
}

// Run executes one (signal, subscriber) task to completion. It never
// returns an error for business outcomes (skipped/failed) — those are
// recorded on the Execution Attempt row — only for infrastructure failures
// the caller (the execute_signal job) should retry.
func (e *Engine) Run(ctx context.Context, signal domain.Signal, elig subscribers.Eligible) error {
	sub := elig.Subscriber
	params := elig.Params

	// Step 1: idempotency fence.
	if err := e.attempts.Fence(ctx, signal.SignalID, sub.ID, params); err != nil {
		if errors.Is(err, ErrAlreadyAttempted) {
			return nil
		}
		return fmt.Errorf("failed to fence execution attempt: %w", err)
	}

	outcome, reason := e.execute(ctx, signal, elig)
	switch outcome {
	case domain.ExecutionSkipped:
		if err := e.attempts.MarkSkipped(ctx, signal.SignalID, sub.ID, reason); err != nil {
			return fmt.Errorf("failed to mark skipped: %w", err)
		}
		e.em.Emit("execution_engine", &events.SignalSkippedData{SignalID: signal.SignalID, SubscriberID: sub.ID, Reason: reason})
	case domain.ExecutionFailed:
		if err := e.attempts.MarkFailed(ctx, signal.SignalID, sub.ID, reason); err != nil {
			return fmt.Errorf("failed to mark failed: %w", err)
		}
		e.em.Emit("execution_engine", &events.OrderFailedData{SubscriberID: sub.ID, Symbol: signal.Symbol, Reason: reason})
	}
	return nil
}

// execute performs pre-checks through record/notify, returning the final
// outcome and a reason string (empty on success).
func (e *Engine) execute(ctx context.Context, signal domain.Signal, elig subscribers.Eligible) (domain.ExecutionOutcome, string) {
	sub := elig.Subscriber
	params := elig.Params
	exchangeID := elig.ExchangeID

	// Pre-checks.
	if !sub.Active {
		return domain.ExecutionSkipped, "subscriber_inactive"
	}
	openCount, err := e.positions.CountOpen(ctx, sub.ID)
	if err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("pre_check_error: %v", err)
	}

	side := domain.SideLong
	if signal.Action == domain.ActionShort {
		side = domain.SideShort
	}

	if signal.Action == domain.ActionClose {
		existing, err := e.positions.GetOpen(ctx, sub.ID, exchangeID, signal.Symbol, domain.SideLong)
		if err != nil {
			return domain.ExecutionFailed, fmt.Sprintf("pre_check_error: %v", err)
		}
		if existing == nil {
			existing, err = e.positions.GetOpen(ctx, sub.ID, exchangeID, signal.Symbol, domain.SideShort)
			if err != nil {
				return domain.ExecutionFailed, fmt.Sprintf("pre_check_error: %v", err)
			}
		}
		if existing == nil {
			return domain.ExecutionSkipped, "no_open_position"
		}
		return e.executeClose(ctx, signal, elig, *existing)
	}

	if sub.MaxConcurrentPositions > 0 && openCount >= sub.MaxConcurrentPositions {
		return domain.ExecutionSkipped, "max_concurrent_positions"
	}
	if existing, err := e.positions.GetOpen(ctx, sub.ID, exchangeID, signal.Symbol, side); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("pre_check_error: %v", err)
	} else if existing != nil {
		return domain.ExecutionSkipped, "duplicate_same_side_position"
	}

	adapter, err := e.factory.Get(ctx, sub.ID, exchangeID)
	if err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("credential_error: %v", err)
	}

	if err := e.limiter.Wait(ctx, exchangeID, sub.ID); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("rate_limit_wait_failed: %v", err)
	}
	info, err := adapter.GetSymbolInfo(ctx, signal.Symbol)
	if err != nil {
		var symErr *domain.SymbolError
		if errors.As(err, &symErr) {
			return domain.ExecutionSkipped, "symbol_not_tradable"
		}
		return domain.ExecutionFailed, fmt.Sprintf("symbol_info_error: %v", err)
	}

	if err := e.limiter.Wait(ctx, exchangeID, sub.ID); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("rate_limit_wait_failed: %v", err)
	}
	balance, err := adapter.GetBalance(ctx)
	if err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("balance_fetch_error: %v", err)
	}

	if err := e.limiter.Wait(ctx, exchangeID, sub.ID); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("rate_limit_wait_failed: %v", err)
	}
	markPrice, err := adapter.GetMarkPrice(ctx, signal.Symbol)
	if err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("mark_price_error: %v", err)
	}

	sizeResult := Size(balance.Available, params.RiskPerc, params.Leverage, markPrice, info.StepSize, info.MinNotional)
	if sizeResult.BelowNotional {
		return domain.ExecutionSkipped, "below_notional"
	}

	if err := e.limiter.Wait(ctx, exchangeID, sub.ID); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("rate_limit_wait_failed: %v", err)
	}
	if err := adapter.SetLeverage(ctx, signal.Symbol, params.Leverage); err != nil {
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			return domain.ExecutionFailed, fmt.Sprintf("auth_error: %v", err)
		}
		return domain.ExecutionFailed, fmt.Sprintf("set_leverage_error: %v", err)
	}

	orderSide := domain.OrderBuy
	if side == domain.SideShort {
		orderSide = domain.OrderSell
	}

	if err := e.limiter.Wait(ctx, exchangeID, sub.ID); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("rate_limit_wait_failed: %v", err)
	}
	result, err := adapter.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:        signal.Symbol,
		Side:          orderSide,
		Type:          domain.OrderTypeMarket,
		Quantity:      sizeResult.Quantity,
		ClientOrderID: "sig-" + signal.SignalID[:8] + "-" + uuid.NewString()[:8],
	})
	if err != nil {
		var rejectErr *domain.ExchangeRejectError
		if errors.As(err, &rejectErr) {
			return domain.ExecutionFailed, fmt.Sprintf("exchange_rejected: %v", err)
		}
		return domain.ExecutionFailed, fmt.Sprintf("transport: %v", err)
	}

	entryPrice := result.AvgFillPrice
	if entryPrice == 0 {
		entryPrice = markPrice
	}

	tpPrice := TakeProfitPrice(entryPrice, params.TPPerc, side, info.TickSize)
	slPrice := StopLossPrice(entryPrice, params.SLPerc, side, info.TickSize)

	if err := e.limiter.Wait(ctx, exchangeID, sub.ID); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("rate_limit_wait_failed: %v", err)
	}
	brackets, err := AttachBrackets(ctx, adapter, signal.Symbol, side, sizeResult.Quantity, tpPrice, slPrice)
	if err != nil {
		e.log.Warn().Err(err).Str("signal_id", signal.SignalID).Str("subscriber_id", sub.ID).Msg("bracket attach failed, position unwound")
		return domain.ExecutionFailed, "bracket_attach"
	}

	positionID, err := e.positions.Open(ctx, domain.Position{
		SubscriberID: sub.ID,
		ExchangeID:   exchangeID,
		Symbol:       signal.Symbol,
		Side:         side,
		EntryPrice:   entryPrice,
		Quantity:     sizeResult.Quantity,
		TPOrderID:    brackets.TPOrderID,
		SLOrderID:    brackets.SLOrderID,
	})
	if err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("position_record_error: %v", err)
	}

	if err := e.attempts.MarkSubmitted(ctx, signal.SignalID, sub.ID, result.ExchangeOrderID, sizeResult.Quantity); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("attempt_record_error: %v", err)
	}

	e.em.Emit("execution_engine", &events.PositionOpenedData{
		PositionID: positionID, SubscriberID: sub.ID, Symbol: signal.Symbol,
		Side: string(side), EntryPrice: entryPrice, Quantity: sizeResult.Quantity,
	})
	return domain.ExecutionSubmitted, ""
}

// executeClose handles action=close: submit a reduce-only market order for
// the existing position's full quantity and flip it closed.
func (e *Engine) executeClose(ctx context.Context, signal domain.Signal, elig subscribers.Eligible, pos domain.Position) (domain.ExecutionOutcome, string) {
	sub := elig.Subscriber
	exchangeID := elig.ExchangeID

	adapter, err := e.factory.Get(ctx, sub.ID, exchangeID)
	if err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("credential_error: %v", err)
	}

	closeSide := domain.OrderSell
	if pos.Side == domain.SideShort {
		closeSide = domain.OrderBuy
	}

	if err := e.positions.MarkClosing(ctx, pos.ID); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("position_mark_closing_error: %v", err)
	}

	if err := e.limiter.Wait(ctx, exchangeID, sub.ID); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("rate_limit_wait_failed: %v", err)
	}
	if pos.TPOrderID != "" {
		_ = adapter.CancelOrder(ctx, signal.Symbol, pos.TPOrderID)
	}
	if pos.SLOrderID != "" {
		_ = adapter.CancelOrder(ctx, signal.Symbol, pos.SLOrderID)
	}

	result, err := adapter.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     signal.Symbol,
		Side:       closeSide,
		Type:       domain.OrderTypeMarket,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("close_order_error: %v", err)
	}

	if err := e.positions.Close(ctx, pos.ID); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("position_close_record_error: %v", err)
	}
	if err := e.attempts.MarkSubmitted(ctx, signal.SignalID, sub.ID, result.ExchangeOrderID, pos.Quantity); err != nil {
		return domain.ExecutionFailed, fmt.Sprintf("attempt_record_error: %v", err)
	}

	e.em.Emit("execution_engine", &events.PositionClosedData{
		PositionID: pos.ID, SubscriberID: sub.ID, Symbol: signal.Symbol, Reason: "signal_close",
	})
	return domain.ExecutionSubmitted, ""
}
