// Package supervisor implements the Position Supervisor: the periodic tick
// that evaluates trailing stops, DCA additions, daily-loss guardrails, and
// exchange-side close detection for every open position.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/signalmirror/internal/domain"
	"github.com/aristath/signalmirror/internal/events"
	"github.com/aristath/signalmirror/internal/modules/balances"
	"github.com/aristath/signalmirror/internal/modules/execution"
	"github.com/aristath/signalmirror/internal/modules/positions"
	"github.com/aristath/signalmirror/internal/modules/ratelimiter"
	"github.com/aristath/signalmirror/internal/modules/subscribers"
)

const (
	batchSize         = 100
	batchConcurrency  = 8
)

// priceCache is satisfied by marketdata.PriceStream. Evaluating a position
// against a cached mark price avoids a REST round trip (and the rate
// limiter wait that goes with it) whenever the stream has a fresh quote.
type priceCache interface {
	GetMarkPrice(symbol string) (float64, bool)
}

// Supervisor runs one tick of post-entry management across all open positions.
type Supervisor struct {
	positions   *positions.Repo
	subscribers *subscribers.Repo
	balances    *balances.Repo
	factory     domain.AdapterFactory
	limiter     *ratelimiter.Registry
	em          *events.Manager
	log         zerolog.Logger
	prices      priceCache

	locks *keyedLock
}

// NewSupervisor wires a Supervisor over its collaborators.
func NewSupervisor(positionsRepo *positions.Repo, subscribersRepo *subscribers.Repo, balancesRepo *balances.Repo, factory domain.AdapterFactory, limiter *ratelimiter.Registry, em *events.Manager, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		positions:   positionsRepo,
		subscribers: subscribersRepo,
		balances:    balancesRepo,
		factory:     factory,
		limiter:     limiter,
		em:          em,
		log:         log.With().Str("component", "position_supervisor").Logger(),
		locks:       newKeyedLock(),
	}
}

// WithPriceCache attaches a live mark-price source the supervisor consults
// before falling back to a REST GetMarkPrice call. Optional: a Supervisor
// with no cache attached behaves exactly as before.
func (s *Supervisor) WithPriceCache(cache priceCache) *Supervisor {
	s.prices = cache
	return s
}

func (s *Supervisor) cachedPrice(symbol string) (float64, bool) {
	if s.prices == nil {
		return 0, false
	}
	return s.prices.GetMarkPrice(symbol)
}

// Tick runs one full pass: guardrail evaluation for every active subscriber,
// then trailing-stop/DCA/close-detection for every open position, scanned in
// bounded batches so interruption between batches loses no work.
func (s *Supervisor) Tick(ctx context.Context) error {
	if err := s.evaluateGuardrails(ctx); err != nil {
		s.log.Error().Err(err).Msg("guardrail evaluation failed")
	}

	afterID := ""
	for {
		batch, err := s.positions.ListOpenBatch(ctx, afterID, batchSize)
		if err != nil {
			return fmt.Errorf("failed to list open position batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		s.processBatch(ctx, batch)
		afterID = batch[len(batch)-1].ID
		if len(batch) < batchSize {
			return nil
		}
	}
}

func (s *Supervisor) processBatch(ctx context.Context, batch []domain.Position) {
	sem := make(chan struct{}, batchConcurrency)
	var wg sync.WaitGroup
	for _, pos := range batch {
		pos := pos
		if !s.locks.tryAcquire(pos.ID) {
			continue // another supervisor action on this position is already in flight
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem; s.locks.release(pos.ID) }()
			if err := s.evaluatePosition(ctx, pos); err != nil {
				s.log.Error().Err(err).Str("position_id", pos.ID).Msg("position evaluation failed")
			}
		}()
	}
	wg.Wait()
}

// evaluatePosition runs close detection, then trailing-stop and DCA in
// sequence for one open position.
func (s *Supervisor) evaluatePosition(ctx context.Context, pos domain.Position) error {
	sub, err := s.subscribers.Get(ctx, pos.SubscriberID)
	if err != nil {
		return fmt.Errorf("failed to load subscriber %s: %w", pos.SubscriberID, err)
	}

	adapter, err := s.factory.Get(ctx, pos.SubscriberID, pos.ExchangeID)
	if err != nil {
		return fmt.Errorf("failed to get exchange adapter: %w", err)
	}

	orderSide := domain.OrderBuy
	if pos.Side == domain.SideShort {
		orderSide = domain.OrderSell
	}

	if err := s.limiter.Wait(ctx, pos.ExchangeID, pos.SubscriberID); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}
	exchangeState, err := adapter.GetPositionState(ctx, pos.Symbol, orderSide)
	if err != nil {
		return fmt.Errorf("failed to get exchange position state: %w", err)
	}

	if !exchangeState.Open {
		return s.handleExternalClose(ctx, adapter, pos)
	}

	markPrice, cached := s.cachedPrice(pos.Symbol)
	if !cached {
		if err := s.limiter.Wait(ctx, pos.ExchangeID, pos.SubscriberID); err != nil {
			return fmt.Errorf("rate limit wait failed: %w", err)
		}
		markPrice, err = adapter.GetMarkPrice(ctx, pos.Symbol)
		if err != nil {
			return fmt.Errorf("failed to get mark price: %w", err)
		}
	}

	if sub.TrailingEnabled {
		if err := s.evaluateTrailingStop(ctx, adapter, *sub, pos, markPrice); err != nil {
			return fmt.Errorf("trailing stop evaluation failed: %w", err)
		}
	}
	if sub.DCAEnabled {
		if err := s.evaluateDCA(ctx, adapter, *sub, pos, markPrice); err != nil {
			return fmt.Errorf("dca evaluation failed: %w", err)
		}
	}
	return nil
}

// handleExternalClose reconciles a position the exchange no longer holds
// (TP/SL filled between ticks, manual intervention, liquidation).
func (s *Supervisor) handleExternalClose(ctx context.Context, adapter domain.ExchangeAdapter, pos domain.Position) error {
	if pos.TPOrderID != "" {
		_ = adapter.CancelOrder(ctx, pos.Symbol, pos.TPOrderID)
	}
	if pos.SLOrderID != "" {
		_ = adapter.CancelOrder(ctx, pos.Symbol, pos.SLOrderID)
	}
	if err := s.positions.Close(ctx, pos.ID); err != nil {
		return fmt.Errorf("failed to close reconciled position: %w", err)
	}
	s.em.Emit("position_supervisor", &events.PositionClosedData{
		PositionID: pos.ID, SubscriberID: pos.SubscriberID, Symbol: pos.Symbol, Reason: "exchange_side_close",
	})
	return nil
}

// evaluateTrailingStop maintains best_favorable_price once activation is
// reached and closes the position when mark price crosses the virtual stop.
func (s *Supervisor) evaluateTrailingStop(ctx context.Context, adapter domain.ExchangeAdapter, sub domain.Subscriber, pos domain.Position, markPrice float64) error {
	favorablePct := unrealizedProfitPct(pos, markPrice)
	activated := pos.TrailingActive || favorablePct >= sub.TrailingActivationPerc
	if !activated {
		return nil
	}

	best := pos.BestFavorablePrice
	if best == 0 {
		best = pos.EntryPrice
	}
	improved := false
	if pos.Side == domain.SideLong && markPrice > best {
		best = markPrice
		improved = true
	} else if pos.Side == domain.SideShort && markPrice < best {
		best = markPrice
		improved = true
	}

	if improved || !pos.TrailingActive {
		if err := s.positions.UpdateTrailing(ctx, pos.ID, best, true); err != nil {
			return err
		}
		if improved {
			s.em.Emit("position_supervisor", &events.TrailingStopMovedData{PositionID: pos.ID, NewStop: virtualStop(pos.Side, best, sub.TrailingDistancePerc)})
		}
	}

	virtualStopPrice := virtualStop(pos.Side, best, sub.TrailingDistancePerc)
	crossed := (pos.Side == domain.SideLong && markPrice <= virtualStopPrice) ||
		(pos.Side == domain.SideShort && markPrice >= virtualStopPrice)
	if !crossed {
		return nil
	}

	return s.closePosition(ctx, adapter, pos, "trailing_stop")
}

func virtualStop(side domain.Side, best, distancePerc float64) float64 {
	if side == domain.SideLong {
		return best * (1 - distancePerc)
	}
	return best * (1 + distancePerc)
}

func unrealizedProfitPct(pos domain.Position, markPrice float64) float64 {
	if pos.Side == domain.SideLong {
		return (markPrice - pos.EntryPrice) / pos.EntryPrice
	}
	return (pos.EntryPrice - markPrice) / pos.EntryPrice
}

// evaluateDCA submits an additional entry when the adverse move since the
// last fill (or initial entry) has reached the subscriber's DCA threshold.
func (s *Supervisor) evaluateDCA(ctx context.Context, adapter domain.ExchangeAdapter, sub domain.Subscriber, pos domain.Position, markPrice float64) error {
	if pos.DCAAdditionsMade >= sub.DCAMaxAdditions {
		return nil
	}

	lastPrice := pos.DCALastPrice
	if lastPrice == 0 {
		lastPrice = pos.EntryPrice
	}
	adverseMovePct := unrealizedProfitPct(pos, markPrice)
	// unrealizedProfitPct is negative on an adverse move; compare against
	// -threshold measured from the last addition's price, not entry.
	var adverseFromLast float64
	if pos.Side == domain.SideLong {
		adverseFromLast = (lastPrice - markPrice) / lastPrice
	} else {
		adverseFromLast = (markPrice - lastPrice) / lastPrice
	}
	_ = adverseMovePct
	if adverseFromLast < sub.DCAThresholdPerc {
		return nil
	}

	// Each addition is sized off the previous addition (the initial entry
	// for the first one), not the running total, per the multiplier
	// contract. pos.LastAdditionQty carries that term directly so it never
	// needs to be reverse-derived from the compounded running quantity.
	baseQty := pos.LastAdditionQty
	if baseQty == 0 {
		baseQty = pos.Quantity
	}
	additionQty := baseQty * sub.DCAMultiplier

	orderSide := domain.OrderBuy
	if pos.Side == domain.SideShort {
		orderSide = domain.OrderSell
	}

	if err := s.limiter.Wait(ctx, pos.ExchangeID, pos.SubscriberID); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}
	result, err := adapter.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     orderSide,
		Type:     domain.OrderTypeMarket,
		Quantity: additionQty,
	})
	if err != nil {
		return fmt.Errorf("failed to submit dca addition: %w", err)
	}

	fillPrice := result.AvgFillPrice
	if fillPrice == 0 {
		fillPrice = markPrice
	}

	newQuantity := pos.Quantity + additionQty
	newEntryPrice := (pos.EntryPrice*pos.Quantity + fillPrice*additionQty) / newQuantity

	if err := s.limiter.Wait(ctx, pos.ExchangeID, pos.SubscriberID); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}
	if pos.TPOrderID != "" {
		_ = adapter.CancelOrder(ctx, pos.Symbol, pos.TPOrderID)
	}
	if pos.SLOrderID != "" {
		_ = adapter.CancelOrder(ctx, pos.Symbol, pos.SLOrderID)
	}

	info, err := adapter.GetSymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("failed to refresh symbol info for bracket replace: %w", err)
	}
	tpPrice := execution.TakeProfitPrice(newEntryPrice, sub.TPPerc, pos.Side, info.TickSize)
	slPrice := execution.StopLossPrice(newEntryPrice, sub.SLPerc, pos.Side, info.TickSize)

	closeSide := domain.OrderSell
	if pos.Side == domain.SideShort {
		closeSide = domain.OrderBuy
	}
	tpRes, tpErr := adapter.PlaceOrder(ctx, domain.OrderRequest{Symbol: pos.Symbol, Side: closeSide, Type: domain.OrderTypeTakeProfitMarket, Quantity: newQuantity, StopPrice: tpPrice, ReduceOnly: true})
	slRes, slErr := adapter.PlaceOrder(ctx, domain.OrderRequest{Symbol: pos.Symbol, Side: closeSide, Type: domain.OrderTypeStopMarket, Quantity: newQuantity, StopPrice: slPrice, ReduceOnly: true})

	var tpOrderID, slOrderID string
	if tpErr == nil {
		tpOrderID = tpRes.ExchangeOrderID
	}
	if slErr == nil {
		slOrderID = slRes.ExchangeOrderID
	}

	if err := s.positions.RecordDCA(ctx, pos.ID, newEntryPrice, newQuantity, additionQty, fillPrice); err != nil {
		return fmt.Errorf("failed to record dca addition: %w", err)
	}
	if err := s.positions.UpdateBrackets(ctx, pos.ID, tpOrderID, slOrderID); err != nil {
		return fmt.Errorf("failed to update brackets after dca: %w", err)
	}

	s.em.Emit("position_supervisor", &events.DCAAdditionPlacedData{
		PositionID: pos.ID, AdditionNum: pos.DCAAdditionsMade + 1, Quantity: additionQty,
	})
	return nil
}


// closePosition submits a reduce-only market close for the full remaining
// quantity and cancels the original SL (the trailing stop supersedes it).
func (s *Supervisor) closePosition(ctx context.Context, adapter domain.ExchangeAdapter, pos domain.Position, reason string) error {
	closeSide := domain.OrderSell
	if pos.Side == domain.SideShort {
		closeSide = domain.OrderBuy
	}

	if err := s.positions.MarkClosing(ctx, pos.ID); err != nil {
		return fmt.Errorf("failed to mark position closing: %w", err)
	}

	if err := s.limiter.Wait(ctx, pos.ExchangeID, pos.SubscriberID); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}
	if pos.SLOrderID != "" {
		_ = adapter.CancelOrder(ctx, pos.Symbol, pos.SLOrderID)
	}
	if pos.TPOrderID != "" {
		_ = adapter.CancelOrder(ctx, pos.Symbol, pos.TPOrderID)
	}
	if _, err := adapter.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: pos.Symbol, Side: closeSide, Type: domain.OrderTypeMarket, Quantity: pos.Quantity, ReduceOnly: true,
	}); err != nil {
		return fmt.Errorf("failed to submit close order: %w", err)
	}

	if err := s.positions.Close(ctx, pos.ID); err != nil {
		return fmt.Errorf("failed to record closed position: %w", err)
	}
	s.em.Emit("position_supervisor", &events.PositionClosedData{
		PositionID: pos.ID, SubscriberID: pos.SubscriberID, Symbol: pos.Symbol, Reason: reason,
	})
	return nil
}

// evaluateGuardrails pauses and flattens any subscriber whose today's
// realized-plus-unrealized PnL has crossed its daily-loss cutoff.
func (s *Supervisor) evaluateGuardrails(ctx context.Context) error {
	subs, err := s.subscribers.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active subscribers: %w", err)
	}

	for _, sub := range subs {
		if sub.DailyLossCutoffPerc <= 0 {
			continue
		}
		if err := s.evaluateSubscriberGuardrail(ctx, sub); err != nil {
			s.log.Error().Err(err).Str("subscriber_id", sub.ID).Msg("guardrail evaluation failed for subscriber")
		}
	}
	return nil
}

func (s *Supervisor) evaluateSubscriberGuardrail(ctx context.Context, sub domain.Subscriber) error {
	exchangeIDs, err := s.subscribers.ApprovedExchanges(ctx, sub.ID)
	if err != nil || len(exchangeIDs) == 0 {
		return err
	}
	exchangeID := exchangeIDs[0]

	adapter, err := s.factory.Get(ctx, sub.ID, exchangeID)
	if err != nil {
		return fmt.Errorf("failed to get exchange adapter: %w", err)
	}

	if err := s.limiter.Wait(ctx, exchangeID, sub.ID); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}
	balance, err := adapter.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch balance: %w", err)
	}

	startEquity, ok, err := s.balances.StartOfDayEquity(ctx, sub.ID, exchangeID)
	if err != nil {
		return fmt.Errorf("failed to load start-of-day equity: %w", err)
	}
	if !ok || startEquity <= 0 {
		return nil // no baseline recorded yet this day; nothing to evaluate against
	}

	pnlPct := (balance.Equity - startEquity) / startEquity
	if pnlPct > -sub.DailyLossCutoffPerc {
		return nil
	}

	until := nextUTCDayBoundary()
	if err := s.subscribers.SetGuardrailPause(ctx, sub.ID, until); err != nil {
		return fmt.Errorf("failed to set guardrail pause: %w", err)
	}
	s.em.Emit("position_supervisor", &events.GuardrailTrippedData{
		SubscriberID: sub.ID, LossFraction: -pnlPct, PausedUntil: until.Format(time.RFC3339),
	})

	afterID := ""
	for {
		batch, err := s.positions.ListOpenBatch(ctx, afterID, batchSize)
		if err != nil {
			return fmt.Errorf("failed to list positions for guardrail flatten: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, pos := range batch {
			if pos.SubscriberID != sub.ID {
				continue
			}
			if !s.locks.tryAcquire(pos.ID) {
				continue
			}
			err := s.closePosition(ctx, adapter, pos, "guardrail")
			s.locks.release(pos.ID)
			if err != nil {
				s.log.Error().Err(err).Str("position_id", pos.ID).Msg("failed to flatten position for guardrail")
			}
		}
		afterID = batch[len(batch)-1].ID
		if len(batch) < batchSize {
			return nil
		}
	}
}

func nextUTCDayBoundary() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
