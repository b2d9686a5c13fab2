package execution

import (
	"context"
	"fmt"

	"github.com/aristath/signalmirror/internal/domain"
)

// BracketResult carries the order ids of a successfully attached TP/SL pair.
type BracketResult struct {
	TPOrderID string
	SLOrderID string
}

// AttachBrackets submits TP and SL reduce-only orders for an opened
// position. If either submission fails, it cancels whichever succeeded and
// market-closes the position, returning an error whose message identifies
// the failure as bracket_attach so the caller records FAILED(bracket_attach).
func AttachBrackets(ctx context.Context, adapter domain.ExchangeAdapter, symbol string, side domain.Side, quantity, tpPrice, slPrice float64) (*BracketResult, error) {
	closeSide := domain.OrderSell
	if side == domain.SideShort {
		closeSide = domain.OrderBuy
	}

	tpRes, tpErr := adapter.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		Side:       closeSide,
		Type:       domain.OrderTypeTakeProfitMarket,
		Quantity:   quantity,
		StopPrice:  tpPrice,
		ReduceOnly: true,
	})

	slRes, slErr := adapter.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		Side:       closeSide,
		Type:       domain.OrderTypeStopMarket,
		Quantity:   quantity,
		StopPrice:  slPrice,
		ReduceOnly: true,
	})

	if tpErr == nil && slErr == nil {
		return &BracketResult{TPOrderID: tpRes.ExchangeOrderID, SLOrderID: slRes.ExchangeOrderID}, nil
	}

	// Unwind: cancel whichever bracket succeeded, then force-close the
	// position at market so the account is never left naked.
	if tpErr == nil {
		_ = adapter.CancelOrder(ctx, symbol, tpRes.ExchangeOrderID)
	}
	if slErr == nil {
		_ = adapter.CancelOrder(ctx, symbol, slRes.ExchangeOrderID)
	}
	_, _ = adapter.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		Side:       closeSide,
		Type:       domain.OrderTypeMarket,
		Quantity:   quantity,
		ReduceOnly: true,
	})

	return nil, fmt.Errorf("bracket_attach: tp_err=%v sl_err=%v", tpErr, slErr)
}
