// Package mock is an in-memory domain.ExchangeAdapter test double used by
// the execution engine and supervisor's unit tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/signalmirror/internal/domain"
)

// Adapter is a configurable, in-memory exchange. Tests set Balances,
// SymbolInfos, and MarkPrices directly, then assert against PlacedOrders.
type Adapter struct {
	mu sync.Mutex

	Balance      domain.AccountBalance
	SymbolInfos  map[string]domain.SymbolInfo
	MarkPrices   map[string]float64
	Positions    map[string]domain.ExchangePosition
	PlacedOrders []domain.OrderRequest

	// NextError, if set, is returned by the next call to PlaceOrder and then cleared.
	NextError error

	nextOrderID int
}

// New creates a mock adapter with empty balances and no known symbols.
func New() *Adapter {
	return &Adapter{
		SymbolInfos: make(map[string]domain.SymbolInfo),
		MarkPrices:  make(map[string]float64),
		Positions:   make(map[string]domain.ExchangePosition),
	}
}

func (a *Adapter) ExchangeID() string { return "mock" }

func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.NextError != nil {
		err := a.NextError
		a.NextError = nil
		return nil, err
	}

	a.PlacedOrders = append(a.PlacedOrders, req)
	a.nextOrderID++

	price := a.MarkPrices[req.Symbol]
	return &domain.OrderResult{
		ExchangeOrderID: fmt.Sprintf("mock-%d", a.nextOrderID),
		Status:          "FILLED",
		AvgFillPrice:    price,
		FilledQuantity:  req.Quantity,
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return nil
}

func (a *Adapter) GetBalance(ctx context.Context) (*domain.AccountBalance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.Balance
	return &b, nil
}

func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	price, ok := a.MarkPrices[symbol]
	if !ok {
		return 0, &domain.SymbolError{Symbol: symbol, Err: fmt.Errorf("no mark price configured")}
	}
	return price, nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.SymbolInfos[symbol]
	if !ok {
		return nil, &domain.SymbolError{Symbol: symbol, Err: fmt.Errorf("symbol not configured")}
	}
	return &info, nil
}

func (a *Adapter) GetPositionState(ctx context.Context, symbol string, side domain.OrderSide) (*domain.ExchangePosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.Positions[symbol]; ok {
		return &p, nil
	}
	return &domain.ExchangePosition{Symbol: symbol, Open: false}, nil
}
