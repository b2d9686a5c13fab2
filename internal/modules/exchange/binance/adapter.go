// Package binance adapts Binance USD-M Futures to the domain.ExchangeAdapter
// capability interface, so the execution engine and supervisor never import
// go-binance directly.
package binance

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/aristath/signalmirror/internal/domain"
)

// Adapter is a per-credential Binance USD-M futures client.
type Adapter struct {
	client *futures.Client

	mu         sync.RWMutex
	symbolInfo map[string]domain.SymbolInfo
}

// New builds an adapter authenticated with apiKey/apiSecret. useTestnet
// routes every call at the futures testnet instead of mainnet.
func New(apiKey, apiSecret string, useTestnet bool) *Adapter {
	futures.UseTestnet = useTestnet
	return &Adapter{
		client:     futures.NewClient(apiKey, apiSecret),
		symbolInfo: make(map[string]domain.SymbolInfo),
	}
}

func (a *Adapter) ExchangeID() string { return "binance" }

// SetLeverage sets the leverage used for subsequent orders on symbol.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := a.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return classifyError(err)
	}
	return nil
}

// PlaceOrder submits req and returns the exchange's acknowledgement.
func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	info, err := a.GetSymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	qty := FormatQuantity(req.Quantity, info.StepSize)

	side := futures.SideTypeBuy
	if req.Side == domain.OrderSell {
		side = futures.SideTypeSell
	}

	svc := a.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(qty)

	switch req.Type {
	case domain.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case domain.OrderTypeStopMarket:
		stopPrice := FormatPrice(req.StopPrice, info.TickSize)
		svc = svc.Type(futures.OrderType("STOP_MARKET")).
			StopPrice(stopPrice).
			WorkingType(futures.WorkingTypeMarkPrice)
	case domain.OrderTypeTakeProfitMarket:
		stopPrice := FormatPrice(req.StopPrice, info.TickSize)
		svc = svc.Type(futures.OrderType("TAKE_PROFIT_MARKET")).
			StopPrice(stopPrice).
			WorkingType(futures.WorkingTypeMarkPrice).
			PriceProtect(true)
	default:
		return nil, fmt.Errorf("unsupported order type: %s", req.Type)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	avgPrice, _ := strconv.ParseFloat(res.AvgPrice, 64)
	filledQty, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)

	return &domain.OrderResult{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		Status:          string(res.Status),
		AvgFillPrice:    avgPrice,
		FilledQuantity:  filledQty,
	}, nil
}

// CancelOrder cancels an open order by exchange order ID.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	orderID, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid exchange order id %q: %w", exchangeOrderID, err)
	}
	_, err = a.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return classifyError(err)
	}
	return nil
}

// GetBalance returns the futures account's total equity and available margin.
func (a *Adapter) GetBalance(ctx context.Context) (*domain.AccountBalance, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	equity, _ := strconv.ParseFloat(account.TotalWalletBalance, 64)
	available, _ := strconv.ParseFloat(account.AvailableBalance, 64)
	return &domain.AccountBalance{Equity: equity, Available: available}, nil
}

// GetMarkPrice returns the current mark price for symbol.
func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := a.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classifyError(err)
	}
	if len(prices) == 0 {
		return 0, &domain.SymbolError{Symbol: symbol, Err: fmt.Errorf("no mark price returned")}
	}
	markPrice, _ := strconv.ParseFloat(prices[0].MarkPrice, 64)
	return markPrice, nil
}

// GetSymbolInfo returns precision/filter rules for symbol, fetching and
// caching the full exchange info table on first miss.
func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	a.mu.RLock()
	info, ok := a.symbolInfo[symbol]
	a.mu.RUnlock()
	if ok {
		return &info, nil
	}

	if err := a.refreshExchangeInfo(ctx); err != nil {
		return nil, err
	}

	a.mu.RLock()
	info, ok = a.symbolInfo[symbol]
	a.mu.RUnlock()
	if !ok {
		return nil, &domain.SymbolError{Symbol: symbol, Err: fmt.Errorf("symbol not found on exchange")}
	}
	return &info, nil
}

func (a *Adapter) refreshExchangeInfo(ctx context.Context) error {
	exInfo, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return classifyError(err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range exInfo.Symbols {
		tickSize, stepSize, minNotional := 0.01, 0.001, 0.0
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				tickSize, _ = strconv.ParseFloat(f["tickSize"].(string), 64)
			case "LOT_SIZE":
				stepSize, _ = strconv.ParseFloat(f["stepSize"].(string), 64)
			case "MIN_NOTIONAL":
				minNotional, _ = strconv.ParseFloat(fmt.Sprintf("%v", f["notional"]), 64)
			}
		}
		a.symbolInfo[s.Symbol] = domain.SymbolInfo{
			Symbol:            s.Symbol,
			PricePrecision:    precisionOf(tickSize),
			QuantityPrecision: precisionOf(stepSize),
			TickSize:          tickSize,
			StepSize:          stepSize,
			MinNotional:       minNotional,
		}
	}
	return nil
}

// GetPositionState returns the exchange's own view of an open position.
func (a *Adapter) GetPositionState(ctx context.Context, symbol string, side domain.OrderSide) (*domain.ExchangePosition, error) {
	risks, err := a.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	for _, p := range risks {
		qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if qty == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		return &domain.ExchangePosition{
			Symbol:        symbol,
			Quantity:      math.Abs(qty),
			EntryPrice:    entry,
			UnrealizedPnL: pnl,
			Open:          true,
		}, nil
	}
	return &domain.ExchangePosition{Symbol: symbol, Open: false}, nil
}

func precisionOf(step float64) int {
	if step <= 0 || step >= 1 {
		return 0
	}
	return int(math.Ceil(-math.Log10(step)))
}

// FormatQuantity rounds qty down to stepSize and formats it the way the
// exchange expects its LOT_SIZE filter argument.
func FormatQuantity(qty, stepSize float64) string {
	precision := precisionOf(stepSize)
	rounded := math.Floor(qty/stepSize) * stepSize
	return strconv.FormatFloat(rounded, 'f', precision, 64)
}

// FormatPrice rounds price to the nearest tickSize.
func FormatPrice(price, tickSize float64) string {
	precision := precisionOf(tickSize)
	rounded := math.Round(price/tickSize) * tickSize
	return strconv.FormatFloat(rounded, 'f', precision, 64)
}

// classifyError maps a go-binance error into the engine's error taxonomy so
// callers can decide retry/skip/escalate without depending on go-binance types.
func classifyError(err error) error {
	if apiErr, ok := err.(*futures.APIError); ok {
		switch {
		case apiErr.Code == -2015 || apiErr.Code == -2014 || apiErr.Code == -1022:
			return &domain.AuthError{ExchangeID: "binance", Err: err}
		case apiErr.Code == -1003:
			return &domain.RateLimitError{ExchangeID: "binance", Err: err}
		case apiErr.Code == -1121 || apiErr.Code == -4141:
			return &domain.SymbolError{Symbol: "", Err: err}
		case apiErr.Code == -2019 || apiErr.Code == -2018:
			return &domain.InsufficientBalanceError{}
		default:
			return &domain.ExchangeRejectError{Code: strconv.FormatInt(apiErr.Code, 10), Message: apiErr.Message}
		}
	}
	return &domain.TransportError{Err: err}
}
