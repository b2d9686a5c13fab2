package domain

import (
	"context"
	"fmt"
)

// OrderSide is the exchange-facing direction of an order.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderType distinguishes an entry market order from a bracket order.
type OrderType string

const (
	OrderTypeMarket            OrderType = "MARKET"
	OrderTypeStopMarket        OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket  OrderType = "TAKE_PROFIT_MARKET"
)

// OrderRequest describes an order to be placed on an exchange. StopPrice is
// ignored for OrderTypeMarket.
type OrderRequest struct {
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Quantity    float64
	StopPrice   float64
	ReduceOnly  bool
	ClientOrderID string
}

// OrderResult is the exchange's acknowledgement of a placed order.
type OrderResult struct {
	ExchangeOrderID string
	Status          string
	AvgFillPrice    float64
	FilledQuantity  float64
}

// AccountBalance is the exchange-reported equity/available snapshot used to
// size new entries and evaluate guardrails.
type AccountBalance struct {
	Equity    float64
	Available float64
}

// SymbolInfo carries exchange precision/filter rules needed to round order
// quantity and price to valid increments before submission.
type SymbolInfo struct {
	Symbol        string
	PricePrecision    int
	QuantityPrecision int
	TickSize          float64
	StepSize          float64
	MinNotional       float64
}

// ExchangeAdapter is the capability interface every supported exchange
// implements. The execution engine and position supervisor depend only on
// this interface, never on a concrete exchange client, so a new exchange is
// added by writing one adapter and nothing else.
type ExchangeAdapter interface {
	ExchangeID() string

	// SetLeverage sets the account-wide or per-symbol leverage used for
	// subsequent order placement on symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceOrder submits an order and returns once the exchange has
	// acknowledged it (not necessarily filled).
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CancelOrder cancels a still-open order; a no-op error is returned if
	// the order has already filled or been cancelled.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// GetBalance returns current account equity and available margin.
	GetBalance(ctx context.Context) (*AccountBalance, error)

	// GetMarkPrice returns the current mark price used for guardrail and
	// trailing-stop evaluation (not the last traded price).
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// GetSymbolInfo returns precision and filter rules for symbol.
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	// GetPositionState returns the exchange's own view of an open position,
	// used by the supervisor to detect positions closed outside this engine
	// (manual intervention, liquidation).
	GetPositionState(ctx context.Context, symbol string, side OrderSide) (*ExchangePosition, error)
}

// ExchangePosition is the exchange's own record of an open position.
type ExchangePosition struct {
	Symbol        string
	Quantity      float64
	EntryPrice    float64
	UnrealizedPnL float64
	Open          bool
}

// AdapterFactory resolves the ExchangeAdapter a subscriber's (subscriber,
// exchange) pair should use. The execution engine and position supervisor
// depend only on this interface, never on the concrete credential-resolving
// factory, so they can be exercised in tests against a stub.
type AdapterFactory interface {
	Get(ctx context.Context, subscriberID, exchangeID string) (ExchangeAdapter, error)
}

// CredentialProvider resolves the decrypted API key/secret for a subscriber's
// exchange credential, used by the exchange adapter factory to build a
// per-subscriber client without the domain layer knowing about encryption.
type CredentialProvider interface {
	Resolve(ctx context.Context, subscriberID, exchangeID string) (*PlaintextCredential, error)
}

// Error taxonomy. Callers distinguish these with errors.As to decide whether
// to retry, skip, or escalate, per the engine's error-handling design.

// AuthError means the exchange rejected the credential itself (bad key,
// revoked permissions). Never retried; the credential is disabled.
type AuthError struct {
	ExchangeID string
	Err        error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth error on %s: %v", e.ExchangeID, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError means the exchange is throttling this credential. Retried
// with backoff honoring RetryAfter when the exchange supplies one.
type RateLimitError struct {
	ExchangeID string
	RetryAfterSeconds int
	Err               error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s: %v", e.ExchangeID, e.Err)
}
func (e *RateLimitError) Unwrap() error { return e.Err }

// SymbolError means the exchange does not support the requested symbol, or
// the symbol is in a non-tradable state (halted, delisted). Not retried;
// the signal is skipped for this subscriber.
type SymbolError struct {
	Symbol string
	Err    error
}

func (e *SymbolError) Error() string { return fmt.Sprintf("symbol error on %s: %v", e.Symbol, e.Err) }
func (e *SymbolError) Unwrap() error { return e.Err }

// InsufficientBalanceError means the subscriber's account cannot support the
// sized order. Not retried; the signal is skipped for this subscriber.
type InsufficientBalanceError struct {
	Required  float64
	Available float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %.2f, available %.2f", e.Required, e.Available)
}

// TransportError means the request never reliably reached the exchange, or
// its response was ambiguous (timeout, connection reset). Retried with
// backoff; the caller must reconcile exchange state before retrying to avoid
// a duplicate order.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ExchangeRejectError means the exchange processed the request and declined
// it for a reason specific to that request (invalid quantity, filter
// violation). Not retried as-is; the caller may adjust and resubmit once.
type ExchangeRejectError struct {
	Code    string
	Message string
}

func (e *ExchangeRejectError) Error() string {
	return fmt.Sprintf("exchange rejected order: %s: %s", e.Code, e.Message)
}
