// Package domain holds the core entities and broker-agnostic contracts shared
// across the signal dispatch and execution engine. Types here carry no
// persistence or transport concerns; repositories and adapters translate to
// and from these shapes.
package domain

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// SignalAction is the instruction carried by an inbound trading signal.
type SignalAction string

const (
	ActionLong  SignalAction = "long"
	ActionShort SignalAction = "short"
	ActionClose SignalAction = "close"
)

// Subscriber is an account enrolled to copy signals from one or more
// strategies, along with its own risk and post-entry management parameters.
type Subscriber struct {
	ID                       string
	RiskFraction             float64 // fraction of available balance risked per signal, e.g. 0.01
	Leverage                 int
	TPPerc                   float64 // take-profit distance, percent of entry price
	SLPerc                   float64 // stop-loss distance, percent of entry price
	MaxConcurrentPositions   int
	DCAEnabled               bool
	DCAThresholdPerc         float64 // adverse move that triggers the next DCA addition
	DCAMultiplier            float64 // size multiplier applied to each DCA addition
	DCAMaxAdditions          int
	TrailingEnabled          bool
	TrailingActivationPerc   float64 // favorable move required before trailing engages
	TrailingDistancePerc     float64 // trailing stop distance once active
	DailyLossCutoffPerc      float64 // loss fraction of start-of-day equity (realized plus unrealized) that pauses new entries for the day
	EmitsSignals             bool    // true if this subscriber is also a strategy source
	Active                   bool
	SubscriptionExpiresAt    *time.Time
	GuardrailPausedUntil     *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// StrategySubscription overrides a subscriber's default parameters for one
// specific upstream strategy.
type StrategySubscription struct {
	SubscriberID string
	StrategyID   int64
	RiskPerc     *float64
	Leverage     *int
	TPPerc       *float64
	SLPerc       *float64
}

// CredentialStatus tracks the vetting state of a subscriber's exchange API key.
type CredentialStatus string

const (
	CredentialPending  CredentialStatus = "PENDING"
	CredentialApproved CredentialStatus = "APPROVED"
	CredentialRejected CredentialStatus = "REJECTED"
)

// Credential is an encrypted exchange API key/secret pair bound to a
// subscriber and exchange. The plaintext never leaves the credential store.
type Credential struct {
	ID           string
	SubscriberID string
	ExchangeID   string
	Status       CredentialStatus
	Active       bool
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PlaintextCredential is the decrypted form, held only transiently in memory
// for the duration of a single exchange call.
type PlaintextCredential struct {
	APIKey    string
	APISecret string
}

// SignalStatus is the lifecycle state of an inbound trading signal.
type SignalStatus string

const (
	SignalReceived   SignalStatus = "RECEIVED"
	SignalDispatched SignalStatus = "DISPATCHED"
	SignalTerminal   SignalStatus = "TERMINAL"
)

// Signal is a deduplicated trading instruction ready for fan-out to eligible
// subscribers.
type Signal struct {
	SignalID    string
	StrategyID  int64
	Symbol      string
	Action      SignalAction
	RiskPerc    *float64
	Leverage    *int
	TPPerc      *float64
	SLPerc      *float64
	Status      SignalStatus
	ReceivedAt  time.Time
}

// ExecutionOutcome is the result of one subscriber's attempt to act on a signal.
type ExecutionOutcome string

const (
	ExecutionPending   ExecutionOutcome = "PENDING"
	ExecutionSkipped   ExecutionOutcome = "SKIPPED"
	ExecutionSubmitted ExecutionOutcome = "SUBMITTED"
	ExecutionFailed    ExecutionOutcome = "FAILED"
)

// ExecutionAttempt is the idempotency fence row for one (signal, subscriber)
// pair. Its primary key prevents a subscriber from being charged twice for
// the same signal, even across retried jobs or process restarts.
type ExecutionAttempt struct {
	SignalID         string
	SubscriberID     string
	Outcome          ExecutionOutcome
	Reason           string
	ExchangeOrderID  string
	Quantity         float64
	EffectiveParams  EffectiveParams
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EffectiveParams is the parameter snapshot actually used for one execution
// attempt, after overlaying subscriber defaults with any strategy-level and
// signal-level overrides. Persisted alongside the attempt so a later audit
// can reconstruct exactly what was sized without re-deriving the overlay.
type EffectiveParams struct {
	RiskPerc     float64
	Leverage     int
	TPPerc       float64
	SLPerc       float64
}

// PositionStatus is the lifecycle state of a live position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// Position is one subscriber's open exposure on one symbol, tracked for
// post-entry management (brackets, trailing stop, DCA, guardrails).
type Position struct {
	ID                 string
	SubscriberID       string
	ExchangeID         string
	Symbol             string
	Side               Side
	Status             PositionStatus
	EntryPrice         float64
	Quantity           float64
	TPOrderID          string
	SLOrderID          string
	BestFavorablePrice float64 // highest (LONG) or lowest (SHORT) mark price seen since entry
	TrailingActive     bool
	DCAAdditionsMade    int
	DCALastPrice       float64
	LastAdditionQty    float64 // quantity of the initial entry, or of the most recent DCA addition
	OpenedAt           time.Time
	ClosedAt           *time.Time
	UpdatedAt          time.Time
}

// BalanceSnapshot is a point-in-time reading of a subscriber's exchange
// account equity, used to evaluate the daily-loss guardrail and for audit.
type BalanceSnapshot struct {
	SubscriberID string
	ExchangeID   string
	Instant      time.Time
	Equity       float64
	Available    float64
}

// AuditEvent is an immutable record of something that happened, persisted
// for later inspection and optionally fanned out to notification sinks.
type AuditEvent struct {
	ID           string
	SubscriberID string // empty for system-level events
	EventType    string
	Severity     string
	Payload      []byte // msgpack-encoded
	Instant      time.Time
}
