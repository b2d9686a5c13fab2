package execution

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/signalmirror/internal/domain"
	"github.com/aristath/signalmirror/internal/events"
	"github.com/aristath/signalmirror/internal/modules/exchange/mock"
	"github.com/aristath/signalmirror/internal/modules/positions"
	"github.com/aristath/signalmirror/internal/modules/ratelimiter"
	"github.com/aristath/signalmirror/internal/modules/subscribers"
)

const enginePositionsSchema = `
CREATE TABLE positions (
	id                  TEXT PRIMARY KEY,
	subscriber_id       TEXT    NOT NULL,
	exchange_id         TEXT    NOT NULL,
	symbol              TEXT    NOT NULL,
	side                TEXT    NOT NULL,
	status              TEXT    NOT NULL DEFAULT 'OPEN',
	entry_price         REAL    NOT NULL,
	quantity            REAL    NOT NULL,
	tp_order_id         TEXT,
	sl_order_id         TEXT,
	best_favorable_price REAL,
	trailing_active     INTEGER NOT NULL DEFAULT 0,
	dca_additions_made  INTEGER NOT NULL DEFAULT 0,
	dca_last_price      REAL,
	last_addition_qty   REAL    NOT NULL DEFAULT 0,
	opened_at           INTEGER NOT NULL,
	closed_at           INTEGER,
	updated_at          INTEGER NOT NULL
);
CREATE UNIQUE INDEX idx_positions_open_unique
	ON positions (subscriber_id, exchange_id, symbol, side)
	WHERE status = 'OPEN';

CREATE TABLE execution_attempts (
	signal_id       TEXT    NOT NULL,
	subscriber_id   TEXT    NOT NULL,
	outcome         TEXT    NOT NULL DEFAULT 'PENDING',
	reason          TEXT,
	exchange_order_id TEXT,
	quantity        REAL,
	effective_params TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (signal_id, subscriber_id)
);
`

// fakeFactory returns a fixed adapter regardless of subscriber/exchange,
// letting tests drive the engine against a mock.Adapter without resolving
// real credentials.
type fakeFactory struct {
	adapter domain.ExchangeAdapter
	err     error
}

func (f *fakeFactory) Get(ctx context.Context, subscriberID, exchangeID string) (domain.ExchangeAdapter, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.adapter, nil
}

type engineHarness struct {
	engine    *Engine
	positions *positions.Repo
	attempts  *Repo
	adapter   *mock.Adapter
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(enginePositionsSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	posRepo := positions.NewRepo(db)
	attemptsRepo := NewRepo(db)
	adapter := mock.New()
	adapter.Balance = domain.AccountBalance{Equity: 10000, Available: 10000}
	adapter.SymbolInfos["BTCUSDT"] = domain.SymbolInfo{Symbol: "BTCUSDT", StepSize: 0.001, TickSize: 0.1, MinNotional: 10}
	adapter.MarkPrices["BTCUSDT"] = 50000

	log := zerolog.Nop()
	em := events.NewManager(log)
	limiter := ratelimiter.NewRegistry(ratelimiter.Limit{RatePerSecond: 1000, Burst: 1000}, nil)
	engine := NewEngine(attemptsRepo, posRepo, &fakeFactory{adapter: adapter}, limiter, em, log)

	return &engineHarness{engine: engine, positions: posRepo, attempts: attemptsRepo, adapter: adapter}
}

func baseSignal() domain.Signal {
	return domain.Signal{SignalID: "sig-1", StrategyID: 1, Symbol: "BTCUSDT", Action: domain.ActionLong}
}

func baseElig(sub domain.Subscriber) subscribers.Eligible {
	return subscribers.Eligible{
		Subscriber: sub,
		ExchangeID: "binance",
		Params:     domain.EffectiveParams{RiskPerc: 0.01, Leverage: 5, TPPerc: 0.03, SLPerc: 0.015},
	}
}

func activeSubscriber() domain.Subscriber {
	return domain.Subscriber{ID: "sub-1", Active: true, MaxConcurrentPositions: 5}
}

func TestEngine_RunOpensPositionAndRecordsSubmittedOnSuccess(t *testing.T) {
	h := newEngineHarness(t)
	elig := baseElig(activeSubscriber())

	require.NoError(t, h.engine.Run(context.Background(), baseSignal(), elig))

	pos, err := h.positions.GetOpen(context.Background(), "sub-1", "binance", "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	require.NotNil(t, pos)
	require.Equal(t, "BTCUSDT", pos.Symbol)
	require.Len(t, h.adapter.PlacedOrders, 3) // entry + TP + SL
}

func TestEngine_RunIsANoOpOnSecondAttemptForSameSignalAndSubscriber(t *testing.T) {
	h := newEngineHarness(t)
	elig := baseElig(activeSubscriber())
	signal := baseSignal()

	require.NoError(t, h.engine.Run(context.Background(), signal, elig))
	firstOrders := len(h.adapter.PlacedOrders)

	require.NoError(t, h.engine.Run(context.Background(), signal, elig))
	require.Len(t, h.adapter.PlacedOrders, firstOrders, "fenced second attempt must not place any new orders")
}

func TestEngine_RunSkipsInactiveSubscriber(t *testing.T) {
	h := newEngineHarness(t)
	sub := activeSubscriber()
	sub.Active = false
	elig := baseElig(sub)

	require.NoError(t, h.engine.Run(context.Background(), baseSignal(), elig))

	var outcome, reason string
	require.NoError(t, h.attempts.db.QueryRow(`SELECT outcome, reason FROM execution_attempts WHERE signal_id = ?`, "sig-1").Scan(&outcome, &reason))
	require.Equal(t, "SKIPPED", outcome)
	require.Equal(t, "subscriber_inactive", reason)
	require.Empty(t, h.adapter.PlacedOrders)
}

func TestEngine_RunSkipsWhenMaxConcurrentPositionsReached(t *testing.T) {
	h := newEngineHarness(t)
	sub := activeSubscriber()
	sub.MaxConcurrentPositions = 1
	elig := baseElig(sub)

	// Occupy the single allowed slot with an unrelated open position.
	_, err := h.positions.Open(context.Background(), domain.Position{
		SubscriberID: "sub-1", ExchangeID: "binance", Symbol: "ETHUSDT", Side: domain.SideLong, EntryPrice: 1, Quantity: 1,
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(context.Background(), baseSignal(), elig))

	var outcome, reason string
	require.NoError(t, h.attempts.db.QueryRow(`SELECT outcome, reason FROM execution_attempts WHERE signal_id = ?`, "sig-1").Scan(&outcome, &reason))
	require.Equal(t, "SKIPPED", outcome)
	require.Equal(t, "max_concurrent_positions", reason)
}

func TestEngine_RunSkipsDuplicateSameSidePosition(t *testing.T) {
	h := newEngineHarness(t)
	elig := baseElig(activeSubscriber())

	_, err := h.positions.Open(context.Background(), domain.Position{
		SubscriberID: "sub-1", ExchangeID: "binance", Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 1, Quantity: 1,
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(context.Background(), baseSignal(), elig))

	var outcome, reason string
	require.NoError(t, h.attempts.db.QueryRow(`SELECT outcome, reason FROM execution_attempts WHERE signal_id = ?`, "sig-1").Scan(&outcome, &reason))
	require.Equal(t, "SKIPPED", outcome)
	require.Equal(t, "duplicate_same_side_position", reason)
}

func TestEngine_RunSkipsCloseSignalWithNoOpenPosition(t *testing.T) {
	h := newEngineHarness(t)
	elig := baseElig(activeSubscriber())
	signal := baseSignal()
	signal.Action = domain.ActionClose

	require.NoError(t, h.engine.Run(context.Background(), signal, elig))

	var outcome, reason string
	require.NoError(t, h.attempts.db.QueryRow(`SELECT outcome, reason FROM execution_attempts WHERE signal_id = ?`, signal.SignalID).Scan(&outcome, &reason))
	require.Equal(t, "SKIPPED", outcome)
	require.Equal(t, "no_open_position", reason)
}

func TestEngine_RunClosesExistingPositionOnCloseSignal(t *testing.T) {
	h := newEngineHarness(t)
	elig := baseElig(activeSubscriber())

	positionID, err := h.positions.Open(context.Background(), domain.Position{
		SubscriberID: "sub-1", ExchangeID: "binance", Symbol: "BTCUSDT", Side: domain.SideLong, EntryPrice: 49000, Quantity: 0.5,
	})
	require.NoError(t, err)

	signal := baseSignal()
	signal.Action = domain.ActionClose

	require.NoError(t, h.engine.Run(context.Background(), signal, elig))

	pos, err := h.positions.GetOpen(context.Background(), "sub-1", "binance", "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	require.Nil(t, pos, "position %s should no longer be open", positionID)
	require.Len(t, h.adapter.PlacedOrders, 1)
	require.Equal(t, domain.OrderSell, h.adapter.PlacedOrders[0].Side)
	require.True(t, h.adapter.PlacedOrders[0].ReduceOnly)

	var status string
	require.NoError(t, h.attempts.db.QueryRow(`SELECT status FROM positions WHERE id = ?`, positionID).Scan(&status))
	require.Equal(t, "CLOSED", status, "a server-initiated close must pass through MarkClosing before Close")
}

func TestEngine_RunSkipsBelowNotionalSize(t *testing.T) {
	h := newEngineHarness(t)
	h.adapter.SymbolInfos["BTCUSDT"] = domain.SymbolInfo{Symbol: "BTCUSDT", StepSize: 0.001, TickSize: 0.1, MinNotional: 1_000_000}
	elig := baseElig(activeSubscriber())

	require.NoError(t, h.engine.Run(context.Background(), baseSignal(), elig))

	var outcome, reason string
	require.NoError(t, h.attempts.db.QueryRow(`SELECT outcome, reason FROM execution_attempts WHERE signal_id = ?`, "sig-1").Scan(&outcome, &reason))
	require.Equal(t, "SKIPPED", outcome)
	require.Equal(t, "below_notional", reason)
}

func TestEngine_RunFailsAndRecordsReasonWhenEntryOrderRejected(t *testing.T) {
	h := newEngineHarness(t)
	elig := baseElig(activeSubscriber())

	// mock.Adapter fires NextError on the very next PlaceOrder call, which
	// is the entry order itself.
	h.adapter.NextError = &domain.ExchangeRejectError{Code: "INVALID_QTY", Message: "quantity below minimum"}

	require.NoError(t, h.engine.Run(context.Background(), baseSignal(), elig))

	var outcome, reason string
	require.NoError(t, h.attempts.db.QueryRow(`SELECT outcome, reason FROM execution_attempts WHERE signal_id = ?`, "sig-1").Scan(&outcome, &reason))
	require.Equal(t, "FAILED", outcome)
	require.Contains(t, reason, "exchange_rejected")
}

func TestEngine_RunFailsWhenCredentialResolutionErrors(t *testing.T) {
	h := newEngineHarness(t)
	h.engine.factory = &fakeFactory{err: &domain.AuthError{ExchangeID: "binance"}}
	elig := baseElig(activeSubscriber())

	require.NoError(t, h.engine.Run(context.Background(), baseSignal(), elig))

	var outcome, reason string
	require.NoError(t, h.attempts.db.QueryRow(`SELECT outcome, reason FROM execution_attempts WHERE signal_id = ?`, "sig-1").Scan(&outcome, &reason))
	require.Equal(t, "FAILED", outcome)
	require.Contains(t, reason, "credential_error")
}
