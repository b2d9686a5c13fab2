package subscribers

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
)

const testSchema = `
CREATE TABLE subscribers (
	id                      TEXT PRIMARY KEY,
	risk_fraction           REAL    NOT NULL,
	leverage                INTEGER NOT NULL,
	tp_perc                 REAL    NOT NULL DEFAULT 0,
	sl_perc                 REAL    NOT NULL DEFAULT 0,
	max_concurrent_positions INTEGER NOT NULL DEFAULT 0,
	dca_enabled             INTEGER NOT NULL DEFAULT 0,
	dca_threshold_perc      REAL    NOT NULL DEFAULT 0,
	dca_multiplier          REAL    NOT NULL DEFAULT 1,
	dca_max_additions       INTEGER NOT NULL DEFAULT 0,
	trailing_enabled        INTEGER NOT NULL DEFAULT 0,
	trailing_activation_perc REAL   NOT NULL DEFAULT 0,
	trailing_distance_perc  REAL    NOT NULL DEFAULT 0,
	daily_loss_cutoff_perc  REAL    NOT NULL DEFAULT 0,
	emits_signals           INTEGER NOT NULL DEFAULT 0,
	active                  INTEGER NOT NULL DEFAULT 1,
	subscription_expires_at INTEGER,
	guardrail_paused_until  INTEGER,
	created_at              INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL
);

CREATE TABLE strategy_subscriptions (
	subscriber_id TEXT    NOT NULL,
	strategy_id   INTEGER NOT NULL,
	risk_perc     REAL,
	leverage      INTEGER,
	tp_perc       REAL,
	sl_perc       REAL,
	PRIMARY KEY (subscriber_id, strategy_id)
);

CREATE TABLE credentials (
	id              TEXT PRIMARY KEY,
	subscriber_id   TEXT NOT NULL,
	exchange_id     TEXT NOT NULL,
	ciphertext      BLOB NOT NULL,
	nonce           BLOB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'PENDING',
	active          INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	UNIQUE (subscriber_id, exchange_id)
);
`

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func insertSubscriber(t *testing.T, db *sql.DB, id string, active bool) {
	t.Helper()
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO subscribers (
			id, risk_fraction, leverage, tp_perc, sl_perc, max_concurrent_positions,
			dca_enabled, dca_threshold_perc, dca_multiplier, dca_max_additions,
			trailing_enabled, trailing_activation_perc, trailing_distance_perc,
			daily_loss_cutoff_perc, emits_signals, active, created_at, updated_at
		) VALUES (?, 0.02, 5, 0.03, 0.015, 3, 1, 0.02, 1.5, 2, 1, 0.01, 0.005, 0.1, 0, ?, ?, ?)`,
		id, boolToInt(active), now, now)
	require.NoError(t, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestRepo_GetReturnsSubscriberWithDecodedFields(t *testing.T) {
	db := newTestDB(t)
	insertSubscriber(t, db, "sub-1", true)

	repo := NewRepo(db)
	sub, err := repo.Get(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Equal(t, "sub-1", sub.ID)
	require.Equal(t, 0.02, sub.RiskFraction)
	require.Equal(t, 5, sub.Leverage)
	require.True(t, sub.DCAEnabled)
	require.True(t, sub.TrailingEnabled)
	require.Nil(t, sub.SubscriptionExpiresAt)
	require.Nil(t, sub.GuardrailPausedUntil)
}

func TestRepo_GetReturnsErrNoRowsForMissingSubscriber(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRepo_ListActiveExcludesInactiveSubscribers(t *testing.T) {
	db := newTestDB(t)
	insertSubscriber(t, db, "sub-active", true)
	insertSubscriber(t, db, "sub-inactive", false)

	repo := NewRepo(db)
	out, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "sub-active", out[0].ID)
}

func TestRepo_StrategyOverrideReturnsNilWhenAbsent(t *testing.T) {
	db := newTestDB(t)
	insertSubscriber(t, db, "sub-1", true)

	repo := NewRepo(db)
	override, err := repo.StrategyOverride(context.Background(), "sub-1", 42)
	require.NoError(t, err)
	require.Nil(t, override)
}

func TestRepo_StrategyOverrideDecodesPartialOverride(t *testing.T) {
	db := newTestDB(t)
	insertSubscriber(t, db, "sub-1", true)
	_, err := db.Exec(`INSERT INTO strategy_subscriptions (subscriber_id, strategy_id, risk_perc, leverage) VALUES (?, ?, ?, ?)`,
		"sub-1", 42, 0.05, 10)
	require.NoError(t, err)

	repo := NewRepo(db)
	override, err := repo.StrategyOverride(context.Background(), "sub-1", 42)
	require.NoError(t, err)
	require.NotNil(t, override)
	require.NotNil(t, override.RiskPerc)
	require.Equal(t, 0.05, *override.RiskPerc)
	require.NotNil(t, override.Leverage)
	require.Equal(t, 10, *override.Leverage)
	require.Nil(t, override.TPPerc)
	require.Nil(t, override.SLPerc)
}

func insertCredential(t *testing.T, db *sql.DB, subscriberID, exchangeID, status string, active bool) {
	t.Helper()
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO credentials (id, subscriber_id, exchange_id, ciphertext, nonce, status, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscriberID+"-"+exchangeID, subscriberID, exchangeID, []byte("ct"), []byte("n"), status, boolToInt(active), now, now)
	require.NoError(t, err)
}

func TestRepo_ApprovedExchangesOnlyReturnsApprovedAndActive(t *testing.T) {
	db := newTestDB(t)
	insertCredential(t, db, "sub-1", "binance", "APPROVED", true)
	insertCredential(t, db, "sub-1", "bybit", "PENDING", true)
	insertCredential(t, db, "sub-1", "okx", "APPROVED", false)

	repo := NewRepo(db)
	out, err := repo.ApprovedExchanges(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Equal(t, []string{"binance"}, out)
}

func TestRepo_HasApprovedCredential(t *testing.T) {
	db := newTestDB(t)
	insertCredential(t, db, "sub-1", "binance", "APPROVED", true)

	repo := NewRepo(db)
	ok, err := repo.HasApprovedCredential(context.Background(), "sub-1", "binance")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.HasApprovedCredential(context.Background(), "sub-1", "bybit")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRepo_SetGuardrailPausePersists(t *testing.T) {
	db := newTestDB(t)
	insertSubscriber(t, db, "sub-1", true)

	repo := NewRepo(db)
	until := time.Now().Add(12 * time.Hour).Truncate(time.Second)
	require.NoError(t, repo.SetGuardrailPause(context.Background(), "sub-1", until))

	sub, err := repo.Get(context.Background(), "sub-1")
	require.NoError(t, err)
	require.NotNil(t, sub.GuardrailPausedUntil)
	require.Equal(t, until.Unix(), sub.GuardrailPausedUntil.Unix())
}
