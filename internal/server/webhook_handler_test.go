package server

import (
	"bytes"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/signalmirror/internal/events"
	"github.com/aristath/signalmirror/internal/modules/signals"
	"github.com/aristath/signalmirror/internal/queue"
)

const webhookTestSchema = `
CREATE TABLE signals (
	signal_id    TEXT PRIMARY KEY,
	strategy_id  INTEGER,
	symbol       TEXT    NOT NULL,
	action       TEXT    NOT NULL,
	risk_perc    REAL,
	leverage     INTEGER,
	tp_perc      REAL,
	sl_perc      REAL,
	status       TEXT    NOT NULL DEFAULT 'RECEIVED',
	received_at  INTEGER NOT NULL
);
CREATE TABLE jobs (
	id           TEXT PRIMARY KEY,
	type         TEXT    NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 1,
	payload      TEXT,
	dedupe_key   TEXT,
	available_at INTEGER NOT NULL,
	retries      INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 5,
	status       TEXT    NOT NULL DEFAULT 'QUEUED',
	created_at   INTEGER NOT NULL,
	UNIQUE (dedupe_key)
);
`

func newTestWebhookHandler(t *testing.T, passphrase string) *WebhookHandler {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(webhookTestSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	em := events.NewManager(log)
	q := queue.NewManager(db, em, log, 1)
	intake := signals.NewIntake(signals.NewRepo(db), q, passphrase, log)
	return NewWebhookHandler(intake, log)
}

func doWebhookRequest(t *testing.T, h *WebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler_ValidSignalReturns200(t *testing.T) {
	h := newTestWebhookHandler(t, "secret")
	rec := doWebhookRequest(t, h, `{"passphrase":"secret","symbol":"BTCUSDT","action":"long"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"queued"`)
}

func TestWebhookHandler_WrongPassphraseReturns403(t *testing.T) {
	h := newTestWebhookHandler(t, "secret")
	rec := doWebhookRequest(t, h, `{"passphrase":"wrong","symbol":"BTCUSDT","action":"long"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookHandler_InvalidActionReturns400(t *testing.T) {
	h := newTestWebhookHandler(t, "secret")
	rec := doWebhookRequest(t, h, `{"passphrase":"secret","symbol":"BTCUSDT","action":"hodl"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookHandler_MalformedBodyReturns400(t *testing.T) {
	h := newTestWebhookHandler(t, "secret")
	rec := doWebhookRequest(t, h, `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
