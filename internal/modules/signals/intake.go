package signals

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/signalmirror/internal/domain"
	"github.com/aristath/signalmirror/internal/queue"
)

// RawSignal is the decoded webhook body, before validation.
type RawSignal struct {
	Passphrase string   `json:"passphrase"`
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	RiskPerc   *float64 `json:"risk_perc,omitempty"`
	Leverage   *int     `json:"leverage,omitempty"`
	TPPerc     *float64 `json:"tp_perc,omitempty"`
	SLPerc     *float64 `json:"sl_perc,omitempty"`
	StrategyID *int64   `json:"strategy_id,omitempty"`
}

// ValidationError is a 400-worthy schema failure; distinct from passphrase
// mismatch (403) so the HTTP handler can pick the right status code.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// ErrPassphraseMismatch is returned when the webhook's passphrase does not
// match the configured shared secret.
var ErrPassphraseMismatch = fmt.Errorf("passphrase mismatch")

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]+$`)

// canonicalizeSymbol uppercases and strips separators, the canonical form
// used internally (e.g. "btc-usdt" -> "BTCUSDT").
func canonicalizeSymbol(raw string) string {
	s := strings.ToUpper(raw)
	s = strings.NewReplacer("-", "", "_", "", "/", "", " ", "").Replace(s)
	return s
}

// Intake validates and deduplicates inbound signals, enqueueing an
// execute_signal job exactly once per distinct signal body.
type Intake struct {
	repo       *Repo
	queue      *queue.Manager
	passphrase string
	log        zerolog.Logger
}

// NewIntake builds an Intake service checked against passphrase.
func NewIntake(repo *Repo, q *queue.Manager, passphrase string, log zerolog.Logger) *Intake {
	return &Intake{repo: repo, queue: q, passphrase: passphrase, log: log.With().Str("component", "signal_intake").Logger()}
}

// IngestResult is the outcome of one ingest call.
type IngestResult struct {
	SignalID string
	Symbol   string
	Action   string
	Status   string // "queued" or "duplicate"
}

// Ingest validates raw, computes its deterministic signal_id, and enqueues
// execute_signal exactly once across any number of byte-identical retries.
func (in *Intake) Ingest(ctx context.Context, raw RawSignal) (*IngestResult, error) {
	if subtle.ConstantTimeCompare([]byte(raw.Passphrase), []byte(in.passphrase)) != 1 {
		return nil, ErrPassphraseMismatch
	}

	symbol := canonicalizeSymbol(raw.Symbol)
	if symbol == "" || !symbolPattern.MatchString(symbol) {
		return nil, &ValidationError{Field: "symbol", Detail: "must be non-empty alphanumeric"}
	}

	action := domain.SignalAction(strings.ToLower(raw.Action))
	switch action {
	case domain.ActionLong, domain.ActionShort, domain.ActionClose:
	default:
		return nil, &ValidationError{Field: "action", Detail: "must be one of long, short, close"}
	}

	if raw.RiskPerc != nil && (*raw.RiskPerc < 0 || *raw.RiskPerc > 1) {
		return nil, &ValidationError{Field: "risk_perc", Detail: "must be between 0 and 1"}
	}
	if raw.Leverage != nil && (*raw.Leverage < 1 || *raw.Leverage > 125) {
		return nil, &ValidationError{Field: "leverage", Detail: "must be between 1 and 125"}
	}
	if raw.TPPerc != nil && *raw.TPPerc < 0 {
		return nil, &ValidationError{Field: "tp_perc", Detail: "must be >= 0"}
	}
	if raw.SLPerc != nil && *raw.SLPerc < 0 {
		return nil, &ValidationError{Field: "sl_perc", Detail: "must be >= 0"}
	}

	signalID, err := canonicalHash(raw, symbol, string(action))
	if err != nil {
		return nil, fmt.Errorf("failed to compute signal id: %w", err)
	}

	var strategyID int64
	if raw.StrategyID != nil {
		strategyID = *raw.StrategyID
	}

	s := domain.Signal{
		SignalID:   signalID,
		StrategyID: strategyID,
		Symbol:     symbol,
		Action:     action,
		RiskPerc:   raw.RiskPerc,
		Leverage:   raw.Leverage,
		TPPerc:     raw.TPPerc,
		SLPerc:     raw.SLPerc,
		Status:     domain.SignalReceived,
		ReceivedAt: time.Now(),
	}

	created, err := in.repo.Insert(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("failed to persist signal: %w", err)
	}

	status := "duplicate"
	if created {
		status = "queued"
		// DedupeKey makes the enqueue itself idempotent too: even if Insert
		// raced with another delivery that already enqueued, the job queue
		// silently drops the second insert.
		if err := in.queue.Enqueue(&queue.Job{
			Type:      queue.JobTypeExecuteSignal,
			Priority:  queue.PriorityHigh,
			Payload:   map[string]interface{}{"signal_id": signalID},
			DedupeKey: "execute_signal:" + signalID,
		}); err != nil {
			return nil, fmt.Errorf("failed to enqueue execute_signal: %w", err)
		}
		in.log.Info().Str("signal_id", signalID).Str("symbol", symbol).Str("action", string(action)).Msg("signal accepted")
	} else {
		in.log.Debug().Str("signal_id", signalID).Msg("duplicate signal, not re-dispatched")
	}

	return &IngestResult{SignalID: signalID, Symbol: symbol, Action: string(action), Status: status}, nil
}

// canonicalHash hashes a stable JSON encoding of the validated, canonical
// fields (not the raw body) so semantically identical deliveries that differ
// only in symbol casing or separators still collapse to the same signal_id.
func canonicalHash(raw RawSignal, symbol, action string) (string, error) {
	canonical := map[string]interface{}{
		"symbol": symbol,
		"action": action,
	}
	if raw.RiskPerc != nil {
		canonical["risk_perc"] = *raw.RiskPerc
	}
	if raw.Leverage != nil {
		canonical["leverage"] = *raw.Leverage
	}
	if raw.TPPerc != nil {
		canonical["tp_perc"] = *raw.TPPerc
	}
	if raw.SLPerc != nil {
		canonical["sl_perc"] = *raw.SLPerc
	}
	if raw.StrategyID != nil {
		canonical["strategy_id"] = *raw.StrategyID
	}

	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kv, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		vv, err := json.Marshal(canonical[k])
		if err != nil {
			return "", err
		}
		ordered = append(ordered, kv...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vv...)
	}
	ordered = append(ordered, '}')

	sum := sha256.Sum256(ordered)
	return hex.EncodeToString(sum[:]), nil
}
