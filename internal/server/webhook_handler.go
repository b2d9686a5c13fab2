package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aristath/signalmirror/internal/modules/signals"
)

// WebhookHandler implements POST /webhook: the Signal Intake contract.
type WebhookHandler struct {
	intake *signals.Intake
	log    zerolog.Logger
}

// NewWebhookHandler builds a handler backed by intake.
func NewWebhookHandler(intake *signals.Intake, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{intake: intake, log: log.With().Str("component", "webhook_handler").Logger()}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var raw signals.RawSignal
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := h.intake.Ingest(r.Context(), raw)
	if err != nil {
		var validationErr *signals.ValidationError
		switch {
		case errors.Is(err, signals.ErrPassphraseMismatch):
			writeJSONError(w, http.StatusForbidden, "passphrase mismatch")
		case errors.As(err, &validationErr):
			writeJSONError(w, http.StatusBadRequest, validationErr.Error())
		default:
			h.log.Error().Err(err).Msg("failed to ingest signal")
			writeJSONError(w, http.StatusInternalServerError, "failed to process signal")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    result.Status,
		"signal_id": result.SignalID,
		"symbol":    result.Symbol,
		"action":    result.Action,
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
