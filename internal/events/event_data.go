package events

// SignalReceivedData describes a newly accepted, deduplicated signal.
type SignalReceivedData struct {
	SignalID string `json:"signal_id"`
	Symbol   string `json:"symbol"`
	Action   string `json:"action"`
}

func (d *SignalReceivedData) EventType() EventType { return SignalReceived }

// SignalSkippedData describes a subscriber that did not act on a signal.
type SignalSkippedData struct {
	SignalID     string `json:"signal_id"`
	SubscriberID string `json:"subscriber_id"`
	Reason       string `json:"reason"`
}

func (d *SignalSkippedData) EventType() EventType { return SignalSkipped }

// OrderPlacedData describes a successfully submitted entry or bracket order.
type OrderPlacedData struct {
	SubscriberID    string  `json:"subscriber_id"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Quantity        float64 `json:"quantity"`
	ExchangeOrderID string  `json:"exchange_order_id"`
}

func (d *OrderPlacedData) EventType() EventType { return OrderPlaced }

// OrderFailedData describes an execution attempt that ended in failure.
type OrderFailedData struct {
	SubscriberID string `json:"subscriber_id"`
	Symbol       string `json:"symbol"`
	Reason       string `json:"reason"`
}

func (d *OrderFailedData) EventType() EventType { return OrderFailed }

// PositionOpenedData describes a new live position, brackets attached.
type PositionOpenedData struct {
	PositionID   string  `json:"position_id"`
	SubscriberID string  `json:"subscriber_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	EntryPrice   float64 `json:"entry_price"`
	Quantity     float64 `json:"quantity"`
}

func (d *PositionOpenedData) EventType() EventType { return PositionOpened }

// PositionClosedData describes a position leaving OPEN state, whether by
// bracket fill, supervisor-initiated close, or detected exchange-side close.
type PositionClosedData struct {
	PositionID   string  `json:"position_id"`
	SubscriberID string  `json:"subscriber_id"`
	Symbol       string  `json:"symbol"`
	Reason       string  `json:"reason"`
	RealizedPnL  float64 `json:"realized_pnl,omitempty"`
}

func (d *PositionClosedData) EventType() EventType { return PositionClosed }

// TrailingStopMovedData describes the supervisor ratcheting a trailing stop.
type TrailingStopMovedData struct {
	PositionID string  `json:"position_id"`
	NewStop    float64 `json:"new_stop"`
}

func (d *TrailingStopMovedData) EventType() EventType { return TrailingStopMoved }

// DCAAdditionPlacedData describes a dollar-cost-average addition to a
// losing position.
type DCAAdditionPlacedData struct {
	PositionID   string  `json:"position_id"`
	AdditionNum  int     `json:"addition_num"`
	Quantity     float64 `json:"quantity"`
}

func (d *DCAAdditionPlacedData) EventType() EventType { return DCAAdditionPlaced }

// GuardrailTrippedData describes a subscriber's daily-loss cutoff engaging.
type GuardrailTrippedData struct {
	SubscriberID string  `json:"subscriber_id"`
	LossFraction float64 `json:"loss_fraction"`
	PausedUntil  string  `json:"paused_until"`
}

func (d *GuardrailTrippedData) EventType() EventType { return GuardrailTripped }

// CredentialDisabledData describes a credential auto-disabled after an
// unrecoverable auth failure.
type CredentialDisabledData struct {
	SubscriberID string `json:"subscriber_id"`
	ExchangeID   string `json:"exchange_id"`
	Reason       string `json:"reason"`
}

func (d *CredentialDisabledData) EventType() EventType { return CredentialDisabled }

// ErrorData carries a bare error message for system-level failures that
// don't fit a more specific event.
type ErrorData struct {
	Error string `json:"error"`
}

func (d *ErrorData) EventType() EventType { return ErrorOccurred }

// JobProgressInfo carries hierarchical progress for a running job: a coarse
// Phase (e.g. "sizing", "placement"), an optional SubPhase, and free-form
// Details for per-job metrics.
type JobProgressInfo struct {
	Current  int                    `json:"current"`
	Total    int                    `json:"total"`
	Message  string                 `json:"message,omitempty"`
	Phase    string                 `json:"phase,omitempty"`
	SubPhase string                 `json:"sub_phase,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// JobStatusData contains data for job lifecycle and progress events.
type JobStatusData struct {
	JobID       string           `json:"job_id"`
	JobType     string           `json:"job_type"`
	Status      string           `json:"status"` // started, progress, completed, failed
	Description string           `json:"description"`
	Progress    *JobProgressInfo `json:"progress,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// EventType resolves by Status since one struct backs four event types.
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "started":
		return JobStarted
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobProgress
	}
}
