package notifications

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/signalmirror/internal/domain"
	"github.com/aristath/signalmirror/internal/events"
)

// Sink delivers one event payload to an external destination. A sink error
// is logged and otherwise swallowed: sink health never gates trading.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event events.Event, payload []byte) error
}

// severityOf maps an event type to an audit severity, matching how the
// supervisor and engine use these events: guardrail trips and failures are
// warnings, everything else is informational.
func severityOf(t events.EventType) string {
	switch t {
	case events.GuardrailTripped, events.OrderFailed, events.ErrorOccurred, events.JobFailed:
		return "warning"
	default:
		return "info"
	}
}

// FanOut subscribes to every domain event type and to job failures on an
// events.Manager and, off the emitting goroutine, records each event to the
// audit log and delivers it to every configured Sink.
type FanOut struct {
	repo  *Repo
	sinks []Sink
	log   zerolog.Logger

	jobs chan events.Event
	wg   sync.WaitGroup
	stop chan struct{}
}

// NewFanOut creates a fan-out with a bounded dispatch queue of depth
// queueDepth, backed by workerCount goroutines.
func NewFanOut(repo *Repo, sinks []Sink, log zerolog.Logger, workerCount, queueDepth int) *FanOut {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueDepth < 1 {
		queueDepth = 256
	}
	f := &FanOut{
		repo:  repo,
		sinks: sinks,
		log:   log.With().Str("component", "notification_fanout").Logger(),
		jobs:  make(chan events.Event, queueDepth),
		stop:  make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// Attach registers the fan-out against every domain event type em emits
// and against JobFailed; job started, progress and completed events are not
// forwarded. The handler only enqueues — it never blocks the caller on I/O.
func (f *FanOut) Attach(em *events.Manager) {
	for _, t := range []events.EventType{
		events.SignalReceived, events.SignalSkipped, events.OrderPlaced, events.OrderFailed,
		events.PositionOpened, events.PositionClosed, events.TrailingStopMoved,
		events.DCAAdditionPlaced, events.GuardrailTripped, events.CredentialDisabled,
		events.ErrorOccurred, events.JobFailed,
	} {
		em.Subscribe(t, f.enqueue)
	}
}

func (f *FanOut) enqueue(event events.Event) {
	select {
	case f.jobs <- event:
	default:
		f.log.Warn().Str("event_type", string(event.Type)).Msg("notification queue full, dropping event")
	}
}

func (f *FanOut) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stop:
			return
		case event := <-f.jobs:
			f.handle(event)
		}
	}
}

func (f *FanOut) handle(event events.Event) {
	payload, err := msgpack.Marshal(event.Data)
	if err != nil {
		f.log.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to encode event payload")
		return
	}

	subscriberID := subscriberIDOf(event.Data)
	auditErr := f.repo.Insert(context.Background(), domain.AuditEvent{
		SubscriberID: subscriberID,
		EventType:    string(event.Type),
		Severity:     severityOf(event.Type),
		Payload:      payload,
		Instant:      event.Timestamp,
	})
	if auditErr != nil {
		f.log.Error().Err(auditErr).Str("event_type", string(event.Type)).Msg("failed to write audit event")
	}

	for _, sink := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sink.Deliver(ctx, event, payload); err != nil {
			f.log.Warn().Err(err).Str("sink", sink.Name()).Str("event_type", string(event.Type)).Msg("sink delivery failed")
		}
		cancel()
	}
}

// subscriberIDOf extracts the subscriber a given event payload concerns, or
// "" for subscriber-agnostic events (system errors, job lifecycle). DCA
// addition events carry no subscriber id and also map to "".
func subscriberIDOf(data events.EventData) string {
	switch d := data.(type) {
	case *events.SignalSkippedData:
		return d.SubscriberID
	case *events.OrderPlacedData:
		return d.SubscriberID
	case *events.OrderFailedData:
		return d.SubscriberID
	case *events.PositionOpenedData:
		return d.SubscriberID
	case *events.PositionClosedData:
		return d.SubscriberID
	case *events.DCAAdditionPlacedData:
		return ""
	case *events.GuardrailTrippedData:
		return d.SubscriberID
	case *events.CredentialDisabledData:
		return d.SubscriberID
	default:
		return ""
	}
}

// Stop drains in-flight deliveries and stops all workers.
func (f *FanOut) Stop() {
	close(f.stop)
	f.wg.Wait()
}

// WebhookSink posts every event as a msgpack body (Content-Type
// application/msgpack) to a single configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url with a bounded HTTP timeout.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, event events.Event, payload []byte) error {
	body, err := msgpack.Marshal(map[string]interface{}{
		"type":      string(event.Type),
		"module":    event.Module,
		"timestamp": event.Timestamp,
		"data":      event.Data,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/msgpack")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
