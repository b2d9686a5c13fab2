package queue

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/signalmirror/internal/events"
)

func TestProgressReporter_ReportEmitsFirstCallThenThrottlesRapidFollowups(t *testing.T) {
	em := events.NewManager(zerolog.Nop())
	var received []events.Event
	em.Subscribe(events.JobProgress, func(e events.Event) { received = append(received, e) })

	pr := NewProgressReporter(em, "job-1", JobTypeSupervisePositions)
	pr.Report(1, 10, "starting")
	pr.Report(2, 10, "still going")

	require.Len(t, received, 1, "second call within the throttle window must be dropped")
	data, ok := received[0].Data.(*events.JobStatusData)
	require.True(t, ok)
	assert.Equal(t, "job-1", data.JobID)
	assert.Equal(t, 1, data.Progress.Current)
}

func TestProgressReporter_ReportAlwaysEmitsWhenCurrentReachesTotal(t *testing.T) {
	em := events.NewManager(zerolog.Nop())
	var received []events.Event
	em.Subscribe(events.JobProgress, func(e events.Event) { received = append(received, e) })

	pr := NewProgressReporter(em, "job-1", JobTypeSupervisePositions)
	pr.Report(1, 10, "starting")
	pr.Report(10, 10, "done")

	require.Len(t, received, 2, "a current==total report is never throttled")
}

func TestProgressReporter_ReportUnthrottledAlwaysEmits(t *testing.T) {
	em := events.NewManager(zerolog.Nop())
	var count int
	em.Subscribe(events.JobProgress, func(e events.Event) { count++ })

	pr := NewProgressReporter(em, "job-1", JobTypeSupervisePositions)
	pr.ReportUnthrottled(1, 10, "a")
	pr.ReportUnthrottled(2, 10, "b")

	assert.Equal(t, 2, count)
}

func TestProgressReporter_ReportWithDetailsCarriesPhaseInformation(t *testing.T) {
	em := events.NewManager(zerolog.Nop())
	var got *events.JobStatusData
	em.Subscribe(events.JobProgress, func(e events.Event) { got = e.Data.(*events.JobStatusData) })

	pr := NewProgressReporter(em, "job-1", JobTypeExecuteSignal)
	pr.ReportWithDetails(1, 3, "sizing", "sizing", "notional", map[string]interface{}{"symbol": "BTCUSDT"})

	require.NotNil(t, got)
	assert.Equal(t, "sizing", got.Progress.Phase)
	assert.Equal(t, "notional", got.Progress.SubPhase)
}

func TestProgressReporter_EmitIsANoOpWithNilEventManager(t *testing.T) {
	pr := NewProgressReporter(nil, "job-1", JobTypeSupervisePositions)
	assert.NotPanics(t, func() { pr.Report(1, 1, "done") })
}

func TestProgressReporter_ThrottleWindowElapsesBeforeNextReport(t *testing.T) {
	em := events.NewManager(zerolog.Nop())
	var count int
	em.Subscribe(events.JobProgress, func(e events.Event) { count++ })

	pr := NewProgressReporter(em, "job-1", JobTypeSupervisePositions)
	pr.Report(1, 10, "a")
	time.Sleep(150 * time.Millisecond)
	pr.Report(2, 10, "b")

	assert.Equal(t, 2, count)
}
