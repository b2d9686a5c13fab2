package queue

import (
	"time"

	"github.com/aristath/signalmirror/internal/events"
)

// ProgressReporter lets a running job emit throttled progress events without
// every job reimplementing its own rate limiting.
type ProgressReporter struct {
	eventManager *events.Manager
	jobID        string
	jobType      JobType
	lastReport   time.Time
	minInterval  time.Duration
}

// NewProgressReporter creates a progress reporter throttled to at most 10
// reports/second, except for unthrottled milestone reports.
func NewProgressReporter(em *events.Manager, jobID string, jobType JobType) *ProgressReporter {
	return &ProgressReporter{
		eventManager: em,
		jobID:        jobID,
		jobType:      jobType,
		minInterval:  100 * time.Millisecond,
	}
}

func (pr *ProgressReporter) emit(status string, progress *events.JobProgressInfo) {
	if pr.eventManager == nil {
		return
	}
	pr.eventManager.Emit("queue", &events.JobStatusData{
		JobID:       pr.jobID,
		JobType:     string(pr.jobType),
		Status:      status,
		Description: GetJobDescription(pr.jobType),
		Progress:    progress,
	})
}

// Report emits a progress event, throttled unless current has reached total.
func (pr *ProgressReporter) Report(current, total int, message string) {
	now := time.Now()
	if now.Sub(pr.lastReport) < pr.minInterval && current != total {
		return
	}
	pr.lastReport = now
	pr.emit("progress", &events.JobProgressInfo{Current: current, Total: total, Message: message})
}

// ReportWithDetails emits a throttled progress event carrying phase metrics.
func (pr *ProgressReporter) ReportWithDetails(current, total int, message, phase, subPhase string, details map[string]interface{}) {
	now := time.Now()
	if now.Sub(pr.lastReport) < pr.minInterval && current != total {
		return
	}
	pr.lastReport = now
	pr.emit("progress", &events.JobProgressInfo{
		Current: current, Total: total, Message: message,
		Phase: phase, SubPhase: subPhase, Details: details,
	})
}

// ReportUnthrottled always emits, for milestones the caller never wants dropped.
func (pr *ProgressReporter) ReportUnthrottled(current, total int, message string) {
	pr.lastReport = time.Now()
	pr.emit("progress", &events.JobProgressInfo{Current: current, Total: total, Message: message})
}
