// Package queue is the durable, at-least-once job queue that decouples
// signal intake from signal execution. Jobs are persisted to SQLite so a
// process restart never silently drops a queued execution or supervision
// tick; a worker pool drains them with bounded concurrency.
package queue

import "time"

// JobType identifies what a queued job does.
type JobType string

const (
	// JobTypeExecuteSignal fans a single signal out to its eligible
	// subscribers and runs one execution attempt per subscriber.
	JobTypeExecuteSignal JobType = "execute_signal"
	// JobTypeSupervisePositions runs one supervisor tick: trailing stop,
	// DCA, guardrail, and close-detection evaluation for all open positions.
	JobTypeSupervisePositions JobType = "supervise_positions"
	// JobTypeRecordBalanceSnapshot records one subscriber's exchange
	// balance for guardrail and audit purposes.
	JobTypeRecordBalanceSnapshot JobType = "record_balance_snapshot"
	// JobTypeDailyMaintenance runs the daily WAL checkpoint and database
	// health check.
	JobTypeDailyMaintenance JobType = "daily_maintenance"
	// JobTypeR2Backup uploads an encrypted copy of the database to R2.
	JobTypeR2Backup JobType = "r2_backup"
)

// Priority orders ready jobs within the queue; higher priority jobs are
// dequeued first among those whose AvailableAt has passed.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Job is a unit of work persisted to the jobs table.
type Job struct {
	ID          string
	Type        JobType
	Priority    Priority
	Payload     map[string]interface{}
	DedupeKey   string // optional; a second enqueue with the same key is dropped
	CreatedAt   time.Time
	AvailableAt time.Time
	Retries     int
	MaxRetries  int

	progressReporter *ProgressReporter
}

// GetProgressReporter returns this job's progress reporter, or nil if the
// worker pool has not attached one yet. The result is typed interface{};
// callers assert it to *ProgressReporter.
func (j *Job) GetProgressReporter() interface{} {
	if j.progressReporter == nil {
		return nil
	}
	return j.progressReporter
}

// Queue is the contract the worker pool depends on; Manager is the only
// production implementation.
type Queue interface {
	Enqueue(job *Job) error
	Dequeue() (*Job, error)
	Size() int
}

// GetJobDescription returns a human-readable description for logging and
// audit events.
func GetJobDescription(jobType JobType) string {
	switch jobType {
	case JobTypeExecuteSignal:
		return "Executing signal across eligible subscribers"
	case JobTypeSupervisePositions:
		return "Supervising open positions"
	case JobTypeRecordBalanceSnapshot:
		return "Recording balance snapshot"
	case JobTypeDailyMaintenance:
		return "Running daily maintenance"
	case JobTypeR2Backup:
		return "Uploading encrypted backup to R2"
	default:
		return string(jobType)
	}
}
