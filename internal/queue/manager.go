package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/signalmirror/internal/events"
)

// HandlerFunc executes one job. A returned error is treated as a failure:
// the job is re-queued with backoff until it has failed MaxRetries times in
// all, then marked FAILED.
type HandlerFunc func(ctx context.Context, job *Job) error

// Manager is the durable, SQLite-backed job queue. Enqueue persists a row
// before returning, so a crash between enqueue and execution loses nothing;
// a bounded pool of workers drains ready jobs with at-least-once semantics.
type Manager struct {
	db  *sql.DB
	log zerolog.Logger
	em  *events.Manager

	mu       sync.RWMutex
	handlers map[JobType]HandlerFunc

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	workerCount  int
	pollInterval time.Duration
}

// NewManager creates a queue manager backed by db. workerCount bounds how
// many jobs run concurrently.
func NewManager(db *sql.DB, em *events.Manager, log zerolog.Logger, workerCount int) *Manager {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Manager{
		db:           db,
		em:           em,
		log:          log.With().Str("component", "queue").Logger(),
		handlers:     make(map[JobType]HandlerFunc),
		trigger:      make(chan struct{}, 1),
		stop:         make(chan struct{}),
		workerCount:  workerCount,
		pollInterval: 2 * time.Second,
	}
}

// RegisterHandler binds jobType to fn. Must be called before Start.
func (m *Manager) RegisterHandler(jobType JobType, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = fn
}

// Enqueue persists job and wakes a worker. If job.DedupeKey is set and a
// job with the same key already exists in the jobs table, whatever its
// status, this is a silent no-op — the work for that key is already queued
// or done.
func (m *Manager) Enqueue(job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.CreatedAt
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 5
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	var dedupeKey interface{}
	if job.DedupeKey != "" {
		dedupeKey = job.DedupeKey
	}

	res, err := m.db.Exec(`
		INSERT OR IGNORE INTO jobs (id, type, priority, payload, dedupe_key, available_at, retries, max_retries, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, 'QUEUED', ?)`,
		job.ID, string(job.Type), int(job.Priority), string(payload), dedupeKey,
		job.AvailableAt.Unix(), job.MaxRetries, job.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		m.log.Debug().Str("dedupe_key", job.DedupeKey).Msg("job already queued, skipping")
		return nil
	}

	select {
	case m.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue atomically claims the highest-priority ready job, marking it
// RUNNING so a concurrent worker cannot also claim it.
func (m *Manager) Dequeue() (*Job, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		id, jobType, payload, dedupeKey sql.NullString
		priority, retries, maxRetries   int
		availableAt, createdAt          int64
	)
	err = tx.QueryRow(`
		SELECT id, type, priority, payload, dedupe_key, available_at, retries, max_retries, created_at
		FROM jobs
		WHERE status = 'QUEUED' AND available_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, time.Now().Unix(),
	).Scan(&id, &jobType, &priority, &payload, &dedupeKey, &availableAt, &retries, &maxRetries, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query next job: %w", err)
	}

	if _, err := tx.Exec(`UPDATE jobs SET status = 'RUNNING' WHERE id = ?`, id.String); err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job claim: %w", err)
	}

	var payloadMap map[string]interface{}
	if payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &payloadMap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
		}
	}

	return &Job{
		ID:          id.String,
		Type:        JobType(jobType.String),
		Priority:    Priority(priority),
		Payload:     payloadMap,
		DedupeKey:   dedupeKey.String,
		CreatedAt:   time.Unix(createdAt, 0),
		AvailableAt: time.Unix(availableAt, 0),
		Retries:     retries,
		MaxRetries:  maxRetries,
	}, nil
}

// Size returns the count of jobs still waiting to run.
func (m *Manager) Size() int {
	var n int
	_ = m.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'QUEUED'`).Scan(&n)
	return n
}

// Start launches the worker pool. It returns immediately; call Stop to drain.
// Jobs a previous process left RUNNING are put back in the queue first, so
// a crash mid-job does not drop that job.
func (m *Manager) Start(ctx context.Context) {
	if _, err := m.db.Exec(`UPDATE jobs SET status = 'QUEUED' WHERE status = 'RUNNING'`); err != nil {
		m.log.Error().Err(err).Msg("failed to requeue jobs left running")
	}
	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(1)
		go m.runWorker(ctx, i)
	}
	m.log.Info().Int("workers", m.workerCount).Msg("queue workers started")
}

// Stop signals workers to finish their current job and exit, then waits.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
	m.log.Info().Msg("queue workers stopped")
}

func (m *Manager) runWorker(ctx context.Context, id int) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-m.trigger:
			m.drainOne(ctx)
		case <-ticker.C:
			m.drainOne(ctx)
		}
	}
}

func (m *Manager) drainOne(ctx context.Context) {
	job, err := m.Dequeue()
	if err != nil {
		m.log.Error().Err(err).Msg("failed to dequeue job")
		return
	}
	if job == nil {
		return
	}

	m.mu.RLock()
	handler, ok := m.handlers[job.Type]
	m.mu.RUnlock()
	if !ok {
		m.log.Error().Str("type", string(job.Type)).Msg("no handler registered for job type")
		m.markFailed(job, "no handler registered")
		return
	}

	job.progressReporter = NewProgressReporter(m.em, job.ID, job.Type)
	jobCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := handler(jobCtx, job); err != nil {
		m.log.Warn().Err(err).Str("type", string(job.Type)).Str("job_id", job.ID).Msg("job failed")
		m.retryOrFail(job, err)
		select {
		case m.trigger <- struct{}{}:
		default:
		}
		return
	}

	m.markDone(job.ID)
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Manager) markDone(id string) {
	if _, err := m.db.Exec(`UPDATE jobs SET status = 'DONE' WHERE id = ?`, id); err != nil {
		m.log.Error().Err(err).Str("job_id", id).Msg("failed to mark job done")
	}
}

func (m *Manager) markFailed(job *Job, reason string) {
	if _, err := m.db.Exec(`UPDATE jobs SET status = 'FAILED' WHERE id = ?`, job.ID); err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job failed")
	}
	if m.em != nil {
		m.em.Emit("queue", &events.JobStatusData{
			JobID: job.ID, JobType: string(job.Type), Status: "failed",
			Description: GetJobDescription(job.Type), Error: reason,
		})
	}
}

// retryOrFail re-queues job with exponential backoff, or marks it FAILED
// once MaxRetries is exhausted.
func (m *Manager) retryOrFail(job *Job, cause error) {
	if job.Retries+1 >= job.MaxRetries {
		m.markFailed(job, cause.Error())
		return
	}
	backoff := time.Duration(1<<uint(job.Retries)) * time.Second
	if backoff > 2*time.Minute {
		backoff = 2 * time.Minute
	}
	nextAvailable := time.Now().Add(backoff).Unix()
	_, err := m.db.Exec(`UPDATE jobs SET status = 'QUEUED', retries = retries + 1, available_at = ? WHERE id = ?`,
		nextAvailable, job.ID)
	if err != nil {
		m.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to reschedule job retry")
	}
}
