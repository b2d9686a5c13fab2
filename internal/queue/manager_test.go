package queue

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/signalmirror/internal/events"
)

const testSchema = `
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

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	em := events.NewManager(log)
	return NewManager(db, em, log, 2)
}

func TestManager_EnqueueThenDequeueRoundTrips(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Enqueue(&Job{Type: JobTypeSupervisePositions, Priority: PriorityHigh, Payload: map[string]interface{}{"a": 1}}))

	job, err := m.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, JobTypeSupervisePositions, job.Type)
	require.Equal(t, float64(1), job.Payload["a"])
}

func TestManager_DequeueReturnsNilWhenEmpty(t *testing.T) {
	m := newTestManager(t)
	job, err := m.Dequeue()
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestManager_EnqueueDedupeKeySkipsSecondInsert(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Enqueue(&Job{Type: JobTypeExecuteSignal, DedupeKey: "execute_signal:sig-1"}))
	require.NoError(t, m.Enqueue(&Job{Type: JobTypeExecuteSignal, DedupeKey: "execute_signal:sig-1"}))

	require.Equal(t, 1, m.Size())
}

func TestManager_DequeuePrioritizesHigherPriorityFirst(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Enqueue(&Job{Type: JobTypeRecordBalanceSnapshot, Priority: PriorityLow}))
	require.NoError(t, m.Enqueue(&Job{Type: JobTypeSupervisePositions, Priority: PriorityCritical}))

	job, err := m.Dequeue()
	require.NoError(t, err)
	require.Equal(t, JobTypeSupervisePositions, job.Type)
}

func TestManager_DrainOneMarksJobDoneOnSuccess(t *testing.T) {
	m := newTestManager(t)
	m.RegisterHandler(JobTypeDailyMaintenance, func(ctx context.Context, job *Job) error { return nil })
	require.NoError(t, m.Enqueue(&Job{Type: JobTypeDailyMaintenance}))

	m.drainOne(context.Background())

	var status string
	require.NoError(t, m.db.QueryRow(`SELECT status FROM jobs`).Scan(&status))
	require.Equal(t, "DONE", status)
}

func TestManager_DrainOneRetriesOnFailureBeforeExhaustingRetries(t *testing.T) {
	m := newTestManager(t)
	m.RegisterHandler(JobTypeDailyMaintenance, func(ctx context.Context, job *Job) error { return errors.New("boom") })
	require.NoError(t, m.Enqueue(&Job{Type: JobTypeDailyMaintenance, MaxRetries: 3}))

	m.drainOne(context.Background())

	var status string
	var retries int
	require.NoError(t, m.db.QueryRow(`SELECT status, retries FROM jobs`).Scan(&status, &retries))
	require.Equal(t, "QUEUED", status)
	require.Equal(t, 1, retries)
}

func TestManager_DrainOneMarksFailedOnceRetriesExhausted(t *testing.T) {
	m := newTestManager(t)
	m.RegisterHandler(JobTypeDailyMaintenance, func(ctx context.Context, job *Job) error { return errors.New("boom") })
	require.NoError(t, m.Enqueue(&Job{Type: JobTypeDailyMaintenance, MaxRetries: 1}))

	m.drainOne(context.Background())

	var status string
	require.NoError(t, m.db.QueryRow(`SELECT status FROM jobs`).Scan(&status))
	require.Equal(t, "FAILED", status)
}

func TestManager_DrainOneFailsImmediatelyWithNoRegisteredHandler(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Enqueue(&Job{Type: JobTypeR2Backup}))

	m.drainOne(context.Background())

	var status string
	require.NoError(t, m.db.QueryRow(`SELECT status FROM jobs`).Scan(&status))
	require.Equal(t, "FAILED", status)
}
