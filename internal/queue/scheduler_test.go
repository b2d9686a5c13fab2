package queue

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_AddJobRejectsInvalidSchedule(t *testing.T) {
	mgr := newTestManager(t)
	s := NewScheduler(mgr, zerolog.Nop())

	err := s.AddJob("not a cron expression", JobTypeDailyMaintenance, PriorityLow, nil)
	assert.Error(t, err)
}

func TestScheduler_AddJobThenStartEnqueuesOnSchedule(t *testing.T) {
	mgr := newTestManager(t)
	s := NewScheduler(mgr, zerolog.Nop())

	require.NoError(t, s.AddJob("@every 1s", JobTypeRecordBalanceSnapshot, PriorityMedium, nil))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		job, err := mgr.Dequeue()
		return err == nil && job != nil && job.Type == JobTypeRecordBalanceSnapshot
	}, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_StopWaitsForCronToDrain(t *testing.T) {
	mgr := newTestManager(t)
	s := NewScheduler(mgr, zerolog.Nop())
	s.Start()
	s.Stop()
}
