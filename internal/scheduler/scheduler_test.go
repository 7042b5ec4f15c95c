package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/syncd/internal/common"
	"github.com/ternarybob/syncd/internal/models"
)

func TestNew_FallsBackToDefaultTickAndJitterOnInvalidConfig(t *testing.T) {
	s := New(nil, nil, arbor.NewLogger(), common.SchedulerConfig{})
	assert.Equal(t, time.Minute, s.tickInterval)
	assert.Equal(t, 5*time.Second, s.jitterMax)
}

func TestNew_UsesExplicitConfig(t *testing.T) {
	s := New(nil, nil, arbor.NewLogger(), common.SchedulerConfig{TickInterval: "30s", JitterMaxMs: 1000})
	assert.Equal(t, 30*time.Second, s.tickInterval)
	assert.Equal(t, time.Second, s.jitterMax)
}

func jobWithSchedule(cronExpr, tz string, lastRunAt *time.Time) models.SyncJob {
	return models.SyncJob{
		Schedule:  models.JobSchedule{Cron: cronExpr, Timezone: tz},
		LastRunAt: lastRunAt,
	}
}

func TestIsDue_NeverRunJobWithPastCronIsDue(t *testing.T) {
	job := jobWithSchedule("* * * * *", "UTC", nil)
	due, err := isDue(job, time.Now())
	require.NoError(t, err)
	assert.True(t, due)
}

func TestIsDue_RecentlyRunJobIsNotDueYet(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 30, 0, time.UTC)
	last := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	job := jobWithSchedule("0 * * * *", "UTC", &last) // hourly, just ran
	due, err := isDue(job, now)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestIsDue_MissedOccurrenceIsStillDue(t *testing.T) {
	// hourly job, last run two hours ago: the missed intervening occurrence
	// still resolves to a next-after-last that is <= now.
	now := time.Date(2026, 6, 1, 14, 5, 0, 0, time.UTC)
	last := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	job := jobWithSchedule("0 * * * *", "UTC", &last)
	due, err := isDue(job, now)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestIsDue_InvalidCronReturnsError(t *testing.T) {
	job := jobWithSchedule("not a cron", "UTC", nil)
	_, err := isDue(job, time.Now())
	assert.Error(t, err)
}

func TestIsDue_InvalidTimezoneReturnsError(t *testing.T) {
	job := jobWithSchedule("* * * * *", "Not/A_Zone", nil)
	_, err := isDue(job, time.Now())
	assert.Error(t, err)
}

func TestIsDue_RespectsTimezoneBoundary(t *testing.T) {
	// 09:00 daily in Australia/Sydney; job last ran yesterday at 09:00
	// Sydney time, now is just before today's 09:00 Sydney occurrence.
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	last := time.Date(2026, 6, 1, 9, 0, 0, 0, loc)
	now := time.Date(2026, 6, 2, 8, 59, 0, 0, loc)
	job := jobWithSchedule("0 9 * * *", "Australia/Sydney", &last)
	due, err := isDue(job, now)
	require.NoError(t, err)
	assert.False(t, due)

	now2 := time.Date(2026, 6, 2, 9, 0, 0, 0, loc)
	due2, err := isDue(job, now2)
	require.NoError(t, err)
	assert.True(t, due2)
}
