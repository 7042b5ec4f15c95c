// Package scheduler implements a fixed periodic tick
// that evaluates every enabled sync job's cron/timezone schedule and emits
// sync/job.execute{jobId} onto the event bus for due jobs.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/syncd/internal/common"
	"github.com/ternarybob/syncd/internal/configstore"
	"github.com/ternarybob/syncd/internal/eventbus"
	"github.com/ternarybob/syncd/internal/models"
)

// Enqueuer is the subset of *eventbus.Manager the scheduler needs. Enqueue
// is topic-agnostic (the topic travels on the Message itself), so any
// Manager instance can serve as the scheduler's enqueuer regardless of
// which topic it was constructed to Receive.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg eventbus.Message) error
}

// Scheduler evaluates job schedules and emits execution events.
type Scheduler struct {
	gateway *configstore.Gateway
	bus     Enqueuer
	logger  arbor.ILogger

	tickInterval time.Duration
	jitterMax    time.Duration

	rng *rand.Rand
}

// New creates a Scheduler from cfg (SchedulerConfig.TickInterval parses as
// a Go duration, e.g. "1s"; zero/invalid falls back to 1 minute).
func New(gateway *configstore.Gateway, bus Enqueuer, logger arbor.ILogger, cfg common.SchedulerConfig) *Scheduler {
	tick, err := time.ParseDuration(cfg.TickInterval)
	if err != nil || tick <= 0 {
		tick = time.Minute
	}
	jitterMs := cfg.JitterMaxMs
	if jitterMs <= 0 {
		jitterMs = 5000
	}
	return &Scheduler{
		gateway:      gateway,
		bus:          bus,
		logger:       logger,
		tickInterval: tick,
		jitterMax:    time.Duration(jitterMs) * time.Millisecond,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks, ticking every tickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates every enabled job once against its schedule.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.gateway.ListEnabledJobs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduler: list enabled jobs failed")
		return
	}

	now := time.Now()
	for _, job := range jobs {
		due, err := isDue(job, now)
		if err != nil {
			s.logger.Warn().Err(err).Str("jobId", job.ID.Hex()).Str("cron", job.Schedule.Cron).
				Msg("scheduler: invalid job schedule, skipping")
			continue
		}
		if !due {
			continue
		}

		job := job
		common.SafeGo(s.logger, "scheduler.emit", func() {
			s.emitDue(ctx, job)
		})
	}
}

// emitDue waits the 0-5s scheduling jitter and emits sync/job.execute.
func (s *Scheduler) emitDue(ctx context.Context, job models.SyncJob) {
	jitter := time.Duration(s.rng.Int63n(int64(s.jitterMax) + 1))
	t := time.NewTimer(jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	payload, _ := json.Marshal(eventbus.JobExecutePayload{JobID: job.ID.Hex()})
	msg := eventbus.Message{Topic: eventbus.TopicJobExecute, Payload: payload}
	if err := s.bus.Enqueue(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("jobId", job.ID.Hex()).Msg("scheduler: enqueue job.execute failed")
		return
	}
	s.logger.Debug().Str("jobId", job.ID.Hex()).Msg("scheduler: emitted job.execute")
}

// isDue finds the first cron occurrence strictly after lastRunAt (or
// epoch if never run); the job is due if that occurrence is at or before
// now. Because a cron.Schedule's Next() always returns the single nearest
// occurrence after its argument, this one calculation already captures a
// missed prior occurrence: if the job fired one or more times since
// lastRunAt, that nearest occurrence is still <= now, so the job is
// correctly flagged due without a separate backward search.
func isDue(job models.SyncJob, now time.Time) (bool, error) {
	loc, err := time.LoadLocation(job.Schedule.Timezone)
	if err != nil {
		return false, fmt.Errorf("load timezone %q: %w", job.Schedule.Timezone, err)
	}

	schedule, err := cron.ParseStandard(job.Schedule.Cron)
	if err != nil {
		return false, fmt.Errorf("parse cron %q: %w", job.Schedule.Cron, err)
	}

	last := time.Unix(0, 0).In(loc)
	if job.LastRunAt != nil {
		last = job.LastRunAt.In(loc)
	}

	next := schedule.Next(last)
	return !next.After(now), nil
}
