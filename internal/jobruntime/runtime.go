// Package jobruntime consumes sync/job.execute and sync/job.manual
// deliveries, enforces per-job singleton concurrency, drives one
// Execution through the sync executor and chunked runner, and records the
// execution lifecycle.
package jobruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/syncd/internal/common"
	"github.com/ternarybob/syncd/internal/configstore"
	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/eventbus"
	"github.com/ternarybob/syncd/internal/models"
	"github.com/ternarybob/syncd/internal/pool"
	"github.com/ternarybob/syncd/internal/synerr"
	syncengine "github.com/ternarybob/syncd/internal/sync"
)

// Runtime consumes job execution events and runs sync executions.
type Runtime struct {
	gateway  *configstore.Gateway
	registry *connector.Registry
	pool     *pool.Pool
	executor *syncengine.Executor
	chunked  *syncengine.ChunkedRunner
	logger   arbor.ILogger

	workerID string
	host     string

	startupJitterMax time.Duration
	pollInterval     time.Duration
	abandonAfter     time.Duration
	cleanupInterval  time.Duration
	lockTTL          time.Duration

	mu      sync.Mutex
	running map[string]struct{}

	rng *rand.Rand
}

// Options configures the runtime's tuning knobs, falling back to the
// defaults when zero.
type Options struct {
	StartupJitterMax time.Duration // 0-60s window
	PollInterval     time.Duration // idle poll between Receive attempts
	AbandonAfter     time.Duration // heartbeat staleness threshold (default 2m)
	CleanupInterval  time.Duration // default 15m
	LockTTL          time.Duration // persisted singleton-lock lease (default 10m)
}

// New creates a Runtime.
func New(gateway *configstore.Gateway, registry *connector.Registry, p *pool.Pool, logger arbor.ILogger, opts Options) *Runtime {
	host, _ := os.Hostname()
	startupJitter := opts.StartupJitterMax
	if startupJitter <= 0 {
		startupJitter = 60 * time.Second
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	abandon := opts.AbandonAfter
	if abandon <= 0 {
		abandon = 2 * time.Minute
	}
	cleanup := opts.CleanupInterval
	if cleanup <= 0 {
		cleanup = 15 * time.Minute
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}

	executor := syncengine.NewExecutor(logger)
	return &Runtime{
		gateway:          gateway,
		registry:         registry,
		pool:             p,
		executor:         executor,
		chunked:          syncengine.NewChunkedRunner(executor, logger),
		logger:           logger,
		workerID:         models.NewID().Hex(),
		host:             host,
		startupJitterMax: startupJitter,
		pollInterval:     poll,
		abandonAfter:     abandon,
		cleanupInterval:  cleanup,
		lockTTL:          lockTTL,
		running:          make(map[string]struct{}),
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run drains executeBus and manualBus concurrently and runs the abandoned-
// execution cleanup sweep until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context, executeBus, manualBus *eventbus.Manager) error {
	common.SafeGo(r.logger, "jobruntime.drain.execute", func() { r.drain(ctx, executeBus) })
	common.SafeGo(r.logger, "jobruntime.drain.manual", func() { r.drain(ctx, manualBus) })
	common.SafeGo(r.logger, "jobruntime.cleanup", func() { r.cleanupLoop(ctx) })

	<-ctx.Done()
	return ctx.Err()
}

func (r *Runtime) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.abandonAfter)
			n, err := r.gateway.AbandonStaleExecutions(ctx, cutoff)
			if err != nil {
				r.logger.Error().Err(err).Msg("jobruntime: abandon stale executions failed")
				continue
			}
			if n > 0 {
				r.logger.Warn().Int64("count", n).Msg("jobruntime: abandoned stale executions")
			}
			pruned, err := r.gateway.PruneExpiredJobLocks(ctx, time.Now().UTC())
			if err != nil {
				r.logger.Error().Err(err).Msg("jobruntime: prune expired job locks failed")
				continue
			}
			if pruned > 0 {
				r.logger.Info().Int64("count", pruned).Msg("jobruntime: pruned expired job locks")
			}
		}
	}
}

// drain polls bus for deliveries, handling each in its own goroutine so a
// slow execution does not stall the receive loop.
func (r *Runtime) drain(ctx context.Context, bus *eventbus.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, del, err := bus.Receive(ctx)
		if err != nil {
			if !errors.Is(err, eventbus.ErrNoMessage) {
				r.logger.Error().Err(err).Msg("jobruntime: receive failed")
			}
			t := time.NewTimer(r.pollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		message := *msg
		common.SafeGo(r.logger, "jobruntime.handle", func() {
			if err := r.handleMessage(ctx, message); err != nil {
				r.logger.Error().Err(err).Msg("jobruntime: execution failed, leaving delivery for redelivery")
				return
			}
			if err := del(); err != nil {
				r.logger.Warn().Err(err).Msg("jobruntime: failed to acknowledge delivery")
			}
		})
	}
}

func (r *Runtime) handleMessage(ctx context.Context, msg eventbus.Message) error {
	var payload eventbus.JobExecutePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("jobruntime: decode payload: %w", err)
	}
	return r.processJob(ctx, payload.JobID)
}

// processJob handles sync/job.execute{jobId} and sync/job.manual{jobId}
// (identical handling), returning a non-nil error only when the delivery
// should be retried by the bus's at-least-once redelivery.
func (r *Runtime) processJob(ctx context.Context, jobID string) error {
	if !r.acquire(jobID) {
		r.logger.Debug().Str("jobId", jobID).Msg("jobruntime: duplicate delivery discarded, job already running")
		return nil
	}
	defer r.release(jobID)

	if err := r.sleepJitter(ctx, r.startupJitterMax); err != nil {
		return nil
	}

	id, err := models.ParseID(jobID)
	if err != nil {
		r.logger.Error().Err(err).Str("jobId", jobID).Msg("jobruntime: malformed job id")
		return nil
	}

	job, err := r.gateway.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, synerr.ErrNotFound) {
			r.logger.Warn().Str("jobId", jobID).Msg("jobruntime: job not found, discarding")
			return nil
		}
		return err
	}
	if !job.Enabled {
		r.logger.Debug().Str("jobId", jobID).Msg("jobruntime: job disabled")
		return nil
	}

	// The in-memory guard covers this process; the persisted lock covers
	// other workers consuming the same topic.
	got, err := r.gateway.AcquireJobLock(ctx, id, r.workerID, r.lockTTL)
	if err != nil {
		return fmt.Errorf("jobruntime: acquire job lock: %w", err)
	}
	if !got {
		r.logger.Debug().Str("jobId", jobID).Msg("jobruntime: job locked by another worker, discarding delivery")
		return nil
	}
	defer func() {
		if err := r.gateway.ReleaseJobLock(context.Background(), id, r.workerID); err != nil {
			r.logger.Warn().Err(err).Str("jobId", jobID).Msg("jobruntime: release job lock failed")
		}
	}()

	return r.runExecution(ctx, job)
}

func (r *Runtime) acquire(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[jobID]; busy {
		return false
	}
	r.running[jobID] = struct{}{}
	return true
}

func (r *Runtime) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, jobID)
}

func (r *Runtime) sleepJitter(ctx context.Context, max time.Duration) error {
	if max <= 0 {
		return nil
	}
	d := time.Duration(r.rng.Int63n(int64(max) + 1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runExecution drives one Execution of job from open to terminal status.
func (r *Runtime) runExecution(ctx context.Context, job *models.SyncJob) error {
	now := time.Now().UTC()
	exec := &models.JobExecution{
		ID:            models.NewID(),
		JobID:         job.ID,
		WorkspaceID:   job.WorkspaceID,
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        models.ExecutionRunning,
		System: models.ExecutionSystem{
			WorkerID: r.workerID,
			Host:     r.host,
			PID:      os.Getpid(),
			Version:  common.GetVersion(),
		},
	}
	if err := r.gateway.InsertExecution(ctx, exec); err != nil {
		return fmt.Errorf("jobruntime: open execution: %w", err)
	}
	if err := r.gateway.MarkJobRunStarted(ctx, job.ID, now); err != nil {
		r.logger.Warn().Err(err).Str("jobId", job.ID.Hex()).Msg("jobruntime: mark job run started failed")
	}

	logf := func(level, format string, args ...any) {
		entry := models.ExecutionLogEntry{Timestamp: time.Now().UTC(), Level: level, Message: fmt.Sprintf(format, args...)}
		if err := r.gateway.AppendExecutionLog(ctx, exec.ID, entry); err != nil {
			r.logger.Warn().Err(err).Str("executionId", exec.ID.Hex()).Msg("jobruntime: append execution log failed")
		}
	}

	totalRecords, perEntity, runErr := r.runEntities(ctx, job, exec.ID, logf)

	completedAt := time.Now().UTC()
	durationMs := completedAt.Sub(exec.StartedAt).Milliseconds()

	if runErr != nil {
		execErr := &models.ExecutionError{Message: runErr.Error()}
		var se *synerr.Error
		if errors.As(runErr, &se) {
			execErr.Code = se.Code
		}
		stats := &models.ExecutionStats{RecordsProcessed: totalRecords, PerEntity: perEntity}
		if err := r.gateway.CompleteExecution(ctx, exec.ID, models.ExecutionFailed, false, execErr, stats, completedAt, durationMs); err != nil {
			r.logger.Error().Err(err).Str("executionId", exec.ID.Hex()).Msg("jobruntime: complete (failed) execution failed")
		}
		if err := r.gateway.MarkJobFailure(ctx, job.ID, runErr.Error()); err != nil {
			r.logger.Warn().Err(err).Str("jobId", job.ID.Hex()).Msg("jobruntime: mark job failure failed")
		}
		r.logger.Error().Err(runErr).Str("jobId", job.ID.Hex()).Str("executionId", exec.ID.Hex()).Msg("jobruntime: execution failed")
		// The failure is recorded on the Execution and the job; this is not
		// a delivery failure, so ack the message. Redelivery is reserved for
		// handling failures, not sync-logic failures — a failed job waits
		// for its next cron occurrence.
		return nil
	}

	stats := &models.ExecutionStats{RecordsProcessed: totalRecords, PerEntity: perEntity}
	if err := r.gateway.CompleteExecution(ctx, exec.ID, models.ExecutionCompleted, true, nil, stats, completedAt, durationMs); err != nil {
		r.logger.Error().Err(err).Str("executionId", exec.ID.Hex()).Msg("jobruntime: complete (success) execution failed")
	}
	if err := r.gateway.MarkJobSuccess(ctx, job.ID, completedAt); err != nil {
		r.logger.Warn().Err(err).Str("jobId", job.ID.Hex()).Msg("jobruntime: mark job success failed")
	}
	r.logger.Info().Str("jobId", job.ID.Hex()).Str("executionId", exec.ID.Hex()).Int64("records", totalRecords).Msg("jobruntime: execution completed")
	return nil
}

// runEntities drives every entity of job through the executor or chunked
// runner. Entities are walked in entityFilter/connector-entities traversal
// order and applied in that order within the Execution.
func (r *Runtime) runEntities(ctx context.Context, job *models.SyncJob, execID models.ID, logf func(level, format string, args ...any)) (int64, map[string]int64, error) {
	connCfg, err := r.gateway.GetConnector(ctx, job.ConnectorID)
	if err != nil {
		return 0, nil, fmt.Errorf("jobruntime: load connector: %w", err)
	}
	dest, err := r.gateway.GetDestination(ctx, job.DestinationID)
	if err != nil {
		return 0, nil, fmt.Errorf("jobruntime: load destination: %w", err)
	}

	conn, err := r.registry.GetConnector(*connCfg)
	if err != nil {
		return 0, nil, fmt.Errorf("jobruntime: construct connector: %w", err)
	}

	destDB, err := r.pool.Get(ctx, pool.Key{Context: pool.ContextDestination, Identifier: dest.ID.Hex()},
		func(ctx context.Context, id string) (pool.Connection, error) {
			return pool.Connection{ConnectionString: dest.Connection.ConnectionString, Database: dest.Connection.Database}, nil
		})
	if err != nil {
		return 0, nil, fmt.Errorf("jobruntime: acquire destination handle: %w", err)
	}

	available, err := conn.GetAvailableEntities(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("jobruntime: list connector entities: %w", err)
	}

	entities := job.EntityFilter
	if len(entities) == 0 {
		entities = available
	} else {
		// An entityFilter must name only entities the connector can
		// produce; reject the whole run before any fetch starts.
		known := make(map[string]struct{}, len(available))
		for _, e := range available {
			known[e] = struct{}{}
		}
		for _, e := range entities {
			if _, ok := known[e]; !ok {
				return 0, nil, fmt.Errorf("jobruntime: %w: %s", connector.ErrUnsupportedEntity, e)
			}
		}
	}

	var total int64
	perEntity := make(map[string]int64, len(entities))

	for _, entity := range entities {
		req := syncengine.EntitySyncRequest{
			Connector:     conn,
			Destination:   destDB,
			ConnectorID:   connCfg.ID,
			ConnectorName: connCfg.Name,
			Entity:        entity,
			Mode:          job.SyncMode,
			Settings:      connCfg.Settings,
		}

		var n int64
		var entityErr error
		if conn.SupportsResumableFetching() {
			persist := func(ctx context.Context, result syncengine.ChunkResult) error {
				logf("info", "entity %s: chunk processed, totalProcessed=%d completed=%v", entity, result.State.TotalProcessed, result.Completed)
				if err := r.gateway.ExtendJobLock(ctx, job.ID, r.workerID, r.lockTTL); err != nil {
					r.logger.Warn().Err(err).Str("jobId", job.ID.Hex()).Msg("jobruntime: extend job lock failed")
				}
				return nil
			}
			n, entityErr = r.chunked.RunEntityChunked(ctx, req, syncengine.DefaultChunkIterations, persist)
		} else {
			var result syncengine.ChunkResult
			result, entityErr = r.executor.RunChunk(ctx, req, syncengine.DefaultChunkIterations)
			n = result.RecordsWritten
			if entityErr == nil {
				logf("info", "entity %s: unchunked fetch complete, records=%d", entity, n)
			}
		}

		total += n
		perEntity[entity] = n
		if entityErr != nil {
			return total, perEntity, fmt.Errorf("entity %s: %w", entity, entityErr)
		}
	}

	return total, perEntity, nil
}
