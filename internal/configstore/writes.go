package configstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ternarybob/syncd/internal/models"
)

// InsertExecution appends a new Execution record. Executions are
// append-only; they are never rewritten after reaching a terminal status.
func (g *Gateway) InsertExecution(ctx context.Context, exec *models.JobExecution) error {
	if _, err := g.coll(CollExecutions).InsertOne(ctx, exec); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecutionHeartbeat bumps lastHeartbeat without appending a log
// entry. Log writes bump it through AppendExecutionLog instead.
func (g *Gateway) UpdateExecutionHeartbeat(ctx context.Context, id models.ID, at time.Time) error {
	_, err := g.coll(CollExecutions).UpdateOne(ctx,
		bson.M{"_id": id, "status": models.ExecutionRunning},
		bson.M{"$set": bson.M{"lastHeartbeat": at}})
	if err != nil {
		return fmt.Errorf("update execution heartbeat: %w", err)
	}
	return nil
}

// AppendExecutionLog appends one log entry and bumps the heartbeat
// atomically.
func (g *Gateway) AppendExecutionLog(ctx context.Context, id models.ID, entry models.ExecutionLogEntry) error {
	_, err := g.coll(CollExecutions).UpdateOne(ctx,
		bson.M{"_id": id, "status": models.ExecutionRunning},
		bson.M{
			"$push": bson.M{"logs": entry},
			"$set":  bson.M{"lastHeartbeat": entry.Timestamp},
		})
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// CompleteExecution closes a running Execution with a terminal status,
// using compare-set semantics: only a document still in "running"
// transitions.
func (g *Gateway) CompleteExecution(ctx context.Context, id models.ID, status models.ExecutionStatus, success bool, execErr *models.ExecutionError, stats *models.ExecutionStats, completedAt time.Time, durationMs int64) error {
	update := bson.M{
		"status":      status,
		"success":     success,
		"completedAt": completedAt,
		"durationMs":  durationMs,
	}
	if execErr != nil {
		update["error"] = execErr
	}
	if stats != nil {
		update["stats"] = stats
	}
	res, err := g.coll(CollExecutions).UpdateOne(ctx,
		bson.M{"_id": id, "status": models.ExecutionRunning},
		bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("complete execution %s: not running (already terminal)", id.Hex())
	}
	return nil
}

// AbandonStaleExecutions marks every Execution whose lastHeartbeat is older
// than olderThan as abandoned with WORKER_TIMEOUT. It never touches the
// owning Job's lastRunAt.
func (g *Gateway) AbandonStaleExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := g.coll(CollExecutions).UpdateMany(ctx,
		bson.M{"status": models.ExecutionRunning, "lastHeartbeat": bson.M{"$lt": olderThan}},
		bson.M{"$set": bson.M{
			"status": models.ExecutionAbandoned,
			"success": false,
			"error": models.ExecutionError{
				Message: "execution heartbeat stale",
				Code:    "WORKER_TIMEOUT",
			},
		}})
	if err != nil {
		return 0, fmt.Errorf("abandon stale executions: %w", err)
	}
	return res.ModifiedCount, nil
}

// CountExecutions returns the number of Execution records for jobID.
func (g *Gateway) CountExecutions(ctx context.Context, jobID models.ID) (int64, error) {
	n, err := g.coll(CollExecutions).CountDocuments(ctx, bson.M{"jobId": jobID})
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// MarkJobRunStarted sets lastRunAt=at and increments runCount.
func (g *Gateway) MarkJobRunStarted(ctx context.Context, jobID models.ID, at time.Time) error {
	_, err := g.coll(CollSyncJobs).UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{"$set": bson.M{"lastRunAt": at}, "$inc": bson.M{"runCount": int64(1)}})
	if err != nil {
		return fmt.Errorf("mark job run started: %w", err)
	}
	return nil
}

// MarkJobSuccess sets lastSuccessAt=now and clears lastError.
func (g *Gateway) MarkJobSuccess(ctx context.Context, jobID models.ID, at time.Time) error {
	_, err := g.coll(CollSyncJobs).UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{"$set": bson.M{"lastSuccessAt": at, "lastError": ""}})
	if err != nil {
		return fmt.Errorf("mark job success: %w", err)
	}
	return nil
}

// MarkJobFailure sets lastError on the job.
func (g *Gateway) MarkJobFailure(ctx context.Context, jobID models.ID, message string) error {
	_, err := g.coll(CollSyncJobs).UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{"$set": bson.M{"lastError": message}})
	if err != nil {
		return fmt.Errorf("mark job failure: %w", err)
	}
	return nil
}

// jobLock is the persisted singleton-guard record: one document per jobId,
// keyed by the job id itself so the unique _id index arbitrates ownership
// across workers.
type jobLock struct {
	JobID     models.ID `bson:"_id"`
	WorkerID  string    `bson:"workerId"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// AcquireJobLock claims the cross-worker singleton lock for jobID,
// returning false when another live worker holds it. An expired lock is
// stolen with a compare-set on the previous expiry.
func (g *Gateway) AcquireJobLock(ctx context.Context, jobID models.ID, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	lock := jobLock{JobID: jobID, WorkerID: workerID, ExpiresAt: now.Add(ttl)}

	_, err := g.coll(CollExecLocks).InsertOne(ctx, lock)
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("acquire job lock: %w", err)
	}

	res, err := g.coll(CollExecLocks).UpdateOne(ctx,
		bson.M{"_id": jobID, "expiresAt": bson.M{"$lt": now}},
		bson.M{"$set": bson.M{"workerId": workerID, "expiresAt": now.Add(ttl)}})
	if err != nil {
		return false, fmt.Errorf("steal expired job lock: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// ReleaseJobLock drops the lock, but only if this worker still owns it.
func (g *Gateway) ReleaseJobLock(ctx context.Context, jobID models.ID, workerID string) error {
	_, err := g.coll(CollExecLocks).DeleteOne(ctx, bson.M{"_id": jobID, "workerId": workerID})
	if err != nil {
		return fmt.Errorf("release job lock: %w", err)
	}
	return nil
}

// ExtendJobLock pushes the lock expiry forward for a long-running
// execution still owned by workerID.
func (g *Gateway) ExtendJobLock(ctx context.Context, jobID models.ID, workerID string, ttl time.Duration) error {
	_, err := g.coll(CollExecLocks).UpdateOne(ctx,
		bson.M{"_id": jobID, "workerId": workerID},
		bson.M{"$set": bson.M{"expiresAt": time.Now().UTC().Add(ttl)}})
	if err != nil {
		return fmt.Errorf("extend job lock: %w", err)
	}
	return nil
}

// PruneExpiredJobLocks deletes lock records whose expiry has passed,
// covering workers that died without releasing.
func (g *Gateway) PruneExpiredJobLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := g.coll(CollExecLocks).DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lt": now}})
	if err != nil {
		return 0, fmt.Errorf("prune expired job locks: %w", err)
	}
	return res.DeletedCount, nil
}

// InsertWebhookEvent persists a newly received webhook delivery with
// status=pending.
func (g *Gateway) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	if _, err := g.coll(CollWebhookEvts).InsertOne(ctx, event); err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// GetWebhookEvent loads one webhook event by id.
func (g *Gateway) GetWebhookEvent(ctx context.Context, id models.ID) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := g.coll(CollWebhookEvts).FindOne(ctx, bson.M{"_id": id}).Decode(&ev)
	if err != nil {
		return nil, fmt.Errorf("get webhook event %s: %w", id.Hex(), err)
	}
	return &ev, nil
}

// MarkWebhookProcessing transitions an event to processing and increments
// attempts.
func (g *Gateway) MarkWebhookProcessing(ctx context.Context, id models.ID) error {
	_, err := g.coll(CollWebhookEvts).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": models.WebhookProcessing}, "$inc": bson.M{"attempts": 1}})
	if err != nil {
		return fmt.Errorf("mark webhook processing: %w", err)
	}
	return nil
}

// CompleteWebhookEvent closes out an event as completed or failed.
func (g *Gateway) CompleteWebhookEvent(ctx context.Context, id models.ID, status models.WebhookStatus, errMsg string, processedAt time.Time, durationMs int64) error {
	update := bson.M{"status": status}
	if status == models.WebhookCompleted {
		update["processedAt"] = processedAt
		update["processingDurationMs"] = durationMs
		update["error"] = ""
	} else {
		update["error"] = errMsg
	}
	_, err := g.coll(CollWebhookEvts).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	return nil
}

// FindFailedWebhookEvents returns up to limit events eligible for the
// retry sweep: status=failed and attempts < maxAttempts.
func (g *Gateway) FindFailedWebhookEvents(ctx context.Context, maxAttempts int, limit int64) ([]models.WebhookEvent, error) {
	cur, err := g.coll(CollWebhookEvts).Find(ctx,
		bson.M{"status": models.WebhookFailed, "attempts": bson.M{"$lt": maxAttempts}},
		options.Find().SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("find failed webhook events: %w", err)
	}
	defer cur.Close(ctx)

	var events []models.WebhookEvent
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode failed webhook events: %w", err)
	}
	return events, nil
}

// ResetWebhookToPending resets a previously-failed event back to pending
// for redelivery by the retry sweep.
func (g *Gateway) ResetWebhookToPending(ctx context.Context, id models.ID) error {
	_, err := g.coll(CollWebhookEvts).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": models.WebhookPending}})
	if err != nil {
		return fmt.Errorf("reset webhook to pending: %w", err)
	}
	return nil
}

// PruneCompletedWebhookEvents deletes completed events older than
// olderThan.
func (g *Gateway) PruneCompletedWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := g.coll(CollWebhookEvts).DeleteMany(ctx,
		bson.M{"status": models.WebhookCompleted, "processedAt": bson.M{"$lt": olderThan}})
	if err != nil {
		return 0, fmt.Errorf("prune completed webhook events: %w", err)
	}
	return res.DeletedCount, nil
}
