// Package sync drives a connector through one entity sync: staging setup,
// batch writes, hot-swap promotion and index maintenance, plus the chunked
// runner that splits an entity sync into bounded, resumable chunks.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/models"
	"github.com/ternarybob/syncd/internal/synerr"
)

// LiveCollectionName returns "<connectorName>_<entity>".
func LiveCollectionName(connectorName, entity string) string {
	return fmt.Sprintf("%s_%s", connectorName, entity)
}

// StagingCollectionName returns the shadow collection name for live.
func StagingCollectionName(live string) string {
	return live + "_staging"
}

// WrapRecord spreads the upstream payload into a destination document plus
// the _dataSourceId/_dataSourceName/_syncedAt metadata fields, returning
// the natural key alongside. webhookEventID is empty for sync-path writes.
func WrapRecord(r connector.Record, dataSourceID models.ID, dataSourceName string, syncedAt time.Time, webhookEventID string) (naturalKey string, doc bson.M) {
	doc = bson.M{}
	for k, v := range r {
		doc[k] = v
	}
	id := fmt.Sprintf("%v", r["id"])
	doc["id"] = id
	doc["_dataSourceId"] = dataSourceID
	doc["_dataSourceName"] = dataSourceName
	doc["_syncedAt"] = syncedAt
	if webhookEventID != "" {
		doc["_webhookEventId"] = webhookEventID
	}
	return id, doc
}

// Executor applies one sync of one entity from a connector to a
// destination database.
type Executor struct {
	logger arbor.ILogger
}

// NewExecutor creates an Executor.
func NewExecutor(logger arbor.ILogger) *Executor {
	return &Executor{logger: logger}
}

// EntitySyncRequest bundles everything one entity sync needs.
type EntitySyncRequest struct {
	Connector      connector.Connector
	Destination    *mongo.Database
	ConnectorID    models.ID
	ConnectorName  string
	Entity         string
	Mode           models.SyncMode
	Settings       models.ConnectorSettings
	// State resumes a chunk; nil starts a fresh entity sync.
	State *models.FetchState
}

// ChunkResult is returned after one bounded chunk of work.
type ChunkResult struct {
	State        models.FetchState
	Completed    bool
	RecordsWritten int64
}

// RunChunk performs at most one bounded chunk of an entity sync: staging
// setup on the first chunk, a fetch chunk, batch writes, and (when
// hasMore=false) hot-swap promotion for full syncs.
func (e *Executor) RunChunk(ctx context.Context, req EntitySyncRequest, maxIterations int) (ChunkResult, error) {
	live := LiveCollectionName(req.ConnectorName, req.Entity)
	stage := StagingCollectionName(live)

	isFirstChunk := req.State == nil
	writeTarget := live
	if req.Mode == models.SyncModeFull {
		writeTarget = stage
		if isFirstChunk {
			if err := e.prepareStaging(ctx, req.Destination, stage); err != nil {
				return ChunkResult{}, err
			}
		}
	}

	var since *time.Time
	if req.Mode == models.SyncModeIncremental && isFirstChunk {
		t, err := e.lastSyncWatermark(ctx, req.Destination, live, req.ConnectorID)
		if err != nil {
			return ChunkResult{}, err
		}
		since = t
	}

	var recordsWritten int64
	writeErr := error(nil)
	onBatch := func(records []connector.Record) error {
		n, err := e.writeBatch(ctx, req.Destination, writeTarget, records, req.ConnectorID, req.ConnectorName)
		recordsWritten += n
		if err != nil {
			writeErr = err
		}
		return err
	}

	opts := connector.FetchOptions{
		Entity:         req.Entity,
		BatchSize:      req.Settings.BatchSize,
		OnBatch:        onBatch,
		RateLimitDelay: req.Settings.RateLimitDelayMs,
		MaxRetries:     req.Settings.MaxRetries,
	}
	if since != nil {
		ms := since.UnixMilli()
		opts.Since = &ms
	}

	var state models.FetchState
	var fetchErr error
	if req.Connector.SupportsResumableFetching() {
		rOpts := connector.ResumableFetchOptions{
			FetchOptions:  opts,
			MaxIterations: maxIterations,
			State:         req.State,
		}
		state, fetchErr = req.Connector.FetchEntityChunk(ctx, rOpts)
	} else {
		fetchErr = req.Connector.FetchEntity(ctx, opts)
		state = models.FetchState{HasMore: false, TotalProcessed: recordsWritten}
	}

	if fetchErr != nil {
		return ChunkResult{}, fetchErr
	}
	if writeErr != nil {
		return ChunkResult{}, writeErr
	}

	if !state.HasMore {
		if req.Mode == models.SyncModeFull {
			if err := e.promote(ctx, req.Destination, stage, live); err != nil {
				return ChunkResult{}, err
			}
		}
		if err := e.ensureIndexes(ctx, req.Destination, live); err != nil {
			e.logger.Warn().Err(err).Str("collection", live).Msg("index maintenance on live collection failed")
		}
		return ChunkResult{State: state, Completed: true, RecordsWritten: recordsWritten}, nil
	}

	return ChunkResult{State: state, Completed: false, RecordsWritten: recordsWritten}, nil
}

// prepareStaging drops any previous staging collection and recreates its
// indexes.
func (e *Executor) prepareStaging(ctx context.Context, db *mongo.Database, stage string) error {
	if err := db.Collection(stage).Drop(ctx); err != nil {
		return fmt.Errorf("drop existing staging collection %s: %w", stage, err)
	}
	if err := e.ensureIndexes(ctx, db, stage); err != nil {
		e.logger.Warn().Err(err).Str("collection", stage).Msg("index maintenance on staging collection failed")
	}
	return nil
}

// lastSyncWatermark computes since = max(_syncedAt) where
// _dataSourceId = connector.id in live, else nil when live is empty for
// this connector.
func (e *Executor) lastSyncWatermark(ctx context.Context, db *mongo.Database, live string, connectorID models.ID) (*time.Time, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "_syncedAt", Value: -1}})
	var doc bson.M
	err := db.Collection(live).FindOne(ctx, bson.M{"_dataSourceId": connectorID}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compute incremental watermark on %s: %w", live, err)
	}
	t, ok := doc["_syncedAt"].(time.Time)
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// writeBatch upserts each record by (id, _dataSourceId) via unordered bulk
// replaceOne.
func (e *Executor) writeBatch(ctx context.Context, db *mongo.Database, collection string, records []connector.Record, connectorID models.ID, connectorName string) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	models_ := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		id, doc := WrapRecord(r, connectorID, connectorName, now, "")
		filter := bson.M{"id": id, "_dataSourceId": connectorID}
		m := mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(doc).SetUpsert(true)
		models_ = append(models_, m)
	}

	bulkOpts := options.BulkWrite().SetOrdered(false)
	res, err := db.Collection(collection).BulkWrite(ctx, models_, bulkOpts)
	if err != nil {
		return 0, synerr.Wrap(synerr.CodeConnFailed, synerr.Retryable,
			fmt.Sprintf("bulk write batch to %s", collection), err)
	}
	return res.UpsertedCount + res.ModifiedCount, nil
}

// promote performs the hot swap: rename stage -> live with
// dropTarget=true, atomically replacing the live collection.
func (e *Executor) promote(ctx context.Context, db *mongo.Database, stage, live string) error {
	admin := db.Client().Database("admin")
	fullStage := db.Name() + "." + stage
	fullLive := db.Name() + "." + live

	cmd := bson.D{
		{Key: "renameCollection", Value: fullStage},
		{Key: "to", Value: fullLive},
		{Key: "dropTarget", Value: true},
	}
	if err := admin.RunCommand(ctx, cmd).Err(); err != nil {
		return synerr.Wrap(synerr.CodeConnFailed, synerr.Fatal,
			fmt.Sprintf("promote staging %s to live %s", stage, live), err)
	}
	return nil
}
