// Package webhook implements bounded-parallel consumption of
// webhook/event.process deliveries: connector signature verification,
// event-type-to-entity/operation mapping, and application to the live
// collection (and staging, if present).
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/syncd/internal/common"
	"github.com/ternarybob/syncd/internal/configstore"
	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/eventbus"
	"github.com/ternarybob/syncd/internal/models"
	"github.com/ternarybob/syncd/internal/pool"
	syncengine "github.com/ternarybob/syncd/internal/sync"
)

// Options configures the processor's tuning knobs.
type Options struct {
	Workers               int // default 25
	PollInterval          time.Duration
	RetrySweepInterval     time.Duration // default 30m
	RetryMaxBatch         int64         // default 100
	RetryMaxAttempts      int           // default 5
	CleanupInterval       time.Duration // daily
	CleanupRetention      time.Duration // default 30 days
}

// Processor consumes webhook events and applies them to destination
// collections.
type Processor struct {
	gateway  *configstore.Gateway
	registry *connector.Registry
	pool     *pool.Pool
	logger   arbor.ILogger
	opts     Options
}

// New creates a Processor, applying defaults to any zero-valued Options
// field.
func New(gateway *configstore.Gateway, registry *connector.Registry, p *pool.Pool, logger arbor.ILogger, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 25
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.RetrySweepInterval <= 0 {
		opts.RetrySweepInterval = 30 * time.Minute
	}
	if opts.RetryMaxBatch <= 0 {
		opts.RetryMaxBatch = 100
	}
	if opts.RetryMaxAttempts <= 0 {
		opts.RetryMaxAttempts = 5
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 24 * time.Hour
	}
	if opts.CleanupRetention <= 0 {
		opts.CleanupRetention = 30 * 24 * time.Hour
	}
	return &Processor{gateway: gateway, registry: registry, pool: p, logger: logger, opts: opts}
}

// Run starts Workers drain goroutines over bus plus the retry-sweep and
// cleanup background tasks, blocking until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, bus *eventbus.Manager) error {
	for i := 0; i < p.opts.Workers; i++ {
		i := i
		common.SafeGo(p.logger, fmt.Sprintf("webhook.worker.%d", i), func() { p.drain(ctx, bus) })
	}
	common.SafeGo(p.logger, "webhook.retrySweep", func() { p.retrySweepLoop(ctx, bus) })
	common.SafeGo(p.logger, "webhook.cleanup", func() { p.cleanupLoop(ctx) })

	<-ctx.Done()
	return ctx.Err()
}

// drain is one of the Workers bounded-parallelism consumers: it processes
// one event at a time inline, so the number of concurrently in-flight
// handlings never exceeds the number of drain goroutines.
func (p *Processor) drain(ctx context.Context, bus *eventbus.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, del, err := bus.Receive(ctx)
		if err != nil {
			if !errors.Is(err, eventbus.ErrNoMessage) {
				p.logger.Error().Err(err).Msg("webhook: receive failed")
			}
			t := time.NewTimer(p.opts.PollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		if err := p.handleMessage(ctx, *msg); err != nil {
			p.logger.Error().Err(err).Msg("webhook: processing failed, leaving delivery for redelivery")
			continue
		}
		if err := del(); err != nil {
			p.logger.Warn().Err(err).Msg("webhook: failed to acknowledge delivery")
		}
	}
}

func (p *Processor) handleMessage(ctx context.Context, msg eventbus.Message) error {
	var payload eventbus.WebhookProcessPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("webhook: decode payload: %w", err)
	}
	id, err := models.ParseID(payload.EventID)
	if err != nil {
		return fmt.Errorf("webhook: malformed event id %q: %w", payload.EventID, err)
	}
	return p.processEvent(ctx, id)
}

// processEvent runs one WebhookEvent through verification, mapping,
// extraction and destination application.
func (p *Processor) processEvent(ctx context.Context, id models.ID) error {
	started := time.Now()

	if err := p.gateway.MarkWebhookProcessing(ctx, id); err != nil {
		return fmt.Errorf("webhook: mark processing: %w", err)
	}

	event, err := p.gateway.GetWebhookEvent(ctx, id)
	if err != nil {
		return fmt.Errorf("webhook: load event: %w", err)
	}

	job, err := p.gateway.GetJob(ctx, event.JobID)
	if err != nil {
		return p.fail(ctx, id, started, fmt.Errorf("webhook: load job: %w", err))
	}

	connCfg, err := p.gateway.GetConnector(ctx, job.ConnectorID)
	if err != nil {
		return p.fail(ctx, id, started, fmt.Errorf("webhook: load connector: %w", err))
	}
	dest, err := p.gateway.GetDestination(ctx, job.DestinationID)
	if err != nil {
		return p.fail(ctx, id, started, fmt.Errorf("webhook: load destination: %w", err))
	}

	conn, err := p.registry.GetConnector(*connCfg)
	if err != nil {
		return p.fail(ctx, id, started, fmt.Errorf("webhook: construct connector: %w", err))
	}
	if !conn.SupportsWebhooks() {
		return p.fail(ctx, id, started, fmt.Errorf("webhook: connector %s does not support webhooks", connCfg.Type))
	}

	ok, err := conn.VerifyWebhook(ctx, connector.WebhookVerifyInput{
		Payload: event.RawPayload,
		Headers: event.Headers,
	})
	if err != nil {
		return p.fail(ctx, id, started, fmt.Errorf("webhook: verify signature: %w", err))
	}
	if !ok {
		return p.completeAs(ctx, id, models.WebhookFailed, "invalid signature", started)
	}

	mapping := conn.GetWebhookEventMapping(event.EventType)
	if mapping == nil {
		// Unknown event type: complete without processing, never retried.
		return p.completeAs(ctx, id, models.WebhookCompleted, "", started)
	}

	extracted, err := conn.ExtractWebhookData(ctx, connector.RawWebhookEvent{
		EventType: event.EventType,
		Payload:   event.RawPayload,
		Headers:   event.Headers,
	})
	if err != nil {
		return p.fail(ctx, id, started, fmt.Errorf("webhook: extract data: %w", err))
	}

	destDB, err := p.pool.Get(ctx, pool.Key{Context: pool.ContextDestination, Identifier: dest.ID.Hex()},
		func(ctx context.Context, _ string) (pool.Connection, error) {
			return pool.Connection{ConnectionString: dest.Connection.ConnectionString, Database: dest.Connection.Database}, nil
		})
	if err != nil {
		return p.fail(ctx, id, started, fmt.Errorf("webhook: acquire destination handle: %w", err))
	}

	live := syncengine.LiveCollectionName(connCfg.Name, mapping.Entity)
	stage := syncengine.StagingCollectionName(live)
	stagingExists, err := collectionHasIndexes(ctx, destDB, stage)
	if err != nil {
		return p.fail(ctx, id, started, fmt.Errorf("webhook: detect staging collection: %w", err))
	}

	if err := p.apply(ctx, destDB, live, stage, stagingExists, mapping, extracted, connCfg, event.ID.Hex()); err != nil {
		return p.fail(ctx, id, started, fmt.Errorf("webhook: apply to destination: %w", err))
	}

	durationMs := time.Since(started).Milliseconds()
	if err := p.gateway.CompleteWebhookEvent(ctx, id, models.WebhookCompleted, "", time.Now().UTC(), durationMs); err != nil {
		return fmt.Errorf("webhook: complete event: %w", err)
	}
	return nil
}

// apply builds the destination document and upserts/deletes it on the
// live collection, and on staging iff it exists.
func (p *Processor) apply(ctx context.Context, db *mongo.Database, live, stage string, stagingExists bool, mapping *connector.WebhookMapping, extracted connector.WebhookEventData, connCfg *models.ConnectorConfig, webhookEventID string) error {
	targets := []string{live}
	if stagingExists {
		targets = append(targets, stage)
	}

	switch mapping.Operation {
	case connector.WebhookDelete:
		for _, coll := range targets {
			if _, err := db.Collection(coll).DeleteOne(ctx, bson.M{"id": extracted.ID}); err != nil {
				return fmt.Errorf("delete from %s: %w", coll, err)
			}
		}
		return nil
	default: // WebhookUpsert
		_, doc := syncengine.WrapRecord(extracted.Data, connCfg.ID, connCfg.Name, time.Now().UTC(), webhookEventID)
		for _, coll := range targets {
			if _, err := db.Collection(coll).ReplaceOne(ctx, bson.M{"id": extracted.ID}, doc, options.Replace().SetUpsert(true)); err != nil {
				return fmt.Errorf("replace in %s: %w", coll, err)
			}
		}
		return nil
	}
}

func (p *Processor) fail(ctx context.Context, id models.ID, started time.Time, cause error) error {
	durationMs := time.Since(started).Milliseconds()
	if err := p.gateway.CompleteWebhookEvent(ctx, id, models.WebhookFailed, cause.Error(), time.Now().UTC(), durationMs); err != nil {
		p.logger.Error().Err(err).Str("eventId", id.Hex()).Msg("webhook: failed to record failure status")
	}
	return cause
}

// completeAs records a terminal status without treating it as an error the
// bus should redeliver (invalid signature and unknown event type are both
// final).
func (p *Processor) completeAs(ctx context.Context, id models.ID, status models.WebhookStatus, errMsg string, started time.Time) error {
	durationMs := time.Since(started).Milliseconds()
	if err := p.gateway.CompleteWebhookEvent(ctx, id, status, errMsg, time.Now().UTC(), durationMs); err != nil {
		return fmt.Errorf("webhook: complete event: %w", err)
	}
	return nil
}

// collectionHasIndexes reports whether coll exists by listing its
// indexes; staging is never implicitly created. Listing indexes on a
// collection MongoDB has never created returns a "ns not found" namespace
// error rather than silently vivifying the collection the way an insert
// would.
func collectionHasIndexes(ctx context.Context, db *mongo.Database, coll string) (bool, error) {
	cur, err := db.Collection(coll).Indexes().List(ctx)
	if err != nil {
		if isNamespaceNotFound(err) {
			return false, nil
		}
		return false, err
	}
	defer cur.Close(ctx)
	return true, nil
}

func isNamespaceNotFound(err error) bool {
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		return ce.Code == 26 // NamespaceNotFound
	}
	return false
}

// retrySweepLoop periodically finds up to RetryMaxBatch failed events
// with attempts < RetryMaxAttempts, resets them to pending, and
// re-enqueues them.
func (p *Processor) retrySweepLoop(ctx context.Context, bus *eventbus.Manager) {
	ticker := time.NewTicker(p.opts.RetrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runRetrySweep(ctx, bus)
		}
	}
}

func (p *Processor) runRetrySweep(ctx context.Context, bus *eventbus.Manager) {
	events, err := p.gateway.FindFailedWebhookEvents(ctx, p.opts.RetryMaxAttempts, p.opts.RetryMaxBatch)
	if err != nil {
		p.logger.Error().Err(err).Msg("webhook: retry sweep query failed")
		return
	}
	for _, ev := range events {
		if err := p.gateway.ResetWebhookToPending(ctx, ev.ID); err != nil {
			p.logger.Error().Err(err).Str("eventId", ev.ID.Hex()).Msg("webhook: retry sweep reset failed")
			continue
		}
		payload, _ := json.Marshal(eventbus.WebhookProcessPayload{JobID: ev.JobID.Hex(), EventID: ev.ID.Hex()})
		msg := eventbus.Message{Topic: eventbus.TopicWebhookProcess, Payload: payload}
		if err := bus.Enqueue(ctx, msg); err != nil {
			p.logger.Error().Err(err).Str("eventId", ev.ID.Hex()).Msg("webhook: retry sweep re-enqueue failed")
			continue
		}
	}
	if len(events) > 0 {
		p.logger.Info().Int("count", len(events)).Msg("webhook: retry sweep re-enqueued failed events")
	}
}

// cleanupLoop deletes completed events older than CleanupRetention.
func (p *Processor) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.opts.CleanupRetention)
			n, err := p.gateway.PruneCompletedWebhookEvents(ctx, cutoff)
			if err != nil {
				p.logger.Error().Err(err).Msg("webhook: cleanup prune failed")
				continue
			}
			if n > 0 {
				p.logger.Info().Int64("count", n).Msg("webhook: pruned completed events")
			}
		}
	}
}
