// Package configstore provides read access to job, connector, destination
// and workspace records in the control-plane store, decrypting secret
// fields per each connector type's declared schema. The control-plane
// store may share an instance with a destination store; pool contexts
// keep their handles distinct.
package configstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/crypto"
	"github.com/ternarybob/syncd/internal/models"
	"github.com/ternarybob/syncd/internal/synerr"
)

// Collection names of the control-plane store.
const (
	CollWorkspaces  = "workspaces"
	CollConnectors  = "connectors"
	CollDatabases   = "databases"
	CollSyncJobs    = "syncjobs"
	CollExecutions  = "job_executions"
	CollExecLocks   = "job_execution_locks"
	CollWebhookEvts = "webhook_events"
)

// Gateway mediates all control-plane store access. It is safe for
// concurrent use; all methods are read-only except the status-write
// helpers used by internal/jobruntime and internal/webhook (Executions
// are append-only, Jobs only have status fields updated).
type Gateway struct {
	db         *mongo.Database
	registry   *connector.Registry
	encKey     []byte
}

// New creates a Gateway over db, decrypting connector/destination secrets
// with encKey (see internal/crypto) and resolving per-type schemas from
// registry.
func New(db *mongo.Database, registry *connector.Registry, encKey []byte) *Gateway {
	return &Gateway{db: db, registry: registry, encKey: encKey}
}

func (g *Gateway) coll(name string) *mongo.Collection { return g.db.Collection(name) }

// GetJob loads one sync job by id.
func (g *Gateway) GetJob(ctx context.Context, id models.ID) (*models.SyncJob, error) {
	var job models.SyncJob
	err := g.coll(CollSyncJobs).FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err == mongo.ErrNoDocuments {
		return nil, synerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id.Hex(), err)
	}
	return &job, nil
}

// ListEnabledJobs returns every job with enabled=true, for the scheduler's
// per-tick evaluation.
func (g *Gateway) ListEnabledJobs(ctx context.Context) ([]models.SyncJob, error) {
	cur, err := g.coll(CollSyncJobs).Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, fmt.Errorf("list enabled jobs: %w", err)
	}
	defer cur.Close(ctx)

	var jobs []models.SyncJob
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("decode enabled jobs: %w", err)
	}
	return jobs, nil
}

// GetConnector loads and decrypts one connector config by id.
func (g *Gateway) GetConnector(ctx context.Context, id models.ID) (*models.ConnectorConfig, error) {
	var cfg models.ConnectorConfig
	err := g.coll(CollConnectors).FindOne(ctx, bson.M{"_id": id}).Decode(&cfg)
	if err == mongo.ErrNoDocuments {
		return nil, synerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connector %s: %w", id.Hex(), err)
	}
	if err := g.decryptConnectorConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListActiveConnectors returns every active connector, optionally scoped to
// one workspace (nil means all workspaces).
func (g *Gateway) ListActiveConnectors(ctx context.Context, workspaceID *models.ID) ([]models.ConnectorConfig, error) {
	filter := bson.M{"isActive": true}
	if workspaceID != nil {
		filter["workspaceId"] = *workspaceID
	}
	cur, err := g.coll(CollConnectors).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list active connectors: %w", err)
	}
	defer cur.Close(ctx)

	var configs []models.ConnectorConfig
	if err := cur.All(ctx, &configs); err != nil {
		return nil, fmt.Errorf("decode active connectors: %w", err)
	}
	for i := range configs {
		if err := g.decryptConnectorConfig(&configs[i]); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

// GetDestination loads one destination and decrypts its connection
// fields; connection.connectionString and connection.database are always
// stored encrypted.
func (g *Gateway) GetDestination(ctx context.Context, id models.ID) (*models.Destination, error) {
	var dest models.Destination
	err := g.coll(CollDatabases).FindOne(ctx, bson.M{"_id": id}).Decode(&dest)
	if err == mongo.ErrNoDocuments {
		return nil, synerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get destination %s: %w", id.Hex(), err)
	}
	if err := g.decryptDestination(&dest); err != nil {
		return nil, err
	}
	return &dest, nil
}

// ListDestinations returns every destination owned by workspaceID.
func (g *Gateway) ListDestinations(ctx context.Context, workspaceID models.ID) ([]models.Destination, error) {
	cur, err := g.coll(CollDatabases).Find(ctx, bson.M{"workspaceId": workspaceID})
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer cur.Close(ctx)

	var dests []models.Destination
	if err := cur.All(ctx, &dests); err != nil {
		return nil, fmt.Errorf("decode destinations: %w", err)
	}
	for i := range dests {
		if err := g.decryptDestination(&dests[i]); err != nil {
			return nil, err
		}
	}
	return dests, nil
}

// ListWorkspaces returns every workspace.
func (g *Gateway) ListWorkspaces(ctx context.Context) ([]models.Workspace, error) {
	cur, err := g.coll(CollWorkspaces).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer cur.Close(ctx)

	var ws []models.Workspace
	if err := cur.All(ctx, &ws); err != nil {
		return nil, fmt.Errorf("decode workspaces: %w", err)
	}
	return ws, nil
}

func (g *Gateway) decryptDestination(d *models.Destination) error {
	cs, err := crypto.Decrypt(d.Connection.ConnectionString, g.encKey)
	if err != nil {
		return synerr.Wrap(synerr.CodeDecryptFailed, synerr.Fatal, "decrypt destination connectionString", err)
	}
	db, err := crypto.Decrypt(d.Connection.Database, g.encKey)
	if err != nil {
		return synerr.Wrap(synerr.CodeDecryptFailed, synerr.Fatal, "decrypt destination database", err)
	}
	d.Connection.ConnectionString = cs
	d.Connection.Database = db
	return nil
}

// decryptConnectorConfig walks cfg.Config against the connector type's
// declared schema (recursively through object_array.itemFields) and
// decrypts every leaf tagged encrypted or password. Decryption failure
// for a tagged field is fatal for this read; ciphertext is never passed
// through silently.
func (g *Gateway) decryptConnectorConfig(cfg *models.ConnectorConfig) error {
	schema, err := g.registry.GetSchema(cfg.Type)
	if err != nil {
		return synerr.Wrap(synerr.CodeConfigInvalid, synerr.Fatal,
			fmt.Sprintf("no schema registered for connector type %s", cfg.Type), err)
	}
	return decryptFields(cfg.Config, schema.Fields, g.encKey)
}

func decryptFields(bag map[string]any, fields []connector.SchemaField, key []byte) error {
	for _, f := range fields {
		raw, ok := bag[f.Name]
		if !ok || raw == nil {
			continue
		}

		if f.Type == connector.FieldObjectArray {
			arr, ok := raw.([]any)
			if !ok {
				continue
			}
			for _, item := range arr {
				itemMap, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if err := decryptFields(itemMap, f.ItemFields, key); err != nil {
					return err
				}
			}
			continue
		}

		if !f.IsEncrypted() {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		plain, err := crypto.Decrypt(s, key)
		if err != nil {
			return synerr.Wrap(synerr.CodeDecryptFailed, synerr.Fatal,
				fmt.Sprintf("decrypt connector config field %q", f.Name), err)
		}
		bag[f.Name] = plain
	}
	return nil
}
