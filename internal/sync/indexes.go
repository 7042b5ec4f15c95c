package sync

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ensureIndexes creates the collection's three indexes if not already
// present. Index creation failures are warnings, not hard errors; callers
// log and continue.
func (e *Executor) ensureIndexes(ctx context.Context, db *mongo.Database, collection string) error {
	idxView := db.Collection(collection).Indexes()

	models_ := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"id": bson.M{"$exists": true}}).
				SetName("id_unique_partial"),
		},
		{
			Keys:    bson.D{{Key: "id", Value: 1}, {Key: "_dataSourceId", Value: 1}},
			Options: options.Index().SetName("id_dataSourceId"),
		},
		{
			Keys:    bson.D{{Key: "_dataSourceId", Value: 1}, {Key: "_syncedAt", Value: -1}},
			Options: options.Index().SetName("dataSourceId_syncedAt_desc"),
		},
	}

	_, err := idxView.CreateMany(ctx, models_)
	return err
}
