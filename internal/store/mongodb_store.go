package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/CoveStays/checkout/internal/metrics"
)

// MongoGateway implements Gateway using MongoDB.
type MongoGateway struct {
	client          *mongo.Client
	checkouts       *mongo.Collection
	idempotencyKeys *mongo.Collection
	webhookEvents   *mongo.Collection
	metrics         *metrics.Metrics
}

// NewMongoGateway creates a new MongoDB-backed gateway. m may be nil to
// disable query instrumentation.
func NewMongoGateway(connectionString, database string, m *metrics.Metrics) (*MongoGateway, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// NOTE: client.Disconnect() error is intentionally ignored during initialization cleanup.
		// If connection fails, the Disconnect() error is not actionable and would only obscure
		// the original connection failure. The primary error is returned to the caller.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)

	g := &MongoGateway{
		client:          client,
		checkouts:       db.Collection("checkouts"),
		idempotencyKeys: db.Collection("idempotency_keys"),
		webhookEvents:   db.Collection("webhook_events"),
		metrics:         m,
	}

	if err := g.createIndexes(ctx); err != nil {
		// Same rationale: Disconnect() error during initialization cleanup is not actionable
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return g, nil
}

// createIndexes creates necessary indexes for collections.
func (g *MongoGateway) createIndexes(ctx context.Context) error {
	// Note: _id is automatically unique in MongoDB, no need to create it
	_, err := g.checkouts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "holdExpiresAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create checkouts indexes: %w", err)
	}

	_, err = g.idempotencyKeys.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create idempotency_keys indexes: %w", err)
	}

	_, err = g.webhookEvents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create webhook_events indexes: %w", err)
	}

	return nil
}

// CreateCheckout stores a new checkout document.
func (g *MongoGateway) CreateCheckout(ctx context.Context, c Checkout) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "create_checkout", "mongodb")()

	c.Revision = 1
	_, err := g.checkouts.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

// GetCheckout retrieves a checkout by id.
func (g *MongoGateway) GetCheckout(ctx context.Context, id string) (Checkout, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "get_checkout", "mongodb")()

	var c Checkout
	err := g.checkouts.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return Checkout{}, ErrNotFound
	}
	if err != nil {
		return Checkout{}, err
	}
	return c, nil
}

// MutateCheckout applies fn under optimistic concurrency. The commit replaces
// the whole document only when the stored revision still matches the one read.
func (g *MongoGateway) MutateCheckout(ctx context.Context, id string, fn MutateFunc) (Checkout, error) {
	load := func(ctx context.Context) (Checkout, error) {
		return g.GetCheckout(ctx, id)
	}
	commit := func(ctx context.Context, next Checkout, expected int64) (bool, error) {
		ctx, cancel := withQueryTimeout(ctx)
		defer cancel()
		defer metrics.MeasureDBQuery(g.metrics, "replace_checkout", "mongodb")()

		filter := bson.M{"_id": id, "revision": expected}
		result, err := g.checkouts.ReplaceOne(ctx, filter, next)
		if err != nil {
			return false, err
		}
		return result.MatchedCount > 0, nil
	}
	return mutateWithRetry(ctx, load, commit, fn)
}

// ListExpiredHolds returns checkouts in the given state whose hold deadline
// passed, oldest deadline first.
func (g *MongoGateway) ListExpiredHolds(ctx context.Context, state State, before time.Time, limit int) ([]Checkout, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "list_expired_holds", "mongodb")()

	filter := bson.M{
		"state":         state,
		"holdExpiresAt": bson.M{"$lt": before},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "holdExpiresAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := g.checkouts.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query expired holds: %w", err)
	}
	defer cursor.Close(ctx)

	var checkouts []Checkout
	for cursor.Next(ctx) {
		var c Checkout
		if err := cursor.Decode(&c); err != nil {
			return nil, fmt.Errorf("decode checkout: %w", err)
		}
		checkouts = append(checkouts, c)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return checkouts, nil
}

// ClaimIdempotencyKey registers a pending claim unless a live record exists.
func (g *MongoGateway) ClaimIdempotencyKey(ctx context.Context, rec IdempotencyRecord) (IdempotencyRecord, bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "claim_idempotency_key", "mongodb")()

	// Bounded loop covers the rare race where a record is released between
	// the failed insert and the read of the existing claim.
	for attempt := 0; attempt < 3; attempt++ {
		update := bson.M{"$setOnInsert": rec}
		opts := options.Update().SetUpsert(true)
		result, err := g.idempotencyKeys.UpdateOne(ctx, bson.M{"_id": rec.ID}, update, opts)
		if err != nil {
			return IdempotencyRecord{}, false, err
		}
		if result.UpsertedCount > 0 {
			return rec, true, nil
		}

		// A record exists. If it expired, take it over in place.
		takeover := bson.M{"_id": rec.ID, "expiresAt": bson.M{"$lt": time.Now()}}
		result, err = g.idempotencyKeys.UpdateOne(ctx, takeover, bson.M{"$set": rec})
		if err != nil {
			return IdempotencyRecord{}, false, err
		}
		if result.ModifiedCount > 0 {
			return rec, true, nil
		}

		var existing IdempotencyRecord
		err = g.idempotencyKeys.FindOne(ctx, bson.M{"_id": rec.ID}).Decode(&existing)
		if err == mongo.ErrNoDocuments {
			continue
		}
		if err != nil {
			return IdempotencyRecord{}, false, err
		}
		return existing, false, nil
	}
	return IdempotencyRecord{}, false, fmt.Errorf("claim idempotency key %s: %w", rec.ID, ErrConflict)
}

// CompleteIdempotencyKey stores the captured response on a claim.
func (g *MongoGateway) CompleteIdempotencyKey(ctx context.Context, id string, status int, body []byte) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "complete_idempotency_key", "mongodb")()

	update := bson.M{"$set": bson.M{"status": status, "body": body}}
	result, err := g.idempotencyKeys.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseIdempotencyKey drops a claim so a later retry re-executes.
func (g *MongoGateway) ReleaseIdempotencyKey(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "release_idempotency_key", "mongodb")()

	_, err := g.idempotencyKeys.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// GetIdempotencyRecord retrieves a record by id. Expired records are treated
// as absent.
func (g *MongoGateway) GetIdempotencyRecord(ctx context.Context, id string) (IdempotencyRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "get_idempotency_record", "mongodb")()

	filter := bson.M{"_id": id, "expiresAt": bson.M{"$gt": time.Now()}}

	var rec IdempotencyRecord
	err := g.idempotencyKeys.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, err
	}
	return rec, nil
}

// PurgeIdempotencyKeys deletes records that expired before olderThan.
func (g *MongoGateway) PurgeIdempotencyKeys(ctx context.Context, olderThan time.Time) (int64, error) {
	defer metrics.MeasureDBQuery(g.metrics, "purge_idempotency_keys", "mongodb")()

	result, err := g.idempotencyKeys.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lt": olderThan}})
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return result.DeletedCount, nil
}

// GetWebhookEvent retrieves a processed-event marker. Expired markers are
// treated as absent.
func (g *MongoGateway) GetWebhookEvent(ctx context.Context, eventID string) (WebhookEventRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "get_webhook_event", "mongodb")()

	filter := bson.M{"_id": eventID, "expiresAt": bson.M{"$gt": time.Now()}}

	var rec WebhookEventRecord
	err := g.webhookEvents.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return WebhookEventRecord{}, ErrNotFound
	}
	if err != nil {
		return WebhookEventRecord{}, err
	}
	return rec, nil
}

// MarkWebhookProcessed records an event as processed. Marking twice keeps the
// original record.
func (g *MongoGateway) MarkWebhookProcessed(ctx context.Context, rec WebhookEventRecord) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(g.metrics, "mark_webhook_processed", "mongodb")()

	update := bson.M{"$setOnInsert": rec}
	opts := options.Update().SetUpsert(true)
	_, err := g.webhookEvents.UpdateOne(ctx, bson.M{"_id": rec.ID}, update, opts)
	return err
}

// PurgeWebhookEvents deletes markers that expired before olderThan.
func (g *MongoGateway) PurgeWebhookEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	defer metrics.MeasureDBQuery(g.metrics, "purge_webhook_events", "mongodb")()

	result, err := g.webhookEvents.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lt": olderThan}})
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	return result.DeletedCount, nil
}

// Ping verifies the database connection.
func (g *MongoGateway) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return g.client.Ping(ctx, nil)
}

// Close closes the database connection.
func (g *MongoGateway) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.client.Disconnect(ctx)
}
