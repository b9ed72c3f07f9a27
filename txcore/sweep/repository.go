package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/seventv/txcore/txcore/event"
	txmongo "github.com/seventv/txcore/txcore/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Repository reads and updates the sweep state of stored events.
type Repository interface {
	// ListPending returns unindexed events last updated at or before
	// before, with fewer than maxAttempts failed deliveries, oldest first.
	ListPending(ctx context.Context, before time.Time, maxAttempts, limit int) ([]event.StoredEvent, error)
	// MarkIndexed stamps search_updated_at and clears the sweep error.
	MarkIndexed(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed delivery and returns the new attempt count.
	MarkFailed(ctx context.Context, id, errMsg string) (int, error)
	// Quarantine excludes the event from further sweeps.
	Quarantine(ctx context.Context, id, errMsg string, maxAttempts int) error
}

// MongoRepository implements Repository over the event-log collection.
type MongoRepository struct {
	client     *txmongo.Client
	collection string
}

var _ Repository = (*MongoRepository)(nil)

// NewMongoRepository binds a repository to collection, defaulting to
// stored_events.
func NewMongoRepository(client *txmongo.Client, collection string) (*MongoRepository, error) {
	if client == nil {
		return nil, ErrMongoClientRequired
	}

	if collection == "" {
		collection = defaultCollection
	}

	return &MongoRepository{client: client, collection: collection}, nil
}

// EnsureIndexes creates the index backing ListPending.
func (repo *MongoRepository) EnsureIndexes(ctx context.Context) error {
	if repo == nil {
		return ErrRepositoryRequired
	}

	return repo.client.EnsureIndexes(ctx, repo.collection, mongo.IndexModel{
		Keys: bson.D{{Key: "search_updated_at", Value: 1}, {Key: "updated_at", Value: 1}},
	})
}

func (repo *MongoRepository) ListPending(ctx context.Context, before time.Time, maxAttempts, limit int) ([]event.StoredEvent, error) {
	coll, err := repo.coll(ctx)
	if err != nil {
		return nil, err
	}

	// $not/$gte also matches documents without sweep_attempts.
	filter := bson.M{
		"search_updated_at": nil,
		"updated_at":        bson.M{"$lte": before.UTC()},
		"sweep_attempts":    bson.M{"$not": bson.M{"$gte": maxAttempts}},
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list pending stored events: %w", err)
	}

	var out []event.StoredEvent
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode pending stored events: %w", err)
	}

	return out, nil
}

func (repo *MongoRepository) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return ErrEventIDRequired
	}

	coll, err := repo.coll(ctx)
	if err != nil {
		return err
	}

	_, err = coll.UpdateOne(ctx,
		bson.M{"_id": id, "search_updated_at": nil},
		bson.M{
			"$set":   bson.M{"search_updated_at": at.UTC()},
			"$unset": bson.M{"sweep_error": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("mark stored event %s indexed: %w", id, err)
	}

	return nil
}

func (repo *MongoRepository) MarkFailed(ctx context.Context, id, errMsg string) (int, error) {
	if id == "" {
		return 0, ErrEventIDRequired
	}

	coll, err := repo.coll(ctx)
	if err != nil {
		return 0, err
	}

	var doc struct {
		Attempts int `bson:"sweep_attempts"`
	}

	err = coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc": bson.M{"sweep_attempts": 1},
			"$set": bson.M{"sweep_error": errMsg},
		},
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"sweep_attempts": 1}),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mark stored event %s failed: %w", id, err)
	}

	return doc.Attempts, nil
}

func (repo *MongoRepository) Quarantine(ctx context.Context, id, errMsg string, maxAttempts int) error {
	if id == "" {
		return ErrEventIDRequired
	}

	coll, err := repo.coll(ctx)
	if err != nil {
		return err
	}

	_, err = coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": bson.M{"sweep_error": errMsg},
			"$max": bson.M{"sweep_attempts": maxAttempts},
		},
	)
	if err != nil {
		return fmt.Errorf("quarantine stored event %s: %w", id, err)
	}

	return nil
}

func (repo *MongoRepository) coll(ctx context.Context) (*mongo.Collection, error) {
	if repo == nil || repo.client == nil {
		return nil, ErrRepositoryRequired
	}

	db, err := repo.client.Database(ctx)
	if err != nil {
		return nil, err
	}

	return db.Collection(repo.collection), nil
}
