//go:build integration

package transaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/seventv/txcore/txcore/event"
	"github.com/seventv/txcore/txcore/log"
	txmongo "github.com/seventv/txcore/txcore/mongo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"
)

type integrationSet struct {
	ID      string `bson:"_id"`
	OwnerID string `bson:"owner_id"`
	Name    string `bson:"name"`
}

func (integrationSet) CollectionName() string { return "emote_sets" }

type integrationError struct {
	Reason string
}

func (e integrationError) Error() string { return e.Reason }

func newIntegrationStore(t *testing.T) *txmongo.Client {
	t.Helper()

	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7", tcmongo.WithReplicaSet("rs0"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := txmongo.NewClient(ctx, txmongo.Config{
		URI:                    uri,
		Database:               "txcore_transaction",
		ServerSelectionTimeout: 20 * time.Second,
		Logger:                 log.NewNop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return client
}

func TestIntegration_RunCommitsDocumentsAndEventLog(t *testing.T) {
	ctx := context.Background()
	client := newIntegrationStore(t)

	var (
		mu       sync.Mutex
		payloads [][]byte
	)

	ex, err := New(FromMongo(client), WithPublisher(PublisherFunc(func(_ context.Context, _ string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()

		payloads = append(payloads, payload)

		return nil
	})))
	require.NoError(t, err)

	set, err := Run[integrationSet, integrationError](ctx, ex, func(ctx context.Context, s *Session) (integrationSet, error) {
		set := integrationSet{ID: "set-1", OwnerID: "u1", Name: "main"}

		if _, err := InsertOne(ctx, s, set); err != nil {
			return integrationSet{}, err
		}

		return set, s.RegisterEvent(event.New(event.EmoteSetCreate{SetID: set.ID, OwnerID: "u1", Name: "main"}, &event.Actor{ID: "u1"}, ""))
	})
	require.NoError(t, err)

	db, err := client.Database(ctx)
	require.NoError(t, err)

	n, err := db.Collection("emote_sets").CountDocuments(ctx, bson.M{"_id": set.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var stored event.StoredEvent
	require.NoError(t, db.Collection("stored_events").FindOne(ctx, bson.M{"target_id": set.ID}).Decode(&stored))
	assert.Equal(t, "emote_set.create", stored.Kind)
	assert.Nil(t, stored.SearchUpdatedAt)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, payloads, 1)

	decoded, err := event.Decode(payloads[0])
	require.NoError(t, err)
	require.Len(t, decoded.Events, 1)
	assert.Equal(t, stored.ID, decoded.Events[0].ID.String())
}

func TestIntegration_CustomErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	client := newIntegrationStore(t)

	ex, err := New(FromMongo(client))
	require.NoError(t, err)

	_, err = Run[int, integrationError](ctx, ex, func(ctx context.Context, s *Session) (int, error) {
		if _, err := InsertOne(ctx, s, integrationSet{ID: "set-rollback", OwnerID: "u1"}); err != nil {
			return 0, err
		}

		return 0, Custom(integrationError{Reason: "at capacity"})
	})
	require.Error(t, err)
	assert.Equal(t, KindCustom, KindOf(err))

	db, err := client.Database(ctx)
	require.NoError(t, err)

	n, err := db.Collection("emote_sets").CountDocuments(ctx, bson.M{"_id": "set-rollback"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Concurrent increments of the same document conflict; the executor
// retries until every increment lands.
func TestIntegration_WriteConflictsAreRetried(t *testing.T) {
	ctx := context.Background()
	client := newIntegrationStore(t)

	db, err := client.Database(ctx)
	require.NoError(t, err)

	_, err = db.Collection("emote_sets").InsertOne(ctx, bson.M{"_id": "counter", "owner_id": "u1", "name": "c", "hits": 0})
	require.NoError(t, err)

	ex, err := New(FromMongo(client), WithConfig(Config{MaxAttempts: 50, RetryDelay: 10 * time.Millisecond}))
	require.NoError(t, err)

	const workers = 8

	var wg sync.WaitGroup

	errs := make([]error, workers)

	for i := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = Run[struct{}, integrationError](ctx, ex, func(ctx context.Context, s *Session) (struct{}, error) {
				_, err := UpdateOne[integrationSet](ctx, s, bson.M{"_id": "counter"}, bson.M{"$inc": bson.M{"hits": 1}})

				return struct{}{}, err
			})
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	var doc struct {
		Hits int32 `bson:"hits"`
	}

	require.NoError(t, db.Collection("emote_sets").FindOne(ctx, bson.M{"_id": "counter"}).Decode(&doc))
	assert.Equal(t, int32(workers), doc.Hits)
}
