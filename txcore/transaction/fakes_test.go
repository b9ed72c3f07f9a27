//go:build unit

package transaction

import (
	"context"
	"errors"
	"sync"

	"github.com/seventv/txcore/txcore/event"
	txmongo "github.com/seventv/txcore/txcore/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var errNotImplemented = errors.New("not implemented by fake")

func transientErr() error {
	return mongo.CommandError{Code: 112, Name: "WriteConflict", Labels: []string{txmongo.LabelTransientTransaction}}
}

func unknownCommitErr() error {
	return mongo.CommandError{Code: 91, Name: "ShutdownInProgress", Labels: []string{txmongo.LabelUnknownCommitResult}}
}

type emoteSet struct {
	ID       string `bson:"_id"`
	OwnerID  string `bson:"owner_id"`
	Name     string `bson:"name"`
	Capacity int32  `bson:"capacity"`
}

func (emoteSet) CollectionName() string { return "emote_sets" }

type appError struct {
	Code string
}

func (e appError) Error() string { return "app error: " + e.Code }

// fakeStore is an in-memory transactional store. Writes become visible to
// other sessions on commit only.
type fakeStore struct {
	mu        sync.Mutex
	committed map[string][]bson.Raw
	calls     []string
	started   int
	ended     int

	startErr   error
	beginErrs  []error
	commitErrs []error
	insertErr  func(coll string) error
	onFind     func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{committed: map[string][]bson.Raw{}}
}

func (s *fakeStore) StartTxn(context.Context) (Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startErr != nil {
		return nil, s.startErr
	}

	s.started++

	return &fakeTxn{store: s}, nil
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, call)
}

func (s *fakeStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.calls...)
}

func (s *fakeStore) Committed(coll string) []bson.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]bson.Raw(nil), s.committed[coll]...)
}

func (s *fakeStore) count(call string) int {
	n := 0

	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}

	return n
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}

	err := (*errs)[0]
	*errs = (*errs)[1:]

	return err
}

type fakeTxn struct {
	store   *fakeStore
	pending map[string][]bson.Raw
	active  bool
}

func (t *fakeTxn) Begin(context.Context) error {
	t.store.record("begin")

	t.store.mu.Lock()
	err := pop(&t.store.beginErrs)
	t.store.mu.Unlock()

	if err != nil {
		return err
	}

	t.pending = map[string][]bson.Raw{}
	t.active = true

	return nil
}

func (t *fakeTxn) Commit(context.Context) error {
	t.store.record("commit")

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if err := pop(&t.store.commitErrs); err != nil {
		return err
	}

	for coll, docs := range t.pending {
		t.store.committed[coll] = append(t.store.committed[coll], docs...)
	}

	t.pending = nil
	t.active = false

	return nil
}

func (t *fakeTxn) Abort(context.Context) error {
	if !t.active {
		return nil
	}

	t.store.record("abort")
	t.pending = nil
	t.active = false

	return nil
}

func (t *fakeTxn) End(context.Context) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	t.store.ended++
}

func (t *fakeTxn) visible(coll string) []bson.Raw {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	out := append([]bson.Raw(nil), t.store.committed[coll]...)

	return append(out, t.pending[coll]...)
}

func (t *fakeTxn) Find(_ context.Context, coll string, _ any, _ ...*options.FindOptions) ([]bson.Raw, error) {
	t.store.record("find:" + coll)

	if t.store.onFind != nil {
		t.store.onFind()
	}

	return t.visible(coll), nil
}

func (t *fakeTxn) FindOne(_ context.Context, coll string, _ any, _ ...*options.FindOneOptions) (bson.Raw, error) {
	t.store.record("find_one:" + coll)

	if t.store.onFind != nil {
		t.store.onFind()
	}

	docs := t.visible(coll)
	if len(docs) == 0 {
		return nil, nil
	}

	return docs[0], nil
}

func (t *fakeTxn) FindOneAndUpdate(context.Context, string, any, any, ...*options.FindOneAndUpdateOptions) (bson.Raw, error) {
	return nil, errNotImplemented
}

func (t *fakeTxn) FindOneAndDelete(context.Context, string, any, ...*options.FindOneAndDeleteOptions) (bson.Raw, error) {
	return nil, errNotImplemented
}

func (t *fakeTxn) UpdateMany(_ context.Context, coll string, _, _ any, _ ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	t.store.record("update_many:" + coll)

	return &mongo.UpdateResult{}, nil
}

func (t *fakeTxn) UpdateOne(_ context.Context, coll string, _, _ any, _ ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	t.store.record("update_one:" + coll)

	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (t *fakeTxn) DeleteMany(_ context.Context, coll string, _ any, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	t.store.record("delete_many:" + coll)

	return &mongo.DeleteResult{}, nil
}

func (t *fakeTxn) DeleteOne(_ context.Context, coll string, _ any, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	t.store.record("delete_one:" + coll)

	return &mongo.DeleteResult{DeletedCount: 1}, nil
}

func (t *fakeTxn) CountDocuments(_ context.Context, coll string, _ any, _ ...*options.CountOptions) (int64, error) {
	t.store.record("count:" + coll)

	return int64(len(t.visible(coll))), nil
}

func (t *fakeTxn) InsertOne(_ context.Context, coll string, doc any, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	t.store.record("insert_one:" + coll)

	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}

	t.store.mu.Lock()
	t.pending[coll] = append(t.pending[coll], raw)
	t.store.mu.Unlock()

	return &mongo.InsertOneResult{}, nil
}

func (t *fakeTxn) InsertMany(_ context.Context, coll string, docs []any, _ ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	t.store.record("insert_many:" + coll)

	if t.store.insertErr != nil {
		if err := t.store.insertErr(coll); err != nil {
			return nil, err
		}
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, doc := range docs {
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, err
		}

		t.pending[coll] = append(t.pending[coll], raw)
	}

	return &mongo.InsertManyResult{}, nil
}

// fakeBus records publishes into the store's call log so ordering against
// commits can be checked.
type fakeBus struct {
	mu       sync.Mutex
	store    *fakeStore
	subjects []string
	payloads [][]byte
	err      error
}

func (b *fakeBus) Publish(_ context.Context, subject string, payload []byte) error {
	if b.store != nil {
		b.store.record("publish")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, append([]byte(nil), payload...))

	return nil
}

func (b *fakeBus) Published() []event.Payload {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]event.Payload, 0, len(b.payloads))

	for _, p := range b.payloads {
		decoded, err := event.Decode(p)
		if err != nil {
			panic(err)
		}

		out = append(out, decoded)
	}

	return out
}
