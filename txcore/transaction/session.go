package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/seventv/txcore/txcore/event"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Document is a persisted type with a fixed collection. Implement it on the
// value receiver; the collection is read from D's zero value.
type Document interface {
	CollectionName() string
}

// Session is the handle a unit of work uses for one attempt. Operations
// must be called sequentially: an operation that finds the session busy
// fails with ErrSessionLocked instead of waiting. Once the attempt is over
// the session stays locked for good.
type Session struct {
	mu      sync.Mutex
	txn     Txn
	events  []event.Event
	attempt int
}

func newSession(txn Txn, attempt int) *Session {
	return &Session{txn: txn, attempt: attempt}
}

// Attempt is the 1-based attempt number this session belongs to.
func (s *Session) Attempt() int {
	return s.attempt
}

// RegisterEvent buffers e for the event log and the post-commit broadcast.
func (s *Session) RegisterEvent(e event.Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("register event: %w", err)
	}

	if !s.mu.TryLock() {
		return ErrSessionLocked
	}
	defer s.mu.Unlock()

	s.events = append(s.events, e)

	return nil
}

// Events returns a copy of the events registered so far.
func (s *Session) Events() ([]event.Event, error) {
	if !s.mu.TryLock() {
		return nil, ErrSessionLocked
	}
	defer s.mu.Unlock()

	return append([]event.Event(nil), s.events...), nil
}

// seal waits for any in-flight operation, locks the session permanently
// and hands back the buffered events.
func (s *Session) seal() []event.Event {
	s.mu.Lock()

	events := s.events
	s.events = nil

	return events
}

// with runs fn holding the session lock.
func with[R any](s *Session, fn func(Txn) (R, error)) (R, error) {
	var zero R

	if s == nil {
		return zero, ErrSessionLocked
	}

	if !s.mu.TryLock() {
		return zero, ErrSessionLocked
	}
	defer s.mu.Unlock()

	return fn(s.txn)
}

func collectionOf[D Document]() string {
	var zero D

	return zero.CollectionName()
}

func decodeOne[D Document](raw bson.Raw, err error) (*D, error) {
	if err != nil || raw == nil {
		return nil, err
	}

	var d D
	if err := bson.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", collectionOf[D](), err)
	}

	return &d, nil
}

// Find returns every document of D matching filter.
func Find[D Document](ctx context.Context, s *Session, filter any, opts ...*options.FindOptions) ([]D, error) {
	raws, err := with(s, func(txn Txn) ([]bson.Raw, error) {
		return txn.Find(ctx, collectionOf[D](), filter, opts...)
	})
	if err != nil {
		return nil, err
	}

	out := make([]D, 0, len(raws))

	for _, raw := range raws {
		var d D
		if err := bson.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collectionOf[D](), err)
		}

		out = append(out, d)
	}

	return out, nil
}

// FindOne returns the first match, or nil when there is none.
func FindOne[D Document](ctx context.Context, s *Session, filter any, opts ...*options.FindOneOptions) (*D, error) {
	return decodeOne[D](with(s, func(txn Txn) (bson.Raw, error) {
		return txn.FindOne(ctx, collectionOf[D](), filter, opts...)
	}))
}

// FindOneAndUpdate updates the first match and returns it, or nil.
func FindOneAndUpdate[D Document](ctx context.Context, s *Session, filter, update any, opts ...*options.FindOneAndUpdateOptions) (*D, error) {
	return decodeOne[D](with(s, func(txn Txn) (bson.Raw, error) {
		return txn.FindOneAndUpdate(ctx, collectionOf[D](), filter, update, opts...)
	}))
}

// FindOneAndDelete removes the first match and returns it, or nil.
func FindOneAndDelete[D Document](ctx context.Context, s *Session, filter any, opts ...*options.FindOneAndDeleteOptions) (*D, error) {
	return decodeOne[D](with(s, func(txn Txn) (bson.Raw, error) {
		return txn.FindOneAndDelete(ctx, collectionOf[D](), filter, opts...)
	}))
}

func UpdateMany[D Document](ctx context.Context, s *Session, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	return with(s, func(txn Txn) (*mongo.UpdateResult, error) {
		return txn.UpdateMany(ctx, collectionOf[D](), filter, update, opts...)
	})
}

func UpdateOne[D Document](ctx context.Context, s *Session, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	return with(s, func(txn Txn) (*mongo.UpdateResult, error) {
		return txn.UpdateOne(ctx, collectionOf[D](), filter, update, opts...)
	})
}

func DeleteMany[D Document](ctx context.Context, s *Session, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	return with(s, func(txn Txn) (*mongo.DeleteResult, error) {
		return txn.DeleteMany(ctx, collectionOf[D](), filter, opts...)
	})
}

func DeleteOne[D Document](ctx context.Context, s *Session, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	return with(s, func(txn Txn) (*mongo.DeleteResult, error) {
		return txn.DeleteOne(ctx, collectionOf[D](), filter, opts...)
	})
}

// Count counts documents of D matching filter.
func Count[D Document](ctx context.Context, s *Session, filter any, opts ...*options.CountOptions) (int64, error) {
	return with(s, func(txn Txn) (int64, error) {
		return txn.CountDocuments(ctx, collectionOf[D](), filter, opts...)
	})
}

func InsertOne[D Document](ctx context.Context, s *Session, doc D, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	return with(s, func(txn Txn) (*mongo.InsertOneResult, error) {
		return txn.InsertOne(ctx, collectionOf[D](), doc, opts...)
	})
}

// InsertMany inserts docs in order. An empty slice is a no-op.
func InsertMany[D Document](ctx context.Context, s *Session, docs []D, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	if len(docs) == 0 {
		return &mongo.InsertManyResult{}, nil
	}

	items := make([]any, len(docs))
	for i := range docs {
		items[i] = docs[i]
	}

	return with(s, func(txn Txn) (*mongo.InsertManyResult, error) {
		return txn.InsertMany(ctx, collectionOf[D](), items, opts...)
	})
}
