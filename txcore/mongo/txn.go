package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/log"
	libOpentelemetry "github.com/seventv/txcore/txcore/opentelemetry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Txn is one driver session used for a sequence of transactions. Begin,
// then run operations, then Commit or Abort; Begin again to retry. End
// releases the session. A Txn is not safe for concurrent use.
type Txn struct {
	sess   mongo.Session
	db     *mongo.Database
	tracer trace.Tracer
	logger log.Logger
	active atomic.Bool
	ended  atomic.Bool
}

func newTxn(sess mongo.Session, db *mongo.Database, tracer trace.Tracer, logger log.Logger) *Txn {
	return &Txn{sess: sess, db: db, tracer: tracer, logger: log.OrNop(logger)}
}

func transactionOptions() *options.TransactionOptions {
	return options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority()).
		SetReadPreference(readpref.Primary())
}

// Begin starts a new transaction, aborting one still in progress.
func (t *Txn) Begin(ctx context.Context) error {
	if t.ended.Load() {
		return ErrTxnEnded
	}

	if t.active.Load() {
		if err := t.Abort(ctx); err != nil {
			t.logger.Log(ctx, log.LevelDebug, "abort before restart failed", log.Err(err))
		}
	}

	if err := t.sess.StartTransaction(transactionOptions()); err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	t.active.Store(true)

	return nil
}

// Commit commits the current transaction. On an unknown-commit-result
// error the transaction stays active so Commit can be called again.
func (t *Txn) Commit(ctx context.Context) error {
	if t.ended.Load() {
		return ErrTxnEnded
	}

	err := t.run(ctx, "commit", "", func(sc mongo.SessionContext) error {
		return t.sess.CommitTransaction(sc)
	})
	if err == nil || !IsUnknownCommitResult(err) {
		t.active.Store(false)
	}

	return err
}

// Abort aborts the current transaction. Aborting with nothing active is a no-op.
func (t *Txn) Abort(ctx context.Context) error {
	if t.ended.Load() || !t.active.Swap(false) {
		return nil
	}

	return t.run(context.WithoutCancel(ctx), "abort", "", func(sc mongo.SessionContext) error {
		return t.sess.AbortTransaction(sc)
	})
}

// End aborts anything in progress and releases the session.
func (t *Txn) End(ctx context.Context) {
	if t.ended.Swap(true) {
		return
	}

	t.active.Store(false)
	t.sess.EndSession(context.WithoutCancel(ctx))
}

// InTransaction reports whether a transaction is open.
func (t *Txn) InTransaction() bool {
	return t.active.Load()
}

// Find returns every matching document.
func (t *Txn) Find(ctx context.Context, coll string, filter any, opts ...*options.FindOptions) ([]bson.Raw, error) {
	var out []bson.Raw

	err := t.run(ctx, "find", coll, func(sc mongo.SessionContext) error {
		cur, err := t.db.Collection(coll).Find(sc, filter, opts...)
		if err != nil {
			return err
		}

		defer cur.Close(sc)

		for cur.Next(sc) {
			out = append(out, append(bson.Raw(nil), cur.Current...))
		}

		return cur.Err()
	})

	return out, err
}

// FindOne returns the first match, or nil when nothing matches.
func (t *Txn) FindOne(ctx context.Context, coll string, filter any, opts ...*options.FindOneOptions) (bson.Raw, error) {
	var out bson.Raw

	err := t.run(ctx, "find_one", coll, func(sc mongo.SessionContext) error {
		raw, err := t.db.Collection(coll).FindOne(sc, filter, opts...).Raw()
		out = raw

		return err
	})

	return noDocuments(out, err)
}

// FindOneAndUpdate applies update to the first match and returns the
// document (before or after, per opts), or nil when nothing matches.
func (t *Txn) FindOneAndUpdate(ctx context.Context, coll string, filter, update any, opts ...*options.FindOneAndUpdateOptions) (bson.Raw, error) {
	var out bson.Raw

	err := t.run(ctx, "find_one_and_update", coll, func(sc mongo.SessionContext) error {
		raw, err := t.db.Collection(coll).FindOneAndUpdate(sc, filter, update, opts...).Raw()
		out = raw

		return err
	})

	return noDocuments(out, err)
}

// FindOneAndDelete removes the first match and returns it, or nil.
func (t *Txn) FindOneAndDelete(ctx context.Context, coll string, filter any, opts ...*options.FindOneAndDeleteOptions) (bson.Raw, error) {
	var out bson.Raw

	err := t.run(ctx, "find_one_and_delete", coll, func(sc mongo.SessionContext) error {
		raw, err := t.db.Collection(coll).FindOneAndDelete(sc, filter, opts...).Raw()
		out = raw

		return err
	})

	return noDocuments(out, err)
}

func (t *Txn) UpdateMany(ctx context.Context, coll string, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	var res *mongo.UpdateResult

	err := t.run(ctx, "update_many", coll, func(sc mongo.SessionContext) (err error) {
		res, err = t.db.Collection(coll).UpdateMany(sc, filter, update, opts...)
		return err
	})

	return res, err
}

func (t *Txn) UpdateOne(ctx context.Context, coll string, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	var res *mongo.UpdateResult

	err := t.run(ctx, "update_one", coll, func(sc mongo.SessionContext) (err error) {
		res, err = t.db.Collection(coll).UpdateOne(sc, filter, update, opts...)
		return err
	})

	return res, err
}

func (t *Txn) DeleteMany(ctx context.Context, coll string, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	var res *mongo.DeleteResult

	err := t.run(ctx, "delete_many", coll, func(sc mongo.SessionContext) (err error) {
		res, err = t.db.Collection(coll).DeleteMany(sc, filter, opts...)
		return err
	})

	return res, err
}

func (t *Txn) DeleteOne(ctx context.Context, coll string, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	var res *mongo.DeleteResult

	err := t.run(ctx, "delete_one", coll, func(sc mongo.SessionContext) (err error) {
		res, err = t.db.Collection(coll).DeleteOne(sc, filter, opts...)
		return err
	})

	return res, err
}

func (t *Txn) CountDocuments(ctx context.Context, coll string, filter any, opts ...*options.CountOptions) (int64, error) {
	var n int64

	err := t.run(ctx, "count", coll, func(sc mongo.SessionContext) (err error) {
		n, err = t.db.Collection(coll).CountDocuments(sc, filter, opts...)
		return err
	})

	return n, err
}

func (t *Txn) InsertOne(ctx context.Context, coll string, doc any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	var res *mongo.InsertOneResult

	err := t.run(ctx, "insert_one", coll, func(sc mongo.SessionContext) (err error) {
		res, err = t.db.Collection(coll).InsertOne(sc, doc, opts...)
		return err
	})

	return res, err
}

func (t *Txn) InsertMany(ctx context.Context, coll string, docs []any, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	var res *mongo.InsertManyResult

	err := t.run(ctx, "insert_many", coll, func(sc mongo.SessionContext) (err error) {
		res, err = t.db.Collection(coll).InsertMany(sc, docs, opts...)
		return err
	})

	return res, err
}

// run executes fn inside the session context with a span named after op.
func (t *Txn) run(ctx context.Context, op, coll string, fn func(mongo.SessionContext) error) error {
	if t.ended.Load() {
		return ErrTxnEnded
	}

	attrs := []attribute.KeyValue{
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBName, t.db.Name()),
		attribute.String(constant.AttrDBOperation, op),
	}

	if coll != "" {
		attrs = append(attrs, attribute.String(constant.AttrDBMongoDBCollection, coll))
	}

	ctx, span := t.tracer.Start(ctx, "mongo."+op, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(mongo.NewSessionContext(ctx, t.sess))
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		libOpentelemetry.HandleSpanError(span, "mongo "+op+" failed", err)
	}

	return err
}

func noDocuments(raw bson.Raw, err error) (bson.Raw, error) {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return raw, nil
}
