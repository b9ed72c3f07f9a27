package transaction

import (
	"context"

	txmongo "github.com/seventv/txcore/txcore/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Txn is one store session able to run a sequence of transactions.
// *mongo.Txn from the txcore mongo package implements it.
type Txn interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
	End(ctx context.Context)

	Find(ctx context.Context, coll string, filter any, opts ...*options.FindOptions) ([]bson.Raw, error)
	FindOne(ctx context.Context, coll string, filter any, opts ...*options.FindOneOptions) (bson.Raw, error)
	FindOneAndUpdate(ctx context.Context, coll string, filter, update any, opts ...*options.FindOneAndUpdateOptions) (bson.Raw, error)
	FindOneAndDelete(ctx context.Context, coll string, filter any, opts ...*options.FindOneAndDeleteOptions) (bson.Raw, error)
	UpdateMany(ctx context.Context, coll string, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateOne(ctx context.Context, coll string, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteMany(ctx context.Context, coll string, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	DeleteOne(ctx context.Context, coll string, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	CountDocuments(ctx context.Context, coll string, filter any, opts ...*options.CountOptions) (int64, error)
	InsertOne(ctx context.Context, coll string, doc any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	InsertMany(ctx context.Context, coll string, docs []any, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
}

// TxnStarter opens a store session for one Run.
type TxnStarter interface {
	StartTxn(ctx context.Context) (Txn, error)
}

// TxnStarterFunc adapts a function to TxnStarter.
type TxnStarterFunc func(ctx context.Context) (Txn, error)

// StartTxn calls f.
func (f TxnStarterFunc) StartTxn(ctx context.Context) (Txn, error) {
	return f(ctx)
}

var _ Txn = (*txmongo.Txn)(nil)

// FromMongo adapts a txcore mongo client. A nil client yields
// txmongo.ErrNilClient from every StartTxn.
func FromMongo(client *txmongo.Client) TxnStarter {
	return TxnStarterFunc(func(ctx context.Context) (Txn, error) {
		if client == nil {
			return nil, txmongo.ErrNilClient
		}

		txn, err := client.StartTxn(ctx)
		if err != nil {
			return nil, err
		}

		return txn, nil
	})
}
