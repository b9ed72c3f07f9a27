package mongo

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

// Server-assigned error labels that drive transaction retries.
const (
	LabelTransientTransaction = "TransientTransactionError"
	LabelUnknownCommitResult  = "UnknownTransactionCommitResult"
)

var (
	// ErrNilContext is returned when a required context is nil.
	ErrNilContext = errors.New("context cannot be nil")
	// ErrNilClient is returned when a *Client receiver is nil.
	ErrNilClient = errors.New("mongo client is nil")
	// ErrClientClosed is returned when the client is not connected.
	ErrClientClosed = errors.New("mongo client is closed")
	// ErrNilDependency is returned when an Option sets a required dependency to nil.
	ErrNilDependency = errors.New("mongo option set a required dependency to nil")
	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid mongo config")
	// ErrEmptyURI is returned when the URI is empty.
	ErrEmptyURI = errors.New("mongo uri cannot be empty")
	// ErrEmptyDatabaseName is returned when the database name is empty.
	ErrEmptyDatabaseName = errors.New("database name cannot be empty")
	// ErrEmptyCollectionName is returned when a collection name is empty.
	ErrEmptyCollectionName = errors.New("collection name cannot be empty")
	// ErrEmptyIndexes is returned when no index model is provided.
	ErrEmptyIndexes = errors.New("at least one index must be provided")
	// ErrConnect wraps connection establishment failures.
	ErrConnect = errors.New("mongo connect failed")
	// ErrPing wraps connectivity probe failures.
	ErrPing = errors.New("mongo ping failed")
	// ErrDisconnect wraps disconnection failures.
	ErrDisconnect = errors.New("mongo disconnect failed")
	// ErrCreateIndex wraps index creation failures.
	ErrCreateIndex = errors.New("mongo create index failed")
	// ErrStartSession wraps session creation failures.
	ErrStartSession = errors.New("mongo start session failed")
	// ErrTxnEnded is returned by Txn operations after End.
	ErrTxnEnded = errors.New("mongo transaction session has ended")
	// ErrRateLimited is returned by ResolveClient while reconnects back off.
	ErrRateLimited = errors.New("mongo reconnect rate-limited")
)

// HasErrorLabel reports whether any error in err's chain carries label.
func HasErrorLabel(err error, label string) bool {
	var labeled interface{ HasErrorLabel(string) bool }

	return errors.As(err, &labeled) && labeled.HasErrorLabel(label)
}

// IsTransient reports whether the whole transaction may succeed if re-run.
func IsTransient(err error) bool {
	return HasErrorLabel(err, LabelTransientTransaction)
}

// IsUnknownCommitResult reports whether a commit may or may not have applied
// and can be re-issued as is.
func IsUnknownCommitResult(err error) bool {
	return HasErrorLabel(err, LabelUnknownCommitResult)
}

// IsDuplicateKey reports a unique index violation.
func IsDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
