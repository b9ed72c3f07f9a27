package transaction

import (
	"errors"
	"fmt"
)

// Kind classifies a transaction failure.
type Kind int

const (
	// KindInfrastructure is a store failure: connection, write conflict, and so on.
	KindInfrastructure Kind = iota + 1
	// KindSessionLocked means a Session was used concurrently or after its attempt ended.
	KindSessionLocked
	// KindEventSerialize is a post-commit failure to encode the event batch.
	KindEventSerialize
	// KindEventPublish is a post-commit failure to publish the event batch.
	KindEventPublish
	// KindCustom carries a caller domain error.
	KindCustom
	// KindTooManyFailures means the retry ceiling was reached.
	KindTooManyFailures
	// KindMutexAcquire means the named mutex could not be acquired.
	KindMutexAcquire
)

func (k Kind) String() string {
	switch k {
	case KindInfrastructure:
		return "infrastructure"
	case KindSessionLocked:
		return "session_locked"
	case KindEventSerialize:
		return "event_serialize"
	case KindEventPublish:
		return "event_publish"
	case KindCustom:
		return "custom"
	case KindTooManyFailures:
		return "too_many_failures"
	case KindMutexAcquire:
		return "mutex_acquire"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrSessionLocked is returned by Session operations when the session is busy or sealed.
	ErrSessionLocked = errors.New("transaction session is locked")
	// ErrTooManyFailures is wrapped by KindTooManyFailures errors.
	ErrTooManyFailures = errors.New("transaction failed too many times")
	// ErrNilExecutor is returned when Run is called with a nil executor.
	ErrNilExecutor = errors.New("transaction executor is nil")
	// ErrNilStore is returned by New when no TxnStarter is given.
	ErrNilStore = errors.New("transaction store is nil")
	// ErrNilFunc is returned when Run is called with a nil unit of work.
	ErrNilFunc = errors.New("transaction function is nil")
	// ErrNoMutex is returned by RunWithLock when a key is given but no mutex is configured.
	ErrNoMutex = errors.New("no mutex configured")
	// ErrInvalidConfig indicates an invalid executor configuration.
	ErrInvalidConfig = errors.New("invalid transaction config")
)

// Error is a transaction failure. E is the caller's domain error type; Custom
// holds it when Kind is KindCustom.
type Error[E any] struct {
	Kind   Kind
	Custom E
	Err    error
}

// Custom wraps a domain error. Returning it from a unit of work aborts the
// transaction without retrying, and Run returns it as is.
func Custom[E any](e E) *Error[E] {
	return &Error[E]{Kind: KindCustom, Custom: e}
}

func newError[E any](kind Kind, err error) *Error[E] {
	return &Error[E]{Kind: kind, Err: err}
}

func (e *Error[E]) Error() string {
	if e.Kind == KindCustom {
		if err, ok := any(e.Custom).(error); ok && err != nil {
			return "custom: " + err.Error()
		}

		return fmt.Sprintf("custom: %v", e.Custom)
	}

	if e.Err == nil {
		return e.Kind.String()
	}

	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap exposes the cause, or the domain error when it is itself an error.
func (e *Error[E]) Unwrap() error {
	if e.Kind == KindCustom {
		if err, ok := any(e.Custom).(error); ok {
			return err
		}

		return nil
	}

	return e.Err
}

// ErrorKind reports the failure kind.
func (e *Error[E]) ErrorKind() Kind {
	return e.Kind
}

// AsError finds the first *Error[E] in err's chain.
func AsError[E any](err error) (*Error[E], bool) {
	var te *Error[E]
	if errors.As(err, &te) {
		return te, true
	}

	return nil, false
}

// KindOf returns the Kind of the first transaction error in err's chain, or
// zero when there is none.
func KindOf(err error) Kind {
	var k interface{ ErrorKind() Kind }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}

	return 0
}

// IsKind reports whether err carries a transaction error of kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
