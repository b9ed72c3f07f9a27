package sweep

import "errors"

// RetryClassifier reports errors that will never succeed on redelivery.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// defaultNonRetryable quarantines events nobody can handle.
func defaultNonRetryable(err error) bool {
	return errors.Is(err, ErrHandlerNotRegistered) || errors.Is(err, ErrEventKindRequired)
}
