package circuitbreaker

import (
	"errors"

	"github.com/sony/gobreaker"
)

var (
	// ErrOpen is returned while a breaker rejects calls.
	ErrOpen = errors.New("circuit breaker open")
	// ErrTooManyRequests is returned when half-open trial calls are exhausted.
	ErrTooManyRequests = errors.New("circuit breaker half-open: too many requests")
	// ErrBreakerNotFound is returned by Execute for an unknown name.
	ErrBreakerNotFound = errors.New("circuit breaker not found")
	// ErrNilManager is returned when a Manager method is called on nil.
	ErrNilManager = errors.New("circuit breaker manager is nil")
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts are the breaker statistics of the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified when a breaker changes state.
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// StateChangeFunc adapts a function to StateChangeListener.
type StateChangeFunc func(name string, from, to State)

func (f StateChangeFunc) OnStateChange(name string, from, to State) { f(name, from, to) }

// IsRejected reports whether err came from a breaker refusing the call.
func IsRejected(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyRequests)
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertCounts(counts gobreaker.Counts) Counts {
	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
