package sweep

import "errors"

var (
	ErrRepositoryRequired       = errors.New("sweep repository is required")
	ErrHandlerRegistryRequired  = errors.New("sweep handler registry is required")
	ErrDispatcherRequired       = errors.New("sweep dispatcher is required")
	ErrDispatcherRunning        = errors.New("sweep dispatcher is already running")
	ErrEventKindRequired        = errors.New("event kind is required")
	ErrEventHandlerRequired     = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
	ErrHandlerNotRegistered     = errors.New("event handler is not registered")
	ErrEventIDRequired          = errors.New("stored event id is required")
	ErrPublisherRequired        = errors.New("sweep publisher is required")
	ErrMongoClientRequired      = errors.New("sweep mongo client is required")
)

// ErrHandlerPanicked wraps a panic raised by a Handler.
var ErrHandlerPanicked = errors.New("sweep handler panicked")
