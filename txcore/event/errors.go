package event

import "errors"

var (
	// ErrNotStorable is returned by ToStored for ephemeral event data.
	ErrNotStorable = errors.New("event is not storable")
	// ErrNilData is returned when an event carries no data.
	ErrNilData = errors.New("event data is required")
	// ErrEmptyKind is returned when event data reports an empty kind.
	ErrEmptyKind = errors.New("event kind is required")
	// ErrPayloadTooLarge is returned by Encode when the batch exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("event payload exceeds maximum allowed size")
)
