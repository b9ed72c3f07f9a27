package event

import (
	"encoding/json"
	"fmt"
)

// MaxPayloadBytes bounds one encoded broadcast batch.
const MaxPayloadBytes = 4 << 20

// Payload is the message published once per committed transaction.
type Payload struct {
	Events []Event `json:"events"`
}

// Encode serializes events as a Payload. An empty batch encodes as
// {"events":[]}.
func Encode(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}

	b, err := json.Marshal(Payload{Events: events})
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}

	if len(b) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(b))
	}

	return b, nil
}

// Decode parses a Payload produced by Encode.
func Decode(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("decode event payload: %w", err)
	}

	return p, nil
}
