package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TargetKind names the kind of entity an event is about.
type TargetKind string

const (
	TargetUser     TargetKind = "user"
	TargetEmote    TargetKind = "emote"
	TargetEmoteSet TargetKind = "emote_set"
	TargetPaint    TargetKind = "paint"
	TargetBadge    TargetKind = "badge"
	TargetBan      TargetKind = "ban"
	TargetTicket   TargetKind = "ticket"
	TargetRole     TargetKind = "role"
)

// Data is the typed body of an event.
type Data interface {
	// Kind is a dotted name such as "emote_set.add_emote".
	Kind() string
	TargetKind() TargetKind
	TargetID() string
}

// Ephemeral is implemented by data that is broadcast but never written to
// the event log.
type Ephemeral interface {
	Ephemeral() bool
}

// Actor identifies who caused an event. A nil *Actor means the system.
type Actor struct {
	ID   string `json:"id" bson:"id"`
	Kind string `json:"kind,omitempty" bson:"kind,omitempty"`
}

// Event is one state change registered by a unit of work.
type Event struct {
	ID        uuid.UUID
	Actor     *Actor
	SessionID string
	Data      Data
	Timestamp time.Time
}

// New stamps data with a time-ordered id and the current UTC time.
func New(data Data, actor *Actor, sessionID string) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return Event{
		ID:        id,
		Actor:     actor,
		SessionID: strings.TrimSpace(sessionID),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// IsEphemeral reports whether the event skips the event log.
func (e Event) IsEphemeral() bool {
	if eph, ok := e.Data.(Ephemeral); ok {
		return eph.Ephemeral()
	}

	return false
}

// Validate checks the invariants shared by storage and broadcast.
func (e Event) Validate() error {
	if e.Data == nil {
		return ErrNilData
	}

	if strings.TrimSpace(e.Data.Kind()) == "" {
		return ErrEmptyKind
	}

	return nil
}

type wireEvent struct {
	ID         uuid.UUID       `json:"id"`
	Actor      *Actor          `json:"actor"`
	SessionID  string          `json:"session_id,omitempty"`
	Kind       string          `json:"kind"`
	TargetKind TargetKind      `json:"target_kind"`
	TargetID   string          `json:"target_id"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

// MarshalJSON flattens the data's kind and target next to its body so
// consumers can route without decoding the body.
func (e Event) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", e.Data.Kind(), err)
	}

	return json.Marshal(wireEvent{
		ID:         e.ID,
		Actor:      e.Actor,
		SessionID:  e.SessionID,
		Kind:       e.Data.Kind(),
		TargetKind: e.Data.TargetKind(),
		TargetID:   e.Data.TargetID(),
		Data:       body,
		Timestamp:  e.Timestamp,
	})
}

// UnmarshalJSON decodes into a Raw data body; the concrete Go type of the
// producer is not recoverable from the wire.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	*e = Event{
		ID:        w.ID,
		Actor:     w.Actor,
		SessionID: w.SessionID,
		Data: Raw{
			KindName: w.Kind,
			Target:   w.TargetKind,
			ID:       w.TargetID,
			Body:     w.Data,
		},
		Timestamp: w.Timestamp,
	}

	return nil
}
