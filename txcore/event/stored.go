package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// StoredEvent is the event-log document.
type StoredEvent struct {
	ID         string     `bson:"_id"`
	ActorID    *string    `bson:"actor_id"`
	SessionID  string     `bson:"session_id,omitempty"`
	Kind       string     `bson:"kind"`
	TargetKind TargetKind `bson:"target_kind"`
	TargetID   string     `bson:"target_id"`
	Data       bson.Raw   `bson:"data"`
	UpdatedAt  time.Time  `bson:"updated_at"`
	// SearchUpdatedAt stays nil until the search index has consumed the
	// event. The reconciliation sweep works off this field.
	SearchUpdatedAt *time.Time `bson:"search_updated_at"`
	// SweepAttempts counts failed reconciliation deliveries.
	SweepAttempts int    `bson:"sweep_attempts,omitempty"`
	SweepError    string `bson:"sweep_error,omitempty"`
}

// ToStored converts e into its event-log document. Ephemeral events fail
// with ErrNotStorable.
func ToStored(e Event) (StoredEvent, error) {
	if err := e.Validate(); err != nil {
		return StoredEvent{}, err
	}

	if e.IsEphemeral() {
		return StoredEvent{}, fmt.Errorf("%w: %s", ErrNotStorable, e.Data.Kind())
	}

	data, err := marshalData(e.Data)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("%w: %s: %w", ErrNotStorable, e.Data.Kind(), err)
	}

	var actorID *string
	if e.Actor != nil && e.Actor.ID != "" {
		id := e.Actor.ID
		actorID = &id
	}

	id := e.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return StoredEvent{
		ID:         id.String(),
		ActorID:    actorID,
		SessionID:  e.SessionID,
		Kind:       e.Data.Kind(),
		TargetKind: e.Data.TargetKind(),
		TargetID:   e.Data.TargetID(),
		Data:       data,
		UpdatedAt:  ts.UTC().Truncate(time.Millisecond),
	}, nil
}

// ToStoredBatch converts every storable event, returning the documents and
// the number of events left out.
func ToStoredBatch(events []Event) ([]StoredEvent, int) {
	out := make([]StoredEvent, 0, len(events))

	for _, e := range events {
		se, err := ToStored(e)
		if err != nil {
			continue
		}

		out = append(out, se)
	}

	return out, len(events) - len(out)
}

// Event rebuilds a broadcastable event from the log document. The data
// comes back as Raw with a relaxed extended-JSON body.
func (s StoredEvent) Event() (Event, error) {
	body, err := bson.MarshalExtJSON(s.Data, false, false)
	if err != nil {
		return Event{}, fmt.Errorf("decode stored %s data: %w", s.Kind, err)
	}

	id, err := uuid.Parse(s.ID)
	if err != nil {
		id = uuid.Nil
	}

	var actor *Actor
	if s.ActorID != nil {
		actor = &Actor{ID: *s.ActorID}
	}

	return Event{
		ID:        id,
		Actor:     actor,
		SessionID: s.SessionID,
		Data:      Raw{KindName: s.Kind, Target: s.TargetKind, ID: s.TargetID, Body: body},
		Timestamp: s.UpdatedAt,
	}, nil
}

func marshalData(d Data) (bson.Raw, error) {
	if raw, ok := d.(Raw); ok {
		var doc bson.Raw
		if err := bson.UnmarshalExtJSON(raw.Body, false, &doc); err != nil {
			return nil, err
		}

		return doc, nil
	}

	b, err := bson.Marshal(d)
	if err != nil {
		return nil, err
	}

	return bson.Raw(b), nil
}
