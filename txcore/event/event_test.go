//go:build unit

package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestNew_StampsIDAndTime(t *testing.T) {
	before := time.Now().UTC()
	e := New(EmoteSetCreate{SetID: "s1", Name: "foo"}, &Actor{ID: "u1"}, " sess ")

	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, uuid.Version(7), e.ID.Version())
	assert.Equal(t, "sess", e.SessionID)
	assert.False(t, e.Timestamp.Before(before))
	assert.Equal(t, time.UTC, e.Timestamp.Location())
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Event{}.Validate(), ErrNilData)
	assert.ErrorIs(t, Event{Data: Change{}}.Validate(), ErrEmptyKind)
	assert.NoError(t, Event{Data: EmoteSetRemoveEmote{SetID: "s"}}.Validate())
}

func TestToStored(t *testing.T) {
	e := New(EmoteSetAddEmote{SetID: "s1", EmoteID: "e1", Alias: "KEKW"}, &Actor{ID: "u1"}, "")

	stored, err := ToStored(e)
	require.NoError(t, err)

	assert.Equal(t, e.ID.String(), stored.ID)
	require.NotNil(t, stored.ActorID)
	assert.Equal(t, "u1", *stored.ActorID)
	assert.Equal(t, "emote_set.add_emote", stored.Kind)
	assert.Equal(t, TargetEmoteSet, stored.TargetKind)
	assert.Equal(t, "s1", stored.TargetID)
	assert.Nil(t, stored.SearchUpdatedAt)
	assert.Equal(t, "KEKW", stored.Data.Lookup("alias").StringValue())
}

func TestToStored_SystemActor(t *testing.T) {
	stored, err := ToStored(New(EmoteSetRemoveEmote{SetID: "s", EmoteID: "e"}, nil, ""))
	require.NoError(t, err)
	assert.Nil(t, stored.ActorID)
}

func TestToStored_EphemeralRejected(t *testing.T) {
	_, err := ToStored(New(UserPresence{UserID: "u1"}, nil, ""))
	assert.ErrorIs(t, err, ErrNotStorable)
}

func TestToStoredBatch_DropsUnstorable(t *testing.T) {
	events := []Event{
		New(EmoteSetCreate{SetID: "s1", Name: "foo"}, nil, ""),
		New(UserPresence{UserID: "u1"}, nil, ""),
		{},
		New(EmoteSetAddEmote{SetID: "s1", EmoteID: "e1"}, nil, ""),
	}

	stored, dropped := ToStoredBatch(events)
	require.Len(t, stored, 2)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, "emote_set.create", stored[0].Kind)
	assert.Equal(t, "emote_set.add_emote", stored[1].Kind)
}

func TestStoredEventDocumentShape(t *testing.T) {
	stored, err := ToStored(New(EmoteSetCreate{SetID: "s1", Name: "foo", Capacity: 5}, &Actor{ID: "u1"}, ""))
	require.NoError(t, err)

	doc, err := bson.Marshal(stored)
	require.NoError(t, err)

	raw := bson.Raw(doc)
	assert.Equal(t, stored.ID, raw.Lookup("_id").StringValue())
	assert.Equal(t, "u1", raw.Lookup("actor_id").StringValue())
	assert.Equal(t, bson.TypeNull, raw.Lookup("search_updated_at").Type)
	assert.Equal(t, int32(5), raw.Lookup("data", "capacity").Int32())
}

func TestStoredEvent_EventRebuildsBroadcastable(t *testing.T) {
	orig := New(EmoteSetAddEmote{SetID: "s1", EmoteID: "e1", Alias: "a"}, &Actor{ID: "u1"}, "")

	stored, err := ToStored(orig)
	require.NoError(t, err)

	back, err := stored.Event()
	require.NoError(t, err)

	assert.Equal(t, orig.ID, back.ID)
	assert.Equal(t, "emote_set.add_emote", back.Data.Kind())
	assert.Equal(t, "s1", back.Data.TargetID())

	var body map[string]any
	require.NoError(t, json.Unmarshal(back.Data.(Raw).Body, &body))
	assert.Equal(t, "e1", body["emote_id"])

	again, err := ToStored(back)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Data.Lookup("alias").StringValue())
}

func TestEncode_CarriesRichBatchIncludingEphemeral(t *testing.T) {
	events := []Event{
		New(EmoteSetCreate{SetID: "s1", Name: "foo"}, &Actor{ID: "u1"}, "sess"),
		New(UserPresence{UserID: "u1", Platform: "TWITCH"}, nil, ""),
	}

	b, err := Encode(events)
	require.NoError(t, err)

	var wire struct {
		Events []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal(b, &wire))
	require.Len(t, wire.Events, 2)

	assert.Equal(t, "emote_set.create", wire.Events[0]["kind"])
	assert.Equal(t, "emote_set", wire.Events[0]["target_kind"])
	assert.Equal(t, "s1", wire.Events[0]["target_id"])
	assert.Equal(t, "sess", wire.Events[0]["session_id"])
	assert.Equal(t, "foo", wire.Events[0]["data"].(map[string]any)["name"])
	assert.Equal(t, "user.presence", wire.Events[1]["kind"])
}

func TestEncode_EmptyBatch(t *testing.T) {
	b, err := Encode(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"events":[]}`, string(b))
}

func TestEncode_InvalidEvent(t *testing.T) {
	_, err := Encode([]Event{{}})
	assert.ErrorIs(t, err, ErrNilData)
}

func TestDecode(t *testing.T) {
	orig := New(EmoteSetRemoveEmote{SetID: "s1", EmoteID: "e9"}, &Actor{ID: "u1"}, "")

	b, err := Encode([]Event{orig})
	require.NoError(t, err)

	p, err := Decode(b)
	require.NoError(t, err)
	require.Len(t, p.Events, 1)

	got := p.Events[0]
	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, "u1", got.Actor.ID)
	assert.Equal(t, "emote_set.remove_emote", got.Data.Kind())
	assert.JSONEq(t, `{"set_id":"s1","emote_id":"e9"}`, string(got.Data.(Raw).Body))

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}
