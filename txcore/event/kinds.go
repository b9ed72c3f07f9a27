package event

// Change is a generic "field changed" event for any target.
type Change struct {
	Name   string     `json:"-" bson:"-"`
	Target TargetKind `json:"-" bson:"-"`
	ID     string     `json:"-" bson:"-"`
	Field  string     `json:"field" bson:"field"`
	Old    any        `json:"old" bson:"old"`
	New    any        `json:"new" bson:"new"`
}

func (c Change) Kind() string           { return c.Name }
func (c Change) TargetKind() TargetKind { return c.Target }
func (c Change) TargetID() string       { return c.ID }

// EmoteSetCreate records a new emote set.
type EmoteSetCreate struct {
	SetID    string   `json:"set_id" bson:"set_id"`
	OwnerID  string   `json:"owner_id,omitempty" bson:"owner_id,omitempty"`
	Name     string   `json:"name" bson:"name"`
	Capacity int32    `json:"capacity,omitempty" bson:"capacity,omitempty"`
	Tags     []string `json:"tags,omitempty" bson:"tags,omitempty"`
}

func (EmoteSetCreate) Kind() string           { return "emote_set.create" }
func (EmoteSetCreate) TargetKind() TargetKind { return TargetEmoteSet }
func (e EmoteSetCreate) TargetID() string     { return e.SetID }

// EmoteSetAddEmote records an emote added to a set.
type EmoteSetAddEmote struct {
	SetID   string `json:"set_id" bson:"set_id"`
	EmoteID string `json:"emote_id" bson:"emote_id"`
	Alias   string `json:"alias" bson:"alias"`
}

func (EmoteSetAddEmote) Kind() string           { return "emote_set.add_emote" }
func (EmoteSetAddEmote) TargetKind() TargetKind { return TargetEmoteSet }
func (e EmoteSetAddEmote) TargetID() string     { return e.SetID }

// EmoteSetRemoveEmote records an emote removed from a set.
type EmoteSetRemoveEmote struct {
	SetID   string `json:"set_id" bson:"set_id"`
	EmoteID string `json:"emote_id" bson:"emote_id"`
}

func (EmoteSetRemoveEmote) Kind() string           { return "emote_set.remove_emote" }
func (EmoteSetRemoveEmote) TargetKind() TargetKind { return TargetEmoteSet }
func (e EmoteSetRemoveEmote) TargetID() string     { return e.SetID }

// EmoteSetChangeCapacity records a capacity update.
type EmoteSetChangeCapacity struct {
	SetID string `json:"set_id" bson:"set_id"`
	Old   *int32 `json:"old" bson:"old"`
	New   *int32 `json:"new" bson:"new"`
}

func (EmoteSetChangeCapacity) Kind() string           { return "emote_set.change_capacity" }
func (EmoteSetChangeCapacity) TargetKind() TargetKind { return TargetEmoteSet }
func (e EmoteSetChangeCapacity) TargetID() string     { return e.SetID }

// UserPresence is broadcast-only: presence churn never enters the log.
type UserPresence struct {
	UserID    string `json:"user_id"`
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
}

func (UserPresence) Kind() string           { return "user.presence" }
func (UserPresence) TargetKind() TargetKind { return TargetUser }
func (u UserPresence) TargetID() string     { return u.UserID }
func (UserPresence) Ephemeral() bool        { return true }
