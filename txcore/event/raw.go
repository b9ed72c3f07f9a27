package event

import "encoding/json"

// Raw is event data whose body is already encoded. It is what decoded
// payloads and replayed stored events carry.
type Raw struct {
	KindName string
	Target   TargetKind
	ID       string
	Body     json.RawMessage
}

func (r Raw) Kind() string           { return r.KindName }
func (r Raw) TargetKind() TargetKind { return r.Target }
func (r Raw) TargetID() string       { return r.ID }

// MarshalJSON returns the body unchanged, or null when empty.
func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r.Body) == 0 {
		return []byte("null"), nil
	}

	return r.Body, nil
}
