//go:build unit || integration

package sweep

import (
	"context"
	"time"

	"github.com/seventv/txcore/txcore/event"
)

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	if p.err != nil {
		return p.err
	}

	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)

	return nil
}

func storedEvent(id, kind string) event.StoredEvent {
	return event.StoredEvent{
		ID:         id,
		Kind:       kind,
		TargetKind: event.TargetEmoteSet,
		TargetID:   "set-" + id,
		UpdatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}
