// Package event turns geofence membership changes into ordered, deduplicated
// domain events.
package event

import (
	"sync/atomic"
	"time"

	"geotrack/internal/location"

	"github.com/coder/quartz"
	"github.com/oklog/ulid/v2"
)

type Kind string

const (
	KindEntered  Kind = "user.entered_geofence"
	KindExited   Kind = "user.exited_geofence"
	KindLocation Kind = "user.updated_location"
)

// Event is immutable once generated. GeofenceID is empty for plain location
// updates.
type Event struct {
	ID         string       `json:"id"`
	Kind       Kind         `json:"type"`
	GeofenceID string       `json:"geofence_id,omitempty"`
	Fix        location.Fix `json:"location"`
	CreatedAt  time.Time    `json:"created_at"`
	Sequence   uint64       `json:"sequence"`
}

// Pending exposes the not yet acknowledged tail of the outbox.
type Pending interface {
	// LastPendingKind returns the kind of the most recent unacknowledged
	// transition event for geofenceID.
	LastPendingKind(geofenceID string) (Kind, bool)
}

type Generator struct {
	clock    quartz.Clock
	sequence atomic.Uint64
}

// NewGenerator returns a generator whose first event has sequence last+1.
func NewGenerator(clock quartz.Clock, last uint64) *Generator {
	if clock == nil {
		clock = quartz.NewReal()
	}
	g := &Generator{clock: clock}
	g.sequence.Store(last)
	return g
}

// Sequence returns the last assigned sequence number.
func (g *Generator) Sequence() uint64 {
	return g.sequence.Load()
}

// Generate builds the events for one fix: exits first, then entries, each in
// the given order. A transition whose geofence already has the same kind
// waiting in pending is not generated again. When nothing remains a single
// location update is produced so every fix is reported.
func (g *Generator) Generate(entered, exited []string, fix location.Fix, pending Pending) []Event {
	var events []Event
	for _, id := range exited {
		if duplicate(pending, id, KindExited) {
			continue
		}
		events = append(events, g.next(KindExited, id, fix))
	}
	for _, id := range entered {
		if duplicate(pending, id, KindEntered) {
			continue
		}
		events = append(events, g.next(KindEntered, id, fix))
	}
	if len(events) == 0 {
		events = append(events, g.next(KindLocation, "", fix))
	}
	return events
}

func duplicate(pending Pending, geofenceID string, kind Kind) bool {
	if pending == nil {
		return false
	}
	last, ok := pending.LastPendingKind(geofenceID)
	return ok && last == kind
}

func (g *Generator) next(kind Kind, geofenceID string, fix location.Fix) Event {
	now := g.clock.Now("event")
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Kind:       kind,
		GeofenceID: geofenceID,
		Fix:        fix,
		CreatedAt:  now,
		Sequence:   g.sequence.Add(1),
	}
}

// IsTransition reports whether k is an entry or exit.
func (k Kind) IsTransition() bool {
	return k == KindEntered || k == KindExited
}
