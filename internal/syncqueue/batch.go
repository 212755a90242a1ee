// Package syncqueue is the durable outbox between the tracker and the
// backend. Batches are delivered strictly in enqueue order with at most one
// delivery in flight.
package syncqueue

import (
	"context"
	"time"

	"geotrack/internal/event"
	"geotrack/internal/geofence"
	"geotrack/internal/location"
	"geotrack/internal/user"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Delivery failures reported by a Sender. ErrNetwork and ErrServer are
// retried with backoff. ErrUnauthorized halts the queue until Resume.
var (
	ErrNetwork      = xerrors.New("network error")
	ErrServer       = xerrors.New("server error")
	ErrUnauthorized = xerrors.New("unauthorized")
	ErrClosed       = xerrors.New("sync queue closed")
)

// Batch is one outbox entry: the fix that triggered it and the events it
// produced, in sequence order.
type Batch struct {
	ID          uuid.UUID     `json:"id"`
	UserID      string        `json:"user_id"`
	Description *string       `json:"description,omitempty"`
	Fix         location.Fix  `json:"location"`
	Events      []event.Event `json:"events"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	Attempts    int           `json:"attempts"`
}

// Ack is the backend's acknowledgement of a batch.
type Ack struct {
	BatchID uuid.UUID
	// Events are the events the backend accepted, possibly enriched.
	Events []event.Event
	// Geofences replaces the local snapshot when GeofencesUpdated is set.
	Geofences        []geofence.Geofence
	GeofencesUpdated bool
	User             *user.User
}

// Sender delivers one batch to the backend.
type Sender interface {
	Send(ctx context.Context, batch Batch) (Ack, error)
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	return xerrors.Is(err, ErrNetwork) || xerrors.Is(err, ErrServer)
}

// maxSequence is the highest event sequence in the batch.
func (b Batch) maxSequence() uint64 {
	var max uint64
	for _, e := range b.Events {
		if e.Sequence > max {
			max = e.Sequence
		}
	}
	return max
}

func (b Batch) clone() Batch {
	c := b
	c.Events = append([]event.Event(nil), b.Events...)
	if b.Description != nil {
		d := *b.Description
		c.Description = &d
	}
	return c
}
