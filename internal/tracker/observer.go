package tracker

import (
	"context"

	"geotrack/internal/event"
	"geotrack/internal/syncqueue"
	"geotrack/internal/user"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"
)

// BatchDelivered applies the acknowledgement and forwards newly confirmed
// events to the delegate. Events at or below the delivered high-water mark
// were already forwarded and are skipped, so a redelivered batch is never
// reported twice.
func (c *Controller) BatchDelivered(batch syncqueue.Batch, ack syncqueue.Ack) {
	ctx := context.Background()
	confirmed := ack.Events
	if confirmed == nil {
		confirmed = batch.Events
	}

	c.mu.Lock()
	if ack.GeofencesUpdated {
		if err := c.evaluator.Replace(ack.Geofences); err != nil {
			c.logger.Warn(ctx, "ignoring invalid geofence update", slog.Error(err))
		} else {
			c.logger.Debug(ctx, "geofences updated", slog.F("count", len(ack.Geofences)))
		}
	}

	var snapshot user.User
	if c.user != nil && c.user.ID == batch.UserID {
		if ack.User != nil {
			c.user.Refresh(*ack.User)
		}
		snapshot = c.user.Clone()
	} else {
		snapshot = user.User{ID: batch.UserID, Description: cloneString(batch.Description)}
		if ack.User != nil {
			snapshot.Refresh(*ack.User)
		}
	}

	fresh := make([]event.Event, 0, len(confirmed))
	for _, e := range confirmed {
		if e.Sequence > c.deliveredSeq {
			fresh = append(fresh, e)
		}
	}
	for _, e := range fresh {
		if e.Sequence > c.deliveredSeq {
			c.deliveredSeq = e.Sequence
		}
	}
	delegate := c.delegate
	c.mu.Unlock()

	if delegate != nil && len(fresh) > 0 {
		delegate.DidReceiveEvents(fresh, snapshot)
	}
}

func (c *Controller) BatchDropped(batch syncqueue.Batch, err error) {
	c.logger.Warn(context.Background(), "batch dropped after exhausting retries",
		slog.F("batch_id", batch.ID), slog.F("events", len(batch.Events)), slog.Error(err))
}

// DeliveryFailed only acts on unauthorized responses: tracking stops and the
// controller refuses work until Reconfigure.
func (c *Controller) DeliveryFailed(batch syncqueue.Batch, err error) {
	if !xerrors.Is(err, syncqueue.ErrUnauthorized) {
		return
	}

	c.mu.Lock()
	c.unauthorized = true
	stop := c.stopLocked()
	delegate := c.delegate
	c.mu.Unlock()

	if stop {
		c.source.Stop()
	}
	c.logger.Error(context.Background(), "publishable key rejected, tracking disabled",
		slog.F("batch_id", batch.ID), slog.Error(err))
	if delegate != nil {
		delegate.DidFail(StatusErrorUnauthorized)
	}
}
