// Package api holds the JSON bodies exchanged between the tracker and the
// backend.
package api

import (
	"geotrack/internal/event"
	"geotrack/internal/geofence"
	"geotrack/internal/location"
	"geotrack/internal/user"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"
)

const (
	TrackPath     = "/v1/track"
	GeofencesPath = "/v1/geofences"
)

var validate = validator.New()

// TrackRequest is one outbox batch. The batch id makes redelivery idempotent.
type TrackRequest struct {
	BatchID     string        `json:"batch_id" validate:"required,uuid"`
	UserID      string        `json:"user_id" validate:"required"`
	Description *string       `json:"description,omitempty"`
	Location    location.Fix  `json:"location"`
	Events      []event.Event `json:"events" validate:"required,min=1,dive"`
	Attempt     int           `json:"attempt" validate:"gte=0"`
}

func (r TrackRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if err := r.Location.Validate(); err != nil {
		return err
	}
	for _, e := range r.Events {
		if e.ID == "" {
			return xerrors.New("event id required")
		}
		switch e.Kind {
		case event.KindEntered, event.KindExited:
			if e.GeofenceID == "" {
				return xerrors.Errorf("event %s: geofence_id required for %s", e.ID, e.Kind)
			}
		case event.KindLocation:
		default:
			return xerrors.Errorf("event %s: unknown type %q", e.ID, e.Kind)
		}
	}
	return nil
}

// TrackResponse acknowledges a batch. Geofences replaces the client snapshot
// only when GeofencesUpdated is set.
type TrackResponse struct {
	BatchID          string              `json:"batch_id"`
	Events           []event.Event       `json:"events"`
	User             *user.User          `json:"user,omitempty"`
	Geofences        []geofence.Geofence `json:"geofences,omitempty"`
	GeofencesUpdated bool                `json:"geofences_updated"`
}
