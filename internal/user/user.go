package user

import (
	"time"

	"geotrack/internal/location"
)

// User is the tracked identity. Geofences and UpdatedAt are derived by the
// backend and refreshed from sync acknowledgements.
type User struct {
	ID          string        `json:"user_id"`
	Description *string       `json:"description,omitempty"`
	Location    *location.Fix `json:"location,omitempty"`
	Geofences   []string      `json:"geofences,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers.
func (u User) Clone() User {
	c := u
	if u.Description != nil {
		d := *u.Description
		c.Description = &d
	}
	if u.Location != nil {
		l := *u.Location
		c.Location = &l
	}
	if u.Geofences != nil {
		c.Geofences = append([]string(nil), u.Geofences...)
	}
	return c
}

// Refresh applies the server-derived fields of remote. Records for another
// identity are ignored. The location is only replaced by a newer one.
func (u *User) Refresh(remote User) {
	if remote.ID != u.ID {
		return
	}
	u.Geofences = append([]string(nil), remote.Geofences...)
	if remote.UpdatedAt.After(u.UpdatedAt) {
		u.UpdatedAt = remote.UpdatedAt
	}
	if remote.Location != nil && (u.Location == nil || remote.Location.Timestamp.After(u.Location.Timestamp)) {
		l := *remote.Location
		u.Location = &l
	}
}
