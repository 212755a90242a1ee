package geofences

import (
	"time"

	"geotrack/internal/geofence"
)

// Record is a stored geofence with its owning project.
type Record struct {
	geofence.Geofence
	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patch updates the fields that are set.
type Patch struct {
	Description *string            `json:"description"`
	Tag         *string            `json:"tag"`
	ExternalID  *string            `json:"external_id"`
	Geometry    *geofence.Geometry `json:"geometry"`
	Active      *bool              `json:"active"`
}
