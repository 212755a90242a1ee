package location

import (
	"math"
	"time"

	"geotrack/internal/shared/geo"

	"golang.org/x/xerrors"
)

var (
	// ErrUnavailable is returned when no fix could be obtained, either because
	// the driver failed or because the timeout elapsed first.
	ErrUnavailable = xerrors.New("location unavailable")
	ErrInvalidFix  = xerrors.New("invalid location fix")
)

// Fix is a single measured position. Accuracy is the horizontal accuracy
// radius in meters.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

func (f Fix) Point() geo.Point {
	return geo.Point{Lat: f.Latitude, Lng: f.Longitude}
}

func (f Fix) Validate() error {
	if !geo.ValidCoordinate(f.Latitude, f.Longitude) {
		return xerrors.Errorf("%w: coordinate (%v, %v) out of range", ErrInvalidFix, f.Latitude, f.Longitude)
	}
	if math.IsNaN(f.Accuracy) || math.IsInf(f.Accuracy, 0) || f.Accuracy < 0 {
		return xerrors.Errorf("%w: accuracy %v", ErrInvalidFix, f.Accuracy)
	}
	if f.Timestamp.IsZero() {
		return xerrors.Errorf("%w: missing timestamp", ErrInvalidFix)
	}
	return nil
}

// Precise reports whether f is accurate enough to evaluate against geofences.
// A non-positive maximum disables the check.
func (f Fix) Precise(maxAccuracy float64) bool {
	return maxAccuracy <= 0 || f.Accuracy <= maxAccuracy
}
