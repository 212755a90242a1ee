package geofence

import (
	"sort"

	"geotrack/internal/shared/geo"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"
)

const (
	ShapeCircle  = "circle"
	ShapePolygon = "polygon"
)

var ErrInvalidGeofence = xerrors.New("invalid geofence")

var validate = validator.New()

// Geometry is either a circle (Center, RadiusM) or a polygon ring.
type Geometry struct {
	Type    string      `json:"type" validate:"required,oneof=circle polygon"`
	Center  geo.Point   `json:"center"`
	RadiusM float64     `json:"radius_m" validate:"gte=0"`
	Polygon []geo.Point `json:"polygon,omitempty" validate:"dive"`
}

func (g Geometry) Contains(p geo.Point) bool {
	switch g.Type {
	case ShapeCircle:
		return geo.DistanceMeters(g.Center, p) <= g.RadiusM
	case ShapePolygon:
		return geo.InPolygon(p, g.Polygon)
	default:
		return false
	}
}

type Geofence struct {
	ID          string   `json:"id" validate:"required"`
	Description string   `json:"description"`
	Tag         string   `json:"tag,omitempty"`
	ExternalID  string   `json:"external_id,omitempty"`
	Geometry    Geometry `json:"geometry"`
	Active      bool     `json:"active"`
}

func (g Geofence) Validate() error {
	if err := validate.Struct(g); err != nil {
		return xerrors.Errorf("%w %q: %v", ErrInvalidGeofence, g.ID, err)
	}
	switch g.Geometry.Type {
	case ShapeCircle:
		if g.Geometry.RadiusM <= 0 {
			return xerrors.Errorf("%w %q: circle radius must be positive", ErrInvalidGeofence, g.ID)
		}
	case ShapePolygon:
		if len(g.Geometry.Polygon) < 3 {
			return xerrors.Errorf("%w %q: polygon needs at least 3 vertices", ErrInvalidGeofence, g.ID)
		}
	}
	return nil
}

// Membership is the set of geofence ids a user currently occupies.
type Membership map[string]struct{}

func NewMembership(ids ...string) Membership {
	m := make(Membership, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func (m Membership) Has(id string) bool {
	_, ok := m[id]
	return ok
}

// IDs returns the members in ascending order.
func (m Membership) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m Membership) Clone() Membership {
	c := make(Membership, len(m))
	for id := range m {
		c[id] = struct{}{}
	}
	return c
}

func (m Membership) Equal(other Membership) bool {
	if len(m) != len(other) {
		return false
	}
	for id := range m {
		if !other.Has(id) {
			return false
		}
	}
	return true
}
