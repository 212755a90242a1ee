package user

import (
	"testing"
	"time"

	"geotrack/internal/location"

	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	desc := "courier"
	u := User{
		ID:          "u1",
		Description: &desc,
		Location:    &location.Fix{Latitude: 40},
		Geofences:   []string{"G1"},
	}
	c := u.Clone()
	*c.Description = "changed"
	c.Location.Latitude = 1
	c.Geofences[0] = "G9"

	require.Equal(t, "courier", *u.Description)
	require.Equal(t, 40.0, u.Location.Latitude)
	require.Equal(t, []string{"G1"}, u.Geofences)
}

func TestRefresh(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	u := User{ID: "u1", Location: &location.Fix{Latitude: 40, Timestamp: t0}}

	u.Refresh(User{ID: "other", Geofences: []string{"X"}})
	require.Empty(t, u.Geofences)

	u.Refresh(User{
		ID:        "u1",
		Geofences: []string{"G1", "G2"},
		UpdatedAt: t0,
		Location:  &location.Fix{Latitude: 39, Timestamp: t0.Add(-time.Minute)},
	})
	require.Equal(t, []string{"G1", "G2"}, u.Geofences)
	require.Equal(t, t0, u.UpdatedAt)
	require.Equal(t, 40.0, u.Location.Latitude)

	u.Refresh(User{ID: "u1", Location: &location.Fix{Latitude: 41, Timestamp: t0.Add(time.Minute)}})
	require.Equal(t, 41.0, u.Location.Latitude)
	require.Empty(t, u.Geofences)
}
