package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"geotrack/internal/api"
	"geotrack/internal/event"
	"geotrack/internal/geofence"
	"geotrack/internal/location"
	"geotrack/internal/syncqueue"
	"geotrack/internal/user"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, handler fiber.Handler) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.All("/*", handler)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = app.Listener(ln)
	}()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "http://" + ln.Addr().String()
}

func testBatch() syncqueue.Batch {
	fix := location.Fix{Latitude: 40, Longitude: -74, Accuracy: 5, Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return syncqueue.Batch{
		ID:       uuid.New(),
		UserID:   "u1",
		Fix:      fix,
		Attempts: 2,
		Events: []event.Event{
			{ID: "e1", Kind: event.KindEntered, GeofenceID: "G1", Fix: fix, Sequence: 1},
		},
	}
}

func TestSendAcknowledged(t *testing.T) {
	batch := testBatch()
	var got api.TrackRequest
	var auth string
	url := serve(t, func(c *fiber.Ctx) error {
		if c.Path() != api.TrackPath || c.Method() != fiber.MethodPost {
			return fiber.ErrNotFound
		}
		auth = c.Get(fiber.HeaderAuthorization)
		if err := c.BodyParser(&got); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(api.TrackResponse{
			BatchID:          got.BatchID,
			Events:           got.Events,
			User:             &user.User{ID: got.UserID, Geofences: []string{"G1"}},
			GeofencesUpdated: true,
			Geofences: []geofence.Geofence{{ID: "G1", Active: true, Geometry: geofence.Geometry{
				Type: geofence.ShapeCircle, RadiusM: 100,
			}}},
		})
	})

	client := NewClient(url+"/", "pk_test", slogtest.Make(t, nil))
	ack, err := client.Send(context.Background(), batch)
	require.NoError(t, err)

	require.Equal(t, "pk_test", auth)
	require.Equal(t, batch.ID.String(), got.BatchID)
	require.Equal(t, 2, got.Attempt)
	require.Equal(t, batch.ID, ack.BatchID)
	require.Len(t, ack.Events, 1)
	require.Equal(t, "e1", ack.Events[0].ID)
	require.True(t, ack.GeofencesUpdated)
	require.Len(t, ack.Geofences, 1)
	require.Equal(t, []string{"G1"}, ack.User.Geofences)
}

func TestSendClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{fiber.StatusUnauthorized, syncqueue.ErrUnauthorized},
		{fiber.StatusForbidden, syncqueue.ErrUnauthorized},
		{fiber.StatusTooManyRequests, syncqueue.ErrServer},
		{fiber.StatusInternalServerError, syncqueue.ErrServer},
		{fiber.StatusBadGateway, syncqueue.ErrServer},
	}
	for _, tc := range cases {
		t.Run(utils.StatusMessage(tc.status), func(t *testing.T) {
			url := serve(t, func(c *fiber.Ctx) error {
				return c.SendStatus(tc.status)
			})
			_, err := NewClient(url, "pk", slogtest.Make(t, nil)).Send(context.Background(), testBatch())
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSendUnexpectedResponses(t *testing.T) {
	t.Run("bad request", func(t *testing.T) {
		url := serve(t, func(c *fiber.Ctx) error {
			return fiber.NewError(fiber.StatusBadRequest, "bad batch")
		})
		_, err := NewClient(url, "pk", slogtest.Make(t, nil)).Send(context.Background(), testBatch())
		require.Error(t, err)
		require.False(t, syncqueue.Retryable(err))
		require.NotErrorIs(t, err, syncqueue.ErrUnauthorized)
	})

	t.Run("malformed body", func(t *testing.T) {
		url := serve(t, func(c *fiber.Ctx) error {
			return c.SendString("{")
		})
		_, err := NewClient(url, "pk", slogtest.Make(t, nil)).Send(context.Background(), testBatch())
		require.Error(t, err)
		require.False(t, syncqueue.Retryable(err))
	})

	t.Run("wrong batch", func(t *testing.T) {
		url := serve(t, func(c *fiber.Ctx) error {
			return c.JSON(api.TrackResponse{BatchID: uuid.NewString()})
		})
		_, err := NewClient(url, "pk", slogtest.Make(t, nil)).Send(context.Background(), testBatch())
		require.ErrorContains(t, err, "acknowledgement")
	})
}

func TestSendNetworkFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	url := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewClient(url, "pk", slogtest.Make(t, nil)).Send(context.Background(), testBatch())
	require.ErrorIs(t, err, syncqueue.ErrNetwork)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewClient(url, "pk", slogtest.Make(t, nil)).Send(ctx, testBatch())
	require.ErrorIs(t, err, syncqueue.ErrNetwork)
}

func TestSetKeyAndFetchGeofences(t *testing.T) {
	url := serve(t, func(c *fiber.Ctx) error {
		if c.Get(fiber.HeaderAuthorization) != "pk_new" {
			return fiber.ErrUnauthorized
		}
		return c.JSON([]geofence.Geofence{{ID: "G1"}, {ID: "G2"}})
	})
	client := NewClient(url, "pk_old", slogtest.Make(t, nil))

	_, err := client.FetchGeofences(context.Background())
	require.ErrorIs(t, err, syncqueue.ErrUnauthorized)

	client.SetKey("pk_new")
	fences, err := client.FetchGeofences(context.Background())
	require.NoError(t, err)
	require.Len(t, fences, 2)
}
