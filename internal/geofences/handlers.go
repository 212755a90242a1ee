package geofences

import (
	"geotrack/internal/auth"
	"geotrack/internal/geofence"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/xerrors"
)

// RegisterRoutes mounts the geofence API. Every route needs a publishable
// key; records are scoped to the key's project.
func RegisterRoutes(r fiber.Router, svc *Service, keyMiddleware fiber.Handler) {
	r.Get("/", keyMiddleware, func(c *fiber.Ctx) error {
		records, err := svc.List(c.Context(), auth.ProjectID(c), !c.QueryBool("all"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(records)
	})

	r.Post("/", keyMiddleware, func(c *fiber.Ctx) error {
		var req geofence.Geofence
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		rec, err := svc.Create(c.Context(), auth.ProjectID(c), req)
		if err != nil {
			return statusFor(err)
		}
		return c.Status(fiber.StatusCreated).JSON(rec)
	})

	r.Get("/:id", keyMiddleware, func(c *fiber.Ctx) error {
		rec, err := svc.Get(c.Context(), auth.ProjectID(c), c.Params("id"))
		if err != nil {
			return statusFor(err)
		}
		return c.JSON(rec)
	})

	r.Patch("/:id", keyMiddleware, func(c *fiber.Ctx) error {
		var patch Patch
		if err := c.BodyParser(&patch); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		rec, err := svc.Update(c.Context(), auth.ProjectID(c), c.Params("id"), patch)
		if err != nil {
			return statusFor(err)
		}
		return c.JSON(rec)
	})

	r.Delete("/:id", keyMiddleware, func(c *fiber.Ctx) error {
		if err := svc.Delete(c.Context(), auth.ProjectID(c), c.Params("id")); err != nil {
			return statusFor(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func statusFor(err error) error {
	switch {
	case xerrors.Is(err, ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "geofence not found")
	case xerrors.Is(err, geofence.ErrInvalidGeofence):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
