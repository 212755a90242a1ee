package ingest

import (
	"geotrack/internal/api"
	"geotrack/internal/auth"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/xerrors"
)

// RegisterRoutes mounts the tracker endpoints on the versioned router.
func RegisterRoutes(r fiber.Router, svc *Service, keyMiddleware fiber.Handler) {
	r.Post("/track", keyMiddleware, func(c *fiber.Ctx) error {
		var req api.TrackRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		resp, err := svc.Track(c.Context(), auth.ProjectID(c), req)
		if xerrors.Is(err, ErrInvalidRequest) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(resp)
	})

	r.Get("/users/:id", keyMiddleware, func(c *fiber.Ctx) error {
		u, err := svc.User(c.Context(), auth.ProjectID(c), c.Params("id"))
		if xerrors.Is(err, ErrUserNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "user not found")
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(u)
	})
}
