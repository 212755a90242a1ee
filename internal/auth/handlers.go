package auth

import (
	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Get("/keys/verify", KeyMiddleware(svc), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"project_id": ProjectID(c)})
	})
}
