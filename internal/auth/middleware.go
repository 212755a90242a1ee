package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const LocalProjectID = "project_id"

// KeyMiddleware validates the publishable key and stores the project id in
// locals. The key is read from the Authorization header, bare or as a bearer
// token, or from the key query parameter for websocket clients.
func KeyMiddleware(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := keyFromHeader(c.Get(fiber.HeaderAuthorization))
		if key == "" {
			key = c.Query("key")
		}
		if key == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing publishable key")
		}

		projectID, err := svc.ValidateKey(key)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}

		c.Locals(LocalProjectID, projectID)
		return c.Next()
	}
}

// ProjectID returns the project stored by KeyMiddleware.
func ProjectID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalProjectID).(string)
	return id
}

func keyFromHeader(header string) string {
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return header
}
