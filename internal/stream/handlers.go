package stream

import (
	"geotrack/internal/auth"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const localTopic = "stream_topic"

// RegisterRoutes mounts /ws/:userID. Browsers cannot set headers on a
// websocket handshake, so keyMiddleware must accept the key query parameter.
func RegisterRoutes(r fiber.Router, hub *Hub, keyMiddleware fiber.Handler) {
	r.Get("/ws/:userID", keyMiddleware, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals(localTopic, Topic(auth.ProjectID(c), c.Params("userID")))
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		topic, _ := c.Locals(localTopic).(string)
		client := hub.Register(topic)
		defer hub.Unregister(client)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case msg := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
}
