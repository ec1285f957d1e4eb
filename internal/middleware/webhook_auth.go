package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/adforge/api/pkg/response"
)

// WebhookSecret requires header to carry secret. An empty secret disables
// the check.
func WebhookSecret(header, secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		got := c.Get(header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return response.Unauthorized(c, "Invalid webhook secret")
		}
		return c.Next()
	}
}
