package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// KeyAdminActor holds the name recorded in audit entries for admin requests.
const KeyAdminActor = "ADMIN_ACTOR"

// APIKeyAuthMiddleware guards the admin API with a static key sent in
// X-API-Key or as a bearer token. An empty key disables the API.
func APIKeyAuthMiddleware(key string) fiber.Handler {
	expected := []byte(strings.TrimSpace(key))
	if len(expected) == 0 {
		log.Warn("[Auth] ADMIN_API_KEY is empty, admin API is disabled")
	}
	return func(c *fiber.Ctx) error {
		if len(expected) == 0 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Admin API disabled"})
		}
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), expected) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}

		actor := strings.TrimSpace(c.Get("X-Admin-Actor"))
		if actor == "" {
			actor = "admin"
		}
		if len(actor) > 100 {
			actor = actor[:100]
		}
		c.Locals(KeyAdminActor, "admin:"+actor)
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
