package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if h.deps.Ready != nil {
			if err := h.deps.Ready(); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if h.deps.Proofs != nil {
		app.Post("/proofs/:token", rateLimiter(20, h.deps.LimiterStorage), h.deps.Proofs.HandleUpload)
	}
}

func (h HttpRouter) registerWebhookRoutes(app *fiber.App) {
	if h.deps.Webhooks == nil {
		return
	}
	webhooks := app.Group("/webhooks", rateLimiter(h.deps.WebhookRateLimit, h.deps.LimiterStorage))
	webhooks.Post("/stripe", h.deps.Webhooks.HandleStripe)
	webhooks.Post("/stripe/connect", h.deps.Webhooks.HandleStripeConnect)
}
