package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChannelPass/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries the controllers and settings the routers need.
type Deps struct {
	Webhooks    *controllers.WebhookController
	Subscribers *controllers.SubscriberController
	Proofs      *controllers.ProofController
	Ops         *controllers.OpsController

	AdminAPIKey string
	// LimiterStorage backs the rate limiters. Nil keeps counters in memory.
	LimiterStorage fiber.Storage
	// WebhookRateLimit is the number of deliveries per minute and client.
	WebhookRateLimit int
	// Ready reports whether dependencies are reachable, for /healthz.
	Ready func() error
}

func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
