package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", rateLimiter(300, h.deps.LimiterStorage))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware(h.deps.AdminAPIKey))

	if sc := h.deps.Subscribers; sc != nil {
		v1.Post("/subscribers", sc.HandleCreate)
		v1.Get("/subscribers/:id", sc.HandleGet)
		v1.Post("/subscribers/:id/approve", sc.HandleApprove)
		v1.Post("/subscribers/:id/reject", sc.HandleReject)
		v1.Post("/subscribers/:id/extend", sc.HandleExtend)
		v1.Post("/subscribers/:id/reactivate", sc.HandleReactivate)
		v1.Post("/subscribers/:id/suspend", sc.HandleSuspend)
		v1.Post("/subscribers/:id/sync", sc.HandleSync)
		v1.Post("/subscribers/:id/manual-payment", sc.HandleManualPayment)
		v1.Post("/subscribers/:id/proof", sc.HandleProof)
		v1.Post("/checkout", sc.HandleCheckout)
	}

	if oc := h.deps.Ops; oc != nil {
		v1.Get("/failed-operations", oc.HandleFailedOperations)
		v1.Get("/runs/:kind", oc.HandleLastRun)
	}
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
