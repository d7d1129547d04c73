package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/billing"
)

const webhookTimeout = 20 * time.Second

// WebhookController receives payment provider events.
type WebhookController struct {
	service *billing.Service
}

func NewWebhookController(service *billing.Service) *WebhookController {
	return &WebhookController{service: service}
}

// HandleStripe handles events from the platform account.
func (wc *WebhookController) HandleStripe(c *fiber.Ctx) error {
	return wc.handle(c, models.EventSourceStripe)
}

// HandleStripeConnect handles events from connected accounts. The project is
// resolved from the event's account.
func (wc *WebhookController) HandleStripeConnect(c *fiber.Ctx) error {
	return wc.handle(c, models.EventSourceStripeConnect)
}

func (wc *WebhookController) handle(c *fiber.Ctx, source string) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	res, err := wc.service.Handle(ctx, source, rawBody, signature)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}
