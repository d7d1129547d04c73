package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle"
)

const adminTimeout = 30 * time.Second

// ============================================================================
// SUBSCRIBER CONTROLLER - admin API
// ============================================================================

// SubscriberController exposes the collaborator actions of the engine.
type SubscriberController struct {
	engine *lifecycle.Engine
}

func NewSubscriberController(engine *lifecycle.Engine) *SubscriberController {
	return &SubscriberController{engine: engine}
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type extendRequest struct {
	Days int `json:"days" validate:"required,min=1,max=3650"`
}

type reactivateRequest struct {
	Days int `json:"days" validate:"min=0,max=3650"`
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), adminTimeout)
}

// HandleGet returns one subscriber.
func (sc *SubscriberController) HandleGet(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return errorJSON(c, err)
	}
	ctx, cancel := adminContext()
	defer cancel()
	sub, err := sc.engine.Get(ctx, id)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(sub)
}

// HandleCreate adds a subscriber manually.
func (sc *SubscriberController) HandleCreate(c *fiber.Ctx) error {
	var req lifecycle.CreateRequest
	if err := bindJSON(c, &req); err != nil {
		return errorJSON(c, err)
	}
	ctx, cancel := adminContext()
	defer cancel()
	sub, err := sc.engine.CreateManual(ctx, req, actor(c))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

func (sc *SubscriberController) HandleApprove(c *fiber.Ctx) error {
	return sc.act(c, func(ctx context.Context, id uint) (interface{}, error) {
		return sc.engine.Approve(ctx, id, actor(c))
	})
}

func (sc *SubscriberController) HandleReject(c *fiber.Ctx) error {
	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		return errorJSON(c, err)
	}
	return sc.act(c, func(ctx context.Context, id uint) (interface{}, error) {
		return sc.engine.Reject(ctx, id, req.Reason, actor(c))
	})
}

func (sc *SubscriberController) HandleExtend(c *fiber.Ctx) error {
	var req extendRequest
	if err := bindJSON(c, &req); err != nil {
		return errorJSON(c, err)
	}
	return sc.act(c, func(ctx context.Context, id uint) (interface{}, error) {
		return sc.engine.Extend(ctx, id, req.Days, actor(c))
	})
}

// HandleReactivate restores access. Days defaults to the plan duration.
func (sc *SubscriberController) HandleReactivate(c *fiber.Ctx) error {
	var req reactivateRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		return errorJSON(c, err)
	}
	return sc.act(c, func(ctx context.Context, id uint) (interface{}, error) {
		return sc.engine.Reactivate(ctx, id, req.Days, actor(c))
	})
}

func (sc *SubscriberController) HandleSuspend(c *fiber.Ctx) error {
	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		return errorJSON(c, err)
	}
	return sc.act(c, func(ctx context.Context, id uint) (interface{}, error) {
		return sc.engine.Suspend(ctx, id, req.Reason, actor(c))
	})
}

// HandleSync reconciles the recorded channel membership with Telegram.
func (sc *SubscriberController) HandleSync(c *fiber.Ctx) error {
	return sc.act(c, func(ctx context.Context, id uint) (interface{}, error) {
		return sc.engine.SyncMembership(ctx, id)
	})
}

func (sc *SubscriberController) HandleManualPayment(c *fiber.Ctx) error {
	return sc.act(c, func(ctx context.Context, id uint) (interface{}, error) {
		sub, uploadURL, err := sc.engine.RequestManualPayment(ctx, id, actor(c))
		if err != nil {
			return nil, err
		}
		return fiber.Map{"subscriber": sub, "upload_url": uploadURL}, nil
	})
}

// HandleProof stores a proof an admin received out of band.
func (sc *SubscriberController) HandleProof(c *fiber.Ctx) error {
	upload, closeFn, err := proofFromForm(c)
	if err != nil {
		return errorJSON(c, err)
	}
	defer closeFn()
	return sc.act(c, func(ctx context.Context, id uint) (interface{}, error) {
		return sc.engine.SubmitProof(ctx, id, upload, actor(c))
	})
}

// HandleCheckout opens a payment session for a Telegram user.
func (sc *SubscriberController) HandleCheckout(c *fiber.Ctx) error {
	var req lifecycle.CheckoutRequest
	if err := bindJSON(c, &req); err != nil {
		return errorJSON(c, err)
	}
	ctx, cancel := adminContext()
	defer cancel()
	res, err := sc.engine.StartCheckout(ctx, req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (sc *SubscriberController) act(c *fiber.Ctx, fn func(ctx context.Context, id uint) (interface{}, error)) error {
	id, err := paramID(c)
	if err != nil {
		return errorJSON(c, err)
	}
	ctx, cancel := adminContext()
	defer cancel()
	out, err := fn(ctx, id)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(out)
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *fiber.Ctx, dst interface{}) error {
	if len(c.Body()) == 0 {
		return nil
	}
	return bindJSON(c, dst)
}

func proofFromForm(c *fiber.Ctx) (lifecycle.ProofUpload, func(), error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return lifecycle.ProofUpload{}, func() {}, fmt.Errorf("missing file field: %w", apperr.ErrValidation)
	}
	f, err := fh.Open()
	if err != nil {
		return lifecycle.ProofUpload{}, func() {}, fmt.Errorf("open upload: %w", apperr.ErrValidation)
	}
	return lifecycle.ProofUpload{
		Body:        f,
		Size:        fh.Size,
		ContentType: fh.Header.Get("Content-Type"),
		Filename:    fh.Filename,
	}, func() { _ = f.Close() }, nil
}
