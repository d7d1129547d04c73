package controllers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/failedops"
)

// ReportLoader reads the last stored sweep or drain report.
type ReportLoader func(kind string, v interface{}) error

// OpsController reports on background work for operators.
type OpsController struct {
	queue   *failedops.Queue
	reports ReportLoader
}

func NewOpsController(queue *failedops.Queue, reports ReportLoader) *OpsController {
	return &OpsController{queue: queue, reports: reports}
}

// HandleFailedOperations returns failed-operation counts by status.
func (oc *OpsController) HandleFailedOperations(c *fiber.Ctx) error {
	ctx, cancel := adminContext()
	defer cancel()
	counts, err := oc.queue.Pending(ctx)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(fiber.Map{"counts": counts})
}

// HandleLastRun returns the report of the last sweep or drain.
func (oc *OpsController) HandleLastRun(c *fiber.Ctx) error {
	kind := c.Params("kind")
	if kind != "sweep" && kind != "drain" {
		return errorJSON(c, fmt.Errorf("unknown run kind %q: %w", kind, apperr.ErrValidation))
	}
	if oc.reports == nil {
		return errorJSON(c, fmt.Errorf("no report store: %w", apperr.ErrNotFound))
	}
	var report map[string]interface{}
	if err := oc.reports(kind, &report); err != nil {
		if errors.Is(err, redis.Nil) {
			return errorJSON(c, fmt.Errorf("no %s has run yet: %w", kind, apperr.ErrNotFound))
		}
		return errorJSON(c, err)
	}
	return c.JSON(report)
}
