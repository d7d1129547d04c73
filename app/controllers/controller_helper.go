package controllers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/middleware"
)

var validate = validator.New()

// errorJSON writes the JSON error body for err with the status apperr maps it
// to. Internal errors are logged and their message hidden.
func errorJSON(c *fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
		message = "Internal error, please retry"
	}
	return c.Status(status).JSON(fiber.Map{"error": apperr.Code(err), "message": message})
}

// bindJSON parses the request body into dst and runs struct validation.
func bindJSON(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return fmt.Errorf("invalid body: %v: %w", err, apperr.ErrValidation)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("invalid fields: %s: %w", strings.Join(fields, ", "), apperr.ErrValidation)
		}
		return fmt.Errorf("%v: %w", err, apperr.ErrValidation)
	}
	return nil
}

func paramID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q: %w", c.Params("id"), apperr.ErrValidation)
	}
	return uint(id), nil
}

// actor names the admin behind a request for audit records.
func actor(c *fiber.Ctx) string {
	if v, ok := c.Locals(middleware.KeyAdminActor).(string); ok && v != "" {
		return v
	}
	return "admin"
}
