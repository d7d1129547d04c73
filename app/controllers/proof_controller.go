package controllers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/security"
)

// ProofController accepts payment proofs through the signed links sent with
// manual payment instructions.
type ProofController struct {
	engine *lifecycle.Engine
	secret string
}

func NewProofController(engine *lifecycle.Engine, secret string) *ProofController {
	return &ProofController{engine: engine, secret: secret}
}

// HandleUpload stores the file posted to /proofs/:token.
func (pc *ProofController) HandleUpload(c *fiber.Ctx) error {
	claims, err := pc.claims(c.Params("token"))
	if err != nil {
		return errorJSON(c, err)
	}

	upload, closeFn, err := proofFromForm(c)
	if err != nil {
		return errorJSON(c, err)
	}
	defer closeFn()
	if claims.MaxBytes > 0 && upload.Size > claims.MaxBytes {
		return errorJSON(c, fmt.Errorf("file exceeds %d bytes: %w", claims.MaxBytes, apperr.ErrValidation))
	}

	ctx, cancel := adminContext()
	defer cancel()
	sub, err := pc.engine.Get(ctx, claims.SubscriberID)
	if err != nil {
		return errorJSON(c, err)
	}
	if sub.ProjectID != claims.ProjectID {
		return errorJSON(c, fmt.Errorf("token does not match subscriber: %w", apperr.ErrUnauthorized))
	}
	sub, err = pc.engine.SubmitProof(ctx, sub.ID, upload, "subscriber")
	if err != nil {
		return errorJSON(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": sub.Status, "message": "Proof received, an admin will review it"})
}

func (pc *ProofController) claims(token string) (*security.ProofTokenClaims, error) {
	if pc.secret == "" {
		return nil, fmt.Errorf("proof uploads are disabled: %w", apperr.ErrNotFound)
	}
	claims, err := security.VerifyProofToken(token, pc.secret)
	switch {
	case errors.Is(err, security.ErrTokenExpired):
		return nil, fmt.Errorf("upload link expired: %w", apperr.ErrForbidden)
	case err != nil:
		return nil, fmt.Errorf("upload link invalid: %w", apperr.ErrUnauthorized)
	}
	return claims, nil
}
