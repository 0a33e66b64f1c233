package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/middleware"
	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/internal/service"
	"github.com/nyxel/api/pkg/response"
)

type CreditHandler struct {
	credits   *service.CreditService
	validator *validator.Validate
	log       *zap.Logger
}

func NewCreditHandler(svc *service.CreditService, v *validator.Validate, log *zap.Logger) *CreditHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CreditHandler{credits: svc, validator: v, log: log.Named("http")}
}

// Balance handles GET /api/credits/balance
// @Summary      Current balance
// @Description  Users without a record see the starting allocation.
// @Tags         Credits
// @Produce      json
// @Success      200 {object} model.CreditBalance
// @Security     BearerAuth
// @Router       /api/credits/balance [get]
func (h *CreditHandler) Balance(c *fiber.Ctx) error {
	bal, err := h.credits.Balance(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return response.OK(c, bal)
}

// Settle handles POST /api/credits/settle
// @Summary      Settle a completed job
// @Description  Idempotent. Only the first call for a job changes the balance.
// @Tags         Credits
// @Accept       json
// @Produce      json
// @Param        request body model.SettleRequest true "Job reference"
// @Success      200 {object} model.SettleResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/credits/settle [post]
func (h *CreditHandler) Settle(c *fiber.Ctx) error {
	var req model.SettleRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.credits.Settle(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return response.OK(c, result)
}
