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

type GenerateHandler struct {
	generation *service.GenerationService
	reconcile  *service.ReconcileService
	validator  *validator.Validate
	log        *zap.Logger
}

func NewGenerateHandler(gen *service.GenerationService, rec *service.ReconcileService, v *validator.Validate, log *zap.Logger) *GenerateHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &GenerateHandler{
		generation: gen,
		reconcile:  rec,
		validator:  v,
		log:        log.Named("http"),
	}
}

// Generate handles POST /api/generate
// @Summary      Submit a generation
// @Description  Prices the request, checks the balance and starts the job. Sync models return the durable media immediately.
// @Tags         Generate
// @Accept       json
// @Produce      json
// @Param        request body model.GenerateRequest true "Generation request"
// @Success      200 {object} model.GenerateResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      402 {object} model.InsufficientCreditsResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generate [post]
func (h *GenerateHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.generation.Submit(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return writeError(c, h.log, err)
	}

	return response.OK(c, result)
}

// Status handles GET /api/generate/status
// @Summary      Poll a generation
// @Description  Reconciles the provider job. Completion relays, records and settles the job once.
// @Tags         Generate
// @Produce      json
// @Param        provider  query string true  "atlas or civitai"
// @Param        jobId     query string false "Atlas job id"
// @Param        token     query string false "Civitai token"
// @Param        prompt    query string false "Prompt, used when the server has no record of the job"
// @Param        modelId   query string false "Model id"
// @Param        mediaType query string false "image or video"
// @Success      200 {object} model.JobOutcome
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generate/status [get]
func (h *GenerateHandler) Status(c *fiber.Ctx) error {
	var q model.StatusQuery
	if err := c.QueryParser(&q); err != nil {
		return response.ValidationError(c, "Invalid query", nil)
	}

	if err := h.validator.Struct(&q); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	outcome, err := h.reconcile.Status(c.Context(), middleware.GetUserID(c), &q)
	if err != nil {
		return writeError(c, h.log, err)
	}

	out := *outcome
	out.UserID = ""
	return response.OK(c, out)
}

// Pending handles GET /api/generate/pending
// @Summary      List in-flight jobs
// @Tags         Generate
// @Produce      json
// @Success      200 {object} model.PendingJobsResponse
// @Security     BearerAuth
// @Router       /api/generate/pending [get]
func (h *GenerateHandler) Pending(c *fiber.Ctx) error {
	jobs, err := h.generation.ListPending(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return response.OK(c, model.PendingJobsResponse{Jobs: jobs})
}

// History handles GET /api/generations
// @Summary      List persisted generations
// @Tags         Generate
// @Produce      json
// @Param        limit query int false "Maximum items, default 50"
// @Success      200 {object} model.HistoryResponse
// @Security     BearerAuth
// @Router       /api/generations [get]
func (h *GenerateHandler) History(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		return response.ValidationError(c, "limit must be between 1 and 200", nil)
	}

	items, err := h.generation.History(c.Context(), middleware.GetUserID(c), limit)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return response.OK(c, model.HistoryResponse{Items: items})
}

// Models handles GET /api/models
// @Summary      List models and prices
// @Tags         Generate
// @Produce      json
// @Success      200 {array} model.ModelInfo
// @Router       /api/models [get]
func (h *GenerateHandler) Models(c *fiber.Ctx) error {
	return response.OK(c, h.generation.Models())
}
