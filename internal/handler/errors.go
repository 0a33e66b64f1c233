package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/client"
	"github.com/nyxel/api/internal/credit"
	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/internal/service"
	"github.com/nyxel/api/pkg/response"
)

// writeError maps service errors onto HTTP responses
func writeError(c *fiber.Ctx, log *zap.Logger, err error) error {
	var (
		validationErr *service.ValidationError
		insufficient  *credit.InsufficientCreditsError
		relayErr      *service.RelayError
	)

	switch {
	case errors.Is(err, service.ErrAuthRequired):
		return response.Unauthorized(c, "Authentication required")

	case errors.As(err, &validationErr):
		return response.ValidationError(c, validationErr.Error(), map[string]string{
			validationErr.Field: validationErr.Message,
		})

	case errors.As(err, &insufficient):
		return response.PaymentRequired(c, model.InsufficientCreditsResponse{
			Error:      "insufficient credits",
			CreditType: insufficient.CreditType,
			Required:   insufficient.Required,
			Remaining:  insufficient.Remaining,
		})

	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")

	case errors.Is(err, service.ErrJobNotCompleted):
		return response.Conflict(c, "Job has not completed")

	case errors.Is(err, service.ErrProviderUnavailable):
		return response.Unavailable(c, err.Error())

	case errors.As(err, &relayErr):
		log.Error("relay failed", zap.Error(err))
		return response.RelayError(c, err.Error())

	case client.IsTransient(err),
		errors.Is(err, service.ErrUpstreamFailed),
		errors.Is(err, client.ErrUnrecognizedResponse):
		log.Warn("upstream error", zap.Error(err))
		return response.UpstreamError(c, err.Error())
	}

	log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	return response.ServiceError(c, "Internal server error")
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}
