package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/adforge/api/internal/client"
	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/middleware"
	"github.com/adforge/api/internal/model"
	"github.com/adforge/api/internal/rendezvous"
	"github.com/adforge/api/internal/repository"
	"github.com/adforge/api/internal/service"
	"github.com/adforge/api/pkg/response"
)

// GenerationService starts jobs and reports their status.
type GenerationService interface {
	Start(ctx context.Context, kind model.JobKind, jobID, callerUserID string) (*model.GenerationResponse, error)
	GetStatus(ctx context.Context, jobID, callerUserID string) (*model.JobStatusResponse, error)
}

type GenerationHandler struct {
	service   GenerationService
	validator *validator.Validate
	log       *logger.Logger
}

func NewGenerationHandler(svc GenerationService, v *validator.Validate, log *logger.Logger) *GenerationHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &GenerationHandler{
		service:   svc,
		validator: v,
		log:       log.With("handler", "generation"),
	}
}

// StartQuickAds handles POST /api/generations/quick-ads/start
func (h *GenerationHandler) StartQuickAds(c *fiber.Ctx) error {
	return h.start(c, model.JobKindQuickAds)
}

// StartCustomizedAds handles POST /api/generations/customized-ads/start
func (h *GenerationHandler) StartCustomizedAds(c *fiber.Ctx) error {
	return h.start(c, model.JobKindCustomized)
}

func (h *GenerationHandler) start(c *fiber.Ctx, kind model.JobKind) error {
	var req model.StartGenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Start(c.UserContext(), kind, req.JobID, middleware.GetUserID(c))
	if err != nil {
		return h.startError(c, req.JobID, err)
	}

	return response.OK(c, result)
}

// Status handles GET /api/generations/:jobId
func (h *GenerationHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), jobID, middleware.GetUserID(c))
	if err != nil {
		if ok, werr := accessError(c, err); ok {
			return werr
		}
		h.log.Error("Failed to load job status", "job_id", jobID, "error", err)
		return response.ServiceError(c, "Failed to load job status")
	}

	return response.OK(c, result)
}

func (h *GenerationHandler) startError(c *fiber.Ctx, jobID string, err error) error {
	var outcome *service.OutcomeError
	if errors.As(err, &outcome) {
		return response.Status(c, outcomeStatus(outcome.Err), outcome.Response)
	}

	if ok, werr := accessError(c, err); ok {
		return werr
	}
	if errors.Is(err, service.ErrKindMismatch) {
		return response.ValidationError(c, "Job kind does not match this endpoint", nil)
	}

	h.log.Error("Failed to start generation", "job_id", jobID, "error", err)
	return response.ServiceError(c, "Failed to start generation")
}

// accessError writes the response for auth and lookup failures. The bool
// reports whether err was one of them.
func accessError(c *fiber.Ctx, err error) (bool, error) {
	switch {
	case errors.Is(err, service.ErrAuthRequired):
		return true, response.Unauthorized(c, "Authentication required")
	case errors.Is(err, service.ErrForbidden):
		return true, response.Forbidden(c, "Job belongs to another user")
	case errors.Is(err, repository.ErrJobNotFound):
		return true, response.NotFound(c, "Job not found")
	}
	return false, nil
}

func outcomeStatus(err error) int {
	var dispatch *client.DispatchError
	switch {
	case errors.Is(err, service.ErrJobInProgress):
		return fiber.StatusAccepted
	case errors.Is(err, service.ErrAlreadyTerminal):
		return fiber.StatusConflict
	case errors.Is(err, repository.ErrInsufficientTokens):
		return fiber.StatusPaymentRequired
	case errors.Is(err, rendezvous.ErrCallbackTimeout):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, client.ErrDispatch), errors.As(err, &dispatch):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
