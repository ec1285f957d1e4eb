package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/model"
	"github.com/adforge/api/internal/repository"
	"github.com/adforge/api/internal/service"
	"github.com/adforge/api/pkg/response"
)

// CallbackIngestor records an engine callback.
type CallbackIngestor interface {
	Ingest(ctx context.Context, req *model.CallbackRequest) (*model.CallbackResponse, error)
}

type CallbackHandler struct {
	service CallbackIngestor
	log     *logger.Logger
}

func NewCallbackHandler(svc CallbackIngestor, log *logger.Logger) *CallbackHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &CallbackHandler{service: svc, log: log.With("handler", "callback")}
}

// Receive handles POST /webhooks/generation/callback
func (h *CallbackHandler) Receive(c *fiber.Ctx) error {
	// Engines do not always send a JSON content type, so decode the raw body.
	var req model.CallbackRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	result, err := h.service.Ingest(c.UserContext(), &req)
	switch {
	case err == nil:
		return response.OK(c, result)
	case errors.Is(err, service.ErrMissingJobID):
		return response.ValidationError(c, "job_id is required", nil)
	case errors.Is(err, repository.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	default:
		h.log.Error("Failed to ingest callback", "job_id", req.JobID, "error", err)
		return response.ServiceError(c, "Failed to process callback")
	}
}
