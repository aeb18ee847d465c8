package handler

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/registry"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/pkg/response"
)

// allowedExts is the upload allowlist; video extensions also steer the
// engine's container detection.
var allowedExts = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".aac":  true,
	".flac": true,
	".ogg":  true,
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

type IsolateHandler struct {
	service   *service.IsolateService
	validator *validator.Validate
	maxUpload int64
}

func NewIsolateHandler(svc *service.IsolateService, v *validator.Validate, maxUploadBytes int64) *IsolateHandler {
	return &IsolateHandler{
		service:   svc,
		validator: v,
		maxUpload: maxUploadBytes,
	}
}

// Submit handles POST /api/isolate: validates the multipart submission,
// allocates the job and returns its id without waiting for processing.
func (h *IsolateHandler) Submit(c *fiber.Ctx) error {
	req := model.IsolateRequest{
		Mode: c.FormValue("mode", string(model.ModeInstrumentalOnly)),
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	mode, _ := model.ParseMode(req.Mode)

	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if file.Size > h.maxUpload {
		return response.ValidationError(c, "File size exceeds upload limit", map[string]interface{}{
			"maxSize":  h.maxUpload,
			"fileSize": file.Size,
		})
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedExts[ext] {
		return response.ValidationError(c, "Unsupported file type", map[string]interface{}{
			"extension": ext,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.StartIsolation(c.Context(), f, file.Filename, mode)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrCapacityExceeded):
			return response.CapacityExceeded(c, "Too many jobs in flight, try again later")
		case errors.Is(err, service.ErrUpstreamUnavailable):
			return response.UpstreamUnavailable(c, "Processing backend unavailable")
		default:
			return response.ServiceError(c, err.Error())
		}
	}

	return response.OK(c, result)
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}

// Status handles GET /api/jobs/:jobId.
func (h *IsolateHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")

	result, err := h.service.GetStatus(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Download handles GET /api/jobs/:jobId/download, redirecting to wherever
// the artifact lives: a signed storage URL when mirrored, the local media
// namespace otherwise.
func (h *IsolateHandler) Download(c *fiber.Ctx) error {
	jobID := c.Params("jobId")

	url, err := h.service.ArtifactURL(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrNoArtifact):
			return response.NotFound(c, "Artifact not available")
		default:
			return response.ServiceError(c, err.Error())
		}
	}

	return c.Redirect(url, fiber.StatusFound)
}

// Cancel handles POST /api/jobs/:jobId/cancel.
func (h *IsolateHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")

	result, err := h.service.CancelJob(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, registry.ErrInvalidTransition):
			return response.InvalidTransition(c, "Job already finished")
		default:
			return response.ServiceError(c, err.Error())
		}
	}

	return response.OK(c, result)
}
