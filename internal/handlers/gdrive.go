package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/acquire"
)

// GDriveHandler handles Google Drive link processing
type GDriveHandler struct {
	fetcher Fetcher
}

// NewGDriveHandler creates a new Google Drive handler
func NewGDriveHandler(fetcher Fetcher) *GDriveHandler {
	return &GDriveHandler{
		fetcher: fetcher,
	}
}

// Download starts fetching a shared Drive file in the background
func (h *GDriveHandler) Download(c *fiber.Ctx) error {
	var req acquire.Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}

	// Validate URL
	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "URL is required",
			"code":  "ERR_NO_URL",
		})
	}
	if acquire.ExtractGDriveFileID(req.URL) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid Google Drive URL",
			"code":  "ERR_INVALID_URL",
		})
	}

	m, tr, err := h.fetcher.GDrive(c.UserContext(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"media_id":      m.ID,
		"transcript_id": tr.ID,
		"status":        tr.Status,
		"message":       "Google Drive download started",
	})
}
