package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/acquire"
)

// YouTubeHandler handles YouTube audio downloads
type YouTubeHandler struct {
	fetcher Fetcher
}

// NewYouTubeHandler creates a new YouTube handler
func NewYouTubeHandler(fetcher Fetcher) *YouTubeHandler {
	return &YouTubeHandler{
		fetcher: fetcher,
	}
}

// InfoRequest represents the info request body
type InfoRequest struct {
	URL string `json:"url"`
}

// Info returns the title and metadata of a video without downloading it
func (h *YouTubeHandler) Info(c *fiber.Ctx) error {
	var req InfoRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}
	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "URL is required",
			"code":  "ERR_NO_URL",
		})
	}

	info, err := h.fetcher.Info(c.UserContext(), req.URL)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(info)
}

// Download starts capturing a video's audio in the background. The
// transcription is queued once the download finishes.
func (h *YouTubeHandler) Download(c *fiber.Ctx) error {
	var req acquire.Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}
	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "URL is required",
			"code":  "ERR_NO_URL",
		})
	}

	m, tr, err := h.fetcher.YouTube(c.UserContext(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"media_id":      m.ID,
		"transcript_id": tr.ID,
		"status":        tr.Status,
		"message":       "YouTube audio download started (this may take a few minutes for long videos)",
	})
}
