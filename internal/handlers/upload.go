package handlers

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/transcription"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

// MediaHandler handles file uploads and media records
type MediaHandler struct {
	store     Store
	service   Submitter
	mediaDir  string
	maxSizeMB int
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(store Store, service Submitter, mediaDir string, maxSizeMB int) *MediaHandler {
	return &MediaHandler{
		store:     store,
		service:   service,
		mediaDir:  mediaDir,
		maxSizeMB: maxSizeMB,
	}
}

// Upload stores an uploaded file and, unless auto_start=false, queues its
// transcription.
func (h *MediaHandler) Upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No file uploaded",
			"code":  "ERR_NO_FILE",
		})
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB),
			"code":  "ERR_FILE_TOO_LARGE",
		})
	}

	mediaType := transcription.MediaType(file.Filename)
	if mediaType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unsupported media format",
			"code":  "ERR_INVALID_FORMAT",
		})
	}

	if err := os.MkdirAll(h.mediaDir, 0o755); err != nil {
		return errorResponse(c, err)
	}
	filename := uuid.New().String() + filepath.Ext(file.Filename)
	path := filepath.Join(h.mediaDir, filename)
	if err := c.SaveFile(file, path); err != nil {
		log.Errorf("Failed to save uploaded file: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save file",
			"code":  "ERR_SAVE_FAILED",
		})
	}

	name := c.FormValue("name")
	if name == "" {
		name = file.Filename
	}
	m := &types.Media{
		Filename:         filename,
		OriginalFilename: file.Filename,
		FilePath:         path,
		MediaType:        mediaType,
		Source:           types.SourceUpload,
		Title:            name,
	}
	if err := h.service.AddMedia(c.UserContext(), m); err != nil {
		os.Remove(path)
		return errorResponse(c, err)
	}
	log.WithField("media_id", m.ID).Infof("Uploaded %s (%dKB)", file.Filename, file.Size/1024)

	resp := fiber.Map{
		"media":   m,
		"message": "File uploaded successfully",
	}
	if c.FormValue("auto_start", "true") != "false" {
		tr, err := h.service.StartTranscription(c.UserContext(), m.ID, c.FormValue("language"), c.FormValue("prompt"))
		if err != nil {
			return errorResponse(c, err)
		}
		resp["transcript"] = tr
		resp["message"] = "File uploaded successfully, transcription queued"
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// List returns media records, newest first
func (h *MediaHandler) List(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	media, err := h.store.ListMedia(c.UserContext(), limit, offset)
	if err != nil {
		return errorResponse(c, err)
	}
	if media == nil {
		media = []types.Media{}
	}
	return c.JSON(media)
}

// Get returns one media record
func (h *MediaHandler) Get(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}
	m, err := h.store.GetMedia(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(m)
}

// Stream sends the stored media file for playback
func (h *MediaHandler) Stream(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}
	m, err := h.store.GetMedia(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	if _, err := os.Stat(m.FilePath); m.FilePath == "" || err != nil {
		return errorResponse(c, apperr.NotFound("media file not found on disk"))
	}
	return c.SendFile(m.FilePath)
}

// Delete cancels any job of the media and removes its files and records
func (h *MediaHandler) Delete(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.service.DeleteMedia(c.UserContext(), id); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"id":      id,
		"message": "Media deleted",
	})
}
