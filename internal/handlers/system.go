package handlers

import (
	"context"
	"os/exec"
	"runtime"
	"slices"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/config"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/transcription"
)

// ModelHost is the loaded inference engine as seen by the API
type ModelHost interface {
	ModelName() string
	Loaded() bool
	Device() string
	Reload(ctx context.Context, modelName string) error
}

// SettingsPersister stores user settings across restarts
type SettingsPersister interface {
	Load() (config.Settings, error)
	Save(settings config.Settings) error
}

// SystemHandler reports host capabilities and manages runtime settings
type SystemHandler struct {
	engine        ModelHost
	settings      SettingsPersister
	service       Submitter
	ffmpegPath    string
	chunkDuration int
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(engine ModelHost, settings SettingsPersister, service Submitter, ffmpegPath string, chunkDuration int) *SystemHandler {
	return &SystemHandler{
		engine:        engine,
		settings:      settings,
		service:       service,
		ffmpegPath:    ffmpegPath,
		chunkDuration: chunkDuration,
	}
}

// ConfigRequest represents the config update body
type ConfigRequest struct {
	WhisperModel string `json:"whisper_model"`
}

// Specs describes the host and the inference setup
func (h *SystemHandler) Specs(c *fiber.Ctx) error {
	_, ffmpegErr := exec.LookPath(h.ffmpegPath)
	return c.JSON(fiber.Map{
		"os":                runtime.GOOS,
		"arch":              runtime.GOARCH,
		"cpu_count":         runtime.NumCPU(),
		"inference_threads": transcription.CPUThreads(runtime.NumCPU()),
		"device":            h.engine.Device(),
		"model":             h.engine.ModelName(),
		"model_loaded":      h.engine.Loaded(),
		"ffmpeg_available":  ffmpegErr == nil,
	})
}

// GetConfig returns the current runtime settings
func (h *SystemHandler) GetConfig(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"whisper_model":          h.engine.ModelName(),
		"available_models":       transcription.KnownModels,
		"chunk_duration_seconds": h.chunkDuration,
	})
}

// SetConfig persists a new model choice and switches to it. The switch
// waits for a chunk in progress to finish.
func (h *SystemHandler) SetConfig(c *fiber.Ctx) error {
	var req ConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}
	if !slices.Contains(transcription.KnownModels, req.WhisperModel) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown model: " + req.WhisperModel,
			"code":  "ERR_INVALID_MODEL",
		})
	}

	settings, err := h.settings.Load()
	if err != nil {
		return errorResponse(c, err)
	}
	settings.WhisperModel = req.WhisperModel
	if err := h.settings.Save(settings); err != nil {
		return errorResponse(c, err)
	}
	log.Infof("Whisper model set to %s", req.WhisperModel)

	if err := h.engine.Reload(c.UserContext(), req.WhisperModel); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"whisper_model": req.WhisperModel,
		"message":       "Configuration saved, model loaded",
	})
}

// Queue reports the worker and queue state
func (h *SystemHandler) Queue(c *fiber.Ctx) error {
	return c.JSON(h.service.QueueStatus())
}
