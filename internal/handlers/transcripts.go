package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

// TranscriptHandler serves transcripts and starts or cancels their jobs
type TranscriptHandler struct {
	store   Store
	service Submitter
}

// NewTranscriptHandler creates a new transcript handler
func NewTranscriptHandler(store Store, service Submitter) *TranscriptHandler {
	return &TranscriptHandler{store: store, service: service}
}

type transcriptResponse struct {
	*types.Transcript
	Progress   float64         `json:"progress"`
	MediaTitle string          `json:"media_title,omitempty"`
	Segments   []types.Segment `json:"segments,omitempty"`
}

// StartRequest carries the optional decoding hints of a transcription
type StartRequest struct {
	Language string `json:"language"`
	Prompt   string `json:"prompt"`
}

func (h *TranscriptHandler) withDetails(c *fiber.Ctx, tr *types.Transcript) (*transcriptResponse, error) {
	resp := &transcriptResponse{Transcript: tr, Progress: tr.Progress()}
	if m, err := h.store.GetMedia(c.UserContext(), tr.MediaID); err == nil {
		resp.MediaTitle = m.Title
		if resp.MediaTitle == "" {
			resp.MediaTitle = m.OriginalFilename
		}
	}
	segments, err := h.store.ListSegments(c.UserContext(), tr.MediaID)
	if err != nil {
		return nil, err
	}
	resp.Segments = segments
	return resp, nil
}

// List returns transcripts without text or segments
func (h *TranscriptHandler) List(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	transcripts, err := h.store.ListTranscripts(c.UserContext(), limit, offset)
	if err != nil {
		return errorResponse(c, err)
	}

	out := make([]transcriptResponse, len(transcripts))
	for i := range transcripts {
		tr := &transcripts[i]
		tr.FullText = ""
		out[i] = transcriptResponse{Transcript: tr, Progress: tr.Progress()}
	}
	return c.JSON(out)
}

// Get returns a transcript by its own id, with segments
func (h *TranscriptHandler) Get(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}
	tr, err := h.store.GetTranscript(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	resp, err := h.withDetails(c, tr)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(resp)
}

// Status returns just the progress fields, for polling
func (h *TranscriptHandler) Status(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}
	tr, err := h.store.GetTranscript(c.UserContext(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(statusMessage(tr))
}

// ByMedia returns the transcript of a media file, with segments
func (h *TranscriptHandler) ByMedia(c *fiber.Ctx) error {
	mediaID, err := parseID(c, "media_id")
	if err != nil {
		return errorResponse(c, err)
	}
	tr, err := h.store.GetTranscriptByMedia(c.UserContext(), mediaID)
	if err != nil {
		return errorResponse(c, err)
	}
	resp, err := h.withDetails(c, tr)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(resp)
}

// Start queues a transcription of a media file. Failed and cancelled
// transcriptions resume from their last checkpoint.
func (h *TranscriptHandler) Start(c *fiber.Ctx) error {
	mediaID, err := parseID(c, "media_id")
	if err != nil {
		return errorResponse(c, err)
	}
	var req StartRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
				"code":  "ERR_INVALID_BODY",
			})
		}
	}

	tr, err := h.service.StartTranscription(c.UserContext(), mediaID, req.Language, req.Prompt)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"transcript_id": tr.ID,
		"status":        tr.Status,
		"resume_from":   tr.LastProcessedChunk,
		"message":       "Transcription started",
		"transcript":    tr,
	})
}

// Cancel stops a queued, downloading or running transcription
func (h *TranscriptHandler) Cancel(c *fiber.Ctx) error {
	mediaID, err := parseID(c, "media_id")
	if err != nil {
		return errorResponse(c, err)
	}
	tr, err := h.service.Cancel(c.UserContext(), mediaID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"transcript_id": tr.ID,
		"status":        tr.Status,
		"message":       "Transcription cancelled",
	})
}
