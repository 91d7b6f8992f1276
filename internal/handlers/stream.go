package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

// StatusMessage is one progress update of a transcript
type StatusMessage struct {
	TranscriptID       int64        `json:"transcript_id"`
	MediaID            int64        `json:"media_id"`
	Status             types.Status `json:"status"`
	Progress           float64      `json:"progress"`
	LastProcessedChunk int          `json:"last_processed_chunk"`
	TotalChunks        *int         `json:"total_chunks"`
	EstimatedSeconds   *float64     `json:"estimated_seconds_remaining"`
	ErrorMessage       string       `json:"error_message,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func statusMessage(tr *types.Transcript) StatusMessage {
	return StatusMessage{
		TranscriptID:       tr.ID,
		MediaID:            tr.MediaID,
		Status:             tr.Status,
		Progress:           tr.Progress(),
		LastProcessedChunk: tr.LastProcessedChunk,
		TotalChunks:        tr.TotalChunks,
		EstimatedSeconds:   tr.EstimatedSeconds,
		ErrorMessage:       tr.ErrorMessage,
		UpdatedAt:          tr.UpdatedAt,
	}
}

func (m StatusMessage) changed(prev *StatusMessage) bool {
	return prev == nil ||
		m.Status != prev.Status ||
		m.LastProcessedChunk != prev.LastProcessedChunk ||
		!m.UpdatedAt.Equal(prev.UpdatedAt)
}

// StreamHandler pushes transcript progress over a WebSocket until the job
// reaches a terminal status.
type StreamHandler struct {
	store    Store
	interval time.Duration
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(store Store, interval time.Duration) *StreamHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &StreamHandler{
		store:    store,
		interval: interval,
	}
}

// Upgrade rejects plain HTTP requests to the feed
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handle processes WebSocket connections
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	mediaID, err := parseInt64(c.Params("media_id"))
	if err != nil {
		c.WriteJSON(fiber.Map{"error": "invalid media_id", "code": "ERR_INVALID_REQUEST"})
		return
	}
	feed := log.WithField("media_id", mediaID)
	feed.Debug("Status feed connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last *StatusMessage
	for {
		tr, err := h.store.GetTranscriptByMedia(ctx, mediaID)
		if err != nil {
			if ctx.Err() == nil {
				c.WriteJSON(errorBody(err))
			}
			return
		}

		msg := statusMessage(tr)
		if msg.changed(last) {
			if err := c.WriteJSON(msg); err != nil {
				feed.Debugf("Status feed write failed: %v", err)
				return
			}
			last = &msg
		}
		if tr.Status.Terminal() {
			feed.Debugf("Status feed closed at %s", tr.Status)
			return
		}

		select {
		case <-ctx.Done():
			feed.Debug("Status feed client disconnected")
			return
		case <-ticker.C:
		}
	}
}
