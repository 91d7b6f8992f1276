package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/acquire"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/pipeline"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

var log = logrus.WithField("component", "api")

// Store is the read side of the database used by the API
type Store interface {
	GetMedia(ctx context.Context, id int64) (*types.Media, error)
	ListMedia(ctx context.Context, limit, offset int) ([]types.Media, error)
	GetTranscript(ctx context.Context, id int64) (*types.Transcript, error)
	GetTranscriptByMedia(ctx context.Context, mediaID int64) (*types.Transcript, error)
	ListTranscripts(ctx context.Context, limit, offset int) ([]types.Transcript, error)
	ListSegments(ctx context.Context, mediaID int64) ([]types.Segment, error)
}

// Submitter changes job state on behalf of API requests
type Submitter interface {
	AddMedia(ctx context.Context, m *types.Media) error
	DeleteMedia(ctx context.Context, mediaID int64) error
	StartTranscription(ctx context.Context, mediaID int64, language, prompt string) (*types.Transcript, error)
	Cancel(ctx context.Context, mediaID int64) (*types.Transcript, error)
	QueueStatus() pipeline.QueueStatus
}

// Fetcher starts remote downloads
type Fetcher interface {
	YouTube(ctx context.Context, req acquire.Request) (*types.Media, *types.Transcript, error)
	GDrive(ctx context.Context, req acquire.Request) (*types.Media, *types.Transcript, error)
	Info(ctx context.Context, url string) (*acquire.VideoInfo, error)
}

// errorResponse answers with the status and code matching err's kind
func errorResponse(c *fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= fiber.StatusInternalServerError {
		log.Errorf("%s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(errorBody(err))
}

// errorBody leaves captured process output out of the response
func errorBody(err error) fiber.Map {
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
	}
	return fiber.Map{
		"error": msg,
		"code":  apperr.KindOf(err).Code(),
	}
}

func parseID(c *fiber.Ctx, param string) (int64, error) {
	id, err := parseInt64(c.Params(param))
	if err != nil {
		return 0, apperr.Validation("invalid %s %q", param, c.Params(param))
	}
	return id, nil
}

func parseInt64(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, strconv.ErrRange
	}
	return id, nil
}

func pagination(c *fiber.Ctx) (limit, offset int) {
	limit = c.QueryInt("limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	offset = c.QueryInt("skip", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
