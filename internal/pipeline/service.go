package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/queue"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

const msgCancelledByUser = "Cancelled by user"

// ServiceStore is the slice of the store used for job submission
type ServiceStore interface {
	CreateMedia(ctx context.Context, m *types.Media) error
	GetMedia(ctx context.Context, id int64) (*types.Media, error)
	UpdateMediaFile(ctx context.Context, id int64, filePath, filename, title string) error
	DeleteMedia(ctx context.Context, id int64) error
	EnsureTranscript(ctx context.Context, mediaID int64, initial types.Status) (*types.Transcript, error)
	GetTranscriptByMedia(ctx context.Context, mediaID int64) (*types.Transcript, error)
	ResetForRun(ctx context.Context, mediaID int64, keepProgress bool) error
	TransitionStatus(ctx context.Context, mediaID int64, from []types.Status, to types.Status, message string) (bool, error)
}

// Queue is the job queue as seen by the submission side
type Queue interface {
	Enqueue(job *queue.Job)
	Cancel(mediaID int64)
	ClearCancelled(mediaID int64)
	CurrentJob() *queue.Job
	Pending() []int64
	QueueSize() int
	IsRunning() bool
}

// ChunkCleaner removes a job's chunk files
type ChunkCleaner interface {
	Cleanup(jobID int64) error
}

// QueueStatus is a snapshot of the queue
type QueueStatus struct {
	QueueSize      int     `json:"queue_size"`
	IsRunning      bool    `json:"is_running"`
	CurrentMediaID *int64  `json:"current_media_id"`
	Pending        []int64 `json:"pending"`
}

// Service is the submission side of the pipeline: it validates requests
// against durable state and feeds the queue.
type Service struct {
	mu              sync.Mutex
	store           ServiceStore
	queue           Queue
	chunks          ChunkCleaner
	staleGrace      time.Duration
	defaultLanguage string
	now             func() time.Time
}

// NewService creates a Service. A PROCESSING transcript whose last update is
// older than staleGrace, and which the worker is not running, may be
// restarted.
func NewService(store ServiceStore, q Queue, chunks ChunkCleaner, staleGrace time.Duration, defaultLanguage string) *Service {
	return &Service{
		store:           store,
		queue:           q,
		chunks:          chunks,
		staleGrace:      staleGrace,
		defaultLanguage: defaultLanguage,
		now:             time.Now,
	}
}

// AddMedia records a new media file.
func (s *Service) AddMedia(ctx context.Context, m *types.Media) error {
	return s.store.CreateMedia(ctx, m)
}

// StartTranscription queues a transcription of mediaID. Failed and cancelled
// transcripts resume from their checkpoint; completed ones start over.
func (s *Service) StartTranscription(ctx context.Context, mediaID int64, language, prompt string) (*types.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	media, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetTranscriptByMedia(ctx, mediaID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		if _, err := s.store.EnsureTranscript(ctx, mediaID, types.StatusPending); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		keep, err := s.admit(existing)
		if err != nil {
			return nil, err
		}
		if err := s.store.ResetForRun(ctx, mediaID, keep); err != nil {
			return nil, err
		}
	}

	if language == "" {
		language = s.defaultLanguage
	}
	s.queue.ClearCancelled(mediaID)
	// A job cancelled while still queued runs again once its flag is gone.
	if slices.Contains(s.queue.Pending(), mediaID) {
		log.WithField("media_id", mediaID).Info("Transcription still queued, cancellation withdrawn")
	} else {
		s.queue.Enqueue(queue.NewJob(mediaID, media.FilePath, language, prompt))
		log.WithField("media_id", mediaID).Info("Transcription queued")
	}

	return s.store.GetTranscriptByMedia(ctx, mediaID)
}

// admit decides whether an existing transcript may be started again and
// whether its checkpoint is kept.
func (s *Service) admit(tr *types.Transcript) (keepProgress bool, err error) {
	switch {
	case tr.Status == types.StatusCompleted:
		return false, nil
	case tr.Status.Resumable():
		if s.isCurrent(tr.MediaID) {
			return false, apperr.Conflict("previous run is still stopping")
		}
		return true, nil
	case tr.Status == types.StatusPending:
		if s.isQueued(tr.MediaID) {
			return false, apperr.Conflict("transcription already in progress")
		}
		return true, nil
	case tr.Status == types.StatusProcessing:
		if s.isCurrent(tr.MediaID) || s.now().Sub(tr.UpdatedAt) < s.staleGrace {
			return false, apperr.Conflict("transcription already in progress")
		}
		log.WithField("media_id", tr.MediaID).Warnf("Restarting stale transcription last updated %s", tr.UpdatedAt.Format(time.RFC3339))
		return true, nil
	default:
		return false, apperr.Conflict("media is still downloading")
	}
}

func (s *Service) isCurrent(mediaID int64) bool {
	job := s.queue.CurrentJob()
	return job != nil && job.MediaID == mediaID
}

func (s *Service) isQueued(mediaID int64) bool {
	return s.isCurrent(mediaID) || slices.Contains(s.queue.Pending(), mediaID)
}

// Cancel stops a pending, downloading or running transcription. Cancelling
// an already cancelled transcript is a no-op.
func (s *Service) Cancel(ctx context.Context, mediaID int64) (*types.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, err := s.store.GetTranscriptByMedia(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	switch {
	case tr.Status == types.StatusCanceled:
		return tr, nil
	case tr.Status.Terminal():
		return nil, apperr.Conflict("cannot cancel a %s transcription", tr.Status)
	}

	changed, err := s.store.TransitionStatus(ctx, mediaID,
		[]types.Status{types.StatusPending, types.StatusDownloading, types.StatusProcessing},
		types.StatusCanceled, msgCancelledByUser)
	if err != nil {
		return nil, err
	}
	if !changed {
		// finished between the read and the update
		tr, err = s.store.GetTranscriptByMedia(ctx, mediaID)
		if err != nil {
			return nil, err
		}
		if tr.Status != types.StatusCanceled {
			return nil, apperr.Conflict("cannot cancel a %s transcription", tr.Status)
		}
		return tr, nil
	}

	s.queue.Cancel(mediaID)
	log.WithField("media_id", mediaID).Info("Transcription cancelled")
	return s.store.GetTranscriptByMedia(ctx, mediaID)
}

// DeleteMedia cancels any job for the media and removes its chunks, its
// source file and its rows.
func (s *Service) DeleteMedia(ctx context.Context, mediaID int64) error {
	media, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return err
	}
	if _, err := s.Cancel(ctx, mediaID); err != nil && !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrConflict) {
		return err
	}
	s.queue.Cancel(mediaID)

	entry := log.WithField("media_id", mediaID)
	if err := s.chunks.Cleanup(mediaID); err != nil {
		entry.Warnf("Failed to remove chunks: %v", err)
	}
	if media.FilePath != "" {
		if err := os.Remove(media.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			entry.Warnf("Failed to remove source file: %v", err)
		}
	}
	if err := s.store.DeleteMedia(ctx, mediaID); err != nil {
		return err
	}
	entry.Info("Media deleted")
	return nil
}

// BeginDownload records a media whose source is still being fetched.
func (s *Service) BeginDownload(ctx context.Context, m *types.Media) (*types.Transcript, error) {
	if err := s.store.CreateMedia(ctx, m); err != nil {
		return nil, err
	}
	return s.store.EnsureTranscript(ctx, m.ID, types.StatusDownloading)
}

// FinishDownload stores the fetched file and queues the transcription. It
// returns apperr.ErrCancelled when the download was cancelled meanwhile.
func (s *Service) FinishDownload(ctx context.Context, mediaID int64, filePath, filename, title, language, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.UpdateMediaFile(ctx, mediaID, filePath, filename, title); err != nil {
		return err
	}
	changed, err := s.store.TransitionStatus(ctx, mediaID,
		[]types.Status{types.StatusDownloading}, types.StatusPending, "")
	if err != nil {
		return err
	}
	if !changed {
		return apperr.Cancelled("download of media %d was cancelled", mediaID)
	}

	if language == "" {
		language = s.defaultLanguage
	}
	s.queue.ClearCancelled(mediaID)
	s.queue.Enqueue(queue.NewJob(mediaID, filePath, language, prompt))
	log.WithField("media_id", mediaID).Info("Download finished, transcription queued")
	return nil
}

// FailDownload records a failed download.
func (s *Service) FailDownload(ctx context.Context, mediaID int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := fmt.Sprintf("Download failed: %v", cause)
	if _, err := s.store.TransitionStatus(ctx, mediaID,
		[]types.Status{types.StatusDownloading}, types.StatusFailed, msg); err != nil {
		log.WithField("media_id", mediaID).Errorf("Failed to record download failure: %v", err)
	}
}

// QueueStatus reports the queue state.
func (s *Service) QueueStatus() QueueStatus {
	st := QueueStatus{
		QueueSize: s.queue.QueueSize(),
		IsRunning: s.queue.IsRunning(),
		Pending:   s.queue.Pending(),
	}
	if job := s.queue.CurrentJob(); job != nil {
		id := job.MediaID
		st.CurrentMediaID = &id
	}
	if st.Pending == nil {
		st.Pending = []int64{}
	}
	return st
}
