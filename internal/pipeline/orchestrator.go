package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/queue"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/transcription"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

var log = logrus.WithField("component", "pipeline")

// errAborted ends a run that stopped because of a cancellation. The durable
// status was already set by whoever cancelled.
var errAborted = errors.New("run aborted by cancellation")

// Store is the durable state the orchestrator reads and checkpoints into
type Store interface {
	GetMedia(ctx context.Context, id int64) (*types.Media, error)
	GetTranscriptByMedia(ctx context.Context, mediaID int64) (*types.Transcript, error)
	GetStatus(ctx context.Context, mediaID int64) (types.Status, error)
	MarkProcessing(ctx context.Context, mediaID int64, startedAt time.Time) error
	SetTotalChunks(ctx context.Context, mediaID int64, total int) error
	DeleteSegments(ctx context.Context, mediaID int64) error
	ListSegments(ctx context.Context, mediaID int64) ([]types.Segment, error)
	Checkpoint(ctx context.Context, mediaID int64, segments []types.Segment, lastProcessed int, estimatedSeconds float64) error
	Complete(ctx context.Context, mediaID int64, fullText, language string, duration float64, completedAt time.Time) error
	Fail(ctx context.Context, mediaID int64, message string) error
	TransitionStatus(ctx context.Context, mediaID int64, from []types.Status, to types.Status, message string) (bool, error)
}

// Splitter produces and manages a job's chunk files
type Splitter interface {
	Split(ctx context.Context, sourcePath string, jobID int64, chunkDuration int) ([]types.ChunkInfo, error)
	ListExisting(ctx context.Context, jobID int64) ([]types.ChunkInfo, error)
	Cleanup(jobID int64) error
}

// Engine transcribes single chunks
type Engine interface {
	TranscribeChunk(ctx context.Context, req transcription.ChunkRequest) (*transcription.ChunkResult, error)
	ModelName() string
}

// CancelChecker exposes the queue's cancellation flags
type CancelChecker interface {
	IsCancelled(mediaID int64) bool
}

// Publisher exports a completed transcript somewhere outside the database
type Publisher interface {
	Name() string
	Publish(ctx context.Context, result *types.TranscriptionResult) error
}

// Orchestrator drives one job through split, per-chunk inference and
// checkpointing. Every finished chunk is committed before the next starts, so
// a crash loses at most the chunk in flight.
type Orchestrator struct {
	store         Store
	splitter      Splitter
	engine        Engine
	cancels       CancelChecker
	chunkDuration int
	maxDuration   time.Duration
	publishers    []Publisher
	now           func() time.Time
}

// NewOrchestrator wires the orchestrator. Publishers run after completion;
// their failures are logged only.
func NewOrchestrator(store Store, splitter Splitter, engine Engine, cancels CancelChecker, chunkDuration int, publishers ...Publisher) *Orchestrator {
	return &Orchestrator{
		store:         store,
		splitter:      splitter,
		engine:        engine,
		cancels:       cancels,
		chunkDuration: chunkDuration,
		publishers:    publishers,
		now:           time.Now,
	}
}

// SetMaxDuration rejects sources longer than d. Zero means no limit.
func (o *Orchestrator) SetMaxDuration(d time.Duration) {
	o.maxDuration = d
}

// Process is the queue processor. A failed run is recorded as FAILED with its
// progress and the error is returned for logging; chunk files are kept so the
// job can resume.
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job) error {
	entry := log.WithField("media_id", job.MediaID)

	tr, err := o.store.GetTranscriptByMedia(ctx, job.MediaID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			entry.Error("Transcript not found, dropping job")
			return nil
		}
		return err
	}

	err = o.run(ctx, job, tr)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errAborted):
		entry.Info("Run stopped after cancellation")
		return nil
	}

	o.fail(ctx, job.MediaID, err)
	return err
}

// HandleSkipped is the queue's failure callback for jobs never started.
func (o *Orchestrator) HandleSkipped(ctx context.Context, job *queue.Job, reason string) {
	changed, err := o.store.TransitionStatus(ctx, job.MediaID,
		[]types.Status{types.StatusPending, types.StatusDownloading, types.StatusProcessing},
		types.StatusCanceled, reason)
	if err != nil {
		log.WithField("media_id", job.MediaID).Errorf("Failed to record skipped job: %v", err)
		return
	}
	if changed {
		log.WithField("media_id", job.MediaID).Infof("Job skipped: %s", reason)
	}
}

func (o *Orchestrator) run(ctx context.Context, job *queue.Job, tr *types.Transcript) error {
	entry := log.WithField("media_id", job.MediaID)
	startedAt := o.now()

	if err := o.store.MarkProcessing(ctx, job.MediaID, startedAt); err != nil {
		switch {
		case errors.Is(err, apperr.ErrCancelled):
			return errAborted
		case errors.Is(err, apperr.ErrConflict):
			entry.Warnf("Dropping job: %v", err)
			return nil
		}
		return err
	}

	chunks, err := o.prepareChunks(ctx, job, tr)
	if err != nil {
		return err
	}
	total := chunks[len(chunks)-1].Index + 1
	if err := o.store.SetTotalChunks(ctx, job.MediaID, total); err != nil {
		return err
	}

	resumeFrom := tr.LastProcessedChunk
	var segments []types.Segment
	if resumeFrom > 0 {
		segments, err = o.store.ListSegments(ctx, job.MediaID)
		if err != nil {
			return err
		}
		entry.Infof("Resuming at chunk %d/%d with %d stored segments", resumeFrom, total, len(segments))
	} else {
		entry.Infof("Starting transcription of %d chunks", total)
	}

	language := job.Language
	processed := 0

	for _, chunk := range chunks {
		if o.cancels.IsCancelled(job.MediaID) {
			entry.Infof("Cancellation requested, stopping before chunk %d", chunk.Index)
			return errAborted
		}
		if chunk.Index < resumeFrom {
			continue
		}

		status, err := o.store.GetStatus(ctx, job.MediaID)
		if err != nil {
			return err
		}
		if status == types.StatusCanceled {
			entry.Infof("Transcript cancelled, removing chunks")
			if err := o.splitter.Cleanup(job.MediaID); err != nil {
				entry.Warnf("Failed to remove chunks: %v", err)
			}
			return errAborted
		}

		req := transcription.ChunkRequest{
			Path:     chunk.Path,
			Offset:   chunk.StartTime,
			Language: language,
			Prompt:   job.Prompt,
		}
		res, err := offload(ctx, func() (*transcription.ChunkResult, error) {
			return o.engine.TranscribeChunk(ctx, req)
		})
		if err != nil {
			return fmt.Errorf("chunk %d: %w", chunk.Index, err)
		}

		if language == "" && res.Language != "" {
			language = res.Language
			entry.Infof("Detected language %q, using it for the remaining chunks", language)
		}

		status, err = o.store.GetStatus(ctx, job.MediaID)
		if err != nil {
			return err
		}
		if status == types.StatusCanceled {
			entry.Infof("Transcript cancelled during chunk %d, discarding its output", chunk.Index)
			return errAborted
		}

		processed++
		remaining := total - (chunk.Index + 1)
		elapsed := o.now().Sub(startedAt).Seconds()
		eta := elapsed / float64(processed) * float64(remaining)

		if err := o.store.Checkpoint(ctx, job.MediaID, res.Segments, chunk.Index+1, eta); err != nil {
			if errors.Is(err, apperr.ErrCancelled) {
				return errAborted
			}
			return err
		}
		segments = append(segments, res.Segments...)
		entry.WithField("eta_seconds", int(eta)).Infof("Chunk %d/%d done (%d segments)", chunk.Index+1, total, len(res.Segments))
	}

	return o.finish(ctx, job, chunks, segments, language)
}

// prepareChunks re-splits for a fresh run and reuses the chunks on disk for a
// resumed one, falling back to a re-split when they are gone.
func (o *Orchestrator) prepareChunks(ctx context.Context, job *queue.Job, tr *types.Transcript) ([]types.ChunkInfo, error) {
	entry := log.WithField("media_id", job.MediaID)

	if tr.LastProcessedChunk == 0 {
		if err := o.store.DeleteSegments(ctx, job.MediaID); err != nil {
			return nil, err
		}
		chunks, err := o.split(ctx, job)
		if err != nil {
			return nil, err
		}
		return chunks, o.checkDuration(chunks)
	}

	chunks, err := offload(ctx, func() ([]types.ChunkInfo, error) {
		return o.splitter.ListExisting(ctx, job.MediaID)
	})
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 || (tr.TotalChunks != nil && len(chunks) < *tr.TotalChunks) {
		entry.Warnf("Found %d usable chunks on disk, splitting again", len(chunks))
		chunks, err = o.split(ctx, job)
		if err != nil {
			return nil, err
		}
	}
	if last := chunks[len(chunks)-1].Index; last+1 < tr.LastProcessedChunk {
		return nil, apperr.Processing(
			fmt.Sprintf("checkpoint at chunk %d is past the %d chunks of the source", tr.LastProcessedChunk, last+1), "", nil)
	}
	return chunks, nil
}

func (o *Orchestrator) checkDuration(chunks []types.ChunkInfo) error {
	if o.maxDuration <= 0 || len(chunks) == 0 {
		return nil
	}
	if total := chunks[len(chunks)-1].End(); total > o.maxDuration.Seconds() {
		return apperr.Validation("media is %.1f minutes long, the limit is %.0f minutes",
			total/60, o.maxDuration.Minutes())
	}
	return nil
}

func (o *Orchestrator) split(ctx context.Context, job *queue.Job) ([]types.ChunkInfo, error) {
	source := job.FilePath
	if source == "" {
		media, err := o.store.GetMedia(ctx, job.MediaID)
		if err != nil {
			return nil, err
		}
		source = media.FilePath
	}
	return offload(ctx, func() ([]types.ChunkInfo, error) {
		return o.splitter.Split(ctx, source, job.MediaID, o.chunkDuration)
	})
}

func (o *Orchestrator) finish(ctx context.Context, job *queue.Job, chunks []types.ChunkInfo, segments []types.Segment, language string) error {
	entry := log.WithField("media_id", job.MediaID)

	sort.SliceStable(segments, func(i, j int) bool { return segments[i].StartTime < segments[j].StartTime })
	fullText := types.JoinSegments(segments)

	var duration float64
	if len(chunks) > 0 {
		duration = chunks[len(chunks)-1].End()
	}

	completedAt := o.now()
	if err := o.store.Complete(ctx, job.MediaID, fullText, language, duration, completedAt); err != nil {
		if errors.Is(err, apperr.ErrCancelled) {
			return errAborted
		}
		return err
	}
	if err := o.splitter.Cleanup(job.MediaID); err != nil {
		entry.Warnf("Failed to remove chunks: %v", err)
	}
	entry.Infof("Transcription completed: %d segments, %.1fs, language %s", len(segments), duration, language)

	o.publish(ctx, job.MediaID, &types.TranscriptionResult{
		MediaID:     job.MediaID,
		Text:        fullText,
		Language:    language,
		Model:       o.engine.ModelName(),
		Duration:    duration,
		Segments:    segments,
		WordCount:   len(strings.Fields(fullText)),
		ProcessedAt: completedAt,
	})
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, mediaID int64, result *types.TranscriptionResult) {
	if len(o.publishers) == 0 {
		return
	}
	entry := log.WithField("media_id", mediaID)

	result.Name = strconv.FormatInt(mediaID, 10)
	if media, err := o.store.GetMedia(ctx, mediaID); err == nil {
		result.Name = media.OriginalFilename
		if media.Title != "" {
			result.Name = media.Title
		}
	}

	for _, p := range o.publishers {
		if err := p.Publish(ctx, result); err != nil {
			entry.Warnf("Publishing to %s failed: %v", p.Name(), err)
			continue
		}
		entry.Infof("Published transcript to %s", p.Name())
	}
}

// fail records a failed run with its progress. It writes even when ctx was
// cancelled by shutdown.
func (o *Orchestrator) fail(ctx context.Context, mediaID int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	entry := log.WithField("media_id", mediaID)

	msg := cause.Error()
	if errors.Is(cause, context.Canceled) {
		msg = "Interrupted: worker stopped"
	}
	if tr, err := o.store.GetTranscriptByMedia(ctx, mediaID); err == nil {
		msg = fmt.Sprintf("%s (progress: %d/%s chunks)", msg, tr.LastProcessedChunk, totalString(tr.TotalChunks))
	}

	entry.Errorf("Transcription failed: %s", msg)
	if err := o.store.Fail(ctx, mediaID, msg); err != nil {
		entry.Errorf("Failed to record failure: %v", err)
	}
}

// offload runs a blocking call on its own goroutine so the worker can stop
// waiting when ctx ends.
func offload[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{zero, fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
