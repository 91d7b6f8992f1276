package pipeline

import (
	"context"
	"fmt"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

const (
	msgInterruptedProcessing  = "Interrupted: server stopped during transcription"
	msgInterruptedPending     = "Interrupted: queued job was lost when the server stopped"
	msgInterruptedDownloading = "Interrupted: download did not finish before the server stopped"
)

// ReconcileStore is the slice of the store the reconciler needs
type ReconcileStore interface {
	ListTranscriptsByStatus(ctx context.Context, statuses ...types.Status) ([]types.Transcript, error)
	TransitionStatus(ctx context.Context, mediaID int64, from []types.Status, to types.Status, message string) (bool, error)
}

// ReconcileResult counts the transcripts moved to FAILED at startup
type ReconcileResult struct {
	Processing  int `json:"processing"`
	Pending     int `json:"pending"`
	Downloading int `json:"downloading"`
}

// Total returns the number of transcripts reconciled.
func (r ReconcileResult) Total() int {
	return r.Processing + r.Pending + r.Downloading
}

// Reconciler repairs transcripts left non-terminal by a previous process.
// Run it before the worker starts. Failed transcripts keep their checkpoint
// and resume when started again.
type Reconciler struct {
	store    ReconcileStore
	isActive func(mediaID int64) bool
}

// NewReconciler creates a reconciler. isActive, if non-nil, reports media
// that still have a live job and must be left alone.
func NewReconciler(store ReconcileStore, isActive func(mediaID int64) bool) *Reconciler {
	return &Reconciler{store: store, isActive: isActive}
}

// Run marks every interrupted PROCESSING, orphaned PENDING and unfinished
// DOWNLOADING transcript as FAILED.
func (r *Reconciler) Run(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	stale, err := r.store.ListTranscriptsByStatus(ctx,
		types.StatusProcessing, types.StatusPending, types.StatusDownloading)
	if err != nil {
		return result, fmt.Errorf("failed to list unfinished transcripts: %w", err)
	}

	for _, tr := range stale {
		if r.isActive != nil && r.isActive(tr.MediaID) {
			continue
		}

		var msg string
		switch tr.Status {
		case types.StatusProcessing:
			msg = fmt.Sprintf("%s (progress: %d/%s chunks)", msgInterruptedProcessing, tr.LastProcessedChunk, totalString(tr.TotalChunks))
		case types.StatusPending:
			msg = msgInterruptedPending
		case types.StatusDownloading:
			msg = msgInterruptedDownloading
		}

		changed, err := r.store.TransitionStatus(ctx, tr.MediaID, []types.Status{tr.Status}, types.StatusFailed, msg)
		if err != nil {
			return result, err
		}
		if !changed {
			continue
		}

		entry := log.WithField("media_id", tr.MediaID)
		switch tr.Status {
		case types.StatusProcessing:
			result.Processing++
			entry.Warnf("Recovered interrupted transcription at chunk %d", tr.LastProcessedChunk)
		case types.StatusPending:
			result.Pending++
			entry.Warn("Recovered orphaned queued transcription")
		case types.StatusDownloading:
			result.Downloading++
			entry.Warn("Recovered unfinished download")
		}
	}

	if result.Total() > 0 {
		log.Infof("Startup reconciliation: %d processing, %d pending, %d downloading marked FAILED",
			result.Processing, result.Pending, result.Downloading)
	}
	return result, nil
}

func totalString(total *int) string {
	if total == nil {
		return "?"
	}
	return fmt.Sprint(*total)
}
