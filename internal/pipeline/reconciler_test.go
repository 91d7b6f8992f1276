package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

func TestReconcilerFailsInterruptedWork(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	running := seedJob(t, db, types.StatusPending)
	db.MarkProcessing(ctx, running.ID, time.Now())
	db.SetTotalChunks(ctx, running.ID, 5)
	db.Checkpoint(ctx, running.ID, []types.Segment{{Text: "a"}}, 2, 30)

	queued := seedJob(t, db, types.StatusPending)
	downloading := seedJob(t, db, types.StatusDownloading)
	done := seedJob(t, db, types.StatusPending)
	db.MarkProcessing(ctx, done.ID, time.Now())
	db.Complete(ctx, done.ID, "x", "en", 1, time.Now())

	res, err := NewReconciler(db, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Processing != 1 || res.Pending != 1 || res.Downloading != 1 || res.Total() != 3 {
		t.Fatalf("result = %+v", res)
	}

	tr := mustTranscript(t, db, running.ID)
	if tr.Status != types.StatusFailed || tr.LastProcessedChunk != 2 {
		t.Fatalf("running = %s at %d", tr.Status, tr.LastProcessedChunk)
	}
	if !strings.Contains(tr.ErrorMessage, "Interrupted") || !strings.Contains(tr.ErrorMessage, "2/5") {
		t.Fatalf("error message = %q", tr.ErrorMessage)
	}
	if got := segmentTexts(t, db, running.ID); len(got) != 1 {
		t.Fatalf("segments = %v, want checkpoint kept", got)
	}
	for _, id := range []int64{queued.ID, downloading.ID} {
		if tr := mustTranscript(t, db, id); tr.Status != types.StatusFailed || tr.ErrorMessage == "" {
			t.Fatalf("media %d = %s %q", id, tr.Status, tr.ErrorMessage)
		}
	}
	if tr := mustTranscript(t, db, done.ID); tr.Status != types.StatusCompleted {
		t.Fatalf("completed transcript changed to %s", tr.Status)
	}

	again, err := NewReconciler(db, nil).Run(ctx)
	if err != nil || again.Total() != 0 {
		t.Fatalf("second Run() = %+v, %v", again, err)
	}
}

func TestReconcilerSkipsActiveJobs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	live := seedJob(t, db, types.StatusPending)
	lost := seedJob(t, db, types.StatusPending)

	res, err := NewReconciler(db, func(id int64) bool { return id == live.ID }).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Pending != 1 {
		t.Fatalf("result = %+v", res)
	}
	if tr := mustTranscript(t, db, live.ID); tr.Status != types.StatusPending {
		t.Fatalf("active job status = %s", tr.Status)
	}
	if tr := mustTranscript(t, db, lost.ID); tr.Status != types.StatusFailed {
		t.Fatalf("orphan status = %s", tr.Status)
	}
}
