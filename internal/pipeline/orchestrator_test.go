package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/queue"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/storage"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/transcription"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

// fakeSplitter hands out n chunks per job, the last one 30s long, and keeps
// them "on disk" until Cleanup.
type fakeSplitter struct {
	mu         sync.Mutex
	n          int
	splits     int
	cleanups   int
	onDisk     map[int64][]types.ChunkInfo
	splitError error
}

func newFakeSplitter(n int) *fakeSplitter {
	return &fakeSplitter{n: n, onDisk: make(map[int64][]types.ChunkInfo)}
}

func (s *fakeSplitter) Split(ctx context.Context, sourcePath string, jobID int64, chunkDuration int) ([]types.ChunkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.splits++
	if s.splitError != nil {
		return nil, s.splitError
	}
	chunks := make([]types.ChunkInfo, s.n)
	for i := range chunks {
		dur := float64(chunkDuration)
		if i == s.n-1 {
			dur = 30
		}
		chunks[i] = types.ChunkInfo{
			Index:     i,
			Path:      filepath.Join("chunks", fmt.Sprint(jobID), fmt.Sprintf("chunk_%04d.wav", i)),
			StartTime: float64(i * chunkDuration),
			Duration:  dur,
		}
	}
	s.onDisk[jobID] = chunks
	return chunks, nil
}

func (s *fakeSplitter) ListExisting(ctx context.Context, jobID int64) ([]types.ChunkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onDisk[jobID], nil
}

func (s *fakeSplitter) Cleanup(jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	delete(s.onDisk, jobID)
	return nil
}

func (s *fakeSplitter) has(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onDisk[jobID]) > 0
}

// fakeEngine returns one segment per chunk, "c<index>", unless hook says
// otherwise.
type fakeEngine struct {
	mu    sync.Mutex
	reqs  []transcription.ChunkRequest
	hook  func(ctx context.Context, req transcription.ChunkRequest) (*transcription.ChunkResult, error)
	lang  string
	model string
}

func (e *fakeEngine) TranscribeChunk(ctx context.Context, req transcription.ChunkRequest) (*transcription.ChunkResult, error) {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	hook := e.hook
	e.mu.Unlock()

	if hook != nil {
		if res, err := hook(ctx, req); res != nil || err != nil {
			return res, err
		}
	}
	idx := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(req.Path), "chunk_"), ".wav")
	var n int
	fmt.Sscanf(idx, "%d", &n)
	return &transcription.ChunkResult{
		Segments: []types.Segment{{StartTime: req.Offset + 0.5, EndTime: req.Offset + 5, Text: fmt.Sprintf("c%d", n)}},
		Language: e.lang,
	}, nil
}

func (e *fakeEngine) ModelName() string { return e.model }

func (e *fakeEngine) requests() []transcription.ChunkRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]transcription.ChunkRequest(nil), e.reqs...)
}

type fakeCancels struct {
	mu    sync.Mutex
	flags map[int64]bool
	hook  func(mediaID int64)
}

func (c *fakeCancels) IsCancelled(mediaID int64) bool {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(mediaID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags[mediaID]
}

type recordingPublisher struct {
	mu      sync.Mutex
	results []types.TranscriptionResult
	err     error
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(ctx context.Context, result *types.TranscriptionResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, *result)
	return p.err
}

func newTestDB(t *testing.T) *storage.MetadataDB {
	t.Helper()
	db, err := storage.NewMetadataDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewMetadataDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedJob(t *testing.T, db *storage.MetadataDB, status types.Status) *types.Media {
	t.Helper()
	ctx := context.Background()
	m := &types.Media{
		Filename:         "abc.mp3",
		OriginalFilename: "lecture.mp3",
		FilePath:         "/data/abc.mp3",
		MediaType:        "audio",
		Source:           types.SourceUpload,
	}
	if err := db.CreateMedia(ctx, m); err != nil {
		t.Fatalf("CreateMedia() error = %v", err)
	}
	if _, err := db.EnsureTranscript(ctx, m.ID, status); err != nil {
		t.Fatalf("EnsureTranscript() error = %v", err)
	}
	return m
}

func mustTranscript(t *testing.T, db *storage.MetadataDB, mediaID int64) *types.Transcript {
	t.Helper()
	tr, err := db.GetTranscriptByMedia(context.Background(), mediaID)
	if err != nil {
		t.Fatalf("GetTranscriptByMedia() error = %v", err)
	}
	return tr
}

func segmentTexts(t *testing.T, db *storage.MetadataDB, mediaID int64) []string {
	t.Helper()
	segs, err := db.ListSegments(context.Background(), mediaID)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}
	texts := make([]string, len(segs))
	for i, s := range segs {
		texts[i] = s.Text
	}
	return texts
}

func chunkIndexes(reqs []transcription.ChunkRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = filepath.Base(r.Path)
	}
	return out
}

func TestProcessCompletesAllChunks(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	splitter := newFakeSplitter(3)
	engine := &fakeEngine{lang: "en", model: "small"}
	pub := &recordingPublisher{}
	o := NewOrchestrator(db, splitter, engine, &fakeCancels{}, 60, pub)

	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	tr := mustTranscript(t, db, m.ID)
	if tr.Status != types.StatusCompleted {
		t.Fatalf("status = %s (%s)", tr.Status, tr.ErrorMessage)
	}
	if tr.FullText != "c0 c1 c2" {
		t.Fatalf("full text = %q", tr.FullText)
	}
	if tr.LastProcessedChunk != 3 || tr.TotalChunks == nil || *tr.TotalChunks != 3 {
		t.Fatalf("progress = %d/%v", tr.LastProcessedChunk, tr.TotalChunks)
	}
	if tr.DurationSeconds == nil || *tr.DurationSeconds != 150 {
		t.Fatalf("duration = %v, want 150", tr.DurationSeconds)
	}
	if tr.Language != "en" {
		t.Fatalf("language = %q", tr.Language)
	}
	if got := strings.Join(segmentTexts(t, db, m.ID), " "); got != tr.FullText {
		t.Fatalf("segments %q do not match full text", got)
	}
	if splitter.has(m.ID) {
		t.Fatal("chunks not removed after completion")
	}

	reqs := engine.requests()
	if len(reqs) != 3 || reqs[2].Offset != 120 {
		t.Fatalf("requests = %+v", reqs)
	}
	if len(pub.results) != 1 || pub.results[0].Name != "lecture.mp3" || pub.results[0].Model != "small" {
		t.Fatalf("published = %+v", pub.results)
	}
}

func TestProcessFailureKeepsCheckpointAndResumes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	splitter := newFakeSplitter(3)
	engine := &fakeEngine{}
	engine.hook = func(ctx context.Context, req transcription.ChunkRequest) (*transcription.ChunkResult, error) {
		if strings.HasSuffix(req.Path, "chunk_0001.wav") {
			return nil, errors.New("model crashed")
		}
		return nil, nil
	}
	o := NewOrchestrator(db, splitter, engine, &fakeCancels{}, 60)

	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "en", "")); err == nil {
		t.Fatal("expected error")
	}
	tr := mustTranscript(t, db, m.ID)
	if tr.Status != types.StatusFailed {
		t.Fatalf("status = %s", tr.Status)
	}
	if !strings.Contains(tr.ErrorMessage, "model crashed") || !strings.Contains(tr.ErrorMessage, "(progress: 1/3 chunks)") {
		t.Fatalf("error message = %q", tr.ErrorMessage)
	}
	if !splitter.has(m.ID) {
		t.Fatal("chunks removed after failure")
	}

	engine.mu.Lock()
	engine.hook = nil
	engine.reqs = nil
	engine.mu.Unlock()
	if err := db.ResetForRun(ctx, m.ID, true); err != nil {
		t.Fatalf("ResetForRun() error = %v", err)
	}
	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "en", "")); err != nil {
		t.Fatalf("resumed Process() error = %v", err)
	}

	if got := chunkIndexes(engine.requests()); strings.Join(got, ",") != "chunk_0001.wav,chunk_0002.wav" {
		t.Fatalf("resumed run transcribed %v", got)
	}
	if splitter.splits != 1 {
		t.Fatalf("splits = %d, want chunks reused", splitter.splits)
	}
	tr = mustTranscript(t, db, m.ID)
	if tr.Status != types.StatusCompleted || tr.FullText != "c0 c1 c2" {
		t.Fatalf("transcript = %s %q", tr.Status, tr.FullText)
	}
}

func TestProcessResplitsWhenChunksAreGone(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	splitter := newFakeSplitter(3)
	engine := &fakeEngine{}
	o := NewOrchestrator(db, splitter, engine, &fakeCancels{}, 60)

	// first chunk done in an earlier run whose chunk files were lost
	db.MarkProcessing(ctx, m.ID, time.Now())
	db.Checkpoint(ctx, m.ID, []types.Segment{{StartTime: 0.5, EndTime: 5, Text: "c0"}}, 1, 0)
	db.Fail(ctx, m.ID, "interrupted")
	db.ResetForRun(ctx, m.ID, true)

	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "en", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if splitter.splits != 1 {
		t.Fatalf("splits = %d, want 1", splitter.splits)
	}
	if got := len(engine.requests()); got != 2 {
		t.Fatalf("transcribed %d chunks, want 2", got)
	}
	if tr := mustTranscript(t, db, m.ID); tr.FullText != "c0 c1 c2" {
		t.Fatalf("full text = %q", tr.FullText)
	}
}

func TestProcessFreshRunDropsOldSegments(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	db.MarkProcessing(ctx, m.ID, time.Now())
	db.Checkpoint(ctx, m.ID, []types.Segment{{Text: "stale"}}, 1, 0)
	db.Complete(ctx, m.ID, "stale", "en", 10, time.Now())
	db.ResetForRun(ctx, m.ID, false)

	o := NewOrchestrator(db, newFakeSplitter(2), &fakeEngine{}, &fakeCancels{}, 60)
	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "en", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := strings.Join(segmentTexts(t, db, m.ID), " "); got != "c0 c1" {
		t.Fatalf("segments = %q", got)
	}
}

func TestProcessDiscardsChunkFinishedAfterCancel(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	splitter := newFakeSplitter(3)
	engine := &fakeEngine{}
	engine.hook = func(ctx context.Context, req transcription.ChunkRequest) (*transcription.ChunkResult, error) {
		db.TransitionStatus(ctx, m.ID, []types.Status{types.StatusProcessing}, types.StatusCanceled, msgCancelledByUser)
		return nil, nil
	}
	o := NewOrchestrator(db, splitter, engine, &fakeCancels{}, 60)

	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "en", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	tr := mustTranscript(t, db, m.ID)
	if tr.Status != types.StatusCanceled || tr.LastProcessedChunk != 0 {
		t.Fatalf("transcript = %s at %d", tr.Status, tr.LastProcessedChunk)
	}
	if got := segmentTexts(t, db, m.ID); len(got) != 0 {
		t.Fatalf("segments persisted after cancel: %v", got)
	}
	if !splitter.has(m.ID) {
		t.Fatal("chunks removed")
	}
}

func TestProcessRemovesChunksWhenCancelledBetweenChunks(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	splitter := newFakeSplitter(3)
	engine := &fakeEngine{}

	calls := 0
	cancels := &fakeCancels{}
	cancels.hook = func(mediaID int64) {
		calls++
		if calls == 2 {
			db.TransitionStatus(ctx, mediaID, []types.Status{types.StatusProcessing}, types.StatusCanceled, msgCancelledByUser)
		}
	}
	o := NewOrchestrator(db, splitter, engine, cancels, 60)

	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "en", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	tr := mustTranscript(t, db, m.ID)
	if tr.Status != types.StatusCanceled || tr.LastProcessedChunk != 1 {
		t.Fatalf("transcript = %s at %d", tr.Status, tr.LastProcessedChunk)
	}
	if splitter.has(m.ID) {
		t.Fatal("chunks kept after cancel")
	}
}

func TestProcessStopsOnQueueCancelFlag(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	splitter := newFakeSplitter(3)
	cancels := &fakeCancels{flags: map[int64]bool{}}
	engine := &fakeEngine{}
	engine.hook = func(ctx context.Context, req transcription.ChunkRequest) (*transcription.ChunkResult, error) {
		cancels.mu.Lock()
		cancels.flags[m.ID] = true
		cancels.mu.Unlock()
		return nil, nil
	}
	o := NewOrchestrator(db, splitter, engine, cancels, 60)

	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "en", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := len(engine.requests()); got != 1 {
		t.Fatalf("transcribed %d chunks after cancel flag", got)
	}
	if !splitter.has(m.ID) {
		t.Fatal("chunks removed")
	}
}

func TestProcessLocksDetectedLanguage(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	engine := &fakeEngine{lang: "de"}
	o := NewOrchestrator(db, newFakeSplitter(3), engine, &fakeCancels{}, 60)

	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	reqs := engine.requests()
	if reqs[0].Language != "" || reqs[1].Language != "de" || reqs[2].Language != "de" {
		t.Fatalf("languages = %q %q %q", reqs[0].Language, reqs[1].Language, reqs[2].Language)
	}
	if tr := mustTranscript(t, db, m.ID); tr.Language != "de" {
		t.Fatalf("language = %q", tr.Language)
	}
}

func TestProcessShutdownRecordsInterruption(t *testing.T) {
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	engine := &fakeEngine{}
	engine.hook = func(_ context.Context, req transcription.ChunkRequest) (*transcription.ChunkResult, error) {
		cancel()
		<-release
		return nil, nil
	}
	o := NewOrchestrator(db, newFakeSplitter(2), engine, &fakeCancels{}, 60)

	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "en", "")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Process() error = %v, want context.Canceled", err)
	}
	tr := mustTranscript(t, db, m.ID)
	if tr.Status != types.StatusFailed || !strings.HasPrefix(tr.ErrorMessage, "Interrupted: worker stopped (progress: 0/2 chunks)") {
		t.Fatalf("transcript = %s %q", tr.Status, tr.ErrorMessage)
	}
}

func TestProcessSplitFailure(t *testing.T) {
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	splitter := newFakeSplitter(2)
	splitter.splitError = errors.New("ffmpeg: invalid data")
	o := NewOrchestrator(db, splitter, &fakeEngine{}, &fakeCancels{}, 60)

	if err := o.Process(context.Background(), queue.NewJob(m.ID, m.FilePath, "en", "")); err == nil {
		t.Fatal("expected error")
	}
	tr := mustTranscript(t, db, m.ID)
	if tr.Status != types.StatusFailed || !strings.Contains(tr.ErrorMessage, "invalid data") {
		t.Fatalf("transcript = %s %q", tr.Status, tr.ErrorMessage)
	}
}

func TestProcessRejectsMediaOverDurationLimit(t *testing.T) {
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	engine := &fakeEngine{}
	o := NewOrchestrator(db, newFakeSplitter(3), engine, &fakeCancels{}, 60)
	o.SetMaxDuration(2 * time.Minute)

	if err := o.Process(context.Background(), queue.NewJob(m.ID, m.FilePath, "", "")); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("error = %v, want validation", err)
	}
	tr := mustTranscript(t, db, m.ID)
	if tr.Status != types.StatusFailed || !strings.Contains(tr.ErrorMessage, "limit is 2 minutes") {
		t.Fatalf("transcript = %s %q", tr.Status, tr.ErrorMessage)
	}
	if n := len(engine.requests()); n != 0 {
		t.Fatalf("engine ran %d chunks", n)
	}
}

func TestProcessMissingTranscriptIsDropped(t *testing.T) {
	db := newTestDB(t)
	engine := &fakeEngine{}
	o := NewOrchestrator(db, newFakeSplitter(1), engine, &fakeCancels{}, 60)

	if err := o.Process(context.Background(), queue.NewJob(42, "/x.mp3", "", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(engine.requests()) != 0 {
		t.Fatal("engine called for unknown job")
	}
}

func TestProcessDoesNotRestartCancelledTranscript(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	db.TransitionStatus(ctx, m.ID, []types.Status{types.StatusPending}, types.StatusCanceled, msgCancelledByUser)
	engine := &fakeEngine{}
	o := NewOrchestrator(db, newFakeSplitter(1), engine, &fakeCancels{}, 60)

	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if tr := mustTranscript(t, db, m.ID); tr.Status != types.StatusCanceled {
		t.Fatalf("status = %s", tr.Status)
	}
	if len(engine.requests()) != 0 {
		t.Fatal("engine called for cancelled job")
	}
}

func TestProcessLeavesCompletedTranscriptAlone(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	db.MarkProcessing(ctx, m.ID, time.Now())
	db.Complete(ctx, m.ID, "done", "en", 10, time.Now())
	chunks := newFakeSplitter(1)
	o := NewOrchestrator(db, chunks, &fakeEngine{}, &fakeCancels{}, 60)

	if err := o.Process(ctx, queue.NewJob(m.ID, m.FilePath, "", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if tr := mustTranscript(t, db, m.ID); tr.Status != types.StatusCompleted || tr.FullText != "done" {
		t.Fatalf("transcript = %s %q", tr.Status, tr.FullText)
	}
	if chunks.splits != 0 {
		t.Fatalf("splits = %d, want 0", chunks.splits)
	}
}

func TestHandleSkipped(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	o := NewOrchestrator(db, newFakeSplitter(1), &fakeEngine{}, &fakeCancels{}, 60)

	o.HandleSkipped(ctx, queue.NewJob(m.ID, m.FilePath, "", ""), queue.ReasonCancelledBeforeProcessing)
	tr := mustTranscript(t, db, m.ID)
	if tr.Status != types.StatusCanceled || tr.ErrorMessage != queue.ReasonCancelledBeforeProcessing {
		t.Fatalf("transcript = %s %q", tr.Status, tr.ErrorMessage)
	}
}

func TestPublisherFailureDoesNotFailJob(t *testing.T) {
	db := newTestDB(t)
	m := seedJob(t, db, types.StatusPending)
	pub := &recordingPublisher{err: errors.New("drive quota")}
	o := NewOrchestrator(db, newFakeSplitter(1), &fakeEngine{}, &fakeCancels{}, 60, pub)

	if err := o.Process(context.Background(), queue.NewJob(m.ID, m.FilePath, "en", "")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if tr := mustTranscript(t, db, m.ID); tr.Status != types.StatusCompleted {
		t.Fatalf("status = %s", tr.Status)
	}
}
