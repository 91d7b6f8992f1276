package transcription

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
)

type fakeCall struct {
	name string
	args []string
}

// fakeRunner emulates ffmpeg's segment muxer and ffprobe.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []fakeCall
	chunks    int
	durations map[string]string
	ffmpegErr error
	stderr    string
	partial   bool
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, fakeCall{name: name, args: args})
	r.mu.Unlock()

	switch name {
	case "ffmpeg":
		pattern := args[len(args)-1]
		n := r.chunks
		if r.ffmpegErr != nil && r.partial {
			n = 1
		}
		for i := 0; i < n; i++ {
			if err := os.WriteFile(fmt.Sprintf(pattern, i), []byte("RIFF"), 0o644); err != nil {
				return commandResult{}, err
			}
		}
		if r.ffmpegErr != nil {
			return commandResult{Stderr: r.stderr, ExitCode: 1}, r.ffmpegErr
		}
		return commandResult{}, nil
	case "ffprobe":
		base := filepath.Base(args[len(args)-1])
		if d, ok := r.durations[base]; ok {
			return commandResult{Stdout: d + "\n"}, nil
		}
		return commandResult{Stderr: "Invalid data found", ExitCode: 1}, errors.New("exit status 1")
	}
	return commandResult{}, fmt.Errorf("unexpected command %s", name)
}

func (r *fakeRunner) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestSplitter(t *testing.T, runner *fakeRunner) (*Splitter, string) {
	t.Helper()
	root := t.TempDir()
	s := NewSplitter("ffmpeg", "ffprobe", filepath.Join(root, "chunks"), 60)
	s.runner = runner
	src := filepath.Join(root, "talk.mp3")
	mustWriteFile(t, src, "ID3")
	return s, src
}

func TestSplitProducesOrderedChunks(t *testing.T) {
	runner := &fakeRunner{
		chunks: 3,
		durations: map[string]string{
			"chunk_0000.wav": "60.000000",
			"chunk_0001.wav": "60.000000",
			"chunk_0002.wav": "30.000000",
		},
	}
	s, src := newTestSplitter(t, runner)

	chunks, err := s.Split(context.Background(), src, 42, 60)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	wantStarts := []float64{0, 60, 120}
	wantDur := []float64{60, 60, 30}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunks[%d].Index = %d", i, c.Index)
		}
		if c.StartTime != wantStarts[i] || c.Duration != wantDur[i] {
			t.Fatalf("chunks[%d] = %+v, want start %v duration %v", i, c, wantStarts[i], wantDur[i])
		}
		if filepath.Dir(c.Path) != s.ChunkDir(42) {
			t.Fatalf("chunk path %s outside %s", c.Path, s.ChunkDir(42))
		}
	}
	if got := runner.count("ffmpeg"); got != 1 {
		t.Fatalf("ffmpeg invoked %d times, want a single pass", got)
	}

	args := strings.Join(runner.calls[0].args, " ")
	for _, want := range []string{"-f segment", "-segment_time 60", "-reset_timestamps 1", "-ar 16000", "-ac 1", "-c:a pcm_s16le"} {
		if !strings.Contains(args, want) {
			t.Fatalf("ffmpeg args %q missing %q", args, want)
		}
	}
}

func TestSplitMissingSource(t *testing.T) {
	s, _ := newTestSplitter(t, &fakeRunner{})

	_, err := s.Split(context.Background(), "/nope/missing.mp3", 1, 60)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Split() error = %v, want not found", err)
	}
}

func TestSplitFailureLeavesNoChunks(t *testing.T) {
	runner := &fakeRunner{
		chunks:    3,
		partial:   true,
		ffmpegErr: errors.New("exit status 1"),
		stderr:    "moov atom not found",
	}
	s, src := newTestSplitter(t, runner)

	_, err := s.Split(context.Background(), src, 5, 60)
	if !errors.Is(err, apperr.ErrProcessing) {
		t.Fatalf("Split() error = %v, want processing failure", err)
	}
	if !strings.Contains(err.Error(), "moov atom not found") {
		t.Fatalf("error %q does not carry ffmpeg stderr", err)
	}
	if _, statErr := os.Stat(s.ChunkDir(5)); !os.IsNotExist(statErr) {
		t.Fatalf("chunk directory still exists after failed split: %v", statErr)
	}
}

func TestSplitReplacesStaleChunks(t *testing.T) {
	runner := &fakeRunner{
		chunks:    1,
		durations: map[string]string{"chunk_0000.wav": "12.5"},
	}
	s, src := newTestSplitter(t, runner)
	mustWriteFile(t, filepath.Join(s.ChunkDir(9), "chunk_0007.wav"), "old")

	chunks, err := s.Split(context.Background(), src, 9, 0)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(chunks) != 1 || chunks[0].Duration != 12.5 {
		t.Fatalf("chunks = %+v, want one fresh chunk", chunks)
	}
}

func TestListExisting(t *testing.T) {
	runner := &fakeRunner{durations: map[string]string{
		"chunk_0000.wav": "60",
		"chunk_0001.wav": "60",
		"chunk_0003.wav": "20",
	}}
	s, _ := newTestSplitter(t, runner)

	if chunks, err := s.ListExisting(context.Background(), 3); err != nil || len(chunks) != 0 {
		t.Fatalf("ListExisting() on missing dir = %v, %v; want empty", chunks, err)
	}

	dir := s.ChunkDir(3)
	for _, name := range []string{"chunk_0003.wav", "chunk_0001.wav", "chunk_0000.wav", "chunk_0002.wav", "notes.txt"} {
		mustWriteFile(t, filepath.Join(dir, name), "x")
	}

	chunks, err := s.ListExisting(context.Background(), 3)
	if err != nil {
		t.Fatalf("ListExisting() error = %v", err)
	}
	// chunk_0002 is unreadable and skipped.
	wantIdx := []int{0, 1, 3}
	if len(chunks) != len(wantIdx) {
		t.Fatalf("chunks = %+v", chunks)
	}
	for i, c := range chunks {
		if c.Index != wantIdx[i] {
			t.Fatalf("chunks[%d].Index = %d, want %d", i, c.Index, wantIdx[i])
		}
		if c.StartTime != float64(wantIdx[i]*60) {
			t.Fatalf("chunks[%d].StartTime = %v", i, c.StartTime)
		}
	}
}

func TestChunkDurationDefaults(t *testing.T) {
	if got := NewSplitter("ffmpeg", "ffprobe", t.TempDir(), 0).ChunkDuration(); got != 60 {
		t.Fatalf("ChunkDuration() = %d, want 60", got)
	}
	if got := NewSplitter("ffmpeg", "ffprobe", t.TempDir(), 45).ChunkDuration(); got != 45 {
		t.Fatalf("ChunkDuration() = %d, want 45", got)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	s, _ := newTestSplitter(t, &fakeRunner{})
	mustWriteFile(t, filepath.Join(s.ChunkDir(4), "chunk_0000.wav"), "x")

	if err := s.Cleanup(4); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if err := s.Cleanup(4); err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}
	if _, err := os.Stat(s.ChunkDir(4)); !os.IsNotExist(err) {
		t.Fatalf("chunk dir still present: %v", err)
	}
}

func TestMediaType(t *testing.T) {
	tests := map[string]string{
		"talk.MP3":    "audio",
		"clip.opus":   "audio",
		"lecture.mp4": "video",
		"notes.txt":   "",
	}
	for name, want := range tests {
		if got := MediaType(name); got != want {
			t.Errorf("MediaType(%q) = %q, want %q", name, got, want)
		}
	}
	if ValidateMediaFormat("x.exe") {
		t.Fatal("ValidateMediaFormat accepted .exe")
	}
}
