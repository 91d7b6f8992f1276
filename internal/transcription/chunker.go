package transcription

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/logging"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

const (
	maxStderrTail        = 4000
	defaultChunkDuration = 60
)

var chunkNamePattern = regexp.MustCompile(`^chunk_(\d{4,})\.wav$`)

// Splitter cuts a source file into fixed-duration 16 kHz mono WAV chunks
// stored under <root>/<job id>/chunk_NNNN.wav.
type Splitter struct {
	ffmpegPath    string
	ffprobePath   string
	root          string
	chunkDuration int
	runner        commandRunner
}

// NewSplitter creates a splitter. chunkDuration is the default slice length
// in seconds; a non-positive value means 60.
func NewSplitter(ffmpegPath, ffprobePath, root string, chunkDuration int) *Splitter {
	if chunkDuration <= 0 {
		chunkDuration = defaultChunkDuration
	}
	return &Splitter{
		ffmpegPath:    ffmpegPath,
		ffprobePath:   ffprobePath,
		root:          root,
		chunkDuration: chunkDuration,
		runner:        execRunner{},
	}
}

func (s *Splitter) Root() string { return s.root }

// ChunkDuration is the effective slice length in seconds.
func (s *Splitter) ChunkDuration() int { return s.chunkDuration }

// ChunkDir returns the directory holding a job's chunks.
func (s *Splitter) ChunkDir(jobID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(jobID, 10))
}

// Split replaces any chunks of jobID with a fresh split of sourcePath, in a
// single ffmpeg pass. On failure no chunk files are left behind.
func (s *Splitter) Split(ctx context.Context, sourcePath string, jobID int64, chunkDuration int) ([]types.ChunkInfo, error) {
	if chunkDuration <= 0 {
		chunkDuration = s.chunkDuration
	}
	if _, err := os.Stat(sourcePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFound("source file not found: %s", sourcePath)
		}
		return nil, fmt.Errorf("failed to stat source: %w", err)
	}

	dir := s.ChunkDir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear chunk directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	entry := log.WithField("media_id", jobID)
	end := logging.StartPhase(entry, "Chunking")

	res, err := s.runner.Run(ctx, s.ffmpegPath,
		"-hide_banner", "-nostdin", "-y",
		"-i", sourcePath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		"-f", "segment",
		"-segment_time", strconv.Itoa(chunkDuration),
		"-reset_timestamps", "1",
		filepath.Join(dir, "chunk_%04d.wav"),
	)
	if err != nil {
		os.RemoveAll(dir)
		return nil, apperr.Processing("ffmpeg failed to split "+filepath.Base(sourcePath), tail(res.Stderr, maxStderrTail), err)
	}

	chunks, err := s.scan(ctx, dir, chunkDuration, true)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if len(chunks) == 0 {
		os.RemoveAll(dir)
		return nil, apperr.Processing("ffmpeg produced no chunks for "+filepath.Base(sourcePath), tail(res.Stderr, maxStderrTail), nil)
	}

	end(fmt.Sprintf("%d chunks of %ds", len(chunks), chunkDuration))
	return chunks, nil
}

// ListExisting returns the chunks already on disk for jobID, ordered by index.
// Start times assume every chunk before the last is exactly the configured
// duration. Chunks whose duration cannot be read are skipped.
func (s *Splitter) ListExisting(ctx context.Context, jobID int64) ([]types.ChunkInfo, error) {
	dir := s.ChunkDir(jobID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return s.scan(ctx, dir, s.chunkDuration, false)
}

// Cleanup removes every chunk of jobID. Missing directories are not an error.
func (s *Splitter) Cleanup(jobID int64) error {
	if err := os.RemoveAll(s.ChunkDir(jobID)); err != nil {
		return fmt.Errorf("failed to remove chunks of %d: %w", jobID, err)
	}
	return nil
}

// ProbeDuration returns a media file's duration in seconds.
func (s *Splitter) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return probeDuration(ctx, s.runner, s.ffprobePath, path)
}

func (s *Splitter) scan(ctx context.Context, dir string, chunkDuration int, strict bool) ([]types.ChunkInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk directory: %w", err)
	}

	chunks := make([]types.ChunkInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := chunkNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		duration, err := s.ProbeDuration(ctx, path)
		if err != nil {
			if strict {
				return nil, err
			}
			log.Warnf("Skipping unreadable chunk %s: %v", path, err)
			continue
		}
		chunks = append(chunks, types.ChunkInfo{
			Index:     index,
			Path:      path,
			StartTime: float64(index * chunkDuration),
			Duration:  duration,
		})
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
