package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

var log = logrus.WithField("component", "cleanup")

// StatusLookup reports the transcript status of a media id
type StatusLookup interface {
	GetStatus(ctx context.Context, mediaID int64) (types.Status, error)
}

// Result summarizes one cleanup pass
type Result struct {
	TempFiles  int
	FreedBytes int64
	ChunkDirs  int
}

// Scheduler handles cleanup of temporary files and spent chunk directories.
// Chunk directories of unfinished transcripts are resume state and are kept.
type Scheduler struct {
	tempDir   string
	chunkRoot string
	statuses  StatusLookup
	interval  time.Duration
	maxAge    time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// NewScheduler creates a new cleanup scheduler
func NewScheduler(tempDir, chunkRoot string, statuses StatusLookup, intervalMinutes, maxAgeHours int) *Scheduler {
	return &Scheduler{
		tempDir:   tempDir,
		chunkRoot: chunkRoot,
		statuses:  statuses,
		interval:  time.Duration(intervalMinutes) * time.Minute,
		maxAge:    time.Duration(maxAgeHours) * time.Hour,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// Start runs one pass immediately and then one per interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info("Running initial cleanup...")
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Infof("Cleanup scheduler started (interval: %s, max age: %s)", s.interval, s.maxAge)
}

// Stop stops the cleanup scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		log.Info("Cleanup scheduler stopped")
	})
}

// RunOnce performs a single cleanup pass.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	var res Result
	res.TempFiles, res.FreedBytes = s.cleanOldFiles()
	res.ChunkDirs = s.cleanChunkDirs(ctx)

	if res.TempFiles > 0 || res.ChunkDirs > 0 {
		log.Infof("Cleanup complete: %d temp files deleted (%.2fMB freed), %d chunk directories removed",
			res.TempFiles, float64(res.FreedBytes)/(1024*1024), res.ChunkDirs)
	}
	return res
}

// cleanOldFiles removes files older than maxAge from the temp directory
func (s *Scheduler) cleanOldFiles() (int, int64) {
	now := s.now()
	var (
		deletedCount int
		deletedSize  int64
	)

	err := filepath.Walk(s.tempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip what we can't access
		}
		if info.IsDir() {
			return nil
		}

		age := now.Sub(info.ModTime())
		if age <= s.maxAge {
			return nil
		}
		size := info.Size()
		if err := os.Remove(path); err != nil {
			log.Warnf("Failed to delete old file %s: %v", path, err)
			return nil
		}
		deletedCount++
		deletedSize += size
		log.Debugf("Deleted old temp file: %s (age: %s, size: %dKB)",
			filepath.Base(path), age.Round(time.Hour), size/1024)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Errorf("Error during temp cleanup: %v", err)
	}
	return deletedCount, deletedSize
}

// cleanChunkDirs removes chunk directories whose transcript completed or no
// longer exists.
func (s *Scheduler) cleanChunkDirs(ctx context.Context) int {
	entries, err := os.ReadDir(s.chunkRoot)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Errorf("Failed to list chunk directories: %v", err)
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		mediaID, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}

		status, err := s.statuses.GetStatus(ctx, mediaID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
		case err != nil:
			log.WithField("media_id", mediaID).Warnf("Skipping chunk directory: %v", err)
			continue
		case status != types.StatusCompleted:
			continue
		}

		if err := os.RemoveAll(filepath.Join(s.chunkRoot, entry.Name())); err != nil {
			log.WithField("media_id", mediaID).Warnf("Failed to remove chunk directory: %v", err)
			continue
		}
		removed++
	}
	return removed
}

// EnsureDirs creates the given directories if they don't exist
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
