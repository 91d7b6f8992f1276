package queue

import (
	"time"
)

// Job represents a transcription job. MediaID is the job identity: at most one
// job per media file is meaningful at a time.
type Job struct {
	MediaID    int64
	FilePath   string
	Language   string
	Prompt     string
	EnqueuedAt time.Time
}

// NewJob creates a new job with default values
func NewJob(mediaID int64, filePath, language, prompt string) *Job {
	return &Job{
		MediaID:    mediaID,
		FilePath:   filePath,
		Language:   language,
		Prompt:     prompt,
		EnqueuedAt: time.Now(),
	}
}
