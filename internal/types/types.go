package types

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a transcript
type Status string

// Transcript status constants
const (
	StatusPending     Status = "PENDING"
	StatusDownloading Status = "DOWNLOADING"
	StatusProcessing  Status = "PROCESSING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCanceled    Status = "CANCELED"
)

// Terminal reports whether no worker will touch the transcript again without a new start request.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Resumable reports whether a start request continues from the last checkpoint.
func (s Status) Resumable() bool {
	return s == StatusFailed || s == StatusCanceled
}

// Active reports whether the transcript is queued, downloading or being processed.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusDownloading || s == StatusProcessing
}

// Source type constants
const (
	SourceUpload  = "upload"
	SourceGDrive  = "gdrive"
	SourceYouTube = "youtube"
)

// Media is an ingested audio or video file
type Media struct {
	ID               int64     `json:"id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	FilePath         string    `json:"file_path"`
	MediaType        string    `json:"media_type"`
	Source           string    `json:"source"`
	SourceURL        string    `json:"source_url,omitempty"`
	Title            string    `json:"title,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Transcript is the durable record of one media file's transcription.
// Nil pointers are unset columns.
type Transcript struct {
	ID                 int64      `json:"id"`
	MediaID            int64      `json:"media_id"`
	Status             Status     `json:"status"`
	FullText           string     `json:"full_text,omitempty"`
	Language           string     `json:"language,omitempty"`
	DurationSeconds    *float64   `json:"duration_seconds"`
	LastProcessedChunk int        `json:"last_processed_chunk"`
	TotalChunks        *int       `json:"total_chunks"`
	EstimatedSeconds   *float64   `json:"estimated_seconds"`
	StartedAt          *time.Time `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Progress returns processed chunks as a fraction in [0,1], or 0 when the total is unknown.
func (t *Transcript) Progress() float64 {
	if t.TotalChunks == nil || *t.TotalChunks == 0 {
		return 0
	}
	return float64(t.LastProcessedChunk) / float64(*t.TotalChunks)
}

// Segment represents a timestamped segment of transcription.
// Times are seconds from the start of the original media.
type Segment struct {
	ID        int64   `json:"id,omitempty"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Text      string  `json:"text"`
}

// ChunkInfo describes one fixed-duration slice of the source audio
type ChunkInfo struct {
	Index     int     `json:"index"`
	Path      string  `json:"path"`
	StartTime float64 `json:"start_time"`
	Duration  float64 `json:"duration"`
}

// End returns the chunk's end offset in the original media.
func (c ChunkInfo) End() float64 {
	return c.StartTime + c.Duration
}

// TranscriptionResult is handed to publishers once a transcript completes
type TranscriptionResult struct {
	MediaID     int64
	Name        string
	Text        string
	Language    string
	Model       string
	Duration    float64
	Segments    []Segment
	WordCount   int
	ProcessedAt time.Time
	LocalPath   string
	GDriveURL   string
}

// JoinSegments builds the full transcript text from segments already in start-time order.
func JoinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}
