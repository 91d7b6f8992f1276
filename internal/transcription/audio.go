package transcription

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
)

var (
	audioFormats = []string{".mp3", ".wav", ".m4a", ".ogg", ".opus", ".flac", ".webm", ".aac", ".wma"}
	videoFormats = []string{".mp4", ".mkv", ".mov", ".avi", ".m4v"}
)

// ValidateMediaFormat checks if the file format is supported
func ValidateMediaFormat(filename string) bool {
	return MediaType(filename) != ""
}

// MediaType returns "audio" or "video" by extension, or "" when unsupported.
func MediaType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range audioFormats {
		if ext == format {
			return "audio"
		}
	}
	for _, format := range videoFormats {
		if ext == format {
			return "video"
		}
	}
	return ""
}

// probeDuration asks ffprobe for a file's container duration in seconds.
func probeDuration(ctx context.Context, runner commandRunner, ffprobePath, path string) (float64, error) {
	res, err := runner.Run(ctx, ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, apperr.Processing("ffprobe failed for "+filepath.Base(path), res.Stderr, err)
	}
	value := strings.TrimSpace(res.Stdout)
	duration, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, apperr.Processing("could not parse duration "+strconv.Quote(value), "", err)
	}
	return duration, nil
}
