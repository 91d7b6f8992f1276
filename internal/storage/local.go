package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

// LocalStorage exports finished transcripts to the local filesystem
type LocalStorage struct {
	outputDir string
	now       func() time.Time
}

// NewLocalStorage creates a new local storage handler
func NewLocalStorage(outputDir string) *LocalStorage {
	return &LocalStorage{
		outputDir: outputDir,
		now:       time.Now,
	}
}

func (ls *LocalStorage) Name() string { return "local" }

// Publish writes the transcript text and a metadata JSON file and records the
// text path on the result.
func (ls *LocalStorage) Publish(ctx context.Context, result *types.TranscriptionResult) error {
	path, err := ls.SaveTranscript(result)
	if err != nil {
		return err
	}
	result.LocalPath = path
	return nil
}

// SaveTranscript saves the transcript and metadata to local disk
func (ls *LocalStorage) SaveTranscript(result *types.TranscriptionResult) (string, error) {
	// outputs/2025/01/23/
	now := ls.now()
	dateDir := filepath.Join(ls.outputDir,
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()))

	if err := os.MkdirAll(dateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create date directory: %w", err)
	}

	// 20250123_143022_podcast_episode.txt
	baseFilename := fmt.Sprintf("%s_%s", now.Format("20060102_150405"), sanitizeFilename(result.Name))
	txtPath := filepath.Join(dateDir, baseFilename+".txt")
	metaPath := filepath.Join(dateDir, baseFilename+"_meta.json")

	if err := os.WriteFile(txtPath, []byte(result.Text), 0644); err != nil {
		return "", fmt.Errorf("failed to save transcript: %w", err)
	}

	metaJSON, err := json.MarshalIndent(metadataFor(result, txtPath), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0644); err != nil {
		return "", fmt.Errorf("failed to save metadata: %w", err)
	}

	return txtPath, nil
}

func metadataFor(result *types.TranscriptionResult, localPath string) map[string]any {
	meta := map[string]any{
		"media_id":         result.MediaID,
		"request_name":     result.Name,
		"duration_seconds": result.Duration,
		"word_count":       result.WordCount,
		"model_used":       result.Model,
		"language":         result.Language,
		"created_at":       result.ProcessedAt,
		"segments":         result.Segments,
	}
	if localPath != "" {
		meta["local_path"] = localPath
	}
	return meta
}

var filenameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
)

// sanitizeFilename removes invalid characters from filename and keeps at
// most 100 characters
func sanitizeFilename(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	result := filenameReplacer.Replace(strings.TrimSpace(name))
	if result == "" {
		result = "transcript"
	}
	if r := []rune(result); len(r) > 100 {
		result = string(r[:100])
	}
	return result
}
