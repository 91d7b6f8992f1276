package acquire

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/transcription"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

const driveDownloadURL = "https://drive.google.com/uc?export=download&id=%s"

var (
	driveFilePath = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)
	driveIDParam  = regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	driveBareID   = regexp.MustCompile(`^([a-zA-Z0-9_-]{25,40})$`)
)

// GDrive starts a direct download of a shared Google Drive file and queues
// the transcription once it finishes.
func (d *Downloader) GDrive(ctx context.Context, req Request) (*types.Media, *types.Transcript, error) {
	fileID := ExtractGDriveFileID(req.URL)
	if fileID == "" {
		return nil, nil, apperr.Validation("invalid Google Drive URL")
	}
	if req.Name == "" {
		req.Name = "gdrive_file"
	}

	localID := uuid.New().String()
	m := &types.Media{
		Filename:         localID,
		OriginalFilename: req.Name,
		MediaType:        "audio",
		Source:           types.SourceGDrive,
		SourceURL:        req.URL,
	}
	tr, err := d.start(ctx, m, req, func(ctx context.Context) (*fetched, error) {
		return d.driveDownload(ctx, fileID, localID)
	})
	if err != nil {
		return nil, nil, err
	}
	return m, tr, nil
}

func (d *Downloader) driveDownload(ctx context.Context, fileID, localID string) (*fetched, error) {
	log.Infof("Downloading from Google Drive: %s", fileID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(d.driveURL, fileID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file from Google Drive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Processing("file not accessible (may be private or doesn't exist)", "",
			fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return nil, apperr.Processing("Google Drive returned a web page instead of the file (private, or too large for direct download)", "", nil)
	}

	original := attachmentName(resp.Header.Get("Content-Disposition"))
	ext := strings.ToLower(filepath.Ext(original))
	if !transcription.ValidateMediaFormat(original) {
		ext = ".mp3"
	}
	filename := localID + ext

	part := filepath.Join(d.tempDir, filename+".part")
	out, err := os.Create(part)
	if err != nil {
		return nil, fmt.Errorf("failed to save downloaded file: %w", err)
	}
	n, err := io.Copy(out, io.LimitReader(resp.Body, d.maxBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return nil, fmt.Errorf("failed to write downloaded file: %w", err)
	}
	if n > d.maxBytes {
		os.Remove(part)
		return nil, apperr.Validation("file too large (max %dMB)", d.maxBytes/(1024*1024))
	}

	final := filepath.Join(d.mediaDir, filename)
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return nil, fmt.Errorf("failed to move download: %w", err)
	}
	return &fetched{path: final, filename: filename, title: original}, nil
}

func attachmentName(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	if params["filename"] == "" {
		return ""
	}
	return filepath.Base(params["filename"])
}

// ExtractGDriveFileID extracts the file ID from the usual Google Drive URL
// shapes, or returns "".
func ExtractGDriveFileID(url string) string {
	// https://drive.google.com/file/d/{ID}/view
	if matches := driveFilePath.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	// https://drive.google.com/open?id={ID}
	if matches := driveIDParam.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	if matches := driveBareID.FindStringSubmatch(url); len(matches) > 1 {
		return matches[1]
	}
	return ""
}
