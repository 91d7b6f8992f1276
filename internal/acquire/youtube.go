package acquire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

var youtubeURL = regexp.MustCompile(`^(https?://)?(www\.|m\.|music\.)?(youtube\.com|youtu\.be)/.+`)

// VideoInfo is the metadata of a remote video
type VideoInfo struct {
	ID        string  `json:"id,omitempty"`
	Title     string  `json:"title"`
	Duration  float64 `json:"duration,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Uploader  string  `json:"uploader,omitempty"`
}

// ValidYouTubeURL reports whether url points at YouTube.
func ValidYouTubeURL(url string) bool {
	return youtubeURL.MatchString(url)
}

// YouTube starts an audio download with yt-dlp and queues the transcription
// once it finishes.
func (d *Downloader) YouTube(ctx context.Context, req Request) (*types.Media, *types.Transcript, error) {
	if !ValidYouTubeURL(req.URL) {
		return nil, nil, apperr.Validation("invalid YouTube URL: %s", req.URL)
	}
	if req.Name == "" {
		req.Name = "youtube_video"
	}

	fileID := uuid.New().String()
	m := &types.Media{
		Filename:         fileID + ".opus",
		OriginalFilename: req.Name,
		MediaType:        "audio",
		Source:           types.SourceYouTube,
		SourceURL:        req.URL,
	}
	tr, err := d.start(ctx, m, req, func(ctx context.Context) (*fetched, error) {
		return d.ytDlp(ctx, req.URL, fileID)
	})
	if err != nil {
		return nil, nil, err
	}
	return m, tr, nil
}

// ytDlp extracts the audio track as opus and moves it into the media dir
func (d *Downloader) ytDlp(ctx context.Context, url, fileID string) (*fetched, error) {
	log.Infof("Using yt-dlp to download: %s", url)

	stdout, stderr, err := d.exec(ctx, d.ytDlpPath,
		"-x",
		"--audio-format", "opus",
		"--no-playlist",
		"--no-simulate",
		"--print", "title",
		"-o", filepath.Join(d.tempDir, fileID+".%(ext)s"),
		url,
	)
	if err != nil {
		return nil, apperr.Processing("yt-dlp failed", tail(stderr, 2000), err)
	}

	filename := fileID + ".opus"
	downloaded := filepath.Join(d.tempDir, filename)
	if _, err := os.Stat(downloaded); err != nil {
		return nil, apperr.Processing("yt-dlp produced no audio file", tail(stderr, 2000), err)
	}
	final := filepath.Join(d.mediaDir, filename)
	if err := os.Rename(downloaded, final); err != nil {
		return nil, fmt.Errorf("failed to move download: %w", err)
	}

	title, _, _ := strings.Cut(strings.TrimSpace(stdout), "\n")
	return &fetched{path: final, filename: filename, title: title}, nil
}

// Info fetches video metadata without downloading. When yt-dlp cannot read
// it, the page title is read with the inspector if one is set.
func (d *Downloader) Info(ctx context.Context, url string) (*VideoInfo, error) {
	if !ValidYouTubeURL(url) {
		return nil, apperr.Validation("invalid YouTube URL: %s", url)
	}

	stdout, stderr, err := d.exec(ctx, d.ytDlpPath, "-j", "--no-playlist", "--skip-download", url)
	if err == nil {
		var info VideoInfo
		if err := json.Unmarshal([]byte(stdout), &info); err == nil && info.Title != "" {
			return &info, nil
		}
	}
	ytErr := apperr.Processing("could not fetch video info", tail(stderr, 2000), err)

	if d.inspector == nil {
		return nil, ytErr
	}
	log.Warnf("yt-dlp info failed, reading page title instead: %v", ytErr)
	title, err := d.inspector.Title(ctx, url)
	if err != nil {
		return nil, apperr.Processing("could not fetch video info", "", err)
	}
	return &VideoInfo{Title: title}, nil
}

func (d *Downloader) exec(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := d.command(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
