package acquire

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/logging"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

var log = logrus.WithField("component", "acquire")

// Registry records downloads and hands finished ones to the transcription
// queue.
type Registry interface {
	BeginDownload(ctx context.Context, m *types.Media) (*types.Transcript, error)
	FinishDownload(ctx context.Context, mediaID int64, filePath, filename, title, language, prompt string) error
	FailDownload(ctx context.Context, mediaID int64, cause error)
}

// TitleReader reads a page's title
type TitleReader interface {
	Title(ctx context.Context, url string) (string, error)
}

// Request describes a remote source to fetch and transcribe
type Request struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Prompt   string `json:"prompt"`
}

type fetched struct {
	path     string
	filename string
	title    string
}

type fetchFunc func(ctx context.Context) (*fetched, error)

// Downloader fetches remote media in the background. Partial files live in
// tempDir and are moved to mediaDir once complete.
type Downloader struct {
	registry  Registry
	tempDir   string
	mediaDir  string
	ytDlpPath string
	maxBytes  int64
	inspector TitleReader

	client   *http.Client
	driveURL string
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd

	ctx context.Context
	wg  sync.WaitGroup
}

// NewDownloader creates a Downloader. Background downloads stop when ctx
// ends.
func NewDownloader(ctx context.Context, registry Registry, tempDir, mediaDir, ytDlpPath string, maxBytes int64) *Downloader {
	return &Downloader{
		registry:  registry,
		tempDir:   tempDir,
		mediaDir:  mediaDir,
		ytDlpPath: ytDlpPath,
		maxBytes:  maxBytes,
		client:    &http.Client{Timeout: 30 * time.Minute},
		driveURL:  driveDownloadURL,
		command:   exec.CommandContext,
		ctx:       ctx,
	}
}

// SetInspector installs a fallback for video info when yt-dlp cannot
// provide it.
func (d *Downloader) SetInspector(inspector TitleReader) {
	d.inspector = inspector
}

// Wait blocks until every background download has finished.
func (d *Downloader) Wait() {
	d.wg.Wait()
}

func (d *Downloader) ensureDirs() error {
	for _, dir := range []string{d.tempDir, d.mediaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// start records the media as DOWNLOADING and runs fetch in the background.
func (d *Downloader) start(ctx context.Context, m *types.Media, req Request, fetch fetchFunc) (*types.Transcript, error) {
	if err := d.ensureDirs(); err != nil {
		return nil, err
	}
	tr, err := d.registry.BeginDownload(ctx, m)
	if err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(m.ID, req, fetch)
	}()
	return tr, nil
}

func (d *Downloader) run(mediaID int64, req Request, fetch fetchFunc) {
	entry := log.WithField("media_id", mediaID)
	end := logging.StartPhase(entry, "download")

	f, err := fetch(d.ctx)
	if err != nil {
		end("failed")
		entry.Errorf("Download failed: %v", err)
		d.registry.FailDownload(d.ctx, mediaID, err)
		return
	}
	end(f.filename)

	err = d.registry.FinishDownload(d.ctx, mediaID, f.path, f.filename, f.title, req.Language, req.Prompt)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrCancelled):
		entry.Info("Download cancelled, discarding file")
		os.Remove(f.path)
	default:
		entry.Errorf("Failed to queue downloaded media: %v", err)
		d.registry.FailDownload(d.ctx, mediaID, err)
	}
}
