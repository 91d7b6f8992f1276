package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// LogSource returns recent log lines
type LogSource interface {
	Lines() []string
}

// Deps are the components the HTTP surface is built from
type Deps struct {
	Store    Store
	Service  Submitter
	Fetcher  Fetcher
	Engine   ModelHost
	Settings SettingsPersister
	Logs     LogSource

	MediaDir      string
	MaxFileSizeMB int
	FFmpegPath    string
	ChunkDuration int
	FeedInterval  time.Duration
}

// Register mounts every route on app
func Register(app *fiber.App, d Deps) {
	media := NewMediaHandler(d.Store, d.Service, d.MediaDir, d.MaxFileSizeMB)
	transcripts := NewTranscriptHandler(d.Store, d.Service)
	youtube := NewYouTubeHandler(d.Fetcher)
	gdrive := NewGDriveHandler(d.Fetcher)
	system := NewSystemHandler(d.Engine, d.Settings, d.Service, d.FFmpegPath, d.ChunkDuration)
	stream := NewStreamHandler(d.Store, d.FeedInterval)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"version": Version,
		})
	})
	app.Get("/logs", func(c *fiber.Ctx) error {
		lines := []string{}
		if d.Logs != nil {
			lines = d.Logs.Lines()
		}
		return c.JSON(fiber.Map{
			"logs": lines,
		})
	})

	api := app.Group("/api")

	m := api.Group("/media")
	m.Post("/upload", media.Upload)
	m.Get("/", media.List)
	m.Get("/:id", media.Get)
	m.Get("/:id/stream", media.Stream)
	m.Delete("/:id", media.Delete)

	t := api.Group("/transcripts")
	t.Get("/", transcripts.List)
	t.Get("/media/:media_id", transcripts.ByMedia)
	t.Post("/media/:media_id/transcribe", transcripts.Start)
	t.Post("/media/:media_id/cancel", transcripts.Cancel)
	t.Get("/:id", transcripts.Get)
	t.Get("/:id/status", transcripts.Status)

	yt := api.Group("/youtube")
	yt.Post("/info", youtube.Info)
	yt.Post("/download", youtube.Download)

	api.Post("/gdrive/download", gdrive.Download)

	sys := api.Group("/system")
	sys.Get("/specs", system.Specs)
	sys.Get("/config", system.GetConfig)
	sys.Post("/config", system.SetConfig)
	sys.Get("/queue", system.Queue)

	app.Use("/ws", stream.Upgrade)
	app.Get("/ws/transcripts/:media_id", websocket.New(stream.Handle))
}
