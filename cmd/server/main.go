package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/acquire"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/cleanup"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/config"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/handlers"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/logging"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/pipeline"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/queue"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/storage"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/transcription"
)

var log = logrus.WithField("component", "server")

func main() {
	// Load configuration
	cfg, err := config.Load(config.Path())
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	settings := config.NewSettingsStore(cfg.Storage.SettingsFile)
	if saved, err := settings.Load(); err != nil {
		logrus.Warnf("Ignoring saved settings: %v", err)
	} else {
		cfg.Apply(saved)
	}

	logBuffer, logFile, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}, 1000)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	// Ensure directories exist
	if err := cleanup.EnsureDirs(cfg.Storage.TempDir, cfg.Storage.MediaDir, cfg.Storage.OutputDir, cfg.Transcription.ChunkDir); err != nil {
		log.Fatalf("Failed to create data directories: %v", err)
	}

	log.Info("Initializing components...")

	// Database
	db, err := storage.NewMetadataDB(cfg.Storage.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	splitter := transcription.NewSplitter(
		cfg.Tools.FFmpegPath,
		cfg.Tools.FFprobePath,
		cfg.Transcription.ChunkDir,
		cfg.Transcription.ChunkDurationSeconds,
	)
	engine := transcription.NewEngine(
		transcription.NewWhisperServerLoader(cfg.Whisper.PythonPath, cfg.LoadTimeout()),
		cfg.Whisper.Model,
		cfg.Whisper.Device,
	)
	defer engine.Close()

	jobs := queue.NewJobQueue()

	// Publishers: local files always, Google Drive when configured
	publishers := []pipeline.Publisher{storage.NewLocalStorage(cfg.Storage.OutputDir)}
	if cfg.GoogleDrive.Enabled {
		driveClient, err := storage.NewDriveClient(context.Background(),
			cfg.GoogleDrive.CredentialsFile,
			cfg.GoogleDrive.TokenFile,
			cfg.GoogleDrive.FolderName,
		)
		if err != nil {
			log.Warnf("Google Drive not available: %v", err)
			log.Info("Transcripts will only be saved locally")
		} else {
			publishers = append(publishers, driveClient)
			log.Info("Google Drive integration enabled")
		}
	}

	orchestrator := pipeline.NewOrchestrator(db, splitter, engine, jobs, splitter.ChunkDuration(), publishers...)
	jobs.SetProcessor(orchestrator.Process)
	jobs.SetOnFailure(orchestrator.HandleSkipped)
	orchestrator.SetMaxDuration(time.Duration(cfg.Limits.MaxDurationMinutes) * time.Minute)

	service := pipeline.NewService(db, jobs, splitter, cfg.StaleGrace(), cfg.Transcription.DefaultLanguage)

	// Nothing runs yet, so every unfinished record was interrupted.
	res, err := pipeline.NewReconciler(db, nil).Run(context.Background())
	if err != nil {
		log.Fatalf("Startup reconciliation failed: %v", err)
	}
	if res.Total() > 0 {
		log.Warnf("Marked %d interrupted transcriptions as failed (%d processing, %d pending, %d downloading)",
			res.Total(), res.Processing, res.Pending, res.Downloading)
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	if err := jobs.StartWorker(workerCtx); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	go func() {
		if err := engine.Preload(workerCtx); err != nil {
			log.Warnf("Model preload failed, it will load on first use: %v", err)
		}
	}()

	downloader := acquire.NewDownloader(workerCtx, service,
		cfg.Storage.TempDir,
		cfg.Storage.MediaDir,
		cfg.Tools.YtDlpPath,
		cfg.MaxFileSize(),
	)
	downloader.SetInspector(acquire.NewPageInspector(0))

	// Cleanup scheduler
	cleanupScheduler := cleanup.NewScheduler(
		cfg.Storage.TempDir,
		splitter.Root(),
		db,
		cfg.Cleanup.IntervalMinutes,
		cfg.Cleanup.MaxAgeHours,
	)
	cleanupScheduler.Start(workerCtx)
	defer cleanupScheduler.Stop()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.Limits.MaxFileSizeMB * 1024 * 1024,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Output: logrus.StandardLogger().Writer(),
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	handlers.Register(app, handlers.Deps{
		Store:         db,
		Service:       service,
		Fetcher:       downloader,
		Engine:        engine,
		Settings:      settings,
		Logs:          logBuffer,
		MediaDir:      cfg.Storage.MediaDir,
		MaxFileSizeMB: cfg.Limits.MaxFileSizeMB,
		FFmpegPath:    cfg.Tools.FFmpegPath,
		ChunkDuration: splitter.ChunkDuration(),
		FeedInterval:  time.Second,
	})

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info("Shutting down gracefully...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("HTTP shutdown: %v", err)
		}
	}()

	addr := cfg.Addr()
	log.Infof("Server starting on %s (model %s, %ds chunks)", addr, cfg.Whisper.Model, splitter.ChunkDuration())
	if err := app.Listen(addr); err != nil {
		log.Errorf("Server failed: %v", err)
	}

	// The running chunk is abandoned; its job is recorded as interrupted
	// and resumes from the last checkpoint.
	stopWorker()
	jobs.StopWorker(true)
	downloader.Wait()
	log.Info("Shutdown complete")
}
