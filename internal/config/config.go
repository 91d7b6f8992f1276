package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Whisper struct {
		Model      string `yaml:"model"`
		PythonPath string `yaml:"python_path"`
		Device     string `yaml:"device"`
		// LoadTimeoutSeconds bounds the model handshake, which includes a first-time download.
		LoadTimeoutSeconds int `yaml:"load_timeout_seconds"`
	} `yaml:"whisper"`

	Transcription struct {
		ChunkDurationSeconds int    `yaml:"chunk_duration_seconds"`
		ChunkDir             string `yaml:"chunk_dir"`
		StaleGraceSeconds    int    `yaml:"stale_grace_seconds"`
		DefaultLanguage      string `yaml:"default_language"`
	} `yaml:"transcription"`

	Tools struct {
		FFmpegPath  string `yaml:"ffmpeg_path"`
		FFprobePath string `yaml:"ffprobe_path"`
		YtDlpPath   string `yaml:"ytdlp_path"`
	} `yaml:"tools"`

	Storage struct {
		TempDir      string `yaml:"temp_dir"`
		MediaDir     string `yaml:"media_dir"`
		OutputDir    string `yaml:"output_dir"`
		Database     string `yaml:"database"`
		SettingsFile string `yaml:"settings_file"`
	} `yaml:"storage"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		MaxAgeHours     int `yaml:"max_age_hours"`
	} `yaml:"cleanup"`

	GoogleDrive struct {
		Enabled         bool   `yaml:"enabled"`
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"google_drive"`

	Limits struct {
		MaxFileSizeMB      int `yaml:"max_file_size_mb"`
		MaxDurationMinutes int `yaml:"max_duration_minutes"`
	} `yaml:"limits"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
}

// Load reads .env (if present), the YAML file at path (if present), applies
// TRANSCRIBER_* environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	file, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(file, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

// Path returns the config file location, honoring CONFIG_PATH.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TRANSCRIBER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TRANSCRIBER_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("TRANSCRIBER_DATABASE"); v != "" {
		c.Storage.Database = v
	}
	if v := os.Getenv("TRANSCRIBER_MODEL"); v != "" {
		c.Whisper.Model = v
	}
	if v := os.Getenv("TRANSCRIBER_PYTHON"); v != "" {
		c.Whisper.PythonPath = v
	}
	if v := os.Getenv("TRANSCRIBER_FFMPEG"); v != "" {
		c.Tools.FFmpegPath = v
	}
	if v := os.Getenv("TRANSCRIBER_FFPROBE"); v != "" {
		c.Tools.FFprobePath = v
	}
	if v := os.Getenv("TRANSCRIBER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

func (c *Config) normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = 8081
	}
	if c.Whisper.Model == "" {
		c.Whisper.Model = "distil-large-v3"
	}
	if c.Whisper.PythonPath == "" {
		c.Whisper.PythonPath = "python3"
	}
	if c.Whisper.Device == "" {
		c.Whisper.Device = "auto"
	}
	if c.Whisper.LoadTimeoutSeconds <= 0 {
		c.Whisper.LoadTimeoutSeconds = 900
	}
	if c.Transcription.ChunkDurationSeconds <= 0 {
		c.Transcription.ChunkDurationSeconds = 60
	}
	if c.Transcription.ChunkDir == "" {
		c.Transcription.ChunkDir = "data/chunks"
	}
	if c.Transcription.StaleGraceSeconds <= 0 {
		c.Transcription.StaleGraceSeconds = 120
	}
	if c.Tools.FFmpegPath == "" {
		c.Tools.FFmpegPath = "ffmpeg"
	}
	if c.Tools.FFprobePath == "" {
		c.Tools.FFprobePath = "ffprobe"
	}
	if c.Tools.YtDlpPath == "" {
		c.Tools.YtDlpPath = "yt-dlp"
	}
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = "temp"
	}
	if c.Storage.MediaDir == "" {
		c.Storage.MediaDir = "data/media"
	}
	if c.Storage.OutputDir == "" {
		c.Storage.OutputDir = "outputs"
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "data/transcripts.db"
	}
	if c.Storage.SettingsFile == "" {
		c.Storage.SettingsFile = "data/user_settings.json"
	}
	if c.Cleanup.IntervalMinutes <= 0 {
		c.Cleanup.IntervalMinutes = 60
	}
	if c.Cleanup.MaxAgeHours <= 0 {
		c.Cleanup.MaxAgeHours = 24
	}
	if c.GoogleDrive.FolderName == "" {
		c.GoogleDrive.FolderName = "Transcripts"
	}
	if c.Limits.MaxFileSizeMB <= 0 {
		c.Limits.MaxFileSizeMB = 500
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// StaleGrace is how long a PROCESSING record may go without progress before a
// new start request treats it as abandoned.
func (c *Config) StaleGrace() time.Duration {
	return time.Duration(c.Transcription.StaleGraceSeconds) * time.Second
}

func (c *Config) LoadTimeout() time.Duration {
	return time.Duration(c.Whisper.LoadTimeoutSeconds) * time.Second
}

// MaxFileSize is the upload and download size limit in bytes.
func (c *Config) MaxFileSize() int64 {
	return int64(c.Limits.MaxFileSizeMB) * 1024 * 1024
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
