package config

import (
	"os"
	"path/filepath"
	"testing"
)

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent to testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadAppliesDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("missing.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8081 {
		t.Fatalf("Server.Port = %d, want 8081", cfg.Server.Port)
	}
	if cfg.Transcription.ChunkDurationSeconds != 60 {
		t.Fatalf("ChunkDurationSeconds = %d, want 60", cfg.Transcription.ChunkDurationSeconds)
	}
	if cfg.Whisper.Model != "distil-large-v3" {
		t.Fatalf("Whisper.Model = %q", cfg.Whisper.Model)
	}
	if cfg.StaleGrace().Seconds() != 120 {
		t.Fatalf("StaleGrace() = %v, want 2m", cfg.StaleGrace())
	}
}

func TestLoadReadsYAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "config.yaml")
	mustWriteFile(t, path, `
server:
  port: 9000
whisper:
  model: small
transcription:
  chunk_duration_seconds: 30
`)
	t.Setenv("TRANSCRIBER_MODEL", "medium")
	t.Setenv("TRANSCRIBER_FFMPEG", "/opt/ffmpeg")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Transcription.ChunkDurationSeconds != 30 {
		t.Fatalf("ChunkDurationSeconds = %d, want 30", cfg.Transcription.ChunkDurationSeconds)
	}
	if cfg.Whisper.Model != "medium" {
		t.Fatalf("Whisper.Model = %q, want env override", cfg.Whisper.Model)
	}
	if cfg.Tools.FFmpegPath != "/opt/ffmpeg" {
		t.Fatalf("Tools.FFmpegPath = %q", cfg.Tools.FFmpegPath)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TRANSCRIBER_PORT", "eighty")

	if _, err := Load("missing.yaml"); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestSettingsStoreRoundTrip(t *testing.T) {
	store := NewSettingsStore(filepath.Join(t.TempDir(), "nested", "user_settings.json"))

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() on missing file error = %v", err)
	}
	if got.WhisperModel != "" {
		t.Fatalf("WhisperModel = %q, want empty", got.WhisperModel)
	}

	if err := store.Save(Settings{WhisperModel: "large-v3"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err = store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var cfg Config
	cfg.normalize()
	cfg.Apply(got)
	if cfg.Whisper.Model != "large-v3" {
		t.Fatalf("Whisper.Model = %q, want large-v3", cfg.Whisper.Model)
	}
}
