package transcription

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/logging"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

var log = logrus.WithField("component", "transcription")

// Device names understood by the model loader
const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

// KnownModels are the model names the loader accepts.
var KnownModels = []string{
	"tiny", "tiny.en", "base", "base.en", "small", "small.en",
	"medium", "medium.en", "large-v1", "large-v2", "large-v3", "turbo",
	"distil-small.en", "distil-medium.en", "distil-large-v2", "distil-large-v3",
}

// ErrModelExited is returned by a Model whose backing process is gone. The
// engine drops such a model and loads a new one on the next call.
var ErrModelExited = errors.New("model process exited")

// ModelSpec selects the weights and the hardware configuration to load.
type ModelSpec struct {
	Name        string
	Device      string
	ComputeType string
	Threads     int
}

// DecodeOptions are the per-call decoding parameters.
type DecodeOptions struct {
	Language             string
	InitialPrompt        string
	BeamSize             int
	BestOf               int
	VADFilter            bool
	MinSilenceDurationMS int
}

// RawSegment has timestamps relative to the start of the transcribed file.
type RawSegment struct {
	Start float64
	End   float64
	Text  string
}

type RawResult struct {
	Language string
	Duration float64
	Segments []RawSegment
}

// Model is a loaded speech-to-text model
type Model interface {
	Transcribe(ctx context.Context, audioPath string, opts DecodeOptions) (*RawResult, error)
	Close() error
}

// Loader produces a Model for a spec
type Loader interface {
	Load(ctx context.Context, spec ModelSpec) (Model, error)
}

// ChunkRequest asks for one chunk to be transcribed. Offset is added to every
// returned timestamp.
type ChunkRequest struct {
	Path     string
	Offset   float64
	Language string
	Prompt   string
}

type ChunkResult struct {
	Segments []types.Segment
	Language string
}

// Engine owns the single loaded model of the process. Loading is lazy and
// happens at most once per model name; calls are serialized.
type Engine struct {
	mu        sync.Mutex
	loader    Loader
	device    string
	modelName string
	model     Model
	spec      ModelSpec
	numCPU    int
}

// NewEngine creates an engine for modelName. device is "auto" (accelerated
// first, CPU fallback) or "cpu".
func NewEngine(loader Loader, modelName, device string) *Engine {
	if device == "" {
		device = DeviceAuto
	}
	return &Engine{
		loader:    loader,
		device:    device,
		modelName: modelName,
		numCPU:    runtime.NumCPU(),
	}
}

// CPUThreads returns the CPU inference thread count for a core count:
// 70% of the cores, at least 2 and at most 16.
func CPUThreads(cores int) int {
	n := int(float64(cores) * 0.70)
	if n < 2 {
		return 2
	}
	if n > 16 {
		return 16
	}
	return n
}

// DecodeOptionsFor returns the decoding parameters for a model. Distilled
// models decode greedily.
func DecodeOptionsFor(modelName, language, prompt string) DecodeOptions {
	beam := 5
	if strings.Contains(strings.ToLower(modelName), "distil") {
		beam = 1
	}
	bestOf := 1
	if beam > 1 {
		bestOf = 5
	}
	return DecodeOptions{
		Language:             language,
		InitialPrompt:        prompt,
		BeamSize:             beam,
		BestOf:               bestOf,
		VADFilter:            true,
		MinSilenceDurationMS: 500,
	}
}

func (e *Engine) ModelName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modelName
}

func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model != nil
}

// Device returns the device of the loaded model, or "" when none is loaded.
func (e *Engine) Device() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return ""
	}
	return e.spec.Device
}

// Preload loads the model now instead of on the first chunk.
func (e *Engine) Preload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(ctx)
}

// Reload switches to another model and loads it eagerly. Reloading the model
// already loaded does nothing. Waits for an in-flight chunk to finish.
func (e *Engine) Reload(ctx context.Context, modelName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if modelName == e.modelName && e.model != nil {
		log.Infof("Model %s already loaded", modelName)
		return nil
	}

	log.Infof("Switching model from %s to %s", e.modelName, modelName)
	e.unloadLocked()
	e.modelName = modelName
	if err := e.loadLocked(ctx); err != nil {
		return err
	}
	log.Infof("Model switched to %s", modelName)
	return nil
}

// TranscribeChunk transcribes one chunk and shifts its timestamps by req.Offset.
func (e *Engine) TranscribeChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(req.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFound("chunk file not found: %s", req.Path)
		}
		return nil, fmt.Errorf("failed to stat chunk: %w", err)
	}
	if err := e.loadLocked(ctx); err != nil {
		return nil, err
	}

	opts := DecodeOptionsFor(e.modelName, req.Language, req.Prompt)
	end := logging.StartPhase(log, fmt.Sprintf("Inference (Offset %.1fs)", req.Offset))

	raw, err := e.model.Transcribe(ctx, req.Path, opts)
	if err != nil {
		if errors.Is(err, ErrModelExited) {
			log.Warnf("Model %s exited, it will be reloaded on next use", e.modelName)
			e.unloadLocked()
		}
		return nil, apperr.Processing("inference failed for "+filepath.Base(req.Path), "", err)
	}

	segments := make([]types.Segment, 0, len(raw.Segments))
	for _, s := range raw.Segments {
		segments = append(segments, types.Segment{
			StartTime: s.Start + req.Offset,
			EndTime:   s.End + req.Offset,
			Text:      strings.TrimSpace(s.Text),
		})
	}

	end(fmt.Sprintf("%d segments", len(segments)))
	return &ChunkResult{Segments: segments, Language: raw.Language}, nil
}

// Close releases the loaded model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}

func (e *Engine) loadLocked(ctx context.Context) error {
	if e.model != nil {
		return nil
	}

	threads := CPUThreads(e.numCPU)
	end := logging.StartPhase(log, "Model Loading")

	if e.device != DeviceCPU {
		spec := ModelSpec{Name: e.modelName, Device: DeviceCUDA, ComputeType: "float16", Threads: threads}
		log.Infof("Loading %s model on CUDA...", e.modelName)
		m, err := e.loader.Load(ctx, spec)
		if err == nil {
			e.model, e.spec = m, spec
			end(fmt.Sprintf("Size: %s (CUDA)", e.modelName))
			return nil
		}
		log.Warnf("CUDA not available (%v), falling back to CPU", err)
	}

	spec := ModelSpec{Name: e.modelName, Device: DeviceCPU, ComputeType: "int8", Threads: threads}
	m, err := e.loader.Load(ctx, spec)
	if err != nil {
		end("failed")
		return apperr.Configuration(fmt.Sprintf("failed to load model %s", e.modelName), err)
	}
	e.model, e.spec = m, spec
	end(fmt.Sprintf("Size: %s (CPU, %d threads, detected %d cores)", e.modelName, threads, e.numCPU))
	return nil
}

func (e *Engine) unloadLocked() {
	if e.model == nil {
		return
	}
	if err := e.model.Close(); err != nil {
		log.Warnf("Failed to close model %s: %v", e.modelName, err)
	}
	e.model = nil
}
