package transcription

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

//go:embed assets/whisper_server.py
var serverScript []byte

// WhisperServerLoader loads models into a long-lived faster-whisper helper
// process. The helper loads the model once, then answers one JSON request
// per line on stdin with one JSON response per line on stdout.
type WhisperServerLoader struct {
	pythonPath  string
	scriptDir   string
	loadTimeout time.Duration
	command     func(name string, args ...string) *exec.Cmd
}

// NewWhisperServerLoader creates a loader that runs the helper with pythonPath.
func NewWhisperServerLoader(pythonPath string, loadTimeout time.Duration) *WhisperServerLoader {
	return &WhisperServerLoader{
		pythonPath:  pythonPath,
		scriptDir:   os.TempDir(),
		loadTimeout: loadTimeout,
		command:     exec.Command,
	}
}

type serverEvent struct {
	Event  string `json:"event"`
	Error  string `json:"error,omitempty"`
	Device string `json:"device,omitempty"`
}

type serverRequest struct {
	Audio                string `json:"audio"`
	Language             string `json:"language,omitempty"`
	InitialPrompt        string `json:"initial_prompt,omitempty"`
	BeamSize             int    `json:"beam_size"`
	BestOf               int    `json:"best_of"`
	VADFilter            bool   `json:"vad_filter"`
	MinSilenceDurationMS int    `json:"min_silence_duration_ms"`
}

type serverResponse struct {
	Error    string  `json:"error,omitempty"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Load starts a helper process and waits for it to report the model ready.
func (l *WhisperServerLoader) Load(ctx context.Context, spec ModelSpec) (Model, error) {
	script, err := l.writeScript()
	if err != nil {
		return nil, err
	}

	cmd := l.command(l.pythonPath, script,
		"--model", spec.Name,
		"--device", spec.Device,
		"--compute-type", spec.ComputeType,
		"--threads", strconv.Itoa(spec.Threads),
	)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdout: %w", err)
	}
	stderr := &tailBuffer{max: maxStderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start whisper helper: %w", err)
	}

	p := &whisperProcess{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReader(stdout),
		stderr: stderr,
	}

	loadCtx := ctx
	if l.loadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, l.loadTimeout)
		defer cancel()
	}

	line, err := p.readLine(loadCtx)
	if err != nil {
		p.kill()
		return nil, fmt.Errorf("whisper helper did not start: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	var ev serverEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		p.kill()
		return nil, fmt.Errorf("parse helper handshake: %w\n%s", err, string(line))
	}
	if ev.Event != "ready" {
		p.kill()
		return nil, fmt.Errorf("load %s on %s: %s", spec.Name, spec.Device, ev.Error)
	}
	return p, nil
}

func (l *WhisperServerLoader) writeScript() (string, error) {
	path := filepath.Join(l.scriptDir, "transcriber_whisper_server.py")
	if err := os.WriteFile(path, serverScript, 0o755); err != nil {
		return "", fmt.Errorf("write helper script: %w", err)
	}
	return path, nil
}

// whisperProcess is a Model served by one helper process.
type whisperProcess struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	stderr *tailBuffer
	dead   bool
}

func (p *whisperProcess) Transcribe(ctx context.Context, audioPath string, opts DecodeOptions) (*RawResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead {
		return nil, ErrModelExited
	}

	req, err := json.Marshal(serverRequest{
		Audio:                audioPath,
		Language:             opts.Language,
		InitialPrompt:        opts.InitialPrompt,
		BeamSize:             opts.BeamSize,
		BestOf:               opts.BestOf,
		VADFilter:            opts.VADFilter,
		MinSilenceDurationMS: opts.MinSilenceDurationMS,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := p.stdin.Write(append(req, '\n')); err != nil {
		p.kill()
		return nil, fmt.Errorf("%w: %v", ErrModelExited, err)
	}

	line, err := p.readLine(ctx)
	if err != nil {
		p.kill()
		return nil, fmt.Errorf("%w: %v: %s", ErrModelExited, err, strings.TrimSpace(p.stderr.String()))
	}

	var resp serverResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("parse helper output: %w\n%s", err, string(line))
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("faster-whisper failed: %s", resp.Error)
	}

	out := &RawResult{Language: resp.Language, Duration: resp.Duration}
	for _, s := range resp.Segments {
		out.Segments = append(out.Segments, RawSegment{Start: s.Start, End: s.End, Text: s.Text})
	}
	return out, nil
}

// Close asks the helper to exit by closing stdin, and kills it if it lingers.
func (p *whisperProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return nil
	}
	p.dead = true
	p.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.cmd.Process.Kill()
		<-done
	}
	return nil
}

// readLine reads one response line. A cancelled ctx abandons the read, so the
// caller must kill the process afterwards.
func (p *whisperProcess) readLine(ctx context.Context) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.reader.ReadBytes('\n')
		ch <- result{line: line, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return nil, errors.New("helper closed its output")
			}
			return nil, r.err
		}
		return r.line, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *whisperProcess) kill() {
	if p.dead {
		return
	}
	p.dead = true
	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	go p.cmd.Wait()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
