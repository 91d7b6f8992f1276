package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Options selects level, format and destination of the process logger
type Options struct {
	Level  string
	Format string
	Output string
}

// Setup configures the standard logrus logger and attaches an in-memory
// buffer of the most recent lines. The returned closer releases a log file
// when Output names one.
func Setup(opts Options, bufferLines int) (*Buffer, io.Closer, error) {
	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}

	var closer io.Closer = nopCloser{}
	switch strings.ToLower(opts.Output) {
	case "", "stdout":
		logrus.SetOutput(os.Stdout)
	case "stderr":
		logrus.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logrus.SetOutput(io.MultiWriter(os.Stdout, f))
		closer = f
	}

	buf := NewBuffer(bufferLines)
	logrus.AddHook(buf)
	return buf, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Buffer captures formatted log lines in memory
type Buffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

// NewBuffer keeps the last max lines (1000 when max <= 0).
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 1000
	}
	return &Buffer{lines: make([]string, 0, max), max: max}
}

func (b *Buffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (b *Buffer) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	b.Append(strings.TrimRight(line, "\n"))
	return nil
}

// Append adds one line, dropping the oldest beyond capacity.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	logs := make([]string, len(b.lines))
	copy(logs, b.lines)
	return logs
}

// StartPhase logs the start of a named phase and returns a function that logs
// its end with the elapsed time.
func StartPhase(log *logrus.Entry, name string) func(detail string) time.Duration {
	start := time.Now()
	log.Infof("[START] %s", name)
	return func(detail string) time.Duration {
		elapsed := time.Since(start)
		fields := log.WithField("phase_ms", elapsed.Milliseconds())
		if detail != "" {
			fields.Infof("[END] %s - %s (%.2fs)", name, detail, elapsed.Seconds())
		} else {
			fields.Infof("[END] %s (%.2fs)", name, elapsed.Seconds())
		}
		return elapsed
	}
}
