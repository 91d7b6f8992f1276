package logging

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestBufferKeepsLastLines(t *testing.T) {
	buf := NewBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Append(fmt.Sprintf("line %d", i))
	}

	got := buf.Lines()
	want := []string{"line 2", "line 3", "line 4"}
	if len(got) != len(want) {
		t.Fatalf("len(Lines()) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Lines()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBufferAsHook(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	buf := NewBuffer(10)
	logger.AddHook(buf)

	logger.WithField("component", "queue").Info("worker started")

	lines := buf.Lines()
	if len(lines) != 1 {
		t.Fatalf("len(Lines()) = %d, want 1", len(lines))
	}
	if !strings.Contains(lines[0], "worker started") || !strings.Contains(lines[0], "component=queue") {
		t.Fatalf("unexpected line %q", lines[0])
	}
}

func TestStartPhaseLogsStartAndEnd(t *testing.T) {
	logger := logrus.New()
	var out bytes.Buffer
	logger.SetOutput(&out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	end := StartPhase(logrus.NewEntry(logger), "Model Loading")
	if elapsed := end("tiny (cpu)"); elapsed < 0 {
		t.Fatalf("elapsed = %v", elapsed)
	}

	text := out.String()
	if !strings.Contains(text, "[START] Model Loading") {
		t.Fatalf("missing start line in %q", text)
	}
	if !strings.Contains(text, "[END] Model Loading - tiny (cpu)") {
		t.Fatalf("missing end line in %q", text)
	}
}
