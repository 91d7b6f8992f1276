package types

import "testing"

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status    Status
		terminal  bool
		resumable bool
		active    bool
	}{
		{StatusPending, false, false, true},
		{StatusDownloading, false, false, true},
		{StatusProcessing, false, false, true},
		{StatusCompleted, true, false, false},
		{StatusFailed, true, true, false},
		{StatusCanceled, true, true, false},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.Resumable(); got != tt.resumable {
			t.Errorf("%s.Resumable() = %v, want %v", tt.status, got, tt.resumable)
		}
		if got := tt.status.Active(); got != tt.active {
			t.Errorf("%s.Active() = %v, want %v", tt.status, got, tt.active)
		}
	}
}

func TestJoinSegments(t *testing.T) {
	segs := []Segment{
		{StartTime: 0, EndTime: 2, Text: "hello"},
		{StartTime: 2, EndTime: 4, Text: "there"},
		{StartTime: 60, EndTime: 61, Text: "world."},
	}
	if got := JoinSegments(segs); got != "hello there world." {
		t.Fatalf("JoinSegments() = %q", got)
	}
	if got := JoinSegments(nil); got != "" {
		t.Fatalf("JoinSegments(nil) = %q, want empty", got)
	}
}

func TestTranscriptProgress(t *testing.T) {
	tr := &Transcript{LastProcessedChunk: 1}
	if got := tr.Progress(); got != 0 {
		t.Fatalf("Progress() without total = %v, want 0", got)
	}
	total := 4
	tr.TotalChunks = &total
	if got := tr.Progress(); got != 0.25 {
		t.Fatalf("Progress() = %v, want 0.25", got)
	}
}
