package isolator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stemsplit/api/internal/model"
)

func TestParsePercent(t *testing.T) {
	cases := []struct {
		line string
		want int
		ok   bool
	}{
		{"  45%|████      | 12.3/27.4 [00:05<00:06]", 45, true},
		{"100%|██████████|", 100, true},
		{"0%", 0, true},
		{"no progress here", 0, false},
		{"", 0, false},
	}

	for _, tc := range cases {
		got, ok := parsePercent(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parsePercent(%q) = (%d, %v), want (%d, %v)", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSeparationProgress(t *testing.T) {
	if got := separationProgress(0); got != 25 {
		t.Errorf("separationProgress(0) = %d, want 25", got)
	}
	if got := separationProgress(50); got != 50 {
		t.Errorf("separationProgress(50) = %d, want 50", got)
	}
	if got := separationProgress(100); got != 75 {
		t.Errorf("separationProgress(100) = %d, want 75", got)
	}
}

func TestIsVideoPath(t *testing.T) {
	for _, p := range []string{"clip.mp4", "clip.MOV", "a/b/clip.webm"} {
		if !IsVideoPath(p) {
			t.Errorf("expected %q to be detected as video", p)
		}
	}
	for _, p := range []string{"song.wav", "song.mp3", "noext"} {
		if IsVideoPath(p) {
			t.Errorf("expected %q not to be detected as video", p)
		}
	}
}

func TestMockEngine_ReportsMonotonicProgressAndWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "song.wav")
	if err := os.WriteFile(input, []byte("fake audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine := NewMockEngine(time.Millisecond)

	var percents []int
	out, err := engine.Isolate(context.Background(), input, filepath.Join(dir, "out"), model.ModeInstrumentalOnly,
		func(percent int, message string) {
			percents = append(percents, percent)
			if message == "" {
				t.Error("empty progress message")
			}
		})
	if err != nil {
		t.Fatalf("Isolate failed: %v", err)
	}

	if filepath.Base(out) != "output.wav" {
		t.Errorf("unexpected artifact name: %s", out)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("artifact not written: %v", err)
	}

	last := -1
	for _, p := range percents {
		if p < last {
			t.Errorf("progress went backwards: %d after %d", p, last)
		}
		last = p
	}
	if last != 100 {
		t.Errorf("expected final report at 100, got %d", last)
	}
}

func TestMockEngine_VideoModeKeepsContainer(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(input, []byte("fake video"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine := NewMockEngine(time.Millisecond)
	out, err := engine.Isolate(context.Background(), input, filepath.Join(dir, "out"), model.ModeVideoNoVocals,
		func(int, string) {})
	if err != nil {
		t.Fatalf("Isolate failed: %v", err)
	}
	if filepath.Base(out) != "output.mp4" {
		t.Errorf("expected video container kept, got %s", out)
	}
}

func TestMockEngine_Cancellation(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "song.wav")
	if err := os.WriteFile(input, []byte("fake audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewMockEngine(50 * time.Millisecond)
	if _, err := engine.Isolate(ctx, input, filepath.Join(dir, "out"), model.ModeVocalsOnly, func(int, string) {}); err == nil {
		t.Error("expected cancellation error")
	}
}
