package isolator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stemsplit/api/internal/model"
)

// MockEngine simulates the separation pipeline for development and tests,
// walking the same progress schedule and producing a copy of the input as
// the artifact.
type MockEngine struct {
	StepDelay time.Duration
}

func NewMockEngine(stepDelay time.Duration) *MockEngine {
	return &MockEngine{StepDelay: stepDelay}
}

func (e *MockEngine) Isolate(ctx context.Context, inputPath, outputDir string, mode model.Mode, report ProgressFunc) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(inputPath))
	isVideo := videoExts[ext]

	steps := []struct {
		progress int
		message  string
	}{
		{5, "Starting processing..."},
		{15, "Audio file detected"},
		{25, "Separating audio stems (this may take a while)..."},
		{40, "Processing audio stems... 30%"},
		{55, "Processing audio stems... 60%"},
		{70, "Processing audio stems... 90%"},
		{75, "Stem separation complete"},
		{85, "Finalizing audio file..."},
		{95, "Audio processing complete"},
	}
	if isVideo {
		steps[1] = struct {
			progress int
			message  string
		}{10, "Extracting audio from video..."}
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.StepDelay):
		}
		report(step.progress, step.message)
	}

	outputName := "output.wav"
	if isVideo && mode.Video() {
		outputName = "output" + ext
	}
	finalOutput := filepath.Join(outputDir, outputName)
	if err := copyFile(inputPath, finalOutput); err != nil {
		return "", fmt.Errorf("failed to write output: %w", err)
	}

	report(100, "Processing finished!")
	return finalOutput, nil
}
