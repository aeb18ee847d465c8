// Package isolator runs the stem-separation engine. The engine is opaque to
// the rest of the system: it consumes a source media file, writes an artifact
// into the job's output directory, and reports a monotonically increasing
// percentage with a human-readable step message.
package isolator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/model"
)

// ProgressFunc receives percentage and step description updates.
type ProgressFunc func(percent int, message string)

// Engine performs the isolation transformation and returns the path of the
// produced artifact.
type Engine interface {
	Isolate(ctx context.Context, inputPath, outputDir string, mode model.Mode, report ProgressFunc) (string, error)
}

var videoExts = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

// IsVideoPath reports whether the file extension marks the input as video.
func IsVideoPath(path string) bool {
	return videoExts[strings.ToLower(filepath.Ext(path))]
}

// DemucsEngine shells out to ffmpeg and demucs.
type DemucsEngine struct {
	ffmpegBin string
	demucsBin string
}

func NewDemucsEngine(cfg *config.ProcessConfig) *DemucsEngine {
	return &DemucsEngine{
		ffmpegBin: cfg.FFmpegBin,
		demucsBin: cfg.DemucsBin,
	}
}

// Available reports whether both external binaries resolve on PATH.
func (e *DemucsEngine) Available() bool {
	if _, err := exec.LookPath(e.ffmpegBin); err != nil {
		return false
	}
	if _, err := exec.LookPath(e.demucsBin); err != nil {
		return false
	}
	return true
}

// Isolate extracts audio when the input is video, splits it into vocal and
// instrumental stems, and assembles the artifact the mode asks for. The demucs
// stderr percentage is mapped into the 25-75 band of the job's progress.
func (e *DemucsEngine) Isolate(ctx context.Context, inputPath, outputDir string, mode model.Mode, report ProgressFunc) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(inputPath))
	isVideo := videoExts[ext]
	audioPath := inputPath

	report(5, "Starting processing...")

	if isVideo {
		report(10, "Extracting audio from video...")
		audioPath = filepath.Join(outputDir, "extracted_audio.wav")
		cmd := exec.CommandContext(ctx, e.ffmpegBin,
			"-y", "-i", inputPath, "-vn", "-acodec", "pcm_s16le", audioPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("audio extraction failed: %w (%s)", err, lastLine(out))
		}
		report(20, "Audio extraction complete")
	} else {
		report(15, "Audio file detected")
	}

	report(25, "Separating audio stems (this may take a while)...")
	if err := e.runDemucs(ctx, audioPath, outputDir, report); err != nil {
		return "", err
	}
	report(75, "Stem separation complete")

	trackName := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	stemDir := filepath.Join(outputDir, "htdemucs", trackName)

	stem := "no_vocals.wav"
	if mode.KeepsVocals() {
		stem = "vocals.wav"
	}
	finalAudio := filepath.Join(stemDir, stem)

	outputName := "output.wav"
	if isVideo {
		outputName = "output" + ext
	}
	finalOutput := filepath.Join(outputDir, outputName)

	if isVideo && mode.Video() {
		report(80, "Merging audio back into video...")
		cmd := exec.CommandContext(ctx, e.ffmpegBin,
			"-y",
			"-i", inputPath,
			"-i", finalAudio,
			"-c:v", "copy",
			"-map", "0:v:0",
			"-map", "1:a:0",
			finalOutput)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("video remux failed: %w (%s)", err, lastLine(out))
		}
		report(95, "Video processing complete")
	} else {
		report(85, "Finalizing audio file...")
		if err := copyFile(finalAudio, finalOutput); err != nil {
			return "", fmt.Errorf("failed to write output: %w", err)
		}
		report(95, "Audio processing complete")
	}

	report(100, "Processing finished!")
	return finalOutput, nil
}

// runDemucs monitors demucs stderr for percentage lines and remaps them into
// the separation band of the overall progress.
func (e *DemucsEngine) runDemucs(ctx context.Context, audioPath, outputDir string, report ProgressFunc) error {
	cmd := exec.CommandContext(ctx, e.demucsBin,
		"-n", "htdemucs",
		"--two-stems", "vocals",
		audioPath,
		"-o", outputDir)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open demucs stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start demucs: %w", err)
	}

	lastPercent := 0
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		percent, ok := parsePercent(scanner.Text())
		if !ok || percent <= lastPercent {
			continue
		}
		lastPercent = percent
		report(separationProgress(percent), fmt.Sprintf("Processing audio stems... %d%%", percent))
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stem separation failed: %w", err)
	}
	return nil
}

var percentRe = regexp.MustCompile(`(\d+)%`)

func parsePercent(line string) (int, bool) {
	m := percentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 || n > 100 {
		return 0, false
	}
	return n, true
}

// separationProgress maps the engine's own 0-100% onto the 25-75 band.
func separationProgress(percent int) int {
	const base, max = 25, 75
	return base + percent*(max-base)/100
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
