package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stemsplit/api/internal/isolator"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/registry"
)

// stubEngine drives the runner through scripted reports and an outcome.
type stubEngine struct {
	reports []struct {
		percent int
		message string
	}
	err      error
	panicMsg string
}

func (e *stubEngine) Isolate(ctx context.Context, inputPath, outputDir string, mode model.Mode, report isolator.ProgressFunc) (string, error) {
	for _, r := range e.reports {
		report(r.percent, r.message)
	}
	if e.panicMsg != "" {
		panic(e.panicMsg)
	}
	if e.err != nil {
		return "", e.err
	}
	out := filepath.Join(outputDir, "output.wav")
	if err := os.WriteFile(out, []byte("stub artifact"), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func setupJob(t *testing.T, reg *registry.Registry, mediaDir string, mode model.Mode) *IsolatePayload {
	t.Helper()

	input, err := os.CreateTemp(t.TempDir(), "upload-*.wav")
	if err != nil {
		t.Fatal(err)
	}
	input.WriteString("fake audio")
	input.Close()

	job, err := reg.Create(mode)
	if err != nil {
		t.Fatal(err)
	}

	outputDir := filepath.Join(mediaDir, job.ID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		t.Fatal(err)
	}

	return &IsolatePayload{
		JobID:     job.ID,
		InputPath: input.Name(),
		OutputDir: outputDir,
		Mode:      mode,
	}
}

func process(t *testing.T, w *IsolateWorker, p *IsolatePayload) {
	t.Helper()

	task, err := NewIsolateTask(p)
	if err != nil {
		t.Fatalf("NewIsolateTask failed: %v", err)
	}
	if err := w.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask returned error: %v", err)
	}
}

func TestProcessTask_Success(t *testing.T) {
	mediaDir := t.TempDir()
	reg := registry.New(0, 0)
	engine := isolator.NewMockEngine(time.Millisecond)
	w := NewIsolateWorker(reg, engine, nil, nil, mediaDir, 0)

	p := setupJob(t, reg, mediaDir, model.ModeVocalsOnly)
	process(t, w, p)

	job, err := reg.Get(p.JobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Status != model.JobStatusComplete {
		t.Fatalf("expected complete, got %s (%s)", job.Status, job.Message)
	}
	if job.Progress != 100 {
		t.Errorf("expected progress 100, got %d", job.Progress)
	}
	want := "/media/" + p.JobID + "/output.wav"
	if job.Output != want {
		t.Errorf("expected output %q, got %q", want, job.Output)
	}
	if job.ErrorDetail != "" {
		t.Errorf("unexpected errorDetail: %q", job.ErrorDetail)
	}

	// The spooled upload is removed once the job ends.
	if _, err := os.Stat(p.InputPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected temp upload removed, stat err = %v", err)
	}
}

func TestProcessTask_EngineFailure(t *testing.T) {
	mediaDir := t.TempDir()
	reg := registry.New(0, 0)
	engine := &stubEngine{
		reports: []struct {
			percent int
			message string
		}{
			{20, "Audio extraction complete"},
			{37, "Separating stems"},
		},
		err: errors.New("stem separation failed: unsupported codec"),
	}
	w := NewIsolateWorker(reg, engine, nil, nil, mediaDir, 0)

	p := setupJob(t, reg, mediaDir, model.ModeInstrumentalOnly)
	process(t, w, p)

	job, _ := reg.Get(p.JobID)
	if job.Status != model.JobStatusError {
		t.Fatalf("expected error, got %s", job.Status)
	}
	if job.Progress != 37 {
		t.Errorf("expected progress frozen at 37, got %d", job.Progress)
	}
	if job.ErrorDetail == "" || job.Output != "" {
		t.Errorf("unexpected terminal fields: %+v", job)
	}
}

func TestProcessTask_PanicSupervision(t *testing.T) {
	mediaDir := t.TempDir()
	reg := registry.New(0, 0)
	engine := &stubEngine{panicMsg: "index out of range"}
	w := NewIsolateWorker(reg, engine, nil, nil, mediaDir, 0)

	p := setupJob(t, reg, mediaDir, model.ModeInstrumentalOnly)
	process(t, w, p)

	job, _ := reg.Get(p.JobID)
	if job.Status != model.JobStatusError {
		t.Fatalf("panicking runner must still end in error, got %s", job.Status)
	}
	if job.ErrorDetail == "" {
		t.Error("expected errorDetail from panic supervision")
	}
}

func TestProcessTask_Watchdog(t *testing.T) {
	mediaDir := t.TempDir()
	reg := registry.New(0, 0)
	engine := isolator.NewMockEngine(100 * time.Millisecond)
	w := NewIsolateWorker(reg, engine, nil, nil, mediaDir, 20*time.Millisecond)

	p := setupJob(t, reg, mediaDir, model.ModeInstrumentalOnly)
	process(t, w, p)

	job, _ := reg.Get(p.JobID)
	if job.Status != model.JobStatusError {
		t.Fatalf("expected timed-out job in error, got %s", job.Status)
	}
	if job.ErrorDetail != "Processing timed out" {
		t.Errorf("unexpected errorDetail: %q", job.ErrorDetail)
	}
}

func TestProcessTask_SkipsCancelledJob(t *testing.T) {
	mediaDir := t.TempDir()
	reg := registry.New(0, 0)
	engine := &stubEngine{}
	w := NewIsolateWorker(reg, engine, nil, nil, mediaDir, 0)

	p := setupJob(t, reg, mediaDir, model.ModeInstrumentalOnly)
	if _, err := reg.Cancel(p.JobID); err != nil {
		t.Fatal(err)
	}

	process(t, w, p)

	job, _ := reg.Get(p.JobID)
	if job.Status != model.JobStatusCancelled {
		t.Errorf("cancelled job must stay cancelled, got %s", job.Status)
	}
}

func TestCancelInterruptsRunningJob(t *testing.T) {
	mediaDir := t.TempDir()
	reg := registry.New(0, 0)
	engine := isolator.NewMockEngine(50 * time.Millisecond)
	w := NewIsolateWorker(reg, engine, nil, nil, mediaDir, 0)

	p := setupJob(t, reg, mediaDir, model.ModeInstrumentalOnly)
	task, err := NewIsolateTask(p)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.ProcessTask(context.Background(), task)
	}()

	// Wait for the job to enter processing, then cancel through the
	// registry and tear down the engine.
	deadline := time.Now().Add(time.Second)
	for {
		job, err := reg.Get(p.JobID)
		if err == nil && job.Status == model.JobStatusProcessing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never entered processing")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := reg.Cancel(p.JobID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	w.Cancel(p.JobID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	job, _ := reg.Get(p.JobID)
	if job.Status != model.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", job.Status)
	}
}
