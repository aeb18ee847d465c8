package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/isolator"
	"github.com/stemsplit/api/internal/metrics"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/registry"
)

const TaskTypeIsolate = "isolate:process"

// QueueIsolate is the asynq queue isolation tasks run on.
const QueueIsolate = "isolate"

// IsolatePayload is the task body handed to the runner.
type IsolatePayload struct {
	JobID     string     `json:"jobId"`
	InputPath string     `json:"inputPath"`
	OutputDir string     `json:"outputDir"`
	Mode      model.Mode `json:"mode"`
}

// NewIsolateTask builds the asynq task for a payload.
func NewIsolateTask(p *IsolatePayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeIsolate, data), nil
}

// IsolateWorker drives one job from processing to a terminal state. It is
// the sole writer for the jobs it runs; cancellation arrives out-of-band
// through Cancel and is resolved by the registry's state machine.
type IsolateWorker struct {
	registry  *registry.Registry
	engine    isolator.Engine
	storage   client.StorageClient // optional mirror; nil keeps artifacts local
	collector *metrics.Collector

	mediaDir    string
	maxDuration time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewIsolateWorker creates the runner. maxDuration bounds processing time
// when positive; zero disables the watchdog.
func NewIsolateWorker(reg *registry.Registry, engine isolator.Engine, storage client.StorageClient, collector *metrics.Collector, mediaDir string, maxDuration time.Duration) *IsolateWorker {
	return &IsolateWorker{
		registry:    reg,
		engine:      engine,
		storage:     storage,
		collector:   collector,
		mediaDir:    mediaDir,
		maxDuration: maxDuration,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// ProcessTask handles one isolation task. Failures are terminal for the job;
// a retry is a new submission, so the task itself never returns an error that
// would requeue it.
func (w *IsolateWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p IsolatePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	defer os.Remove(p.InputPath)

	if _, err := w.registry.Start(p.JobID); err != nil {
		// Cancelled while queued, or evicted. Nothing to run.
		log.Printf("Skipping job %s: %v", p.JobID, err)
		return nil
	}
	log.Printf("Starting isolation job %s (%s)", p.JobID, p.Mode)

	runCtx := ctx
	var cancel context.CancelFunc
	if w.maxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, w.maxDuration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	w.track(p.JobID, cancel)
	defer w.untrack(p.JobID)
	defer cancel()

	w.collector.JobStarted()
	defer w.collector.JobFinished()
	started := time.Now()

	outputPath, err := w.run(runCtx, &p)
	if err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			w.fail(p.JobID, "Processing timed out")
		case runCtx.Err() != nil:
			// Cancelled through the registry; the terminal state is already
			// recorded. A shutdown-cancelled parent context lands here too,
			// in which case fail below still applies.
			w.fail(p.JobID, "Processing aborted")
		default:
			w.fail(p.JobID, err.Error())
		}
		return nil
	}

	output := w.publishArtifact(ctx, &p, outputPath)
	if _, err := w.registry.Complete(p.JobID, output); err != nil {
		log.Printf("Failed to complete job %s: %v", p.JobID, err)
		return nil
	}

	w.collector.RecordCompleted(time.Since(started))
	log.Printf("Isolation job %s completed: %s", p.JobID, output)
	return nil
}

// Cancel interrupts the engine for a running job. The registry transition is
// the caller's responsibility; this only tears the subprocess down.
func (w *IsolateWorker) Cancel(jobID string) {
	w.mu.Lock()
	cancel, ok := w.cancels[jobID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// run executes the engine with panic supervision so a crashing runner still
// drives the job to error instead of abandoning it in processing.
func (w *IsolateWorker) run(ctx context.Context, p *IsolatePayload) (outputPath string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing panic: %v", r)
		}
	}()

	report := func(percent int, message string) {
		if _, uerr := w.registry.SetProgress(p.JobID, percent, message); uerr != nil {
			// Terminal race (cancel) or a runner bug; the context kill stops
			// the engine, so just record it.
			log.Printf("Progress update rejected for job %s: %v", p.JobID, uerr)
		}
	}

	return w.engine.Isolate(ctx, p.InputPath, p.OutputDir, p.Mode, report)
}

func (w *IsolateWorker) fail(jobID, detail string) {
	if _, err := w.registry.Fail(jobID, detail); err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) {
			// Already terminal (cancelled underneath us).
			return
		}
		log.Printf("Failed to mark job %s as failed: %v", jobID, err)
		return
	}
	w.collector.RecordFailed()
	log.Printf("Isolation job %s failed: %s", jobID, detail)
}

// publishArtifact returns the artifact location observers fetch. The local
// media namespace is the default; when a storage mirror is configured the
// public URL replaces it, falling back local on upload failure.
func (w *IsolateWorker) publishArtifact(ctx context.Context, p *IsolatePayload, outputPath string) string {
	localURL := w.localURL(outputPath)

	if w.storage == nil {
		return localURL
	}

	f, err := os.Open(outputPath)
	if err != nil {
		log.Printf("Failed to open artifact for mirror: %v", err)
		return localURL
	}
	defer f.Close()

	key := client.ArtifactKey(p.JobID, outputPath)
	url, err := w.storage.Upload(ctx, key, f, contentTypeFor(outputPath))
	if err != nil {
		log.Printf("Artifact mirror failed for job %s: %v", p.JobID, err)
		return localURL
	}
	return url
}

func (w *IsolateWorker) localURL(outputPath string) string {
	rel, err := filepath.Rel(w.mediaDir, outputPath)
	if err != nil {
		rel = filepath.Base(outputPath)
	}
	return "/media/" + filepath.ToSlash(rel)
}

func (w *IsolateWorker) track(jobID string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.cancels[jobID] = cancel
	w.mu.Unlock()
}

func (w *IsolateWorker) untrack(jobID string) {
	w.mu.Lock()
	delete(w.cancels, jobID)
	w.mu.Unlock()
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}
