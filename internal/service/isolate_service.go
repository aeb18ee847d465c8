package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/metrics"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/registry"
	"github.com/stemsplit/api/internal/worker"
)

// ErrUpstreamUnavailable signals that the processing subsystem could not be
// reached to start the job.
var ErrUpstreamUnavailable = errors.New("processing queue unavailable")

// ErrNoArtifact signals that the job exists but has no downloadable output.
var ErrNoArtifact = errors.New("artifact not available")

// TaskEnqueuer is the slice of *asynq.Client the service needs; narrowed so
// tests run without Redis.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Canceller tears down the running engine for a job; satisfied by the worker.
type Canceller interface {
	Cancel(jobID string)
}

// IsolateService accepts submissions, allocates jobs and hands them to the
// task runner. It returns as soon as the job is queued.
type IsolateService struct {
	registry  *registry.Registry
	enqueuer  TaskEnqueuer
	canceller Canceller
	storage   client.StorageClient // optional mirror; nil serves local only
	collector *metrics.Collector
	mediaDir  string
}

func NewIsolateService(reg *registry.Registry, enqueuer TaskEnqueuer, storage client.StorageClient, collector *metrics.Collector, mediaDir string) *IsolateService {
	return &IsolateService{
		registry:  reg,
		enqueuer:  enqueuer,
		storage:   storage,
		collector: collector,
		mediaDir:  mediaDir,
	}
}

// SetCanceller wires the task runner's cancel hook; the worker is built
// after the service, so wiring is two-step.
func (s *IsolateService) SetCanceller(c Canceller) {
	s.canceller = c
}

// StartIsolation spools the upload to a temp file, allocates the job and
// enqueues the processing task. The returned job id is the submitter's
// handle for the progress stream and artifact.
func (s *IsolateService) StartIsolation(ctx context.Context, src io.Reader, filename string, mode model.Mode) (*model.IsolateResponse, error) {
	tmpPath, err := s.spoolUpload(src, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	job, err := s.registry.Create(mode)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	outputDir := filepath.Join(s.mediaDir, job.ID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to create job dir: %w", err)
	}

	task, err := worker.NewIsolateTask(&worker.IsolatePayload{
		JobID:     job.ID,
		InputPath: tmpPath,
		OutputDir: outputDir,
		Mode:      mode,
	})
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	// No retries at this layer: a retry is a new job.
	_, err = s.enqueuer.Enqueue(task,
		asynq.Queue(worker.QueueIsolate),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		// The job was allocated but can never start; close it out rather
		// than leave it queued forever.
		s.registry.Cancel(job.ID)
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	s.collector.RecordSubmitted()

	return &model.IsolateResponse{
		Status: "ok",
		JobID:  job.ID,
	}, nil
}

// GetStatus returns a one-shot snapshot of the job.
func (s *IsolateService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return nil, err
	}

	return &model.JobStatusResponse{
		JobID:       job.ID,
		Mode:        job.Mode,
		Status:      job.Status,
		Progress:    job.Progress,
		Message:     job.Message,
		Output:      job.Output,
		Error:       job.ErrorDetail,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}, nil
}

// ArtifactURL resolves where a completed job's artifact can be fetched.
// Mirrored artifacts get a short-lived signed URL; everything else serves
// straight from the local media namespace.
func (s *IsolateService) ArtifactURL(ctx context.Context, jobID string) (string, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return "", err
	}
	if job.Status != model.JobStatusComplete || job.Output == "" {
		return "", ErrNoArtifact
	}

	if s.storage != nil && !strings.HasPrefix(job.Output, "/media/") {
		key := client.ArtifactKey(job.ID, job.Output)
		url, err := s.storage.GetSignedURL(ctx, key, 15*time.Minute)
		if err == nil {
			return url, nil
		}
		// Fall back to the recorded location.
	}
	return job.Output, nil
}

// CancelJob moves a queued or processing job to cancelled and interrupts the
// engine if it is already running.
func (s *IsolateService) CancelJob(ctx context.Context, jobID string) (*model.JobCancelResponse, error) {
	job, err := s.registry.Cancel(jobID)
	if err != nil {
		return nil, err
	}

	if s.canceller != nil {
		s.canceller.Cancel(jobID)
	}
	s.collector.RecordCancelled()

	return &model.JobCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  job.Status,
	}, nil
}

func (s *IsolateService) spoolUpload(src io.Reader, filename string) (string, error) {
	ext := filepath.Ext(filename)
	tmp, err := os.CreateTemp("", "upload-*"+ext)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
