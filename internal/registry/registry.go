// Package registry is the single source of truth for job existence and
// state. All reads and writes go through it; mutations to one job are
// linearized under the registry lock and every accepted mutation hands the
// resulting snapshot to the notifier, in the same order it was applied.
package registry

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemsplit/api/internal/model"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrCapacityExceeded  = errors.New("job capacity exceeded")
)

// Notifier receives the snapshot resulting from every accepted mutation.
// Attached reports how many subscribers are observing a job, which blocks
// eviction while anyone is still listening.
type Notifier interface {
	Notify(job model.Job)
	Attached(jobID string) int
}

// Registry is a mutex-guarded in-memory job store.
type Registry struct {
	mu       sync.Mutex
	notifyMu sync.Mutex

	jobs      map[string]*model.Job
	seq       uint64 // stamped into every created or mutated snapshot
	active    int    // non-terminal jobs
	maxActive int
	retention time.Duration
	notifier  Notifier
	evictHook func(model.Job)
}

// New creates an empty registry. maxActive bounds the number of non-terminal
// jobs (0 = unlimited); retention is how long terminal jobs are kept before
// the janitor may evict them (0 = kept forever).
func New(maxActive int, retention time.Duration) *Registry {
	return &Registry{
		jobs:      make(map[string]*model.Job),
		maxActive: maxActive,
		retention: retention,
	}
}

// SetNotifier attaches the publisher. Must be called before the first
// mutation; the registry and the hub reference each other, so wiring is
// two-step.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// SetEvictHook registers a callback invoked with each evicted job, after
// the store lock is released. Used to remove the job's artifacts.
func (r *Registry) SetEvictHook(h func(model.Job)) {
	r.evictHook = h
}

// Create allocates a new job in the queued state and returns its snapshot.
func (r *Registry) Create(mode model.Mode) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxActive > 0 && r.active >= r.maxActive {
		return model.Job{}, ErrCapacityExceeded
	}

	r.seq++
	job := &model.Job{
		ID:        uuid.New().String(),
		Seq:       r.seq,
		Mode:      mode,
		Status:    model.JobStatusQueued,
		Progress:  0,
		Message:   "Queued",
		CreatedAt: time.Now(),
	}
	r.jobs[job.ID] = job
	r.active++

	return *job, nil
}

// Get returns an immutable snapshot of the job, or ErrNotFound.
func (r *Registry) Get(id string) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return *job, nil
}

// Start moves a queued job into processing.
func (r *Registry) Start(id string) (model.Job, error) {
	return r.apply(id, func(job *model.Job) error {
		if job.Status != model.JobStatusQueued {
			return ErrInvalidTransition
		}
		now := time.Now()
		job.Status = model.JobStatusProcessing
		job.StartedAt = &now
		return nil
	})
}

// SetProgress updates progress and the step message of a processing job.
// Progress is monotonically non-decreasing; a lower value or a value outside
// [0,100] is rejected. Reaching 100 does not promote the job to complete:
// completion requires an explicit Complete carrying the output location.
func (r *Registry) SetProgress(id string, progress int, message string) (model.Job, error) {
	return r.apply(id, func(job *model.Job) error {
		if job.Status != model.JobStatusProcessing {
			return ErrInvalidTransition
		}
		if progress < 0 || progress > 100 || progress < job.Progress {
			return ErrInvalidTransition
		}
		job.Progress = progress
		job.Message = message
		return nil
	})
}

// Complete moves a processing job into the complete state, forcing progress
// to 100 and recording the artifact location. The output is set exactly once.
func (r *Registry) Complete(id string, output string) (model.Job, error) {
	return r.apply(id, func(job *model.Job) error {
		if job.Status != model.JobStatusProcessing || output == "" {
			return ErrInvalidTransition
		}
		now := time.Now()
		job.Status = model.JobStatusComplete
		job.Progress = 100
		job.Message = "Complete!"
		job.Output = output
		job.CompletedAt = &now
		r.active--
		return nil
	})
}

// Fail moves a processing job into the error state with the given detail.
// Progress is left where the last update froze it.
func (r *Registry) Fail(id string, detail string) (model.Job, error) {
	return r.apply(id, func(job *model.Job) error {
		if job.Status != model.JobStatusProcessing {
			return ErrInvalidTransition
		}
		now := time.Now()
		job.Status = model.JobStatusError
		job.Message = detail
		job.ErrorDetail = detail
		job.CompletedAt = &now
		r.active--
		return nil
	})
}

// Cancel moves a queued or processing job into the cancelled state.
func (r *Registry) Cancel(id string) (model.Job, error) {
	return r.apply(id, func(job *model.Job) error {
		if job.Status.Terminal() {
			return ErrInvalidTransition
		}
		now := time.Now()
		job.Status = model.JobStatusCancelled
		job.Message = "Cancelled"
		job.CompletedAt = &now
		r.active--
		return nil
	})
}

// apply runs a validated mutation under the store lock, then notifies the
// publisher with the resulting snapshot. The notify lock is acquired before
// the store lock is released, so delivery order matches mutation order
// without holding the store lock across the handoff.
func (r *Registry) apply(id string, mutate func(*model.Job) error) (model.Job, error) {
	r.mu.Lock()

	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return model.Job{}, ErrNotFound
	}
	if err := mutate(job); err != nil {
		r.mu.Unlock()
		return model.Job{}, err
	}

	r.seq++
	job.Seq = r.seq
	snapshot := *job
	notifier := r.notifier
	r.notifyMu.Lock()
	r.mu.Unlock()

	if notifier != nil {
		notifier.Notify(snapshot)
	}
	r.notifyMu.Unlock()

	return snapshot, nil
}

// Janitor evicts terminal jobs past the retention window, skipping any job
// that still has subscribers attached. Returns immediately when retention
// is disabled. Runs until stop is closed.
func (r *Registry) Janitor(stop <-chan struct{}, interval time.Duration) {
	if r.retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.evictExpired(time.Now())
		}
	}
}

func (r *Registry) evictExpired(now time.Time) {
	r.mu.Lock()

	var evicted []model.Job
	for id, job := range r.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil {
			continue
		}
		if now.Sub(*job.CompletedAt) < r.retention {
			continue
		}
		if r.notifier != nil && r.notifier.Attached(id) > 0 {
			continue
		}
		delete(r.jobs, id)
		evicted = append(evicted, *job)
		log.Printf("Evicted job %s (%s)", id, job.Status)
	}
	r.mu.Unlock()

	if r.evictHook != nil {
		for _, job := range evicted {
			r.evictHook(job)
		}
	}
}
