// Package stream fans job snapshots out to progress subscribers. One
// producer (registry updates) feeds any number of per-job subscriber
// channels; delivery order for a single subscriber matches update order,
// slow subscribers coalesce to the newest events, and the terminal event
// is always delivered before the channel closes.
package stream

import (
	"log"
	"sync"
	"time"

	"github.com/stemsplit/api/internal/metrics"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/registry"
	"github.com/stemsplit/api/pkg/eta"
)

// subscriberBuffer bounds how many undrained events a subscriber may hold
// before the oldest is coalesced away.
const subscriberBuffer = 16

// Subscriber is one observer attached to a job's event stream, independent
// of all others.
type Subscriber struct {
	jobID  string
	events chan model.ProgressEvent

	// lastSeq is the Seq of the newest snapshot delivered to this
	// subscriber. Only the hub goroutine reads or writes it.
	lastSeq uint64
}

// Events is the subscriber's ordered event stream. It is closed after the
// terminal event, or after Unsubscribe.
func (s *Subscriber) Events() <-chan model.ProgressEvent {
	return s.events
}

// JobID returns the job this subscriber observes.
func (s *Subscriber) JobID() string {
	return s.jobID
}

// Hub maintains the per-job subscriber sets and the fan-out loop.
type Hub struct {
	registry  *registry.Registry
	collector *metrics.Collector

	// Subscribers grouped by job ID
	subscribers map[string]map[*Subscriber]bool

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan model.Job

	mu sync.RWMutex
}

// NewHub creates a hub reading snapshots from the given registry.
func NewHub(reg *registry.Registry, collector *metrics.Collector) *Hub {
	return &Hub{
		registry:    reg,
		collector:   collector,
		subscribers: make(map[string]map[*Subscriber]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan model.Job, 256),
	}
}

// Notify implements registry.Notifier. Called by the registry with the
// snapshot of every accepted mutation, in mutation order.
func (h *Hub) Notify(job model.Job) {
	h.broadcast <- job
}

// Attached implements registry.Notifier; it reports the live subscriber
// count for a job so the registry will not evict while anyone is listening.
func (h *Hub) Attached(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[jobID])
}

// Subscribe attaches a new observer to the job's event stream. The current
// snapshot is delivered as the first event; if the job is already terminal
// that single event is followed by the stream closing. Unknown job ids fail
// with registry.ErrNotFound and no stream is opened.
func (h *Hub) Subscribe(jobID string) (*Subscriber, error) {
	if _, err := h.registry.Get(jobID); err != nil {
		return nil, err
	}

	sub := &Subscriber{
		jobID:  jobID,
		events: make(chan model.ProgressEvent, subscriberBuffer),
	}
	h.register <- sub
	return sub, nil
}

// Unsubscribe detaches the observer and closes its channel. Safe to call
// after the hub already closed the stream at the terminal event.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.unregister <- sub
}

// Run starts the hub's main loop. Runs until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case sub := <-h.register:
			h.handleRegister(sub)

		case sub := <-h.unregister:
			h.remove(sub)

		case job := <-h.broadcast:
			h.publish(job)

		case <-stop:
			return
		}
	}
}

func (h *Hub) handleRegister(sub *Subscriber) {
	// Snapshot before taking the hub lock; the registry janitor holds its
	// own lock while asking Attached.
	snap, err := h.registry.Get(sub.jobID)
	if err != nil {
		close(sub.events)
		return
	}

	h.mu.Lock()
	if h.subscribers[sub.jobID] == nil {
		h.subscribers[sub.jobID] = make(map[*Subscriber]bool)
	}
	h.subscribers[sub.jobID][sub] = true
	h.mu.Unlock()
	h.collector.SubscriberAttached()

	// Broadcasts still queued from before this snapshot must not be
	// replayed to the new subscriber; lastSeq gates them out in publish.
	sub.lastSeq = snap.Seq
	h.send(sub, makeEvent(snap, time.Now()))
	if snap.Status.Terminal() {
		h.remove(sub)
	}
}

func (h *Hub) publish(job model.Job) {
	event := makeEvent(job, time.Now())

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers[job.ID]))
	for sub := range h.subscribers[job.ID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if job.Seq <= sub.lastSeq {
			// Older than the snapshot this subscriber joined with.
			continue
		}
		sub.lastSeq = job.Seq
		h.send(sub, event)
		if job.Status.Terminal() {
			h.remove(sub)
		}
	}
}

// send delivers without blocking the loop: when the subscriber's buffer is
// full the oldest pending event is dropped so the newest always lands.
// Only the hub goroutine sends on subscriber channels, so the drain-then-send
// below cannot race another sender.
func (h *Hub) send(sub *Subscriber, event model.ProgressEvent) {
	select {
	case sub.events <- event:
		return
	default:
	}

	select {
	case <-sub.events:
	default:
	}

	select {
	case sub.events <- event:
	default:
		log.Printf("Dropped progress event for job %s", sub.jobID)
	}
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	set, ok := h.subscribers[sub.jobID]
	if ok && set[sub] {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subscribers, sub.jobID)
		}
		h.mu.Unlock()
		close(sub.events)
		h.collector.SubscriberDetached()
		return
	}
	h.mu.Unlock()
}

// makeEvent builds the wire payload for a snapshot, attaching the
// linear-extrapolation ETA while the job is mid-processing.
func makeEvent(job model.Job, now time.Time) model.ProgressEvent {
	event := model.ProgressEvent{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		Message:      job.Message,
		Output:       job.Output,
		ErrorMessage: job.ErrorDetail,
	}
	if job.Status == model.JobStatusProcessing {
		if s, ok := eta.String(job.CreatedAt, now, job.Progress); ok {
			event.ETA = s
		}
	}
	return event
}
