package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus instruments for the job pipeline.
// All methods are safe on a nil receiver so components can run unmetered.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	jobsInFlight  prometheus.Gauge
	subscribers   prometheus.Gauge
	processing    prometheus.Histogram
}

// NewCollector creates and registers the collector on the default registerer.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isolate_jobs_submitted_total",
			Help: "Total isolation jobs accepted by the submission gateway.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isolate_jobs_completed_total",
			Help: "Total isolation jobs that reached the complete state.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isolate_jobs_failed_total",
			Help: "Total isolation jobs that reached the error state.",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isolate_jobs_cancelled_total",
			Help: "Total isolation jobs cancelled before completion.",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "isolate_jobs_in_flight",
			Help: "Isolation jobs currently being processed.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "isolate_progress_subscribers",
			Help: "Progress stream subscribers currently attached.",
		}),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "isolate_processing_seconds",
			Help:    "Wall-clock processing duration of completed jobs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
	}

	prometheus.MustRegister(
		c.jobsSubmitted, c.jobsCompleted, c.jobsFailed, c.jobsCancelled,
		c.jobsInFlight, c.subscribers, c.processing,
	)

	return c
}

func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

func (c *Collector) RecordCompleted(d time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.processing.Observe(d.Seconds())
}

func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

func (c *Collector) RecordCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

func (c *Collector) JobFinished() {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
}

func (c *Collector) SubscriberAttached() {
	if c == nil {
		return
	}
	c.subscribers.Inc()
}

func (c *Collector) SubscriberDetached() {
	if c == nil {
		return
	}
	c.subscribers.Dec()
}
