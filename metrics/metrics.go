// Package metrics is a dependency-free Prometheus text-format exporter,
// adapted from the teacher's pkg/metrics/metrics.go: same Counter/Gauge/
// Histogram shapes, relabeled for workflow and job lifecycle events and
// made safe for concurrent workers to update.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Counter is a monotonically increasing value, safe for concurrent use.
type Counter struct {
	name   string
	help   string
	mu     sync.Mutex
	values map[string]float64
}

func newCounter(name, help string) *Counter {
	return &Counter{name: name, help: help, values: make(map[string]float64)}
}

// Inc increments the counter for labelValue by 1.
func (c *Counter) Inc(labelValue string) {
	c.Add(labelValue, 1)
}

// Add adds v to the counter for labelValue.
func (c *Counter) Add(labelValue string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[labelValue] += v
}

// Value returns the current total across every label value.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, v := range c.values {
		total += v
	}
	return total
}

// Gauge is a value that can move up or down, safe for concurrent use.
type Gauge struct {
	mu    sync.Mutex
	name  string
	help  string
	value float64
}

func newGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

// Set sets the gauge to v.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.Add(-1) }

// Add adds v to the gauge.
func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value += v
}

// Value returns the current value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Histogram tracks the distribution of observed values, safe for
// concurrent use.
type Histogram struct {
	mu      sync.Mutex
	name    string
	help    string
	buckets []float64
	counts  []uint64
	count   uint64
	sum     float64
}

var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

func newHistogram(name, help string) *Histogram {
	return &Histogram{
		name:    name,
		help:    help,
		buckets: defaultBuckets,
		counts:  make([]uint64, len(defaultBuckets)),
	}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
		}
	}
}

// ObserveDuration records time.Since(start).Seconds().
func (h *Histogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Registry holds every metric exposed by one process.
type Registry struct {
	WorkflowsStarted  *Counter
	WorkflowsFinished *Counter
	WorkflowsFailed   *Counter

	JobsEnqueued  *Counter
	JobsStarted   *Counter
	JobsSucceeded *Counter
	JobsFailed    *Counter
	JobsDLQ       *Counter
	JobDuration   *Histogram

	QueueDepth              *Gauge
	SuccessorLockContention *Counter
	SuccessorLockTimeouts   *Counter
}

// New returns a Registry with every metric initialized and named.
func New() *Registry {
	return &Registry{
		WorkflowsStarted:  newCounter("workflowengine_workflows_started_total", "Total workflows started"),
		WorkflowsFinished: newCounter("workflowengine_workflows_finished_total", "Total workflows that reached a finished state"),
		WorkflowsFailed:   newCounter("workflowengine_workflows_failed_total", "Total workflows that finished with at least one failed job"),

		JobsEnqueued:  newCounter("workflowengine_jobs_enqueued_total", "Total jobs enqueued"),
		JobsStarted:   newCounter("workflowengine_jobs_started_total", "Total jobs started"),
		JobsSucceeded: newCounter("workflowengine_jobs_succeeded_total", "Total jobs succeeded"),
		JobsFailed:    newCounter("workflowengine_jobs_failed_total", "Total jobs failed"),
		JobsDLQ:       newCounter("workflowengine_jobs_dead_lettered_total", "Total jobs moved to the dead-letter queue"),
		JobDuration:   newHistogram("workflowengine_job_duration_seconds", "Job handler execution duration"),

		QueueDepth:              newGauge("workflowengine_queue_depth", "Approximate number of ready-to-run jobs waiting in the queue"),
		SuccessorLockContention: newCounter("workflowengine_successor_lock_contention_total", "Total times a worker had to wait for a successor lock already held"),
		SuccessorLockTimeouts:   newCounter("workflowengine_successor_lock_timeouts_total", "Total times acquiring a successor lock timed out"),
	}
}

// Handler renders every metric in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		writeCounter(w, r.WorkflowsStarted)
		writeCounter(w, r.WorkflowsFinished)
		writeCounter(w, r.WorkflowsFailed)
		writeCounter(w, r.JobsEnqueued)
		writeCounter(w, r.JobsStarted)
		writeCounter(w, r.JobsSucceeded)
		writeCounter(w, r.JobsFailed)
		writeCounter(w, r.JobsDLQ)
		writeCounter(w, r.SuccessorLockContention)
		writeCounter(w, r.SuccessorLockTimeouts)
		writeGauge(w, r.QueueDepth)
		writeHistogram(w, r.JobDuration)
	})
}

func writeCounter(w http.ResponseWriter, c *Counter) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %s\n",
		c.name, c.help, c.name, c.name, formatFloat(c.Value()))
}

func writeGauge(w http.ResponseWriter, g *Gauge) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %s\n",
		g.name, g.help, g.name, g.name, formatFloat(g.Value()))
}

func writeHistogram(w http.ResponseWriter, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)

	bounds := make([]float64, len(h.buckets))
	copy(bounds, h.buckets)
	sort.Float64s(bounds)

	for i, bound := range h.buckets {
		fmt.Fprintf(w, "%s_bucket{le=\"%s\"} %d\n", h.name, formatFloat(bound), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %s\n", h.name, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
