// Package deadletter holds jobs whose execution failed and will not be
// retried by the executor, adapted from the teacher's pkg/queue/dlq.go DLQ:
// entries carry (workflow_id, job_name) identity instead of a generic job
// struct, since the workflow and its persisted state remain the source of
// truth for everything else about the job.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/nuulab/workflowengine/internal/codec"
	"github.com/nuulab/workflowengine/internal/store"
)

// DLQEntry is one permanently-failed job.
type DLQEntry struct {
	WorkflowID string    `json:"workflow_id"`
	JobName    string    `json:"job_name"`
	Klass      string    `json:"klass"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
	Attempts   int       `json:"attempts"`
	WorkerID   string    `json:"worker_id,omitempty"`
}

// Alerter is notified whenever an entry is added.
type Alerter interface {
	Alert(ctx context.Context, entry DLQEntry) error
}

// DeadLetterQueue is a per-namespace list of permanently-failed jobs.
type DeadLetterQueue struct {
	store    store.Store
	key      string
	alerters []Alerter
	maxSize  int64
}

// New returns a DeadLetterQueue for namespace, bounded at maxSize entries.
func New(s store.Store, namespace string, maxSize int64) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &DeadLetterQueue{
		store:   s,
		key:     "goflow:dlq:" + namespace,
		maxSize: maxSize,
	}
}

// AddAlerter registers an alerter invoked on every Add.
func (d *DeadLetterQueue) AddAlerter(a Alerter) {
	d.alerters = append(d.alerters, a)
}

// Add pushes entry and fans it out to every registered alerter. Alerter
// failures are not returned: an alert is best-effort, the dead-letter
// record itself is authoritative.
func (d *DeadLetterQueue) Add(ctx context.Context, entry DLQEntry) error {
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now()
	}

	data, err := codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("deadletter: encode: %w", err)
	}

	if err := d.store.LPush(ctx, d.key, data); err != nil {
		return fmt.Errorf("deadletter: push: %w", err)
	}
	if err := d.store.LTrim(ctx, d.key, 0, d.maxSize-1); err != nil {
		return fmt.Errorf("deadletter: trim: %w", err)
	}

	for _, a := range d.alerters {
		go a.Alert(ctx, entry)
	}
	return nil
}

// Get returns entries in [start, stop], newest first.
func (d *DeadLetterQueue) Get(ctx context.Context, start, stop int64) ([]DLQEntry, error) {
	raw, err := d.store.LRange(ctx, d.key, start, stop)
	if err != nil {
		return nil, fmt.Errorf("deadletter: range: %w", err)
	}
	out := make([]DLQEntry, 0, len(raw))
	for _, data := range raw {
		var entry DLQEntry
		if err := codec.Decode(data, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Len reports the number of queued entries.
func (d *DeadLetterQueue) Len(ctx context.Context) (int64, error) {
	return d.store.LLen(ctx, d.key)
}

// Retrier re-dispatches a dead-lettered job for another attempt.
type Retrier interface {
	Retry(ctx context.Context, workflowID, jobName string) error
}

// RetryAll drains every entry, oldest first, asking r to re-dispatch each
// one. An entry that fails to re-dispatch is left in place and the drain
// stops there, mirroring the teacher's RetryAll.
func (d *DeadLetterQueue) RetryAll(ctx context.Context, r Retrier) (int, error) {
	count := 0
	for {
		entries, err := d.store.LRange(ctx, d.key, -1, -1)
		if err != nil {
			return count, fmt.Errorf("deadletter: retry all: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		data := entries[0]

		var entry DLQEntry
		if err := codec.Decode(data, &entry); err != nil {
			if err := d.store.LTrim(ctx, d.key, 0, -2); err != nil {
				return count, err
			}
			continue
		}

		if err := r.Retry(ctx, entry.WorkflowID, entry.JobName); err != nil {
			return count, err
		}
		if err := d.store.LTrim(ctx, d.key, 0, -2); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Purge removes every entry.
func (d *DeadLetterQueue) Purge(ctx context.Context) error {
	return d.store.Del(ctx, d.key)
}
