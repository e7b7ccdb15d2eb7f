// Package jobs implements the state machine of a single DAG node.
//
// A Job carries no I/O of its own: every transition is a pure, local
// mutation guarded by the job's current derived state. Persistence,
// locking, and successor propagation live one layer up, in orchestrator
// and worker.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// State is the derived lifecycle state of a job, computed from its
// lifecycle timestamps rather than stored directly.
type State string

const (
	Pending   State = "pending"
	Enqueued  State = "enqueued"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

// ErrInvalidTransition is returned when a lifecycle method is called
// against a job that is not in the state it requires.
var ErrInvalidTransition = errors.New("jobs: invalid state transition")

// Payload is an upstream job's contribution, gathered by the worker before
// running a job's handler.
type Payload struct {
	JobID  string `json:"id"`
	Klass  string `json:"class"`
	Output any    `json:"output,omitempty"`
}

// Job is a node of a workflow's DAG.
type Job struct {
	Klass string `json:"klass"`
	ID    string `json:"id"`

	// Queue is the target queue name; empty means the orchestrator's
	// configured default namespace.
	Queue string `json:"queue,omitempty"`

	// Incoming and Outgoing hold sibling job names ("<klass>|<id>") and
	// must stay mutually consistent across the whole workflow: B is in
	// A.Outgoing iff A is in B.Incoming.
	Incoming []string `json:"incoming"`
	Outgoing []string `json:"outgoing"`

	OutputPayload any `json:"output_payload,omitempty"`

	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`

	// Attempts counts how many times Start has transitioned this job to
	// Running. The worker copies it into the dead-letter entry; it does not
	// use it to decide whether to dead-letter.
	Attempts int `json:"attempts"`

	// Payloads is collected upstream output at execution time. It is
	// transient: never persisted, never part of the encoded record.
	Payloads []Payload `json:"-"`
}

// New constructs a pending job with no edges yet.
func New(klass, id string) *Job {
	return &Job{
		Klass:    klass,
		ID:       id,
		Incoming: []string{},
		Outgoing: []string{},
	}
}

// Name is the job's canonical identity within its workflow.
func (j *Job) Name() string {
	return j.Klass + "|" + j.ID
}

// State derives the job's lifecycle state from its timestamps.
func (j *Job) State() State {
	switch {
	case j.FailedAt != nil:
		return Failed
	case j.FinishedAt != nil:
		return Succeeded
	case j.StartedAt != nil:
		return Running
	case j.EnqueuedAt != nil:
		return Enqueued
	default:
		return Pending
	}
}

func (j *Job) Pending() bool   { return j.State() == Pending }
func (j *Job) Running() bool   { return j.State() == Running }
func (j *Job) Succeeded() bool { return j.State() == Succeeded }
func (j *Job) Failed() bool    { return j.State() == Failed }

// Finished reports whether the job reached a terminal state.
func (j *Job) Finished() bool {
	s := j.State()
	return s == Succeeded || s == Failed
}

// Enqueue transitions pending -> enqueued.
func (j *Job) Enqueue(now time.Time) error {
	if j.State() != Pending {
		return fmt.Errorf("job %s: %w: enqueue requires pending, got %s", j.Name(), ErrInvalidTransition, j.State())
	}
	t := now
	j.EnqueuedAt = &t
	return nil
}

// Start transitions enqueued -> running.
//
// Pending jobs may also start directly: at-least-once delivery means a
// worker can observe a job it never saw enqueued (e.g. it crashed between
// persisting the enqueue and returning), so Start accepts either.
func (j *Job) Start(now time.Time) error {
	switch j.State() {
	case Pending, Enqueued:
	default:
		return fmt.Errorf("job %s: %w: start requires pending or enqueued, got %s", j.Name(), ErrInvalidTransition, j.State())
	}
	t := now
	j.StartedAt = &t
	j.Attempts++
	return nil
}

// Finish transitions running -> succeeded.
func (j *Job) Finish(now time.Time) error {
	if j.State() != Running {
		return fmt.Errorf("job %s: %w: finish requires running, got %s", j.Name(), ErrInvalidTransition, j.State())
	}
	t := now
	j.FinishedAt = &t
	return nil
}

// Fail transitions running -> failed.
func (j *Job) Fail(now time.Time) error {
	if j.State() != Running {
		return fmt.Errorf("job %s: %w: fail requires running, got %s", j.Name(), ErrInvalidTransition, j.State())
	}
	t := now
	j.FailedAt = &t
	return nil
}

// ReadyToStart reports whether j is pending and every job in upstream has
// succeeded. Callers are responsible for loading the correct upstream set
// (j.Incoming resolved to Job records).
func (j *Job) ReadyToStart(upstream []*Job) bool {
	if j.State() != Pending {
		return false
	}
	for _, u := range upstream {
		if !u.Succeeded() {
			return false
		}
	}
	return true
}

// ToMap renders the flat representation used by the store's per-klass hash:
// one field per job, value is this map encoded by internal/codec.
func (j *Job) ToMap() map[string]any {
	return map[string]any{
		"name":           j.Name(),
		"klass":          j.Klass,
		"id":             j.ID,
		"queue":          j.Queue,
		"incoming":       j.Incoming,
		"outgoing":       j.Outgoing,
		"output_payload": j.OutputPayload,
		"attempts":       j.Attempts,
		"enqueued_at":    j.EnqueuedAt,
		"started_at":     j.StartedAt,
		"finished_at":    j.FinishedAt,
		"failed_at":      j.FailedAt,
	}
}

// FromMap reconstructs a Job from the flat representation produced by
// ToMap. It tolerates missing optional fields so older records without the
// ambient additions still decode.
func FromMap(m map[string]any) (*Job, error) {
	klass, _ := m["klass"].(string)
	id, _ := m["id"].(string)
	if klass == "" || id == "" {
		return nil, fmt.Errorf("jobs: FromMap: missing klass or id")
	}

	j := New(klass, id)
	if q, ok := m["queue"].(string); ok {
		j.Queue = q
	}
	j.Incoming = toStringSlice(m["incoming"])
	j.Outgoing = toStringSlice(m["outgoing"])
	j.OutputPayload = m["output_payload"]
	j.Attempts = toInt(m["attempts"])
	j.EnqueuedAt = toTimePtr(m["enqueued_at"])
	j.StartedAt = toTimePtr(m["started_at"])
	j.FinishedAt = toTimePtr(m["finished_at"])
	j.FailedAt = toTimePtr(m["failed_at"])
	return j, nil
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

func toInt(v any) int {
	switch vv := v.(type) {
	case int:
		return vv
	case int64:
		return int(vv)
	case float64:
		return int(vv)
	default:
		return 0
	}
}

func toTimePtr(v any) *time.Time {
	switch vv := v.(type) {
	case *time.Time:
		return vv
	case time.Time:
		return &vv
	case string:
		if vv == "" {
			return nil
		}
		if t, err := time.Parse(time.RFC3339Nano, vv); err == nil {
			return &t
		}
		return nil
	default:
		return nil
	}
}

// Clone returns a deep-enough copy for safe concurrent snapshotting: the
// slices and payload list are copied; the timestamp pointers are shared with
// the original, which is safe because the transition methods replace them
// rather than mutating the times they point to.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Incoming = append([]string(nil), j.Incoming...)
	cp.Outgoing = append([]string(nil), j.Outgoing...)
	cp.Payloads = append([]Payload(nil), j.Payloads...)
	return &cp
}
