// Package events is an append-only log of job lifecycle transitions,
// adapted from the teacher's pkg/queue/events.go EventStore: every event is
// appended to both a global stream and a per-job stream, each independently
// capped.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nuulab/workflowengine/internal/codec"
	"github.com/nuulab/workflowengine/internal/store"
)

// Type identifies the kind of job lifecycle transition an event records.
type Type string

const (
	Enqueued         Type = "enqueued"
	Started          Type = "started"
	Succeeded        Type = "succeeded"
	Failed           Type = "failed"
	WorkflowFinished Type = "workflow_finished"
)

// JobEvent is one recorded transition.
type JobEvent struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflow_id"`
	JobName    string        `json:"job_name"`
	Type       Type          `json:"type"`
	At         time.Time     `json:"at"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

const (
	globalStreamKey = "goflow:events:all"
	globalMaxLen    = 100000
	perJobMaxLen    = 1000
)

// EventStore appends and queries job events.
type EventStore struct {
	store store.Store
}

// New returns an EventStore backed by s.
func New(s store.Store) *EventStore {
	return &EventStore{store: s}
}

func jobStreamKey(workflowID, jobName string) string {
	return "goflow:events:job:" + workflowID + ":" + jobName
}

// Append writes evt to the global stream and to its job's own stream.
func (es *EventStore) Append(ctx context.Context, evt JobEvent) error {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	data, err := codec.Encode(evt)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}

	if _, err := es.store.XAdd(ctx, globalStreamKey, globalMaxLen, data); err != nil {
		return fmt.Errorf("events: append global: %w", err)
	}
	if _, err := es.store.XAdd(ctx, jobStreamKey(evt.WorkflowID, evt.JobName), perJobMaxLen, data); err != nil {
		return fmt.Errorf("events: append job stream: %w", err)
	}
	return nil
}

// JobEvents returns the recorded history for one job, newest first.
func (es *EventStore) JobEvents(ctx context.Context, workflowID, jobName string) ([]JobEvent, error) {
	return es.decodeRange(ctx, jobStreamKey(workflowID, jobName), 0)
}

// RecentEvents returns up to count of the most recent events across every
// workflow, newest first.
func (es *EventStore) RecentEvents(ctx context.Context, count int64) ([]JobEvent, error) {
	return es.decodeRange(ctx, globalStreamKey, count)
}

func (es *EventStore) decodeRange(ctx context.Context, key string, count int64) ([]JobEvent, error) {
	entries, err := es.store.XRange(ctx, key, count)
	if err != nil {
		return nil, fmt.Errorf("events: range %s: %w", key, err)
	}
	out := make([]JobEvent, 0, len(entries))
	for _, e := range entries {
		var evt JobEvent
		if err := codec.Decode(e.Data, &evt); err != nil {
			return nil, fmt.Errorf("events: decode: %w", err)
		}
		evt.ID = e.ID
		out = append(out, evt)
	}
	return out, nil
}
