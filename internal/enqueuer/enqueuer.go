// Package enqueuer dispatches ready jobs onto a work queue, adapted from
// the teacher's DragonflyQueue: immediate jobs go straight onto a FIFO
// list, delayed jobs wait in a ZADD-backed delay set until a DelayPump
// moves them across.
package enqueuer

import (
	"context"
	"fmt"
	"time"

	"github.com/nuulab/workflowengine/internal/codec"
	"github.com/nuulab/workflowengine/internal/store"
)

// EnqueuePayload identifies the job a worker should execute.
type EnqueuePayload struct {
	WorkflowID string `json:"workflow_id"`
	JobName    string `json:"job_name"`
}

// Enqueuer is the minimal interface the orchestrator depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, delay time.Duration, payload EnqueuePayload) error
}

// Dequeuer is the minimal interface the worker runtime depends on to pull
// payloads back off a queue.
type Dequeuer interface {
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (EnqueuePayload, error)
}

// RedisEnqueuer is the default production Enqueuer.
type RedisEnqueuer struct {
	store store.Store
}

// New returns a RedisEnqueuer backed by s.
func New(s store.Store) *RedisEnqueuer {
	return &RedisEnqueuer{store: s}
}

func listKey(queue string) string { return "goflow:queue:" + queue }
func delayKey(queue string) string { return "goflow:queue:" + queue + ":delayed" }

// Enqueue pushes an immediate payload onto the FIFO list, or schedules a
// delayed one into the ZADD delay set keyed by ready-at unix timestamp, to
// be picked up by a DelayPump running against the same queue.
func (e *RedisEnqueuer) Enqueue(ctx context.Context, queue string, delay time.Duration, payload EnqueuePayload) error {
	data, err := codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("enqueuer: encode payload: %w", err)
	}

	if delay <= 0 {
		return e.store.LPush(ctx, listKey(queue), data)
	}

	readyAt := float64(time.Now().Add(delay).Unix())
	return e.store.ZAdd(ctx, delayKey(queue), readyAt, data)
}

// Dequeue blocks for up to timeout waiting for a payload on queue.
// store.ErrNotFound is returned (not wrapped) when the wait times out with
// nothing available, so callers can loop without treating it as fatal.
func (e *RedisEnqueuer) Dequeue(ctx context.Context, queue string, timeout time.Duration) (EnqueuePayload, error) {
	_, data, err := e.store.BRPop(ctx, timeout, listKey(queue))
	if err != nil {
		return EnqueuePayload{}, err
	}

	var payload EnqueuePayload
	if err := codec.Decode(data, &payload); err != nil {
		return EnqueuePayload{}, fmt.Errorf("enqueuer: decode payload: %w", err)
	}
	return payload, nil
}

// DelayPump periodically moves due entries from a queue's delay set onto
// its live FIFO list. Grounded on the teacher's Scheduler/processScheduled
// delay-queue poll loop in pkg/queue/advanced.go.
type DelayPump struct {
	store    store.Store
	queue    string
	interval time.Duration
	batch    int64
}

// NewDelayPump returns a pump for queue, polling every interval and moving
// up to batch entries per tick.
func NewDelayPump(s store.Store, queue string, interval time.Duration, batch int64) *DelayPump {
	if batch <= 0 {
		batch = 100
	}
	return &DelayPump{store: s, queue: queue, interval: interval, batch: batch}
}

// Run blocks, draining due entries until ctx is canceled.
func (p *DelayPump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *DelayPump) tick(ctx context.Context) error {
	due, err := p.store.ZPopMinReady(ctx, delayKey(p.queue), float64(time.Now().Unix()), p.batch)
	if err != nil {
		return fmt.Errorf("enqueuer: delay pump tick: %w", err)
	}
	for _, data := range due {
		if err := p.store.LPush(ctx, listKey(p.queue), data); err != nil {
			return fmt.Errorf("enqueuer: delay pump push: %w", err)
		}
	}
	return nil
}
