// Package worker executes one job at a time and propagates readiness to its
// successors, adapted from the teacher's pkg/queue/queue.go Worker/
// processJob loop: a handler registry keyed by klass, a dequeue loop driving
// concurrent goroutines, each job run wrapped with lifecycle transitions,
// event logging, and dead-letter handling on failure.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/nuulab/workflowengine/deadletter"
	"github.com/nuulab/workflowengine/events"
	"github.com/nuulab/workflowengine/internal/enqueuer"
	"github.com/nuulab/workflowengine/internal/jobs"
	"github.com/nuulab/workflowengine/internal/store"
	"github.com/nuulab/workflowengine/metrics"
	"github.com/nuulab/workflowengine/orchestrator"
)

// Handler runs the user-defined work for one job and returns its output
// payload.
type Handler func(ctx context.Context, job *jobs.Job) (any, error)

// HandlerRegistry maps a job's klass to the Handler that executes it,
// mirroring dag.Registry's class-resolution shape for workflows.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register associates klass with handler. Registering the same klass twice
// replaces the previous handler.
func (r *HandlerRegistry) Register(klass string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[klass] = handler
}

func (r *HandlerRegistry) lookup(klass string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[klass]
	return h, ok
}

// ErrHandlerNotRegistered is returned when a job's klass has no registered
// Handler.
var ErrHandlerNotRegistered = errors.New("worker: no handler registered for klass")

const (
	defaultDequeueTimeout  = 5 * time.Second
	defaultLockAcquireWait = 2 * time.Second
	defaultLockMaxHold     = 5 * time.Second
	defaultRescheduleDelay = 2 * time.Second
)

// Worker executes jobs dequeued from one named queue.
type Worker struct {
	Client   *orchestrator.Client
	Handlers *HandlerRegistry
	Events   *events.EventStore
	DLQ      *deadletter.DeadLetterQueue
	Metrics  *metrics.Registry
	Dequeuer enqueuer.Dequeuer

	Queue           string
	DequeueTimeout  time.Duration
	LockAcquireWait time.Duration
	LockMaxHold     time.Duration
	RescheduleDelay time.Duration

	// RunOnExhaustedRetries decides whether a permanently-failed job should
	// be pushed to the dead-letter queue. Defaults to always true: this
	// engine has no execution-layer retry beneath the job state machine, so
	// every failure is, by construction, an exhausted one.
	RunOnExhaustedRetries func(job *jobs.Job) bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a Worker consuming queue, with every tunable at its spec
// default.
func New(client *orchestrator.Client, handlers *HandlerRegistry, es *events.EventStore, dlq *deadletter.DeadLetterQueue, m *metrics.Registry, dq enqueuer.Dequeuer, queue string) *Worker {
	return &Worker{
		Client:          client,
		Handlers:        handlers,
		Events:          es,
		DLQ:             dlq,
		Metrics:         m,
		Dequeuer:        dq,
		Queue:           queue,
		DequeueTimeout:  defaultDequeueTimeout,
		LockAcquireWait: defaultLockAcquireWait,
		LockMaxHold:     defaultLockMaxHold,
		RescheduleDelay: defaultRescheduleDelay,
		stop:            make(chan struct{}),
	}
}

// Start launches concurrency goroutines dequeuing and processing jobs. It
// returns immediately; call Stop to wind them down.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
}

// Stop signals every loop goroutine to exit and waits for them to finish
// their current job.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		payload, err := w.Dequeuer.Dequeue(ctx, w.Queue, w.DequeueTimeout)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			log.Warn().Err(err).Str("queue", w.Queue).Msg("worker: dequeue failed")
			continue
		}

		if err := w.Process(ctx, payload.WorkflowID, payload.JobName); err != nil {
			log.Error().Err(err).
				Str("workflow_id", payload.WorkflowID).
				Str("job_name", payload.JobName).
				Msg("worker: job processing ended in error")
		}
	}
}

// Process runs the full nine-step protocol for one (workflowID, jobName)
// pair: load, gather incoming payloads, run the handler, transition and
// persist, propagate to ready successors under the successor-lock, and
// finally check whether the whole workflow is now finished.
func (w *Worker) Process(ctx context.Context, workflowID, jobName string) error {
	job, ok, err := w.Client.FindJobByName(ctx, workflowID, jobName)
	if err != nil {
		return fmt.Errorf("worker: load job: %w", err)
	}
	if !ok {
		return fmt.Errorf("worker: job %s not found in workflow %s", jobName, workflowID)
	}

	var runErr error
	if !job.Succeeded() {
		runErr = w.runJob(ctx, workflowID, job)
	}

	if runErr == nil {
		if propagateErr := w.propagateToSuccessors(ctx, workflowID, job); propagateErr != nil {
			runErr = propagateErr
		}
	}

	if err := w.checkWorkflowFinished(ctx, workflowID); err != nil {
		log.Warn().Err(err).Str("workflow_id", workflowID).Msg("worker: failed to check workflow completion")
	}

	return runErr
}

// runJob executes steps 2-6: gather inputs, transition to running, run the
// handler, and transition to its terminal state. It returns nil on success
// so the caller proceeds to successor propagation, and the handler's error
// (already recorded as a permanent failure) otherwise.
func (w *Worker) runJob(ctx context.Context, workflowID string, job *jobs.Job) error {
	payloads, err := w.gatherIncoming(ctx, workflowID, job)
	if err != nil {
		return fmt.Errorf("worker: gather incoming payloads: %w", err)
	}
	job.Payloads = payloads

	now := time.Now()
	if err := job.Start(now); err != nil {
		return fmt.Errorf("worker: start job: %w", err)
	}
	if err := w.Client.PersistJob(ctx, workflowID, job); err != nil {
		return fmt.Errorf("worker: persist started job: %w", err)
	}
	if w.Events != nil {
		_ = w.Events.Append(ctx, events.JobEvent{WorkflowID: workflowID, JobName: job.Name(), Type: events.Started})
	}
	if w.Metrics != nil {
		w.Metrics.JobsStarted.Inc("")
	}

	handler, ok := w.Handlers.lookup(job.Klass)
	if !ok {
		return w.failJob(ctx, workflowID, job, ErrHandlerNotRegistered)
	}

	start := time.Now()
	output, handlerErr := handler(ctx, job)
	if w.Metrics != nil {
		w.Metrics.JobDuration.ObserveDuration(start)
	}

	if handlerErr != nil {
		return w.failJob(ctx, workflowID, job, handlerErr)
	}

	job.OutputPayload = output
	if err := job.Finish(time.Now()); err != nil {
		return fmt.Errorf("worker: finish job: %w", err)
	}
	if err := w.Client.PersistJob(ctx, workflowID, job); err != nil {
		return fmt.Errorf("worker: persist finished job: %w", err)
	}
	if w.Events != nil {
		_ = w.Events.Append(ctx, events.JobEvent{WorkflowID: workflowID, JobName: job.Name(), Type: events.Succeeded})
	}
	if w.Metrics != nil {
		w.Metrics.JobsSucceeded.Inc("")
	}
	return nil
}

func (w *Worker) gatherIncoming(ctx context.Context, workflowID string, job *jobs.Job) ([]jobs.Payload, error) {
	payloads := make([]jobs.Payload, 0, len(job.Incoming))
	for _, name := range job.Incoming {
		upstream, ok, err := w.Client.FindJobByName(ctx, workflowID, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		payloads = append(payloads, jobs.Payload{
			JobID:  upstream.ID,
			Klass:  upstream.Klass,
			Output: upstream.OutputPayload,
		})
	}
	return payloads, nil
}

// failJob transitions job to Failed, persists it, records a JobEvent, and
// dead-letters it unless RunOnExhaustedRetries says otherwise. It returns
// the original cause wrapped for the caller.
func (w *Worker) failJob(ctx context.Context, workflowID string, job *jobs.Job, cause error) error {
	if err := job.Fail(time.Now()); err != nil {
		return fmt.Errorf("worker: fail job after handler error %v: %w", cause, err)
	}
	if err := w.Client.PersistJob(ctx, workflowID, job); err != nil {
		return fmt.Errorf("worker: persist failed job: %w", err)
	}
	if w.Events != nil {
		_ = w.Events.Append(ctx, events.JobEvent{
			WorkflowID: workflowID,
			JobName:    job.Name(),
			Type:       events.Failed,
			Error:      cause.Error(),
		})
	}
	if w.Metrics != nil {
		w.Metrics.JobsFailed.Inc("")
	}

	if w.shouldDeadLetter(job) && w.DLQ != nil {
		if err := w.DLQ.Add(ctx, deadletter.DLQEntry{
			WorkflowID: workflowID,
			JobName:    job.Name(),
			Klass:      job.Klass,
			Error:      cause.Error(),
			Attempts:   job.Attempts,
		}); err != nil {
			log.Warn().Err(err).Str("job_name", job.Name()).Msg("worker: failed to dead-letter job")
		} else if w.Metrics != nil {
			w.Metrics.JobsDLQ.Inc("")
		}
	}

	return fmt.Errorf("worker: job %s failed: %w", job.Name(), cause)
}

func (w *Worker) shouldDeadLetter(job *jobs.Job) bool {
	if w.RunOnExhaustedRetries == nil {
		return true
	}
	return w.RunOnExhaustedRetries(job)
}

// propagateToSuccessors implements step 7/8: for each outgoing edge, take
// the successor-lock, re-read fresh state under it, and enqueue the
// successor exactly once if it is ready and the workflow is not stopped. A
// lock that cannot be acquired in time causes the whole job to be
// rescheduled rather than dropped, preserving at-least-once propagation.
func (w *Worker) propagateToSuccessors(ctx context.Context, workflowID string, job *jobs.Job) error {
	for _, successorName := range job.Outgoing {
		lockName := fmt.Sprintf("enqueue_outgoing:%s:%s", workflowID, successorName)

		err := w.Client.Store.WithLock(ctx, lockName, w.LockAcquireWait, w.LockMaxHold, func(ctx context.Context) error {
			return w.tryEnqueueSuccessor(ctx, workflowID, successorName)
		})

		if errors.Is(err, store.ErrLockNotAcquired) {
			if w.Metrics != nil {
				w.Metrics.SuccessorLockTimeouts.Inc("")
			}
			return w.reschedule(ctx, workflowID, job.Name())
		}
		if err != nil {
			return fmt.Errorf("worker: propagate to %s: %w", successorName, err)
		}
	}
	return nil
}

func (w *Worker) tryEnqueueSuccessor(ctx context.Context, workflowID, successorName string) error {
	successor, ok, err := w.Client.FindJobByName(ctx, workflowID, successorName)
	if err != nil {
		return fmt.Errorf("load successor: %w", err)
	}
	if !ok {
		return nil
	}

	upstream := make([]*jobs.Job, 0, len(successor.Incoming))
	for _, name := range successor.Incoming {
		u, ok, err := w.Client.FindJobByName(ctx, workflowID, name)
		if err != nil {
			return fmt.Errorf("load successor upstream %s: %w", name, err)
		}
		if ok {
			upstream = append(upstream, u)
		}
	}

	wf, err := w.Client.FindWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("reload workflow: %w", err)
	}
	if wf.Stopped {
		return nil
	}
	if !successor.ReadyToStart(upstream) {
		return nil
	}

	if err := w.Client.EnqueueJob(ctx, workflowID, successor); err != nil {
		return fmt.Errorf("enqueue successor: %w", err)
	}
	if w.Events != nil {
		_ = w.Events.Append(ctx, events.JobEvent{WorkflowID: workflowID, JobName: successor.Name(), Type: events.Enqueued})
	}
	if w.Metrics != nil {
		w.Metrics.JobsEnqueued.Inc("")
	}
	return nil
}

func (w *Worker) reschedule(ctx context.Context, workflowID, jobName string) error {
	if enq, ok := any(w.Dequeuer).(enqueuer.Enqueuer); ok {
		return enq.Enqueue(ctx, w.Queue, w.RescheduleDelay, enqueuer.EnqueuePayload{
			WorkflowID: workflowID,
			JobName:    jobName,
		})
	}
	return fmt.Errorf("worker: cannot reschedule %s/%s: dequeuer does not also implement Enqueuer", workflowID, jobName)
}

func (w *Worker) checkWorkflowFinished(ctx context.Context, workflowID string) error {
	wf, err := w.Client.FindWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if !wf.Finished() {
		return nil
	}

	if err := w.Client.ExpireWorkflow(ctx, wf, w.Client.TTL); err != nil {
		return err
	}
	if w.Events != nil {
		if err := w.Events.Append(ctx, events.JobEvent{WorkflowID: workflowID, Type: events.WorkflowFinished}); err != nil {
			return err
		}
	}
	if w.Metrics != nil {
		w.Metrics.WorkflowsFinished.Inc("")
		for _, j := range wf.Jobs {
			if j.Failed() {
				w.Metrics.WorkflowsFailed.Inc("")
				break
			}
		}
	}
	return nil
}
