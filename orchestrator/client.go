// Package orchestrator is the engine's public façade: workflow creation,
// persistence, lookup, and the enqueue path jobs travel through. It is
// grounded on the teacher's pkg/queue/workflow.go WorkflowEngine, widened
// from single-path sequential execution to DAG-aware persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/nuulab/workflowengine/internal/codec"
	"github.com/nuulab/workflowengine/internal/dag"
	"github.com/nuulab/workflowengine/internal/enqueuer"
	"github.com/nuulab/workflowengine/internal/hooks"
	"github.com/nuulab/workflowengine/internal/ids"
	"github.com/nuulab/workflowengine/internal/jobs"
	"github.com/nuulab/workflowengine/internal/store"
)

// ErrWorkflowNotFound is returned whenever a lookup by id fails.
var ErrWorkflowNotFound = errors.New("orchestrator: workflow not found")

// ErrWorkflowStopped is returned when an enqueue is refused because the
// workflow has been stopped.
var ErrWorkflowStopped = errors.New("orchestrator: workflow is stopped")

// Client is the engine's public contract.
type Client struct {
	Store    store.Store
	Registry *dag.Registry
	IDs      *ids.Service
	Enqueuer enqueuer.Enqueuer
	Observer hooks.Observer
	Probe    hooks.LinkedRecordProbe

	Namespace string
	JobDelay  time.Duration
	TTL       time.Duration
}

// New returns a Client wired with sane defaults for the optional hooks.
func New(s store.Store, registry *dag.Registry, enq enqueuer.Enqueuer) *Client {
	return &Client{
		Store:     s,
		Registry:  registry,
		IDs:       ids.New(s),
		Enqueuer:  enq,
		Observer:  hooks.NoopObserver{},
		Probe:     hooks.NoopLinkedRecordProbe{},
		Namespace: "workflows",
		TTL:       7 * 24 * time.Hour,
	}
}

// CreateWorkflow resolves klass to a registered constructor and builds an
// unpersisted workflow instance.
func (c *Client) CreateWorkflow(ctx context.Context, klass string, args ...any) (*dag.Workflow, error) {
	return dag.Create(ctx, c.Registry, klass, args, c.IDs)
}

// StartWorkflow marks wf started, persists it, and enqueues either its
// initial jobs or the caller-named subset. It refuses to enqueue against a
// stopped workflow (§9 decision 2: checked here and again inside the
// worker's successor-lock before each propagated enqueue).
func (c *Client) StartWorkflow(ctx context.Context, wf *dag.Workflow, jobNames ...string) error {
	if wf.Stopped {
		return ErrWorkflowStopped
	}
	wf.MarkStarted()
	if err := c.PersistWorkflow(ctx, wf); err != nil {
		return err
	}

	var toEnqueue []*jobs.Job
	if len(jobNames) == 0 {
		toEnqueue = wf.InitialJobs()
	} else {
		for _, name := range jobNames {
			j, ok := wf.FindJob(name)
			if !ok {
				return fmt.Errorf("orchestrator: start workflow: job %q not found", name)
			}
			toEnqueue = append(toEnqueue, j)
		}
	}

	for _, j := range toEnqueue {
		if err := c.EnqueueJob(ctx, wf.ID, j); err != nil {
			return err
		}
	}
	return nil
}

// StopWorkflow loads wf, marks it stopped, and persists the header.
func (c *Client) StopWorkflow(ctx context.Context, id string) error {
	wf, err := c.FindWorkflow(ctx, id)
	if err != nil {
		return err
	}
	wf.MarkStopped()
	return c.PersistWorkflow(ctx, wf)
}

// FindWorkflow loads the header and every per-klass job hash, then
// reconstructs the workflow via workflowFromMap.
func (c *Client) FindWorkflow(ctx context.Context, id string) (*dag.Workflow, error) {
	raw, err := c.Store.Get(ctx, headerKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("orchestrator: find workflow: %w", err)
	}

	var header map[string]any
	if err := codec.Decode(raw, &header); err != nil {
		return nil, fmt.Errorf("orchestrator: decode workflow header: %w", err)
	}

	persistedJobs, err := c.loadAllJobs(ctx, id)
	if err != nil {
		return nil, err
	}

	return c.workflowFromMap(ctx, header, persistedJobs)
}

func (c *Client) loadAllJobs(ctx context.Context, workflowID string) ([]*jobs.Job, error) {
	keys, err := c.Store.Scan(ctx, jobsPrefix(workflowID)+"*")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: scan job hashes: %w", err)
	}

	var loaded []*jobs.Job
	for _, key := range keys {
		vals, err := c.Store.HVals(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: hvals %s: %w", key, err)
		}
		for _, v := range vals {
			var m map[string]any
			if err := codec.Decode(v, &m); err != nil {
				return nil, fmt.Errorf("orchestrator: decode job: %w", err)
			}
			j, err := jobs.FromMap(m)
			if err != nil {
				return nil, err
			}
			loaded = append(loaded, j)
		}
	}
	return loaded, nil
}

// workflowFromMap resolves the workflow's klass via the registry,
// instantiates it to recover constructor-declared defaults, then replaces
// those defaults with the persisted job set and restores header fields.
func (c *Client) workflowFromMap(ctx context.Context, header map[string]any, persistedJobs []*jobs.Job) (*dag.Workflow, error) {
	klass, _ := header["klass"].(string)
	args := toAnySlice(header["arguments"])

	wf, err := c.Registry.Build(klass, args)
	if err != nil {
		return nil, err
	}
	wf.Klass = klass
	wf.Arguments = args
	wf.Jobs = persistedJobs

	wf.ID, _ = header["id"].(string)
	wf.Stopped, _ = header["stopped"].(bool)
	wf.LinkedType, _ = header["linked_type"].(string)
	wf.LinkedID, _ = header["linked_id"].(string)
	wf.Persisted = true

	if monitor, ok, err := c.Observer.LoadFor(ctx, wf); err != nil {
		return nil, fmt.Errorf("orchestrator: load monitor: %w", err)
	} else if ok {
		if err := monitor.Link(ctx, wf); err != nil {
			return nil, fmt.Errorf("orchestrator: link monitor: %w", err)
		}
	}

	return wf, nil
}

func toAnySlice(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	default:
		return nil
	}
}

// PersistWorkflow writes the header key and every job, then marks wf
// persisted.
func (c *Client) PersistWorkflow(ctx context.Context, wf *dag.Workflow) error {
	data, err := codec.Encode(wf.ToMap())
	if err != nil {
		return fmt.Errorf("orchestrator: encode workflow: %w", err)
	}
	if err := c.Store.Set(ctx, headerKey(wf.ID), data, c.TTL); err != nil {
		return fmt.Errorf("orchestrator: persist workflow header: %w", err)
	}

	for _, j := range wf.Jobs {
		if err := c.PersistJob(ctx, wf.ID, j); err != nil {
			return err
		}
	}
	wf.Persisted = true
	return nil
}

// PersistJob writes a single job into its klass bucket hash.
func (c *Client) PersistJob(ctx context.Context, workflowID string, job *jobs.Job) error {
	data, err := codec.Encode(job.ToMap())
	if err != nil {
		return fmt.Errorf("orchestrator: encode job: %w", err)
	}
	key := jobsPrefix(workflowID) + job.Klass
	if err := c.Store.HSet(ctx, key, job.ID, data); err != nil {
		return fmt.Errorf("orchestrator: persist job: %w", err)
	}
	return nil
}

// FindJobByName loads a single job by its canonical name or klass prefix,
// without requiring the whole workflow to be reconstructed.
func (c *Client) FindJobByName(ctx context.Context, workflowID, name string) (*jobs.Job, bool, error) {
	if strings.Contains(name, "|") {
		klass, id, _ := strings.Cut(name, "|")
		data, err := c.Store.HGet(ctx, jobsPrefix(workflowID)+klass, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("orchestrator: find job by name: %w", err)
		}
		return decodeJob(data)
	}

	fields, err := c.Store.HScan(ctx, jobsPrefix(workflowID)+name)
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: find job by name: %w", err)
	}
	for _, data := range fields {
		return decodeJob(data)
	}
	return nil, false, nil
}

func decodeJob(data []byte) (*jobs.Job, bool, error) {
	var m map[string]any
	if err := codec.Decode(data, &m); err != nil {
		return nil, false, fmt.Errorf("orchestrator: decode job: %w", err)
	}
	j, err := jobs.FromMap(m)
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}

// DestroyWorkflow deletes the header and every per-klass job hash.
func (c *Client) DestroyWorkflow(ctx context.Context, wf *dag.Workflow) error {
	keys := []string{headerKey(wf.ID)}
	klasses := make(map[string]struct{})
	for _, j := range wf.Jobs {
		klasses[j.Klass] = struct{}{}
	}
	for klass := range klasses {
		keys = append(keys, jobsPrefix(wf.ID)+klass)
	}
	return c.Store.Del(ctx, keys...)
}

// ExpireWorkflow applies ttl to the header and every per-klass job hash.
func (c *Client) ExpireWorkflow(ctx context.Context, wf *dag.Workflow, ttl time.Duration) error {
	if err := c.Store.Expire(ctx, headerKey(wf.ID), ttl); err != nil {
		return err
	}
	klasses := make(map[string]struct{})
	for _, j := range wf.Jobs {
		klasses[j.Klass] = struct{}{}
	}
	for klass := range klasses {
		if err := c.Store.Expire(ctx, jobsPrefix(wf.ID)+klass, ttl); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueJob transitions job to Enqueued, persists it, and dispatches it to
// the configured Enqueuer using the job's own queue if set, else the
// client's namespace, with the configured job_delay.
func (c *Client) EnqueueJob(ctx context.Context, workflowID string, job *jobs.Job) error {
	if err := job.Enqueue(time.Now()); err != nil {
		return fmt.Errorf("orchestrator: enqueue job: %w", err)
	}
	if err := c.PersistJob(ctx, workflowID, job); err != nil {
		return err
	}

	queue := job.Queue
	if queue == "" {
		queue = c.Namespace
	}
	return c.Enqueuer.Enqueue(ctx, queue, c.JobDelay, enqueuer.EnqueuePayload{
		WorkflowID: workflowID,
		JobName:    job.Name(),
	})
}

// AllWorkflows lazily scans every workflows:* key and yields the
// reconstructed workflow for each. A per-entry ErrWorkflowNotFound (the
// header vanished between the scan and the load, e.g. concurrent destroy)
// is skipped rather than surfaced.
func (c *Client) AllWorkflows(ctx context.Context) iter.Seq2[*dag.Workflow, error] {
	return func(yield func(*dag.Workflow, error) bool) {
		keys, err := c.Store.Scan(ctx, "workflows:*")
		if err != nil {
			yield(nil, fmt.Errorf("orchestrator: scan workflows: %w", err))
			return
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, "workflows:")
			wf, err := c.FindWorkflow(ctx, id)
			if errors.Is(err, ErrWorkflowNotFound) {
				continue
			}
			if !yield(wf, err) {
				return
			}
		}
	}
}

// FindNotFinishedWorkflowBy returns the first not-finished workflow whose
// ToMap matches every key/value pair in params. If params contains
// linked_type, the match additionally requires Probe.Exists to report true
// for (linked_type, linked_id).
func (c *Client) FindNotFinishedWorkflowBy(ctx context.Context, params map[string]any) (*dag.Workflow, bool, error) {
	for wf, err := range c.AllWorkflows(ctx) {
		if err != nil {
			return nil, false, err
		}
		if wf.Finished() {
			continue
		}
		if !matches(wf.ToMap(), params) {
			continue
		}
		if linkedType, ok := params["linked_type"]; ok {
			exists, err := c.Probe.Exists(ctx, fmt.Sprint(linkedType), wf.LinkedID)
			if err != nil {
				return nil, false, err
			}
			if !exists {
				continue
			}
		}
		return wf, true, nil
	}
	return nil, false, nil
}

func matches(record, params map[string]any) bool {
	for k, v := range params {
		if k == "linked_type" {
			continue
		}
		if fmt.Sprint(record[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func headerKey(id string) string     { return "workflows:" + id }
func jobsPrefix(wfID string) string { return "jobs:" + wfID + ":" }
