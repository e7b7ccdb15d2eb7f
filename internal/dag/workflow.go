// Package dag implements the workflow aggregate: a named directed acyclic
// graph of jobs, persisted and reconstructed as a single unit.
//
// Construction is the caller's responsibility (registered constructors build
// the job list and edges); this package only validates the result is acyclic
// and provides the traversal operations the orchestrator and worker need.
package dag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nuulab/workflowengine/internal/jobs"
)

// ErrWorkflowClassNotFound is returned by Registry.Build for an unregistered
// klass.
var ErrWorkflowClassNotFound = errors.New("dag: workflow class not found")

// ErrCyclicWorkflow is returned by Create when the job graph built by a
// constructor is not acyclic.
var ErrCyclicWorkflow = errors.New("dag: workflow graph has a cycle")

// IDService mints unique workflow and job identifiers. Satisfied by
// internal/ids.Service.
type IDService interface {
	NextWorkflowID(ctx context.Context) (string, error)
	NextJobID(ctx context.Context, workflowID, klass string) (string, error)
}

// Workflow is a named DAG of jobs, persisted and reconstructed as a single
// aggregate.
type Workflow struct {
	ID        string
	Klass     string
	Arguments []any
	Jobs      []*jobs.Job
	Stopped   bool

	// LinkedType and LinkedID optionally tie this workflow to an external
	// record (see internal/hooks.LinkedRecordProbe).
	LinkedType string
	LinkedID   string

	// Persisted is true once the workflow has been written to the store at
	// least once. It is never itself persisted.
	Persisted bool
}

// Constructor builds the default job graph for one workflow klass.
type Constructor func(args []any) (*Workflow, error)

// Registry maps symbolic workflow class names to constructors, replacing the
// reflection-based class lookup a dynamic-language original would use.
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// RegisterWorkflow associates klass with ctor. A later call for the same
// klass replaces the earlier one; this mirrors how the pack's registries
// behave and keeps test setup simple.
func (r *Registry) RegisterWorkflow(klass string, ctor Constructor) {
	r.ctors[klass] = ctor
}

// Build resolves klass and invokes its constructor.
func (r *Registry) Build(klass string, args []any) (*Workflow, error) {
	ctor, ok := r.ctors[klass]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowClassNotFound, klass)
	}
	return ctor(args)
}

// Create resolves klass via registry, assigns an id, derives Incoming edges
// from each job's declared Outgoing, and validates the result is acyclic.
func Create(ctx context.Context, registry *Registry, klass string, args []any, ids IDService) (*Workflow, error) {
	wf, err := registry.Build(klass, args)
	if err != nil {
		return nil, err
	}
	wf.Klass = klass
	wf.Arguments = args

	id, err := ids.NextWorkflowID(ctx)
	if err != nil {
		return nil, fmt.Errorf("dag: assign id: %w", err)
	}
	wf.ID = id

	if err := assignJobIDs(ctx, wf.Jobs, wf.ID, ids); err != nil {
		return nil, err
	}

	resolveBareKlassEdges(wf.Jobs)
	deriveIncoming(wf.Jobs)

	if err := checkAcyclic(wf.Jobs); err != nil {
		return nil, err
	}
	return wf, nil
}

// assignJobIDs mints an id for every job a constructor left blank. A
// constructor may instead set IDs itself (required when a single klass
// appears more than once in the same workflow, e.g. fan-out).
func assignJobIDs(ctx context.Context, jl []*jobs.Job, workflowID string, idsvc IDService) error {
	for _, j := range jl {
		if j.ID != "" {
			continue
		}
		id, err := idsvc.NextJobID(ctx, workflowID, j.Klass)
		if err != nil {
			return fmt.Errorf("dag: assign job id for %s: %w", j.Klass, err)
		}
		j.ID = id
	}
	return nil
}

// resolveBareKlassEdges rewrites any Outgoing entry that names a bare
// klass (no "|") to the full "<klass>|<id>" name of the single job of that
// klass, once ids have been assigned. Edges already written in full form
// are left untouched.
func resolveBareKlassEdges(jl []*jobs.Job) {
	byKlass := make(map[string]string, len(jl))
	for _, j := range jl {
		byKlass[j.Klass] = j.Name()
	}
	for _, j := range jl {
		for i, out := range j.Outgoing {
			if !strings.Contains(out, "|") {
				if full, ok := byKlass[out]; ok {
					j.Outgoing[i] = full
				}
			}
		}
	}
}

// deriveIncoming rebuilds every job's Incoming set from the Outgoing sets
// declared by its siblings, so a constructor only has to declare edges once.
func deriveIncoming(jl []*jobs.Job) {
	byName := make(map[string]*jobs.Job, len(jl))
	for _, j := range jl {
		byName[j.Name()] = j
		j.Incoming = j.Incoming[:0]
	}
	for _, j := range jl {
		for _, out := range j.Outgoing {
			if succ, ok := byName[out]; ok {
				succ.Incoming = append(succ.Incoming, j.Name())
			}
		}
	}
}

// checkAcyclic runs Kahn's algorithm over the job graph. Any job left
// unvisited once the queue drains has no cycle-free path to the roots.
func checkAcyclic(jl []*jobs.Job) error {
	indegree := make(map[string]int, len(jl))
	byName := make(map[string]*jobs.Job, len(jl))
	for _, j := range jl {
		byName[j.Name()] = j
		indegree[j.Name()] = len(j.Incoming)
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++

		for _, out := range byName[name].Outgoing {
			indegree[out]--
			if indegree[out] == 0 {
				queue = append(queue, out)
			}
		}
	}

	if visited != len(jl) {
		return ErrCyclicWorkflow
	}
	return nil
}

// FindJob resolves name as either "<klass>|<id>" (exact) or "<klass>" (first
// job of that class, in declaration order).
func (wf *Workflow) FindJob(name string) (*jobs.Job, bool) {
	if strings.Contains(name, "|") {
		for _, j := range wf.Jobs {
			if j.Name() == name {
				return j, true
			}
		}
		return nil, false
	}
	for _, j := range wf.Jobs {
		if j.Klass == name {
			return j, true
		}
	}
	return nil, false
}

// InitialJobs returns the jobs with no incoming edges: the roots a fresh
// start enqueues.
func (wf *Workflow) InitialJobs() []*jobs.Job {
	var roots []*jobs.Job
	for _, j := range wf.Jobs {
		if len(j.Incoming) == 0 {
			roots = append(roots, j)
		}
	}
	return roots
}

// Upstream resolves j's Incoming names against wf.Jobs.
func (wf *Workflow) Upstream(j *jobs.Job) []*jobs.Job {
	var up []*jobs.Job
	for _, name := range j.Incoming {
		if u, ok := wf.FindJob(name); ok {
			up = append(up, u)
		}
	}
	return up
}

// MarkStarted clears Stopped.
func (wf *Workflow) MarkStarted() { wf.Stopped = false }

// MarkStopped sets Stopped.
func (wf *Workflow) MarkStopped() { wf.Stopped = true }

// Finished reports whether the workflow can make no further progress: every
// job is terminal, or permanently blocked because a transitive upstream
// ancestor failed.
func (wf *Workflow) Finished() bool {
	for _, j := range wf.Jobs {
		if j.Finished() {
			continue
		}
		if !wf.blockedByFailedAncestor(j, make(map[string]bool)) {
			return false
		}
	}
	return true
}

// blockedByFailedAncestor reports whether j can never start because some
// job in its transitive Incoming closure has failed. seen guards against
// revisiting a node twice in diamond-shaped graphs.
func (wf *Workflow) blockedByFailedAncestor(j *jobs.Job, seen map[string]bool) bool {
	if seen[j.Name()] {
		return false
	}
	seen[j.Name()] = true

	for _, name := range j.Incoming {
		up, ok := wf.FindJob(name)
		if !ok {
			continue
		}
		if up.Failed() {
			return true
		}
		if !up.Finished() && wf.blockedByFailedAncestor(up, seen) {
			return true
		}
	}
	return false
}

// ToMap renders the workflow's flat persisted representation: the header
// fields the store writes under workflows:<id>. Jobs are persisted
// separately, one hash per klass with one field per job (see
// orchestrator.PersistJob).
func (wf *Workflow) ToMap() map[string]any {
	return map[string]any{
		"id":          wf.ID,
		"klass":       wf.Klass,
		"arguments":   wf.Arguments,
		"stopped":     wf.Stopped,
		"linked_type": wf.LinkedType,
		"linked_id":   wf.LinkedID,
	}
}
