package worker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/workflowengine/deadletter"
	"github.com/nuulab/workflowengine/events"
	"github.com/nuulab/workflowengine/internal/dag"
	"github.com/nuulab/workflowengine/internal/enqueuer"
	"github.com/nuulab/workflowengine/internal/jobs"
	"github.com/nuulab/workflowengine/internal/store"
	"github.com/nuulab/workflowengine/metrics"
	"github.com/nuulab/workflowengine/orchestrator"
	"github.com/nuulab/workflowengine/worker"
)

func linearCtor(args []any) (*dag.Workflow, error) {
	a := jobs.New("A", "")
	b := jobs.New("B", "")
	a.Outgoing = []string{"B"}
	return &dag.Workflow{Jobs: []*jobs.Job{a, b}}, nil
}

func diamondCtor(args []any) (*dag.Workflow, error) {
	a := jobs.New("A", "")
	b := jobs.New("B", "")
	c := jobs.New("C", "")
	d := jobs.New("D", "")
	a.Outgoing = []string{"B", "C"}
	b.Outgoing = []string{"D"}
	c.Outgoing = []string{"D"}
	return &dag.Workflow{Jobs: []*jobs.Job{a, b, c, d}}, nil
}

func failingCtor(args []any) (*dag.Workflow, error) {
	a := jobs.New("Boom", "")
	return &dag.Workflow{Jobs: []*jobs.Job{a}}, nil
}

func harness(t *testing.T, ctors map[string]dag.Constructor) (*orchestrator.Client, store.Store, *enqueuer.RedisEnqueuer) {
	t.Helper()
	s := store.NewMemoryStore()
	r := dag.NewRegistry()
	for klass, ctor := range ctors {
		r.RegisterWorkflow(klass, ctor)
	}
	enq := enqueuer.New(s)
	client := orchestrator.New(s, r, enq)
	return client, s, enq
}

func TestProcessRunsHandlerAndPropagatesToReadySuccessor(t *testing.T) {
	client, s, enq := harness(t, map[string]dag.Constructor{"Linear": linearCtor})
	ctx := context.Background()

	wf, err := client.CreateWorkflow(ctx, "Linear")
	require.NoError(t, err)
	require.NoError(t, client.StartWorkflow(ctx, wf))

	handlers := worker.NewHandlerRegistry()
	handlers.Register("A", func(ctx context.Context, j *jobs.Job) (any, error) { return "a-output", nil })
	handlers.Register("B", func(ctx context.Context, j *jobs.Job) (any, error) { return "b-output", nil })

	es := events.New(s)
	dlq := deadletter.New(s, "test", 100)
	w := worker.New(client, handlers, es, dlq, metrics.New(), enq, "workflows")

	// StartWorkflow queued A; take it off the queue the way a worker loop would.
	a, _ := wf.FindJob("A")
	started, err := enq.Dequeue(ctx, "workflows", time.Second)
	require.NoError(t, err)
	require.Equal(t, a.Name(), started.JobName)
	require.NoError(t, w.Process(ctx, wf.ID, a.Name()))

	reloaded, err := client.FindWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	reloadedA, ok := reloaded.FindJob("A")
	require.True(t, ok)
	assert.True(t, reloadedA.Succeeded())
	assert.Equal(t, "a-output", reloadedA.OutputPayload)

	reloadedB, ok := reloaded.FindJob("B")
	require.True(t, ok)
	assert.True(t, reloadedB.State() == jobs.Enqueued, "B should have been enqueued by successor propagation")

	payload, err := enq.Dequeue(ctx, "workflows", time.Second)
	require.NoError(t, err)
	assert.Equal(t, reloadedB.Name(), payload.JobName)
}

func TestProcessFailsJobAndDeadLettersIt(t *testing.T) {
	client, s, enq := harness(t, map[string]dag.Constructor{"Failing": failingCtor})
	ctx := context.Background()

	wf, err := client.CreateWorkflow(ctx, "Failing")
	require.NoError(t, err)
	require.NoError(t, client.StartWorkflow(ctx, wf))

	handlers := worker.NewHandlerRegistry()
	handlers.Register("Boom", func(ctx context.Context, j *jobs.Job) (any, error) {
		return nil, fmt.Errorf("kaboom")
	})

	es := events.New(s)
	dlq := deadletter.New(s, "test", 100)
	w := worker.New(client, handlers, es, dlq, metrics.New(), enq, "workflows")

	boom, _ := wf.FindJob("Boom")
	err = w.Process(ctx, wf.ID, boom.Name())
	assert.Error(t, err)

	n, err := dlq.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reloaded, err := client.FindWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	reloadedBoom, _ := reloaded.FindJob("Boom")
	assert.True(t, reloadedBoom.Failed())
	assert.True(t, reloaded.Finished(), "single-job workflow is finished once its only job fails")
}

func TestProcessIsIdempotentOnReplayOfSucceededJob(t *testing.T) {
	client, s, enq := harness(t, map[string]dag.Constructor{"Linear": linearCtor})
	ctx := context.Background()

	wf, err := client.CreateWorkflow(ctx, "Linear")
	require.NoError(t, err)
	require.NoError(t, client.StartWorkflow(ctx, wf))

	calls := 0
	var mu sync.Mutex
	handlers := worker.NewHandlerRegistry()
	handlers.Register("A", func(ctx context.Context, j *jobs.Job) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "a-output", nil
	})
	handlers.Register("B", func(ctx context.Context, j *jobs.Job) (any, error) { return "b-output", nil })

	es := events.New(s)
	dlq := deadletter.New(s, "test", 100)
	w := worker.New(client, handlers, es, dlq, metrics.New(), enq, "workflows")

	a, _ := wf.FindJob("A")
	require.NoError(t, w.Process(ctx, wf.ID, a.Name()))
	require.NoError(t, w.Process(ctx, wf.ID, a.Name()), "replay of an already-succeeded job must not error")

	assert.Equal(t, 1, calls, "the handler runs exactly once; replay only re-enters successor propagation")
}

func TestConcurrentFanInEnqueuesSuccessorExactlyOnce(t *testing.T) {
	client, s, enq := harness(t, map[string]dag.Constructor{"Diamond": diamondCtor})
	ctx := context.Background()

	wf, err := client.CreateWorkflow(ctx, "Diamond")
	require.NoError(t, err)
	require.NoError(t, client.StartWorkflow(ctx, wf))

	handlers := worker.NewHandlerRegistry()
	for _, klass := range []string{"A", "B", "C", "D"} {
		handlers.Register(klass, func(ctx context.Context, j *jobs.Job) (any, error) { return nil, nil })
	}

	es := events.New(s)
	dlq := deadletter.New(s, "test", 100)
	w := worker.New(client, handlers, es, dlq, metrics.New(), enq, "workflows")

	a, _ := wf.FindJob("A")
	require.NoError(t, w.Process(ctx, wf.ID, a.Name()))

	b, ok := wf.FindJob("B")
	require.True(t, ok)
	c, ok := wf.FindJob("C")
	require.True(t, ok)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = w.Process(ctx, wf.ID, b.Name()) }()
	go func() { defer wg.Done(); _ = w.Process(ctx, wf.ID, c.Name()) }()
	wg.Wait()

	d, ok := wf.FindJob("D")
	require.True(t, ok)

	// The queue also holds the A, B and C payloads; count only D's.
	count := 0
	for {
		payload, err := enq.Dequeue(ctx, "workflows", 50*time.Millisecond)
		if err != nil {
			break
		}
		if payload.JobName == d.Name() {
			count++
		}
	}
	assert.Equal(t, 1, count, "D must be enqueued exactly once despite two concurrent predecessor completions")
}
