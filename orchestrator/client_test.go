package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/workflowengine/internal/dag"
	"github.com/nuulab/workflowengine/internal/enqueuer"
	"github.com/nuulab/workflowengine/internal/jobs"
	"github.com/nuulab/workflowengine/internal/store"
	"github.com/nuulab/workflowengine/orchestrator"
)

// recordingEnqueuer captures every dispatched payload for assertions,
// instead of driving a real consumer loop.
type recordingEnqueuer struct {
	mu       sync.Mutex
	payloads []enqueuer.EnqueuePayload
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, queue string, delay time.Duration, payload enqueuer.EnqueuePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func linearCtor(args []any) (*dag.Workflow, error) {
	a := jobs.New("A", "")
	b := jobs.New("B", "")
	c := jobs.New("C", "")
	a.Outgoing = []string{"B"}
	b.Outgoing = []string{"C"}
	return &dag.Workflow{Jobs: []*jobs.Job{a, b, c}}, nil
}

func newClient() (*orchestrator.Client, *recordingEnqueuer) {
	s := store.NewMemoryStore()
	registry := dag.NewRegistry()
	registry.RegisterWorkflow("Linear", linearCtor)
	enq := &recordingEnqueuer{}
	return orchestrator.New(s, registry, enq), enq
}

func TestCreateAndStartWorkflowEnqueuesInitialJobs(t *testing.T) {
	client, enq := newClient()
	ctx := context.Background()

	wf, err := client.CreateWorkflow(ctx, "Linear")
	require.NoError(t, err)
	require.NotEmpty(t, wf.ID)

	require.NoError(t, client.StartWorkflow(ctx, wf))

	enq.mu.Lock()
	defer enq.mu.Unlock()
	require.Len(t, enq.payloads, 1)
	assert.Equal(t, wf.ID, enq.payloads[0].WorkflowID)
	assert.Contains(t, enq.payloads[0].JobName, "A|")
}

func TestStartWorkflowRefusesWhenStopped(t *testing.T) {
	client, _ := newClient()
	ctx := context.Background()

	wf, err := client.CreateWorkflow(ctx, "Linear")
	require.NoError(t, err)
	wf.MarkStopped()

	err = client.StartWorkflow(ctx, wf)
	assert.ErrorIs(t, err, orchestrator.ErrWorkflowStopped)
}

func TestFindWorkflowRoundTrip(t *testing.T) {
	client, _ := newClient()
	ctx := context.Background()

	wf, err := client.CreateWorkflow(ctx, "Linear")
	require.NoError(t, err)
	require.NoError(t, client.StartWorkflow(ctx, wf))

	found, err := client.FindWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, found.ID)
	assert.Len(t, found.Jobs, 3)

	a, ok := found.FindJob("A")
	require.True(t, ok)
	assert.Equal(t, jobs.Enqueued, a.State())
}

func TestFindWorkflowMissing(t *testing.T) {
	client, _ := newClient()
	_, err := client.FindWorkflow(context.Background(), "nope")
	assert.ErrorIs(t, err, orchestrator.ErrWorkflowNotFound)
}

func TestDestroyWorkflowRemovesAllKeys(t *testing.T) {
	client, _ := newClient()
	ctx := context.Background()

	wf, err := client.CreateWorkflow(ctx, "Linear")
	require.NoError(t, err)
	require.NoError(t, client.PersistWorkflow(ctx, wf))

	require.NoError(t, client.DestroyWorkflow(ctx, wf))

	_, err = client.FindWorkflow(ctx, wf.ID)
	assert.ErrorIs(t, err, orchestrator.ErrWorkflowNotFound)
}

func TestFindJobByNameExactAndPrefix(t *testing.T) {
	client, _ := newClient()
	ctx := context.Background()

	wf, err := client.CreateWorkflow(ctx, "Linear")
	require.NoError(t, err)
	require.NoError(t, client.PersistWorkflow(ctx, wf))

	a, _ := wf.FindJob("A")

	byPrefix, ok, err := client.FindJobByName(ctx, wf.ID, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.Name(), byPrefix.Name())

	byExact, ok, err := client.FindJobByName(ctx, wf.ID, a.Name())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.Name(), byExact.Name())

	_, ok, err = client.FindJobByName(ctx, wf.ID, "Z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindNotFinishedWorkflowByMatchesParams(t *testing.T) {
	client, _ := newClient()
	ctx := context.Background()

	wf, err := client.CreateWorkflow(ctx, "Linear")
	require.NoError(t, err)
	require.NoError(t, client.StartWorkflow(ctx, wf))

	found, ok, err := client.FindNotFinishedWorkflowBy(ctx, map[string]any{"klass": "Linear"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wf.ID, found.ID)

	_, ok, err = client.FindNotFinishedWorkflowBy(ctx, map[string]any{"klass": "Nonexistent"})
	require.NoError(t, err)
	assert.False(t, ok)
}
