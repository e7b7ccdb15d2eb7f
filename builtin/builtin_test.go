package builtin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/workflowengine/builtin"
	"github.com/nuulab/workflowengine/deadletter"
	"github.com/nuulab/workflowengine/events"
	"github.com/nuulab/workflowengine/internal/dag"
	"github.com/nuulab/workflowengine/internal/enqueuer"
	"github.com/nuulab/workflowengine/internal/store"
	"github.com/nuulab/workflowengine/metrics"
	"github.com/nuulab/workflowengine/orchestrator"
	"github.com/nuulab/workflowengine/worker"
)

func TestSamplePipelineRunsToCompletion(t *testing.T) {
	var webhookHits int32
	var gotSummary map[string]any
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&webhookHits, 1)
		defer r.Body.Close()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotSummary))
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()

	s := store.NewMemoryStore()
	registry := dag.NewRegistry()
	builtin.RegisterWorkflows(registry)

	enq := enqueuer.New(s)
	client := orchestrator.New(s, registry, enq)

	ctx := context.Background()
	wf, err := client.CreateWorkflow(ctx, builtin.SamplePipelineKlass, "https://example.test/source")
	require.NoError(t, err)
	require.NoError(t, client.StartWorkflow(ctx, wf))

	handlers := worker.NewHandlerRegistry()
	builtin.RegisterHandlers(handlers, webhook.URL)

	es := events.New(s)
	dlq := deadletter.New(s, "test", 100)
	w := worker.New(client, handlers, es, dlq, metrics.New(), enq, "workflows")

	// Drain the queue, processing each dispatched job in turn, until nothing
	// is left or a deadline is hit: Fetch unblocks Transform and Audit, both
	// of which must complete before Notify becomes ready.
	deadline := time.Now().Add(2 * time.Second)
	processed := 0
	for time.Now().Before(deadline) {
		payload, derr := enq.Dequeue(ctx, "workflows", 50*time.Millisecond)
		if derr != nil {
			break
		}
		require.NoError(t, w.Process(ctx, payload.WorkflowID, payload.JobName))
		processed++
	}

	assert.Equal(t, 4, processed, "Fetch, Transform, Audit, and Notify each run exactly once")

	reloaded, err := client.FindWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Finished())

	notify, ok := reloaded.FindJob("Notify")
	require.True(t, ok)
	assert.True(t, notify.Succeeded())

	assert.Equal(t, int32(1), atomic.LoadInt32(&webhookHits), "notify should have posted to the webhook exactly once")
	require.NotNil(t, gotSummary)
	assert.Contains(t, gotSummary, "Transform")
	assert.Contains(t, gotSummary, "Audit")
}
