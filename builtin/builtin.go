// Package builtin registers the sample workflow and job handlers the CLI
// and worker binaries run out of the box, so a fresh checkout has something
// to create/start/process without a host application registering its own
// classes first. Grounded on the teacher's cmd/worker/main.go stub handlers
// (agent_task/workflow_step/send_email/webhook), narrowed to a single
// three-stage pipeline that exercises the fan-out/fan-in path end to end.
package builtin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/phuslu/log"

	"github.com/nuulab/workflowengine/internal/dag"
	"github.com/nuulab/workflowengine/internal/httpclient"
	"github.com/nuulab/workflowengine/internal/jobs"
	"github.com/nuulab/workflowengine/worker"
)

// SamplePipelineKlass is the workflow klass registered by RegisterWorkflows.
const SamplePipelineKlass = "sample_pipeline"

// RegisterWorkflows adds the sample pipeline constructor to r: Fetch feeds
// both Transform and Audit, and Notify only runs once both have succeeded.
func RegisterWorkflows(r *dag.Registry) {
	r.RegisterWorkflow(SamplePipelineKlass, samplePipelineCtor)
}

func samplePipelineCtor(args []any) (*dag.Workflow, error) {
	fetch := jobs.New("Fetch", "")
	transform := jobs.New("Transform", "")
	audit := jobs.New("Audit", "")
	notify := jobs.New("Notify", "")

	fetch.Outgoing = []string{"Transform", "Audit"}
	transform.Outgoing = []string{"Notify"}
	audit.Outgoing = []string{"Notify"}

	if len(args) > 0 {
		if url, ok := args[0].(string); ok {
			fetch.OutputPayload = url
		}
	}

	return &dag.Workflow{Jobs: []*jobs.Job{fetch, transform, audit, notify}}, nil
}

// RegisterHandlers adds the Fetch/Transform/Audit/Notify handlers to r.
// Notify posts a JSON summary of the pipeline's output to webhookURL; an
// empty webhookURL (the default in Config) falls back to logging it.
func RegisterHandlers(r *worker.HandlerRegistry, webhookURL string) {
	r.Register("Fetch", fetchHandler)
	r.Register("Transform", transformHandler)
	r.Register("Audit", auditHandler)
	r.Register("Notify", notifyHandler(webhookURL))
}

func fetchHandler(ctx context.Context, job *jobs.Job) (any, error) {
	source, _ := job.OutputPayload.(string)
	log.Info().Str("job", job.Name()).Str("source", source).Msg("fetching input")
	return map[string]any{"source": source, "fetched_at": time.Now().Format(time.RFC3339)}, nil
}

func transformHandler(ctx context.Context, job *jobs.Job) (any, error) {
	var upstream any
	for _, p := range job.Payloads {
		if p.Klass == "Fetch" {
			upstream = p.Output
		}
	}
	log.Info().Str("job", job.Name()).Msg("transforming fetched input")
	return map[string]any{"transformed": true, "input": upstream}, nil
}

func auditHandler(ctx context.Context, job *jobs.Job) (any, error) {
	log.Info().Str("job", job.Name()).Msg("auditing pipeline run")
	return map[string]any{"audited": true}, nil
}

// notifyHandler returns a Handler that POSTs a JSON summary of both
// predecessors' output to webhookURL, or just logs it when webhookURL is
// empty. Uses internal/httpclient so delivery survives transient 5xx/429s.
func notifyHandler(webhookURL string) worker.Handler {
	client := httpclient.New(httpclient.DefaultClientConfig())
	return func(ctx context.Context, job *jobs.Job) (any, error) {
		summary := make(map[string]any, len(job.Payloads))
		for _, p := range job.Payloads {
			summary[p.Klass] = p.Output
		}

		if webhookURL == "" {
			log.Info().Str("job", job.Name()).Str("summary", fmt.Sprintf("%v", summary)).Msg("pipeline finished")
			return summary, nil
		}

		resp, err := client.PostJSON(ctx, webhookURL, summary)
		if err != nil {
			return nil, fmt.Errorf("builtin: notify webhook: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("builtin: notify webhook: status %d", resp.StatusCode)
		}
		return summary, nil
	}
}
