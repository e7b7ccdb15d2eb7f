// Package hooks defines the optional integration points a host application
// can implement to tie workflows to its own domain records, without the
// orchestrator core depending on that domain.
package hooks

import (
	"context"

	"github.com/nuulab/workflowengine/internal/dag"
)

// Observer loads a Monitor for a workflow, if one applies.
type Observer interface {
	LoadFor(ctx context.Context, wf *dag.Workflow) (Monitor, bool, error)
}

// Monitor links a reconstructed workflow back to whatever is watching it.
type Monitor interface {
	Link(ctx context.Context, monitorable *dag.Workflow) error
}

// LinkedRecordProbe reports whether an external record still exists. Used
// by orchestrator.FindNotFinishedWorkflowBy when the search parameters
// include a linked_type.
type LinkedRecordProbe interface {
	Exists(ctx context.Context, recordType, recordID string) (bool, error)
}

// NoopObserver never attaches a monitor.
type NoopObserver struct{}

func (NoopObserver) LoadFor(ctx context.Context, wf *dag.Workflow) (Monitor, bool, error) {
	return nil, false, nil
}

// NoopLinkedRecordProbe reports every record as missing. This is a
// conservative default: a host application that cares about linked-record
// existence must supply a real probe.
type NoopLinkedRecordProbe struct{}

func (NoopLinkedRecordProbe) Exists(ctx context.Context, recordType, recordID string) (bool, error) {
	return false, nil
}
