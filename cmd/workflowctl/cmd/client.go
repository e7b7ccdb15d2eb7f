package cmd

import (
	"context"
	"fmt"

	"github.com/nuulab/workflowengine/builtin"
	"github.com/nuulab/workflowengine/internal/dag"
	"github.com/nuulab/workflowengine/internal/enqueuer"
	"github.com/nuulab/workflowengine/internal/store"
	"github.com/nuulab/workflowengine/orchestrator"
)

// engine bundles the store and client every command needs, and the
// io.Closer the caller must run down before exiting.
type engine struct {
	Store  *store.RedisStore
	Client *orchestrator.Client
}

// newEngine connects to the configured store and wires an orchestrator
// Client with the built-in sample workflow klass registered, the same way
// cmd/worker wires its handler registry.
func newEngine(ctx context.Context) (*engine, error) {
	s, err := store.NewRedisStore(ctx, effectiveStoreURL())
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}

	registry := dag.NewRegistry()
	builtin.RegisterWorkflows(registry)

	enq := enqueuer.New(s)
	client := orchestrator.New(s, registry, enq)
	client.Namespace = cfg.Namespace
	client.JobDelay = cfg.JobDelay
	client.TTL = cfg.TTL

	return &engine{Store: s, Client: client}, nil
}

func (e *engine) Close() error {
	return e.Store.Close()
}
