// Package ids mints workflow and job identifiers, generalizing the
// teacher's crypto/rand generateID() to google/uuid (the pack-wide idiom
// for ID generation) plus a collision probe against the store.
package ids

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nuulab/workflowengine/internal/store"
)

// maxProbeAttempts bounds the generate-and-probe loop purely as a
// panic-avoidance measure; a collision this deep into the loop is never
// expected to occur with a 122-bit random identifier.
const maxProbeAttempts = 100

// Generator produces a fresh candidate identifier. The default is
// uuid.NewString; tests inject a deterministic sequence to exercise the
// collision-retry path.
type Generator func() string

// Service mints unique workflow and job identifiers.
type Service struct {
	store    store.Store
	generate Generator
}

// New returns a Service backed by s, using google/uuid for candidates.
func New(s store.Store) *Service {
	return &Service{store: s, generate: uuid.NewString}
}

// WithGenerator overrides the candidate generator, for deterministic tests.
func (svc *Service) WithGenerator(gen Generator) *Service {
	svc.generate = gen
	return svc
}

// NextWorkflowID returns a candidate such that no workflows:<id> key
// currently exists.
func (svc *Service) NextWorkflowID(ctx context.Context) (string, error) {
	for i := 0; i < maxProbeAttempts; i++ {
		candidate := svc.generate()
		exists, err := svc.store.Exists(ctx, "workflows:"+candidate)
		if err != nil {
			return "", fmt.Errorf("ids: probe workflow id: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("ids: exhausted %d attempts minting a workflow id", maxProbeAttempts)
}

// NextJobID returns a candidate such that the hash jobs:<workflowID>:<klass>
// does not already contain that field.
func (svc *Service) NextJobID(ctx context.Context, workflowID, klass string) (string, error) {
	key := "jobs:" + workflowID + ":" + klass
	for i := 0; i < maxProbeAttempts; i++ {
		candidate := svc.generate()
		exists, err := svc.store.HExists(ctx, key, candidate)
		if err != nil {
			return "", fmt.Errorf("ids: probe job id: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("ids: exhausted %d attempts minting a job id", maxProbeAttempts)
}
