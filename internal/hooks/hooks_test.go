package hooks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/workflowengine/internal/hooks"
)

func TestNoopObserverNeverAttaches(t *testing.T) {
	monitor, ok, err := hooks.NoopObserver{}.LoadFor(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, monitor)
}

func TestNoopLinkedRecordProbeReportsMissing(t *testing.T) {
	exists, err := hooks.NoopLinkedRecordProbe{}.Exists(context.Background(), "Account", "123")
	require.NoError(t, err)
	assert.False(t, exists)
}
