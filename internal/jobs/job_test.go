package jobs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/workflowengine/internal/jobs"
)

func TestJobLifecycle(t *testing.T) {
	j := jobs.New("Report", "abc-123")
	require.Equal(t, jobs.Pending, j.State())
	assert.Equal(t, "Report|abc-123", j.Name())

	now := time.Now()

	require.NoError(t, j.Enqueue(now))
	require.Equal(t, jobs.Enqueued, j.State())

	require.NoError(t, j.Start(now.Add(time.Second)))
	require.Equal(t, jobs.Running, j.State())

	require.NoError(t, j.Finish(now.Add(2*time.Second)))
	require.Equal(t, jobs.Succeeded, j.State())
	assert.True(t, j.Finished())
}

func TestJobLifecycleRejectsOutOfOrderTransitions(t *testing.T) {
	j := jobs.New("Report", "abc-123")

	err := j.Finish(time.Now())
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)

	err = j.Fail(time.Now())
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)

	require.NoError(t, j.Enqueue(time.Now()))
	err = j.Enqueue(time.Now())
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)

	require.NoError(t, j.Start(time.Now()))
	err = j.Start(time.Now())
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
}

func TestJobStartAcceptsPendingForAtLeastOnceReplay(t *testing.T) {
	j := jobs.New("Report", "abc-123")
	require.NoError(t, j.Start(time.Now()))
	require.Equal(t, jobs.Running, j.State())
}

func TestJobFailTransition(t *testing.T) {
	j := jobs.New("Report", "abc-123")
	require.NoError(t, j.Enqueue(time.Now()))
	require.NoError(t, j.Start(time.Now()))
	require.NoError(t, j.Fail(time.Now()))

	assert.True(t, j.Failed())
	assert.True(t, j.Finished())
	assert.False(t, j.Succeeded())
}

func TestReadyToStart(t *testing.T) {
	a := jobs.New("A", "1")
	b := jobs.New("B", "2")
	b.Incoming = []string{a.Name()}

	assert.False(t, b.ReadyToStart([]*jobs.Job{a}), "A has not succeeded yet")

	now := time.Now()
	require.NoError(t, a.Enqueue(now))
	require.NoError(t, a.Start(now))
	require.NoError(t, a.Finish(now))

	assert.True(t, b.ReadyToStart([]*jobs.Job{a}))

	require.NoError(t, b.Enqueue(now))
	assert.False(t, b.ReadyToStart([]*jobs.Job{a}), "B is no longer pending")
}

func TestJobToMapFromMapRoundTrip(t *testing.T) {
	j := jobs.New("Report", "abc-123")
	j.Outgoing = []string{"Notify|1"}
	now := time.Now().Round(0)
	require.NoError(t, j.Enqueue(now))
	require.NoError(t, j.Start(now))
	require.NoError(t, j.Finish(now))

	m := j.ToMap()
	cp, err := jobs.FromMap(m)
	require.NoError(t, err)

	assert.Equal(t, j.Klass, cp.Klass)
	assert.Equal(t, j.ID, cp.ID)
	assert.Equal(t, j.Outgoing, cp.Outgoing)
	assert.True(t, cp.Succeeded())
}

func TestJobFromMapRejectsMissingIdentity(t *testing.T) {
	_, err := jobs.FromMap(map[string]any{"klass": "Report"})
	assert.Error(t, err)
}

func TestJobStartIncrementsAttempts(t *testing.T) {
	j := jobs.New("Report", "abc-123")
	assert.Equal(t, 0, j.Attempts)
	require.NoError(t, j.Start(time.Now()))
	assert.Equal(t, 1, j.Attempts)
}

func TestJobCloneIsIndependent(t *testing.T) {
	j := jobs.New("A", "1")
	j.Outgoing = []string{"B|2"}

	cp := j.Clone()
	cp.Outgoing[0] = "mutated"

	assert.Equal(t, "B|2", j.Outgoing[0])
}
