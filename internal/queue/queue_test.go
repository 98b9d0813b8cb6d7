package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/queue"
	"github.com/lyzr/workflow-orchestrator/internal/store"
	"github.com/lyzr/workflow-orchestrator/internal/store/memstore"
)

func TestEnqueueAndClaim_RespectsConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	q := queue.New(db)

	id1, err := q.Enqueue(ctx, "media", "provider-a", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "media", "provider-a", map[string]interface{}{"n": 2})
	require.NoError(t, err)

	claimed1, err := q.Claim(ctx, id1, "worker-1", "provider-a", 1)
	require.NoError(t, err)
	require.NotNil(t, claimed1)
	assert.Equal(t, store.TaskProcessing, claimed1.Status)

	// Cap is 1 and one task is already processing, so the second claim must
	// be refused even though id2 is still queued.
	claimed2, err := q.Claim(ctx, id2, "worker-2", "provider-a", 1)
	require.NoError(t, err)
	assert.Nil(t, claimed2)
}

func TestRecoverStale_RequeuesLapsedHeartbeat(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	q := queue.New(db)

	id, err := q.Enqueue(ctx, "media", "provider-a", nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, id, "worker-1", "provider-a", 1)
	require.NoError(t, err)

	n, err := q.RecoverStale(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskQueued, task.Status)
	assert.Empty(t, task.WorkerID)
}

func TestCompleteAndFail_RecordTerminalState(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	q := queue.New(db)

	id, err := q.Enqueue(ctx, "media", "provider-a", nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, id, "worker-1", "provider-a", 1)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, id, map[string]interface{}{"url": "https://example.com/x"}))
	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "https://example.com/x", task.Result["url"])

	id2, err := q.Enqueue(ctx, "media", "provider-a", nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, id2, "worker-1", "provider-a", 5)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id2, store.TaskError{Type: "module_execution", Message: "provider timeout"}))

	task2, err := q.Get(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task2.Status)
	require.NotNil(t, task2.Error)
	assert.Equal(t, "provider timeout", task2.Error.Message)
}

func TestProgressHash_ChangesOnlyWhenTripleChanges(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	q := queue.New(db)

	id, err := q.Enqueue(ctx, "media", "provider-a", nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, id, "worker-1", "provider-a", 1)
	require.NoError(t, err)

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	before := queue.ProgressHash(task)

	require.NoError(t, q.Progress(ctx, id, 1500, "rendering"))
	task, err = q.Get(ctx, id)
	require.NoError(t, err)
	after := queue.ProgressHash(task)

	assert.NotEqual(t, before, after)
}
