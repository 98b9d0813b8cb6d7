package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/queue"
	"github.com/lyzr/workflow-orchestrator/internal/store"
	"github.com/lyzr/workflow-orchestrator/internal/store/memstore"
	"github.com/lyzr/workflow-orchestrator/internal/worker"
)

func TestPool_ClaimsAndCompletesQueuedTask(t *testing.T) {
	db := memstore.New()
	q := queue.New(db)
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, "media", "provider-a", map[string]interface{}{"prompt": "a cat"})
	require.NoError(t, err)

	done := make(chan struct{})
	actors := map[string]worker.Actor{
		"media": func(_ context.Context, task *store.QueueTask) (map[string]interface{}, error) {
			defer close(done)
			return map[string]interface{}{"echo": task.Payload["prompt"]}, nil
		},
	}

	pool := worker.New(q, actors, worker.Config{
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		StaleThreshold:    time.Second,
		ShutdownGrace:     time.Second,
		ConcurrencyCaps:   worker.GroupLimits{"provider-a": 2},
	}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(runCtx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("actor never ran")
	}

	// Give the completing goroutine a moment to record the terminal state
	// before asserting on it.
	require.Eventually(t, func() bool {
		task, err := q.Get(ctx, taskID)
		return err == nil && task.Status == store.TaskCompleted
	}, time.Second, 10*time.Millisecond)

	task, err := q.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "a cat", task.Result["echo"])

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not shut down")
	}
}

func TestPool_FailedActorRecordsFailure(t *testing.T) {
	db := memstore.New()
	q := queue.New(db)
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, "media", "provider-a", nil)
	require.NoError(t, err)

	actors := map[string]worker.Actor{
		"media": func(_ context.Context, _ *store.QueueTask) (map[string]interface{}, error) {
			return nil, assertErr{"provider unavailable"}
		},
	}

	pool := worker.New(q, actors, worker.Config{
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		StaleThreshold:    time.Second,
		ShutdownGrace:     time.Second,
		ConcurrencyCaps:   worker.GroupLimits{"provider-a": 1},
	}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pool.Run(runCtx)

	require.Eventually(t, func() bool {
		task, err := q.Get(ctx, taskID)
		return err == nil && task.Status == store.TaskFailed
	}, time.Second, 10*time.Millisecond)

	task, err := q.Get(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, task.Error)
	assert.Equal(t, "provider unavailable", task.Error.Message)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
