// Package queue is the facade over store.Store's queue_tasks table that
// internal/worker drives: enqueue, concurrency-gated claim, heartbeat,
// progress, and terminal-state recording, per spec.md §4.5. Postgres is the
// system of record for the queue itself; this package adds no state of its
// own beyond the idgen call for new task ids.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/idgen"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// Queue wraps a store.Store with the task-lifecycle operations a worker
// pool needs. Postgres remains the system of record for every operation
// below; rdb, when set, is a best-effort fan-out so an HTTP layer can push
// progress to watchers instead of polling the row itself (spec.md §4.5's
// progress-hash stream also works without it — Watch still polls Postgres
// directly).
type Queue struct {
	db  store.Store
	rdb *redis.Client
}

// New returns a Queue backed by db, with no pub/sub fan-out.
func New(db store.Store) *Queue {
	return &Queue{db: db}
}

// WithRedis attaches a Redis client used to publish heartbeat/progress/
// terminal-state updates to "queue:task:<task_id>" channels. Publish
// failures are logged by the caller's choice (none here — best-effort,
// Postgres stays authoritative) and never surface as operation errors.
func (q *Queue) WithRedis(rdb *redis.Client) *Queue {
	q.rdb = rdb
	return q
}

func (q *Queue) publish(ctx context.Context, t *store.QueueTask) {
	if q.rdb == nil || t == nil {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	_ = q.rdb.Publish(ctx, "queue:task:"+t.TaskID, raw)
}

// Enqueue creates a task in the queued state and returns its id.
func (q *Queue) Enqueue(ctx context.Context, actor, concurrencyGroup string, payload map[string]interface{}) (string, error) {
	t := &store.QueueTask{
		TaskID:           idgen.New(),
		Actor:            actor,
		Payload:          payload,
		Status:           store.TaskQueued,
		ConcurrencyGroup: concurrencyGroup,
		CreatedAt:        time.Now().UTC(),
	}
	if err := q.db.EnqueueTask(ctx, t); err != nil {
		return "", errors.Wrap(errors.KindQueue, "enqueue task", err)
	}
	return t.TaskID, nil
}

// Available returns up to avail queued tasks for group, oldest first. avail
// is typically max_concurrent(group) - countProcessing(group), computed by
// the caller so the claim attempts below never exceed the group's cap even
// under races (ClaimTask re-checks the count atomically at claim time).
func (q *Queue) Available(ctx context.Context, group string, avail int) ([]*store.QueueTask, error) {
	if avail <= 0 {
		return nil, nil
	}
	tasks, err := q.db.GetQueuedTasksByConcurrency(ctx, group, avail)
	if err != nil {
		return nil, errors.Wrap(errors.KindQueue, "list queued tasks", err)
	}
	return tasks, nil
}

// CountProcessing reports how many tasks in group are currently processing.
func (q *Queue) CountProcessing(ctx context.Context, group string) (int, error) {
	n, err := q.db.CountProcessing(ctx, group)
	if err != nil {
		return 0, errors.Wrap(errors.KindQueue, "count processing", err)
	}
	return n, nil
}

// Claim attempts the atomic check-and-set claim. A nil, nil return means
// the task was already claimed by someone else or the group is at its
// concurrency cap — both are the ordinary "try the next one" case, not an
// error.
func (q *Queue) Claim(ctx context.Context, taskID, workerID, group string, maxConcurrent int) (*store.QueueTask, error) {
	t, err := q.db.ClaimTask(ctx, taskID, workerID, group, maxConcurrent)
	if err != nil {
		return nil, errors.Wrap(errors.KindQueue, "claim task", err)
	}
	return t, nil
}

// Heartbeat refreshes a claimed task's heartbeat_at so recoverStaleTasks
// leaves it alone.
func (q *Queue) Heartbeat(ctx context.Context, taskID string) error {
	if err := q.db.UpdateHeartbeat(ctx, taskID); err != nil {
		return errors.Wrap(errors.KindQueue, "update heartbeat", err)
	}
	if t, err := q.db.GetTask(ctx, taskID); err == nil {
		q.publish(ctx, t)
	}
	return nil
}

// Progress records a new (elapsed_ms, message) pair for a processing task.
func (q *Queue) Progress(ctx context.Context, taskID string, elapsedMS int64, message string) error {
	if err := q.db.UpdateProgress(ctx, taskID, elapsedMS, message); err != nil {
		return errors.Wrap(errors.KindQueue, "update progress", err)
	}
	if t, err := q.db.GetTask(ctx, taskID); err == nil {
		q.publish(ctx, t)
	}
	return nil
}

// Complete records a successful terminal result.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]interface{}) error {
	if err := q.db.CompleteTask(ctx, taskID, result); err != nil {
		return errors.Wrap(errors.KindQueue, "complete task", err)
	}
	if t, err := q.db.GetTask(ctx, taskID); err == nil {
		q.publish(ctx, t)
	}
	return nil
}

// Fail records a failed terminal state, classified per §7's
// {type, message, details, stack} shape.
func (q *Queue) Fail(ctx context.Context, taskID string, taskErr store.TaskError) error {
	if err := q.db.FailTask(ctx, taskID, taskErr); err != nil {
		return errors.Wrap(errors.KindQueue, "fail task", err)
	}
	if t, err := q.db.GetTask(ctx, taskID); err == nil {
		q.publish(ctx, t)
	}
	return nil
}

// Get returns a task by id, e.g. for progress-stream polling.
func (q *Queue) Get(ctx context.Context, taskID string) (*store.QueueTask, error) {
	t, err := q.db.GetTask(ctx, taskID)
	if err != nil {
		return nil, errors.Wrap(errors.KindQueue, "get task", err)
	}
	return t, nil
}

// RecoverStale requeues every task whose heartbeat is older than
// threshold, clearing its worker assignment. Called once at worker
// startup and may be called periodically by a supervisor.
func (q *Queue) RecoverStale(ctx context.Context, threshold time.Time) (int, error) {
	n, err := q.db.RecoverStaleTasks(ctx, threshold)
	if err != nil {
		return 0, errors.Wrap(errors.KindQueue, "recover stale tasks", err)
	}
	return n, nil
}

// Watch polls a task at interval and sends it on the returned channel
// whenever its ProgressHash changes, closing the channel once the task
// reaches a terminal state or ctx is cancelled. Used by the sub-action SSE
// writer to turn task polling into a push stream (spec.md §4.5
// "Interactive modules... poll the task record between suspensions").
func (q *Queue) Watch(ctx context.Context, taskID string, interval time.Duration) <-chan *store.QueueTask {
	out := make(chan *store.QueueTask)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastHash := ""
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t, err := q.Get(ctx, taskID)
				if err != nil {
					return
				}
				if h := ProgressHash(t); h != lastHash {
					lastHash = h
					select {
					case out <- t:
					case <-ctx.Done():
						return
					}
				}
				if t.Status == store.TaskCompleted || t.Status == store.TaskFailed {
					return
				}
			}
		}
	}()
	return out
}

// ProgressHash condenses a task's (status, elapsed_ms, message) triple so a
// streaming consumer can detect a change without re-diffing the whole
// struct (spec.md §4.5 "driven by comparing a hash of the triple with the
// previously emitted one").
func ProgressHash(t *store.QueueTask) string {
	elapsed := int64(0)
	msg := ""
	if t.Progress != nil {
		elapsed = t.Progress.ElapsedMS
		msg = t.Progress.Message
	}
	return string(t.Status) + "|" + strconv.FormatInt(elapsed, 10) + "|" + msg
}
