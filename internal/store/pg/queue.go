package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/workflow-orchestrator/internal/store"
)

func (s *Store) EnqueueTask(ctx context.Context, t *store.QueueTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO queue_tasks (task_id, actor, payload, status, concurrency_group, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TaskID, t.Actor, payload, store.TaskQueued, t.ConcurrencyGroup, t.CreatedAt,
	)
	return err
}

func (s *Store) GetQueuedTasksByConcurrency(ctx context.Context, group string, limit int) ([]*store.QueueTask, error) {
	rows, err := s.pool.Query(ctx,
		selectTaskSQL+` WHERE status = $1 AND concurrency_group = $2 ORDER BY created_at ASC LIMIT $3`,
		store.TaskQueued, group, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) CountProcessing(ctx context.Context, group string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_tasks WHERE status = $1 AND concurrency_group = $2`,
		store.TaskProcessing, group,
	).Scan(&n)
	return n, err
}

// ClaimTask is the atomic claim-if-under-cap operation §4.5 requires: a
// single UPDATE, gated by a correlated subquery counting the group's
// currently-processing rows, so two workers racing on the same group never
// both push it over the concurrency cap. A 0-row result (ErrNoRows) means
// either the task was already claimed or the group is at capacity; the
// caller treats both the same way — try the next task.
func (s *Store) ClaimTask(ctx context.Context, taskID, workerID, group string, maxConcurrent int) (*store.QueueTask, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE queue_tasks
		 SET status = $1, worker_id = $2, claimed_at = now(), heartbeat_at = now()
		 WHERE task_id = $3
		   AND status = $4
		   AND concurrency_group = $5
		   AND (SELECT count(*) FROM queue_tasks WHERE status = $1 AND concurrency_group = $5) < $6
		 RETURNING `+taskColumns,
		store.TaskProcessing, workerID, taskID, store.TaskQueued, group, maxConcurrent,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE queue_tasks SET heartbeat_at = now() WHERE task_id = $1`, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, taskID string, elapsedMS int64, message string) error {
	progress, err := json.Marshal(store.TaskProgress{ElapsedMS: elapsedMS, Message: message, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE queue_tasks SET progress = $1 WHERE task_id = $2`, progress, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID string, result map[string]interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_tasks SET status = $1, result = $2 WHERE task_id = $3`,
		store.TaskCompleted, resultJSON, taskID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, taskID string, taskErr store.TaskError) error {
	errJSON, err := json.Marshal(taskErr)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_tasks SET status = $1, error = $2 WHERE task_id = $3`,
		store.TaskFailed, errJSON, taskID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*store.QueueTask, error) {
	row := s.pool.QueryRow(ctx, selectTaskSQL+` WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// RecoverStaleTasks requeues every processing task whose heartbeat is older
// than threshold, per §4.5's stale-task recovery sweep.
func (s *Store) RecoverStaleTasks(ctx context.Context, threshold time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_tasks
		 SET status = $1, worker_id = NULL, claimed_at = NULL, heartbeat_at = NULL
		 WHERE status = $2 AND heartbeat_at < $3`,
		store.TaskQueued, store.TaskProcessing, threshold,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const taskColumns = `task_id, actor, payload, status, concurrency_group, worker_id, created_at, claimed_at, heartbeat_at, progress, result, error`

const selectTaskSQL = `SELECT ` + taskColumns + ` FROM queue_tasks`

func scanTask(row pgx.Row) (*store.QueueTask, error) {
	var t store.QueueTask
	var payload, progress, result, errData []byte
	var workerID *string
	if err := row.Scan(
		&t.TaskID, &t.Actor, &payload, &t.Status, &t.ConcurrencyGroup, &workerID,
		&t.CreatedAt, &t.ClaimedAt, &t.HeartbeatAt, &progress, &result, &errData,
	); err != nil {
		return nil, err
	}
	if workerID != nil {
		t.WorkerID = *workerID
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, err
		}
	}
	if len(progress) > 0 {
		t.Progress = &store.TaskProgress{}
		if err := json.Unmarshal(progress, t.Progress); err != nil {
			return nil, err
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, err
		}
	}
	if len(errData) > 0 {
		t.Error = &store.TaskError{}
		if err := json.Unmarshal(errData, t.Error); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*store.QueueTask, error) {
	var out []*store.QueueTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
