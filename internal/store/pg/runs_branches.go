package pg

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/workflow-orchestrator/internal/store"
)

func (s *Store) CreateRun(ctx context.Context, r *store.WorkflowRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_runs
			(workflow_run_id, template_id, user_id, current_workflow_version_id,
			 current_branch_id, status, created_at, updated_at, status_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)`,
		r.WorkflowRunID, r.TemplateID, r.UserID, r.CurrentVersionID,
		r.CurrentBranchID, r.Status, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (*store.WorkflowRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT workflow_run_id, template_id, user_id, current_workflow_version_id,
		        current_branch_id, status, created_at, updated_at, status_version
		 FROM workflow_runs WHERE workflow_run_id = $1`,
		runID,
	)
	var r store.WorkflowRun
	if err := row.Scan(
		&r.WorkflowRunID, &r.TemplateID, &r.UserID, &r.CurrentVersionID,
		&r.CurrentBranchID, &r.Status, &r.CreatedAt, &r.UpdatedAt, &r.StatusVersion,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// CompareAndSwapRunStatus implements the optimistic-concurrency gate of
// §4.3 as a single conditional UPDATE: the row only advances if its
// status_version still matches what the caller last observed. A 0-row
// update means another goroutine (or process) already raced ahead, which
// the engine surfaces as a "workflow busy" concurrency error.
func (s *Store) CompareAndSwapRunStatus(ctx context.Context, runID string, expectedVersion int64, status store.RunStatus, currentBranchID, currentVersionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $1,
		     current_branch_id = COALESCE(NULLIF($2, ''), current_branch_id),
		     current_workflow_version_id = COALESCE(NULLIF($3, ''), current_workflow_version_id),
		     status_version = status_version + 1,
		     updated_at = now()
		 WHERE workflow_run_id = $4 AND status_version = $5`,
		status, currentBranchID, currentVersionID, runID, expectedVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CreateBranch(ctx context.Context, b *store.Branch) error {
	lineage, err := json.Marshal(b.Lineage)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO branches (branch_id, workflow_run_id, lineage, created_at) VALUES ($1, $2, $3, $4)`,
		b.BranchID, b.WorkflowRunID, lineage, b.CreatedAt,
	)
	return err
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (*store.Branch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT branch_id, workflow_run_id, lineage, created_at FROM branches WHERE branch_id = $1`,
		branchID,
	)
	var b store.Branch
	var lineage []byte
	if err := row.Scan(&b.BranchID, &b.WorkflowRunID, &lineage, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(lineage, &b.Lineage); err != nil {
		return nil, err
	}
	return &b, nil
}
