package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/workflow-orchestrator/internal/store"
)

func (s *Store) PutFile(ctx context.Context, f *store.WorkflowFile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_files
			(file_id, workflow_run_id, branch_id, category, group_id, filename, content_type, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (workflow_run_id, branch_id, category, group_id, filename)
		 DO UPDATE SET content = EXCLUDED.content, content_type = EXCLUDED.content_type, created_at = EXCLUDED.created_at`,
		f.FileID, f.WorkflowRunID, f.BranchID, f.Category, nullable(f.GroupID), f.Filename,
		f.ContentType, f.Content, f.CreatedAt,
	)
	return err
}

func (s *Store) GetFile(ctx context.Context, runID, branchID string, category store.FileCategory, groupID, filename string) (*store.WorkflowFile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT file_id, workflow_run_id, branch_id, category, COALESCE(group_id, ''), filename, content_type, content, created_at
		 FROM workflow_files
		 WHERE workflow_run_id = $1 AND branch_id = $2 AND category = $3 AND COALESCE(group_id, '') = $4 AND filename = $5`,
		runID, branchID, category, groupID, filename,
	)
	var f store.WorkflowFile
	if err := row.Scan(
		&f.FileID, &f.WorkflowRunID, &f.BranchID, &f.Category, &f.GroupID, &f.Filename,
		&f.ContentType, &f.Content, &f.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (s *Store) IncrementOptionUsage(ctx context.Context, templateID, key string, delta int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO option_usage (template_id, key, count) VALUES ($1, $2, $3)
		 ON CONFLICT (template_id, key) DO UPDATE SET count = option_usage.count + $3`,
		templateID, key, delta,
	)
	return err
}

func (s *Store) TopWeightedKeywords(ctx context.Context, templateID string, limit int) ([]store.WeightedKeyword, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT template_id, keyword, weight FROM weighted_keywords
		 WHERE template_id = $1 ORDER BY weight DESC LIMIT $2`,
		templateID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.WeightedKeyword
	for rows.Next() {
		var k store.WeightedKeyword
		if err := rows.Scan(&k.TemplateID, &k.Keyword, &k.Weight); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) RecordKeywordWeight(ctx context.Context, templateID, keyword string, weight float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO weighted_keywords (template_id, keyword, weight) VALUES ($1, $2, $3)
		 ON CONFLICT (template_id, keyword) DO UPDATE SET weight = EXCLUDED.weight`,
		templateID, keyword, weight,
	)
	return err
}
