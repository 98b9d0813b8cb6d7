package pg

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/workflow-orchestrator/internal/store"
)

func (s *Store) GetVersionByHash(ctx context.Context, templateID, contentHash string) (*store.WorkflowVersion, error) {
	row := s.pool.QueryRow(ctx, selectVersionSQL+` WHERE template_id = $1 AND content_hash = $2`, templateID, contentHash)
	return scanVersion(row)
}

func (s *Store) GetVersionByID(ctx context.Context, versionID string) (*store.WorkflowVersion, error) {
	row := s.pool.QueryRow(ctx, selectVersionSQL+` WHERE version_id = $1`, versionID)
	return scanVersion(row)
}

func (s *Store) CreateVersion(ctx context.Context, v *store.WorkflowVersion) error {
	requires, err := json.Marshal(v.Requires)
	if err != nil {
		return err
	}
	var selectedPaths []byte
	if v.SelectedPaths != nil {
		selectedPaths, err = json.Marshal(v.SelectedPaths)
		if err != nil {
			return err
		}
	}
	resolved, err := json.Marshal(v.ResolvedWorkflow)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_versions
			(version_id, template_id, content_hash, source_type, version_type,
			 parent_workflow_version_id, requires, selected_paths, resolved_workflow, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (template_id, content_hash) DO NOTHING`,
		v.VersionID, v.TemplateID, v.ContentHash, v.SourceType, v.VersionType,
		v.ParentWorkflowVersionID, requires, selectedPaths, resolved, v.CreatedAt,
	)
	return err
}

func (s *Store) ListResolvedChildren(ctx context.Context, unresolvedParentID string) ([]*store.WorkflowVersion, error) {
	rows, err := s.pool.Query(ctx, selectVersionSQL+` WHERE parent_workflow_version_id = $1`, unresolvedParentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.WorkflowVersion
	for rows.Next() {
		v, err := scanVersionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const selectVersionSQL = `
SELECT version_id, template_id, content_hash, source_type, version_type,
       parent_workflow_version_id, requires, selected_paths, resolved_workflow, created_at
FROM workflow_versions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row pgx.Row) (*store.WorkflowVersion, error) {
	v, err := scanVersionRows(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func scanVersionRows(row scanner) (*store.WorkflowVersion, error) {
	var v store.WorkflowVersion
	var requires, selectedPaths, resolved []byte
	if err := row.Scan(
		&v.VersionID, &v.TemplateID, &v.ContentHash, &v.SourceType, &v.VersionType,
		&v.ParentWorkflowVersionID, &requires, &selectedPaths, &resolved, &v.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(requires, &v.Requires); err != nil {
		return nil, err
	}
	if selectedPaths != nil {
		if err := json.Unmarshal(selectedPaths, &v.SelectedPaths); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(resolved, &v.ResolvedWorkflow); err != nil {
		return nil, err
	}
	return &v, nil
}
