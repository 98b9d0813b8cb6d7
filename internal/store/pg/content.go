package pg

import (
	"context"
	"encoding/json"

	"github.com/lyzr/workflow-orchestrator/internal/store"
)

func (s *Store) PutGenerationMetadata(ctx context.Context, g *store.GenerationMetadata) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO generation_metadata (generation_id, workflow_run_id, interaction_id, provider, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (generation_id) DO NOTHING`,
		g.GenerationID, g.WorkflowRunID, g.InteractionID, g.Provider, g.CreatedAt,
	)
	return err
}

func (s *Store) PutContentItem(ctx context.Context, c *store.ContentItem) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO content_items (content_id, generation_id, content_type, uri, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (content_id) DO NOTHING`,
		c.ContentID, c.GenerationID, c.ContentType, nullable(c.URI), metadata, c.CreatedAt,
	)
	return err
}

func (s *Store) ListContentByRun(ctx context.Context, runID string) ([]*store.ContentItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ci.content_id, ci.generation_id, ci.content_type, COALESCE(ci.uri, ''), ci.metadata, ci.created_at
		 FROM content_items ci
		 JOIN generation_metadata gm ON gm.generation_id = ci.generation_id
		 WHERE gm.workflow_run_id = $1`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ContentItem
	for rows.Next() {
		var c store.ContentItem
		var metadata []byte
		if err := rows.Scan(&c.ContentID, &c.GenerationID, &c.ContentType, &c.URI, &metadata, &c.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
