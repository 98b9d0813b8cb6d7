package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/workflow-orchestrator/internal/idgen"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

func (s *Store) GetOrCreateUser(ctx context.Context, userID string) (*store.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT user_id, created_at FROM users WHERE user_id = $1`, userID)
	var u store.User
	if err := row.Scan(&u.UserID, &u.CreatedAt); err == nil {
		return &u, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	u = store.User{UserID: userID, CreatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, created_at) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		u.UserID, u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetOrCreateTemplate(ctx context.Context, userID, name string) (*store.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT template_id, user_id, name, created_at FROM workflow_templates WHERE user_id = $1 AND name = $2`,
		userID, name,
	)
	var t store.WorkflowTemplate
	if err := row.Scan(&t.TemplateID, &t.UserID, &t.Name, &t.CreatedAt); err == nil {
		return &t, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	t = store.WorkflowTemplate{
		TemplateID: idgen.New(),
		UserID:     userID,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	row = s.pool.QueryRow(ctx,
		`INSERT INTO workflow_templates (template_id, user_id, name, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING template_id, user_id, name, created_at`,
		t.TemplateID, t.UserID, t.Name, t.CreatedAt,
	)
	if err := row.Scan(&t.TemplateID, &t.UserID, &t.Name, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetTemplateByID(ctx context.Context, templateID string) (*store.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT template_id, user_id, name, created_at FROM workflow_templates WHERE template_id = $1`,
		templateID,
	)
	var t store.WorkflowTemplate
	if err := row.Scan(&t.TemplateID, &t.UserID, &t.Name, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}
