// Package pg is the Postgres-backed implementation of store.Store. It is the
// durable system of record for the event store, version store, and task
// queue; the virtual execution sandbox uses internal/store/memstore instead.
//
// Grounded on the teacher's common/db package: pgxpool.New with explicit
// MaxConns/MinConns/MaxConnIdleTime/MaxConnLifetime, a Ping-based health
// check at startup, and hand-written SQL with RETURNING clauses rather than
// an ORM.
package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/workflow-orchestrator/internal/config"
	"github.com/lyzr/workflow-orchestrator/internal/logger"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// Store wraps a pgxpool.Pool and implements store.Store.
type Store struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

var _ store.Store = (*Store)(nil)

// New opens a connection pool against cfg.Database and verifies it with a
// ping before returning.
func New(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
	))
	if err != nil {
		return nil, fmt.Errorf("pg: parse config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnIdleTime = cfg.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.MaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pg: new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}

	return &Store{pool: pool, log: log}, nil
}

// Close releases the pool's connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the schema if it does not already exist. It is
// idempotent and safe to call on every process start, mirroring the
// teacher's own startup bootstrap.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("pg: migrate: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	user_id    TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_templates (
	template_id TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(user_id),
	name        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS workflow_versions (
	version_id                 TEXT PRIMARY KEY,
	template_id                TEXT NOT NULL REFERENCES workflow_templates(template_id),
	content_hash                TEXT NOT NULL,
	source_type                 TEXT NOT NULL,
	version_type                 TEXT NOT NULL,
	parent_workflow_version_id TEXT,
	requires                     JSONB NOT NULL DEFAULT '[]',
	selected_paths               JSONB,
	resolved_workflow           JSONB NOT NULL,
	created_at                   TIMESTAMPTZ NOT NULL,
	UNIQUE (template_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_versions_parent ON workflow_versions(parent_workflow_version_id);

CREATE TABLE IF NOT EXISTS workflow_runs (
	workflow_run_id          TEXT PRIMARY KEY,
	template_id              TEXT NOT NULL REFERENCES workflow_templates(template_id),
	user_id                  TEXT NOT NULL REFERENCES users(user_id),
	current_workflow_version_id TEXT NOT NULL,
	current_branch_id        TEXT NOT NULL,
	status                    TEXT NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL,
	updated_at                TIMESTAMPTZ NOT NULL,
	status_version            BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS branches (
	branch_id       TEXT PRIMARY KEY,
	workflow_run_id TEXT NOT NULL REFERENCES workflow_runs(workflow_run_id),
	lineage         JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_branches_run ON branches(workflow_run_id);

CREATE TABLE IF NOT EXISTS events (
	event_id             TEXT PRIMARY KEY,
	workflow_run_id      TEXT NOT NULL REFERENCES workflow_runs(workflow_run_id),
	branch_id            TEXT NOT NULL,
	workflow_version_id  TEXT NOT NULL,
	event_type            TEXT NOT NULL,
	timestamp             TIMESTAMPTZ NOT NULL,
	step_id               TEXT,
	module_name            TEXT,
	data                  JSONB
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(workflow_run_id, event_id);
CREATE INDEX IF NOT EXISTS idx_events_branch ON events(branch_id, event_id);

CREATE TABLE IF NOT EXISTS workflow_files (
	file_id         TEXT PRIMARY KEY,
	workflow_run_id TEXT NOT NULL REFERENCES workflow_runs(workflow_run_id),
	branch_id       TEXT NOT NULL,
	category        TEXT NOT NULL,
	group_id        TEXT,
	filename        TEXT NOT NULL,
	content_type    TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (workflow_run_id, branch_id, category, group_id, filename)
);

CREATE TABLE IF NOT EXISTS option_usage (
	template_id TEXT NOT NULL,
	key         TEXT NOT NULL,
	count       BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (template_id, key)
);

CREATE TABLE IF NOT EXISTS weighted_keywords (
	template_id TEXT NOT NULL,
	keyword     TEXT NOT NULL,
	weight      DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (template_id, keyword)
);

CREATE TABLE IF NOT EXISTS queue_tasks (
	task_id           TEXT PRIMARY KEY,
	actor             TEXT NOT NULL,
	payload           JSONB,
	status            TEXT NOT NULL,
	concurrency_group TEXT NOT NULL,
	worker_id         TEXT,
	created_at        TIMESTAMPTZ NOT NULL,
	claimed_at        TIMESTAMPTZ,
	heartbeat_at      TIMESTAMPTZ,
	progress          JSONB,
	result            JSONB,
	error             JSONB
);
CREATE INDEX IF NOT EXISTS idx_tasks_queued ON queue_tasks(concurrency_group, status, created_at);

CREATE TABLE IF NOT EXISTS generation_metadata (
	generation_id   TEXT PRIMARY KEY,
	workflow_run_id TEXT NOT NULL,
	interaction_id  TEXT NOT NULL,
	provider        TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS content_items (
	content_id    TEXT PRIMARY KEY,
	generation_id TEXT NOT NULL REFERENCES generation_metadata(generation_id),
	content_type  TEXT NOT NULL,
	uri           TEXT,
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL
);
`
