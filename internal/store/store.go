package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// EventFilter narrows a raw getEvents query (spec.md §4.1).
type EventFilter struct {
	Types       []EventType
	StepID      string
	ModuleName  string
	SinceTime   *time.Time
	Limit       int
}

// Store is the full set of collection operations the engine, version
// store, queue, and sandbox are built against. Both the Postgres
// implementation (internal/store/pg) and the in-memory implementation
// (internal/store/memstore) satisfy it, so the engine never knows whether
// it is running against durable storage or a virtual sandbox namespace.
type Store interface {
	// Users
	GetOrCreateUser(ctx context.Context, userID string) (*User, error)

	// Templates
	GetOrCreateTemplate(ctx context.Context, userID, name string) (*WorkflowTemplate, error)
	GetTemplateByID(ctx context.Context, templateID string) (*WorkflowTemplate, error)

	// Versions
	GetVersionByHash(ctx context.Context, templateID, contentHash string) (*WorkflowVersion, error)
	GetVersionByID(ctx context.Context, versionID string) (*WorkflowVersion, error)
	CreateVersion(ctx context.Context, v *WorkflowVersion) error
	ListResolvedChildren(ctx context.Context, unresolvedParentID string) ([]*WorkflowVersion, error)

	// Runs
	CreateRun(ctx context.Context, r *WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)
	// CompareAndSwapRunStatus implements the optimistic-concurrency check of
	// §4.3: it succeeds only if the run's current StatusVersion matches
	// expectedVersion, incrementing it atomically. Returns false, nil on a
	// lost race (caller should surface a "workflow busy" concurrency error).
	CompareAndSwapRunStatus(ctx context.Context, runID string, expectedVersion int64, status RunStatus, currentBranchID, currentVersionID string) (bool, error)

	// Branches
	CreateBranch(ctx context.Context, b *Branch) error
	GetBranch(ctx context.Context, branchID string) (*Branch, error)

	// Events
	AppendEvent(ctx context.Context, e *Event) error
	GetEvents(ctx context.Context, runID string, filter EventFilter) ([]*Event, error)
	GetEventsByBranchUpTo(ctx context.Context, branchID string, cutoff *string) ([]*Event, error)
	DeleteRunEvents(ctx context.Context, runID string) (int, error)

	// Files
	PutFile(ctx context.Context, f *WorkflowFile) error
	GetFile(ctx context.Context, runID, branchID string, category FileCategory, groupID, filename string) (*WorkflowFile, error)

	// Option usage / weighted keywords (scoped by template only)
	IncrementOptionUsage(ctx context.Context, templateID, key string, delta int64) error
	TopWeightedKeywords(ctx context.Context, templateID string, limit int) ([]WeightedKeyword, error)
	RecordKeywordWeight(ctx context.Context, templateID, keyword string, weight float64) error

	// Queue tasks
	EnqueueTask(ctx context.Context, t *QueueTask) error
	GetQueuedTasksByConcurrency(ctx context.Context, group string, limit int) ([]*QueueTask, error)
	CountProcessing(ctx context.Context, group string) (int, error)
	ClaimTask(ctx context.Context, taskID, workerID, group string, maxConcurrent int) (*QueueTask, error)
	UpdateHeartbeat(ctx context.Context, taskID string) error
	UpdateProgress(ctx context.Context, taskID string, elapsedMS int64, message string) error
	CompleteTask(ctx context.Context, taskID string, result map[string]interface{}) error
	FailTask(ctx context.Context, taskID string, taskErr TaskError) error
	GetTask(ctx context.Context, taskID string) (*QueueTask, error)
	RecoverStaleTasks(ctx context.Context, threshold time.Time) (int, error)

	// Generated content
	PutGenerationMetadata(ctx context.Context, g *GenerationMetadata) error
	PutContentItem(ctx context.Context, c *ContentItem) error
	ListContentByRun(ctx context.Context, runID string) ([]*ContentItem, error)

	// Snapshot/restore for the virtual sandbox blob round-trip (spec.md §4.6).
	// Snapshot returns every collection keyed by name; Import loads a
	// previously-exported snapshot into a fresh, empty Store.
	Snapshot(ctx context.Context) (map[string][]map[string]interface{}, error)
	Import(ctx context.Context, collections map[string][]map[string]interface{}) error
}
