// Package store defines the persisted document shapes shared by every
// collection (users, templates, versions, runs, branches, events, files,
// queue tasks, generated content) and the Store interface that both the
// Postgres-backed implementation and the in-memory sandbox implementation
// satisfy.
package store

import "time"

// User is the account the core treats as opaque beyond its identity.
type User struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowTemplate gives a workflow stable identity by (user, name).
type WorkflowTemplate struct {
	TemplateID string    `json:"template_id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// VersionType distinguishes runnable uploads from their meta-node parents
// and the resolved flattenings derived from them.
type VersionType string

const (
	VersionRaw        VersionType = "raw"
	VersionUnresolved VersionType = "unresolved"
	VersionResolved   VersionType = "resolved"
)

// SourceType records whether the original upload was a bare JSON document
// or a zip bundle of $ref targets.
type SourceType string

const (
	SourceJSON SourceType = "json"
	SourceZip  SourceType = "zip"
)

// Requirement is one capability entry accumulated from a chosen execution
// group path.
type Requirement struct {
	Capability string `json:"capability"`
	Priority   int    `json:"priority"`
}

// WorkflowVersion is a content-addressed, immutable snapshot of a workflow
// document.
type WorkflowVersion struct {
	VersionID               string                 `json:"version_id"`
	TemplateID              string                 `json:"template_id"`
	ContentHash             string                 `json:"content_hash"`
	SourceType              SourceType             `json:"source_type"`
	VersionType             VersionType            `json:"version_type"`
	ParentWorkflowVersionID *string                `json:"parent_workflow_version_id,omitempty"`
	Requires                []Requirement          `json:"requires"`
	SelectedPaths           map[string]string       `json:"selected_paths,omitempty"`
	ResolvedWorkflow        map[string]interface{} `json:"resolved_workflow"`
	CreatedAt               time.Time              `json:"created_at"`
}

// RunStatus is the run's lifecycle state.
type RunStatus string

const (
	RunCreated          RunStatus = "created"
	RunProcessing       RunStatus = "processing"
	RunAwaitingInput    RunStatus = "awaiting_input"
	RunCompleted        RunStatus = "completed"
	RunError            RunStatus = "error"
	RunValidationFailed RunStatus = "validation_failed"
)

// WorkflowRun is one execution of a workflow version for a user.
type WorkflowRun struct {
	WorkflowRunID         string    `json:"workflow_run_id"`
	TemplateID            string    `json:"template_id"`
	UserID                string    `json:"user_id"`
	CurrentVersionID      string    `json:"current_workflow_version_id"`
	CurrentBranchID       string    `json:"current_branch_id"`
	Status                RunStatus `json:"status"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	// StatusVersion backs the optimistic-concurrency check in §4.3: two
	// concurrent resume calls race on a compare-and-swap of this counter.
	StatusVersion int64 `json:"status_version"`
}

// LineageEntry is one (branch, cutoff) pair in a branch's root-first lineage.
type LineageEntry struct {
	BranchID       string  `json:"branch_id"`
	CutoffEventID  *string `json:"cutoff_event_id,omitempty"`
}

// Branch is an execution lineage within a run.
type Branch struct {
	BranchID      string         `json:"branch_id"`
	WorkflowRunID string         `json:"workflow_run_id"`
	Lineage       []LineageEntry `json:"lineage"`
	CreatedAt     time.Time      `json:"created_at"`
}

// RootBranchID returns the run's root branch, the first lineage entry.
func (b *Branch) RootBranchID() string {
	if len(b.Lineage) == 0 {
		return b.BranchID
	}
	return b.Lineage[0].BranchID
}

// EventType enumerates the append-only event kinds of spec.md §3.
type EventType string

const (
	EventWorkflowCreated      EventType = "workflow_created"
	EventWorkflowResumed      EventType = "workflow_resumed"
	EventWorkflowCompleted    EventType = "workflow_completed"
	EventWorkflowError        EventType = "workflow_error"
	EventWorkflowRecovered    EventType = "workflow_recovered"
	EventStepStarted          EventType = "step_started"
	EventStepCompleted        EventType = "step_completed"
	EventStepError            EventType = "step_error"
	EventModuleError           EventType = "module_error"
	EventInteractionRequested EventType = "interaction_requested"
	EventInteractionResponse  EventType = "interaction_response"
	EventRetryRequested       EventType = "retry_requested"
	EventJumpBackRequested    EventType = "jump_back_requested"
	EventOutputStored         EventType = "output_stored"
	EventVersionUpdated       EventType = "version_updated"
)

// Event is one append-only, immutable entry in the run's log.
type Event struct {
	EventID           string                 `json:"event_id"`
	WorkflowRunID     string                 `json:"workflow_run_id"`
	BranchID          string                 `json:"branch_id"`
	WorkflowVersionID string                 `json:"workflow_version_id"`
	EventType         EventType              `json:"event_type"`
	Timestamp         time.Time              `json:"timestamp"`
	StepID            string                 `json:"step_id,omitempty"`
	ModuleName        string                 `json:"module_name,omitempty"`
	Data              map[string]interface{} `json:"data,omitempty"`
}

// FileCategory groups workflow files by role.
type FileCategory string

const (
	FileRoot     FileCategory = "root"
	FileOutputs  FileCategory = "outputs"
	FileAPICalls FileCategory = "api_calls"
)

// FileContentType distinguishes text/json/binary-ref payloads.
type FileContentType string

const (
	ContentText      FileContentType = "text"
	ContentJSON      FileContentType = "json"
	ContentBinaryRef FileContentType = "binary-ref"
)

// WorkflowFile is a content-addressed-by-logical-path artifact written by a
// module during a run.
type WorkflowFile struct {
	FileID        string          `json:"file_id"`
	WorkflowRunID string          `json:"workflow_run_id"`
	BranchID      string          `json:"branch_id"`
	Category      FileCategory    `json:"category"`
	GroupID       string          `json:"group_id,omitempty"`
	Filename      string          `json:"filename"`
	ContentType   FileContentType `json:"content_type"`
	Content       string          `json:"content"`
	CreatedAt     time.Time       `json:"created_at"`
}

// OptionUsage is a keyed counter scoped to a template, used by addons to
// bias future option ordering.
type OptionUsage struct {
	TemplateID string `json:"template_id"`
	Key        string `json:"key"`
	Count      int64  `json:"count"`
}

// WeightedKeyword is a keyed weight scoped to a template.
type WeightedKeyword struct {
	TemplateID string  `json:"template_id"`
	Keyword    string  `json:"keyword"`
	Weight     float64 `json:"weight"`
}

// TaskStatus is the queue task lifecycle state.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskProgress is the latest {elapsed_ms, message} reported by a worker.
type TaskProgress struct {
	ElapsedMS int64     `json:"elapsed_ms"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskError classifies a failed task (§7: "Queue / provider errors").
type TaskError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// QueueTask is one unit of out-of-band work submitted by a module.
type QueueTask struct {
	TaskID           string                 `json:"task_id"`
	Actor            string                 `json:"actor"`
	Payload          map[string]interface{} `json:"payload"`
	Status           TaskStatus             `json:"status"`
	ConcurrencyGroup string                 `json:"concurrency_group"`
	WorkerID         string                 `json:"worker_id,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	ClaimedAt        *time.Time             `json:"claimed_at,omitempty"`
	HeartbeatAt      *time.Time             `json:"heartbeat_at,omitempty"`
	Progress         *TaskProgress          `json:"progress,omitempty"`
	Result           map[string]interface{} `json:"result,omitempty"`
	Error            *TaskError             `json:"error,omitempty"`
}

// GenerationMetadata links a workflow interaction to an externally produced
// artifact generation request.
type GenerationMetadata struct {
	GenerationID  string    `json:"generation_id"`
	WorkflowRunID string    `json:"workflow_run_id"`
	InteractionID string    `json:"interaction_id"`
	Provider      string    `json:"provider"`
	CreatedAt     time.Time `json:"created_at"`
}

// ContentItem is the generated artifact itself, referenced by GenerationID.
type ContentItem struct {
	ContentID    string                 `json:"content_id"`
	GenerationID string                 `json:"generation_id"`
	ContentType  string                 `json:"content_type"`
	URI          string                 `json:"uri,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
