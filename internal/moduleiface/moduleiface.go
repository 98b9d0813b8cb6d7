// Package moduleiface defines the module contract the engine drives.
// Concrete module implementations (text input, file write, LLM call, media
// generation) are explicitly out of scope (spec.md §1) — only the
// interfaces the core uses are specified here.
package moduleiface

import "context"

// InputSchema is a module's declared input schema, the JSON-schema-shaped
// tree the resolver's resolveWithSchema walks (internal/resolver).
type InputSchema map[string]interface{}

// OutputSchema is a module's declared output shape, used by mock mode to
// synthesize deterministic placeholder outputs and by execution-group
// validators.
type OutputSchema map[string]interface{}

// Capability is the polymorphic dispatch tag design note §9 calls for: a
// module is exactly one of these three, never more than one.
type Capability int

const (
	CapabilityExecutable Capability = iota
	CapabilityInteractive
	CapabilitySubActionHost
)

// Descriptor is the common surface every module exposes regardless of
// capability.
type Descriptor interface {
	ModuleID() string
	InputSchema() InputSchema
	OutputSchema() OutputSchema
	Capability() Capability
}

// ExecInputs is the resolved input map handed to a module call.
type ExecInputs map[string]interface{}

// ExecContext is the {state, module, step, config} context available to a
// module, mirroring resolver.Context so modules need not import the
// resolver package directly.
type ExecContext struct {
	State  map[string]interface{}
	Module map[string]interface{}
	Step   map[string]interface{}
	Config map[string]interface{}
}

// ExecOutputs is what a module returns on success.
type ExecOutputs map[string]interface{}

// Executable is a synchronous, non-suspending module: outputs given inputs
// and context.
type Executable interface {
	Descriptor
	Execute(ctx context.Context, inputs ExecInputs, execCtx ExecContext) (ExecOutputs, error)
}

// InteractionRequest is what an Interactive module emits to suspend a run.
type InteractionRequest struct {
	InteractionID  string                 `json:"interaction_id"`
	Type           string                 `json:"type"`
	Title          string                 `json:"title"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
	Options        []map[string]interface{} `json:"options,omitempty"`
	ResolverSchema map[string]interface{} `json:"resolver_schema,omitempty"`
}

// InteractionResponse is what the caller supplies to resume an Interactive
// module, a tagged union over spec.md §6's response shapes.
type InteractionResponse struct {
	Value              interface{}            `json:"value,omitempty"`
	SelectedIndices     []int                  `json:"selected_indices,omitempty"`
	SelectedOptions     []map[string]interface{} `json:"selected_options,omitempty"`
	FormData            map[string]interface{} `json:"form_data,omitempty"`
	FileWritten          bool                   `json:"file_written,omitempty"`
	FilePath             string                 `json:"file_path,omitempty"`
	FileError            string                 `json:"file_error,omitempty"`
	SelectedContentID    string                 `json:"selected_content_id,omitempty"`
	SelectedContent      interface{}            `json:"selected_content,omitempty"`
	Generations          []map[string]interface{} `json:"generations,omitempty"`
	Cancelled            bool                   `json:"cancelled,omitempty"`
	RetryRequested        bool                   `json:"retry_requested,omitempty"`
	RetryFeedback         string                 `json:"retry_feedback,omitempty"`
	RetryGroups           []string               `json:"retry_groups,omitempty"`
	JumpBackRequested     bool                   `json:"jump_back_requested,omitempty"`
	JumpBackTarget        string                 `json:"jump_back_target,omitempty"`
}

// IsBranchRequest reports whether the response should be routed to the
// branching protocol (§4.1) instead of being treated as ordinary outputs.
func (r InteractionResponse) IsBranchRequest() bool {
	return r.RetryRequested || r.JumpBackRequested
}

// Interactive is a module that first produces an InteractionRequest, then
// on a later call consumes an InteractionResponse and returns outputs.
type Interactive interface {
	Descriptor
	GetInteractionRequest(ctx context.Context, inputs ExecInputs, execCtx ExecContext) (*InteractionRequest, error)
	ExecuteWithResponse(ctx context.Context, inputs ExecInputs, execCtx ExecContext, response InteractionResponse) (ExecOutputs, error)
}

// SubActionEvent is one event in a sub-action's stream (§6's SSE types).
type SubActionEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// SubActionHost is a module that executes a streaming side effect before
// returning outputs.
type SubActionHost interface {
	Descriptor
	RunSubAction(ctx context.Context, actionID string, params map[string]interface{}, execCtx ExecContext) (<-chan SubActionEvent, error)
}

// Constructor builds a fresh module instance. The registry stores
// constructors rather than instances (design note §9) to guarantee no
// state leaks between calls.
type Constructor func() Descriptor

// Registry is the immutable, process-wide module-id → constructor map.
// It is populated once at process start and never mutated afterward;
// tests use a separate instance (design note §9).
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry ready for Register calls during
// process bootstrap.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a module constructor under moduleID. Intended to be called
// only during process bootstrap, before any engine call is served.
func (r *Registry) Register(moduleID string, ctor Constructor) {
	r.constructors[moduleID] = ctor
}

// New instantiates a fresh module for moduleID, or false if unregistered —
// an execution-boundary error (§7) at the call site.
func (r *Registry) New(moduleID string) (Descriptor, bool) {
	ctor, ok := r.constructors[moduleID]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Has reports whether moduleID is registered.
func (r *Registry) Has(moduleID string) bool {
	_, ok := r.constructors[moduleID]
	return ok
}
