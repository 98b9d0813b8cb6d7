package engine

import (
	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// ExecutionTarget halts execution before the named module, the
// preview-bounded execution of spec.md §4.3 point 5.
type ExecutionTarget struct {
	StepID     string
	ModuleName string
}

// Progress is the step/module progress snapshot returned on every response.
type Progress struct {
	CurrentStep    string `json:"current_step,omitempty"`
	CurrentModule  string `json:"current_module,omitempty"`
	CompletedSteps int    `json:"completed_steps"`
	TotalSteps     int    `json:"total_steps"`
	StepIndex      int    `json:"step_index"`
}

// WorkflowResponse is the shape every engine call returns (spec.md §6).
type WorkflowResponse struct {
	WorkflowRunID       string                          `json:"workflow_run_id"`
	Status              store.RunStatus                 `json:"status"`
	Message             string                          `json:"message,omitempty"`
	Progress            *Progress                       `json:"progress,omitempty"`
	InteractionRequest  *moduleiface.InteractionRequest `json:"interaction_request,omitempty"`
	Result              map[string]interface{}          `json:"result,omitempty"`
	Error               *ErrorInfo                      `json:"error,omitempty"`
	ValidationErrors    []errors.ValidationIssue        `json:"validation_errors,omitempty"`
	ValidationWarnings  []string                        `json:"validation_warnings,omitempty"`
}

// ErrorInfo is the wire shape of a classified error on a response.
type ErrorInfo struct {
	Kind    errors.Kind    `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// InteractionPair is one completed (request, response) pair for
// getInteractionHistory, plus the timestamps each was recorded at.
type InteractionPair struct {
	InteractionID string                            `json:"interaction_id"`
	Request       moduleiface.InteractionRequest    `json:"request"`
	Response      moduleiface.InteractionResponse   `json:"response"`
	RequestedAt   string                            `json:"requested_at"`
	RespondedAt   string                            `json:"responded_at"`
}
