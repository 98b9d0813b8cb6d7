// Package engine implements the resumable workflow execution state machine
// of spec.md §4.3: it walks steps/modules, resolves templated inputs,
// suspends on interaction, and persists every observable transition via
// event sourcing.
//
// Grounded on the teacher's cmd/workflow-runner/coordinator/coordinator.go
// dispatch loop shape (signal -> classify -> route -> append event),
// generalized from token/DAG routing to the step/module walk with
// interactive suspension, and its condition.Evaluator CEL compile-and-cache
// pattern, promoted here into addon/retry predicate evaluation.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/cel-go/cel"

	"github.com/lyzr/workflow-orchestrator/internal/addons"
	"github.com/lyzr/workflow-orchestrator/internal/condition"
	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/eventstore"
	"github.com/lyzr/workflow-orchestrator/internal/idgen"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/resolver"
	"github.com/lyzr/workflow-orchestrator/internal/store"
	"github.com/lyzr/workflow-orchestrator/internal/versionstore"
)

// Engine drives workflow runs against a store.Store. A single Engine
// instance is shared process-wide; its runGate serializes calls per run.
type Engine struct {
	db         store.Store
	events     *eventstore.EventStore
	versions   *versionstore.VersionStore
	registry   *moduleiface.Registry
	resolver   *resolver.Resolver
	addonPipe  *addons.Pipeline
	celEnv     *cel.Env
	guard      *condition.Evaluator
	log        *slog.Logger
	gate       *runGate
}

// New builds an Engine. celEnv compiles the retry/jump-back eligibility
// guard a module may declare via `retry_if` (evaluated against
// module_outputs/state at retry time); it may be nil if no guard-bearing
// workflows are expected, in which case every guard is treated as absent.
func New(db store.Store, registry *moduleiface.Registry, addonPipe *addons.Pipeline, celEnv *cel.Env, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		db:        db,
		events:    eventstore.New(db),
		versions:  versionstore.New(db),
		registry:  registry,
		resolver:  resolver.New(log),
		addonPipe: addonPipe,
		celEnv:    celEnv,
		guard:     condition.New(celEnv),
		log:       log,
		gate:      newRunGate(),
	}
}

// incomingResponse carries a caller's response into the run loop, nil for
// a fresh start or an unconditional retry sweep.
type incomingResponse struct {
	InteractionID string
	Response      moduleiface.InteractionResponse
}

// StartWorkflowByVersion begins a new run of the named version (spec.md
// §6). A fresh root branch is created and the walk proceeds until
// suspension, completion, or the target boundary.
func (e *Engine) StartWorkflowByVersion(ctx context.Context, userID, versionID string, target *ExecutionTarget, mock bool) (*WorkflowResponse, error) {
	version, err := e.db.GetVersionByID(ctx, versionID)
	if err != nil {
		return nil, errors.Wrap(errors.KindExecutionBoundary, "version not found", err)
	}
	if version.VersionType == store.VersionUnresolved {
		return nil, errors.New(errors.KindValidation, "cannot start a run from an unresolved version; select an execution-group path first")
	}

	runID := idgen.New()
	branch, err := e.events.NewRootBranch(ctx, runID)
	if err != nil {
		return nil, err
	}

	run := &store.WorkflowRun{
		WorkflowRunID:    runID,
		TemplateID:       version.TemplateID,
		UserID:           userID,
		CurrentVersionID: version.VersionID,
		CurrentBranchID:  branch.BranchID,
		Status:           store.RunCreated,
	}
	if err := e.db.CreateRun(ctx, run); err != nil {
		return nil, errors.Wrap(errors.KindFatal, "create run", err)
	}

	if _, err := e.events.Append(ctx, &store.Event{
		WorkflowRunID:     runID,
		BranchID:          branch.BranchID,
		WorkflowVersionID: version.VersionID,
		EventType:         store.EventWorkflowCreated,
	}); err != nil {
		return nil, err
	}

	release, ok := e.gate.TryAcquire(runID)
	if !ok {
		return nil, errors.New(errors.KindConcurrency, "workflow busy")
	}
	defer release()

	return e.runLoop(ctx, run, version, target, mock, nil)
}

// Respond resumes a run with a reply to its pending interaction, optionally
// submitting an updated workflow document to trigger a mid-run version
// update (spec.md §4.3 "Mid-run version update").
func (e *Engine) Respond(ctx context.Context, runID, interactionID string, response moduleiface.InteractionResponse, updatedWorkflow map[string]interface{}, target *ExecutionTarget, mock bool) (*WorkflowResponse, error) {
	release, ok := e.gate.TryAcquire(runID)
	if !ok {
		return nil, errors.New(errors.KindConcurrency, "workflow busy")
	}
	defer release()

	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(errors.KindExecutionBoundary, "run not found", err)
	}
	version, err := e.db.GetVersionByID(ctx, run.CurrentVersionID)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "current version not found", err)
	}

	if updatedWorkflow != nil {
		version, err = e.applyMidRunVersionUpdate(ctx, run, updatedWorkflow)
		if err != nil {
			return nil, err
		}
	}

	return e.runLoop(ctx, run, version, target, mock, &incomingResponse{InteractionID: interactionID, Response: response})
}

// applyMidRunVersionUpdate stores updatedWorkflow as a new version if
// unseen, appends a version_updated event carrying a JSON merge-patch diff
// against the run's previous version document for audit/debugging, and
// advances the run's current_workflow_version_id. Step/module identity
// continues to be established purely by (step_id, module_name), so steps or
// modules added after the current position are picked up; edits to
// already-executed modules are stored but do not re-execute them (non-goal:
// "dynamic workflow topology" changes do not retroactively alter history).
func (e *Engine) applyMidRunVersionUpdate(ctx context.Context, run *store.WorkflowRun, updatedWorkflow map[string]interface{}) (*store.WorkflowVersion, error) {
	previousVersion, err := e.db.GetVersionByID(ctx, run.CurrentVersionID)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "load previous version for diff", err)
	}

	newVersion, isNew, err := e.versions.GetOrCreateVersion(ctx, run.TemplateID, store.SourceJSON, updatedWorkflow)
	if err != nil {
		return nil, err
	}

	diff, err := mergePatchDiff(previousVersion.ResolvedWorkflow, newVersion.ResolvedWorkflow)
	if err != nil {
		e.log.Warn("compute mid-run version diff", "run", run.WorkflowRunID, "error", err)
	}

	if _, err := e.events.Append(ctx, &store.Event{
		WorkflowRunID:     run.WorkflowRunID,
		BranchID:          run.CurrentBranchID,
		WorkflowVersionID: newVersion.VersionID,
		EventType:         store.EventVersionUpdated,
		Data: map[string]interface{}{
			"previous_version_id": run.CurrentVersionID,
			"new_version_id":      newVersion.VersionID,
			"is_new":              isNew,
			"diff":                diff,
		},
	}); err != nil {
		return nil, err
	}

	swapped, err := e.db.CompareAndSwapRunStatus(ctx, run.WorkflowRunID, run.StatusVersion, run.Status, "", newVersion.VersionID)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "cas run version", err)
	}
	if !swapped {
		return nil, errors.New(errors.KindConcurrency, "workflow busy")
	}
	run.StatusVersion++
	run.CurrentVersionID = newVersion.VersionID
	return newVersion, nil
}

// mergePatchDiff computes the RFC 7386 JSON merge patch that turns before
// into after, returned as a string so it rides alongside an event's other
// plain Data fields without a second marshal/unmarshal round trip.
func mergePatchDiff(before, after map[string]interface{}) (string, error) {
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return "", err
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return "", err
	}
	patch, err := jsonpatch.CreateMergePatch(beforeJSON, afterJSON)
	if err != nil {
		return "", err
	}
	return string(patch), nil
}

// UploadWorkflow is spec.md §4.2's upload entry point: it resolves $ref
// nodes against files, then either stores the document as a single raw
// runnable version or, if it declares execution-groups meta-nodes, stores
// an unresolved parent plus one resolved child per cartesian-product path
// selection.
func (e *Engine) UploadWorkflow(ctx context.Context, userID, templateName string, rawWorkflow map[string]interface{}, files versionstore.VirtualFS) (*versionstore.UploadResult, error) {
	return e.versions.Upload(ctx, userID, templateName, store.SourceJSON, rawWorkflow, files)
}

// Retry triggers the branching protocol directly (an explicit caller-driven
// retry rather than one routed through an interactive module's response).
// Unlike branchOnResponse (which forks mid-interaction, before the pending
// module's output is ever committed), a standalone retry targets modules
// that may already be complete, so the fork must cut the lineage before the
// earliest of the named groups' own history rather than at the branch tip
// — otherwise the retried modules would still show up as already-completed
// on the new branch and the walk would never re-dispatch them. An empty
// groups list means "redo the entire run": the fork cuts before all history.
func (e *Engine) Retry(ctx context.Context, runID string, groups []string, feedback string) (*WorkflowResponse, error) {
	release, ok := e.gate.TryAcquire(runID)
	if !ok {
		return nil, errors.New(errors.KindConcurrency, "workflow busy")
	}
	defer release()

	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(errors.KindExecutionBoundary, "run not found", err)
	}
	version, err := e.db.GetVersionByID(ctx, run.CurrentVersionID)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "current version not found", err)
	}

	events, err := e.events.GetLineageEvents(ctx, run.CurrentBranchID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.New(errors.KindExecutionBoundary, "cannot retry a run with no events")
	}

	if err := e.checkRetryEligibility(version, events, groups); err != nil {
		return nil, err
	}

	cutoffEventID := retryCutoff(events, groups)

	if _, err := e.events.Append(ctx, &store.Event{
		WorkflowRunID:     runID,
		BranchID:          run.CurrentBranchID,
		WorkflowVersionID: version.VersionID,
		EventType:         store.EventRetryRequested,
		Data:              map[string]interface{}{"groups": groups, "feedback": feedback},
	}); err != nil {
		return nil, err
	}

	newBranch, err := e.events.Fork(ctx, run.CurrentBranchID, cutoffEventID)
	if err != nil {
		return nil, err
	}

	swapped, err := e.db.CompareAndSwapRunStatus(ctx, runID, run.StatusVersion, store.RunProcessing, newBranch.BranchID, "")
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "cas run status", err)
	}
	if !swapped {
		return nil, errors.New(errors.KindConcurrency, "workflow busy")
	}
	run.CurrentBranchID = newBranch.BranchID
	run.Status = store.RunProcessing
	run.StatusVersion++

	return e.runLoop(ctx, run, version, nil, false, nil)
}

// retryCutoff finds the event just before the earliest history of any
// named group (matched by module name), so the new branch sees that
// module — and everything after it — as never having run. An empty
// groups list, or a groups list naming nothing ever dispatched, cuts
// before all history.
func retryCutoff(events []*store.Event, groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	wanted := make(map[string]bool, len(groups))
	for _, g := range groups {
		wanted[g] = true
	}
	for _, e := range events {
		if e.ModuleName != "" && wanted[e.ModuleName] {
			return priorEventID(events, e.EventID)
		}
	}
	return ""
}

// checkRetryEligibility rejects a retry naming a module that declares a
// `retry_if` CEL guard (a retryable module can declare a CEL guard over
// module_outputs/state) evaluating false against the run's current
// replayed state. A module with no guard, or a nil evaluator (no cel.Env
// configured), is always eligible.
func (e *Engine) checkRetryEligibility(version *store.WorkflowVersion, events []*store.Event, groups []string) error {
	if len(groups) == 0 || e.celEnv == nil {
		return nil
	}
	wanted := make(map[string]bool, len(groups))
	for _, g := range groups {
		wanted[g] = true
	}

	rs := replay(events)
	for _, wm := range walkOrder(version.ResolvedWorkflow) {
		name := moduleName(wm.Module)
		if !wanted[name] {
			continue
		}
		guardExpr, _ := wm.Module["retry_if"].(string)
		if guardExpr == "" {
			continue
		}
		vars := map[string]interface{}{
			condition.VarModuleID:      moduleID(wm.Module),
			condition.VarRequires:      stringSlice(wm.Module["requires"]),
			condition.VarModuleOutputs: moduleOutputsAsMap(rs.ModuleOutputs),
			condition.VarState:         rs.State,
		}
		eligible, err := e.guard.EvalBool(guardExpr, vars)
		if err != nil {
			return err
		}
		if !eligible {
			return errors.New(errors.KindValidation, "module is not retry-eligible: "+name)
		}
	}
	return nil
}

// priorEventID returns the event id immediately preceding id in events
// (already sorted ascending by id), or "" if id is the first event.
func priorEventID(events []*store.Event, id string) string {
	prior := ""
	for _, e := range events {
		if e.EventID == id {
			return prior
		}
		prior = e.EventID
	}
	return prior
}

// GetState returns the module-outputs snapshot reconstructed from a run's
// current lineage.
func (e *Engine) GetState(ctx context.Context, runID string) (map[string]interface{}, error) {
	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(errors.KindExecutionBoundary, "run not found", err)
	}
	events, err := e.events.GetLineageEvents(ctx, run.CurrentBranchID)
	if err != nil {
		return nil, err
	}
	rs := replay(events)
	return map[string]interface{}{
		"state":          rs.State,
		"module_outputs": rs.ModuleOutputs,
	}, nil
}

// GetInteractionHistory returns every completed (request, response) pair
// plus the pending request, if any.
func (e *Engine) GetInteractionHistory(ctx context.Context, runID string) ([]InteractionPair, *moduleiface.InteractionRequest, error) {
	run, err := e.db.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindExecutionBoundary, "run not found", err)
	}
	events, err := e.events.GetLineageEvents(ctx, run.CurrentBranchID)
	if err != nil {
		return nil, nil, err
	}

	pairs := completedPairs(events)
	var pendingReq *moduleiface.InteractionRequest
	if pending := findPendingInteraction(events); pending != nil {
		pendingReq = decodeInteractionRequest(pending.Event.Data)
	}
	return pairs, pendingReq, nil
}

func matchesTarget(target *ExecutionTarget, stepID, moduleName string) bool {
	return target != nil && target.StepID == stepID && target.ModuleName == moduleName
}

func errorResponse(runID string, status store.RunStatus, err error) *WorkflowResponse {
	var kind errors.Kind = errors.KindFatal
	msg := err.Error()
	var details map[string]any
	if e, ok := err.(*errors.E); ok {
		kind = e.Kind
		msg = e.Message
		details = e.Details
	}
	return &WorkflowResponse{
		WorkflowRunID: runID,
		Status:        status,
		Error:         &ErrorInfo{Kind: kind, Message: msg, Details: details},
	}
}

func moduleNotFoundErr(moduleID string) error {
	return errors.New(errors.KindExecutionBoundary, fmt.Sprintf("module not registered: %s", moduleID))
}
