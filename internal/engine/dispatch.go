package engine

import (
	"context"

	"github.com/lyzr/workflow-orchestrator/internal/addons"
	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/idgen"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/resolver"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// walkModule is one module occurrence located in a resolved workflow's
// step list, paired with its declared step id.
type walkModule struct {
	StepID string
	Module map[string]interface{}
}

func moduleName(mod map[string]interface{}) string {
	if name, ok := mod["name"].(string); ok && name != "" {
		return name
	}
	if id, ok := mod["module_id"].(string); ok {
		return id
	}
	return ""
}

func moduleID(mod map[string]interface{}) string {
	id, _ := mod["module_id"].(string)
	return id
}

// stringSlice coerces a JSON-decoded field (typically []interface{} of
// strings) into a []string, tolerating a nil or malformed value.
func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// walkOrder flattens every step's modules in declaration order.
func walkOrder(resolvedWorkflow map[string]interface{}) []walkModule {
	var out []walkModule
	steps, _ := resolvedWorkflow["steps"].([]interface{})
	for _, stepRaw := range steps {
		step, ok := stepRaw.(map[string]interface{})
		if !ok {
			continue
		}
		stepID, _ := step["step_id"].(string)
		modules, _ := step["modules"].([]interface{})
		for _, modRaw := range modules {
			mod, ok := modRaw.(map[string]interface{})
			if !ok {
				continue
			}
			out = append(out, walkModule{StepID: stepID, Module: mod})
		}
	}
	return out
}

// nextIncomplete returns the first module in walk order whose (step,
// module) pair has no output_stored event yet, or false if every module is
// already complete.
func nextIncomplete(order []walkModule, rs *replayedState) (walkModule, bool) {
	for _, wm := range order {
		key := wm.StepID + "\x00" + moduleName(wm.Module)
		if !rs.CompletedKeys[key] {
			return wm, true
		}
	}
	return walkModule{}, false
}

// runLoop is the heart of the engine: it re-reads the lineage after every
// mutation (the simplest way to keep replayed state consistent with what
// was just appended) and either consumes a pending incoming response,
// dispatches the next incomplete module, or returns a terminal/suspended
// response.
func (e *Engine) runLoop(ctx context.Context, run *store.WorkflowRun, version *store.WorkflowVersion, target *ExecutionTarget, mock bool, resp *incomingResponse) (*WorkflowResponse, error) {
	order := walkOrder(version.ResolvedWorkflow)

	if run.Status == store.RunCreated {
		if swapped, err := e.db.CompareAndSwapRunStatus(ctx, run.WorkflowRunID, run.StatusVersion, store.RunProcessing, "", ""); err != nil {
			return nil, errors.Wrap(errors.KindFatal, "cas run status", err)
		} else if swapped {
			run.Status = store.RunProcessing
			run.StatusVersion++
		}
	}

	for {
		events, err := e.events.GetLineageEvents(ctx, run.CurrentBranchID)
		if err != nil {
			return nil, err
		}
		rs := replay(events)
		pending := findPendingInteraction(events)

		if pending != nil {
			if resp != nil && resp.InteractionID == pending.InteractionID {
				if err := e.consumeResponse(ctx, run, version, pending, resp.Response); err != nil {
					return nil, err
				}
				resp = nil
				continue
			}
			return e.awaitingResponse(run, rs, pending, order), nil
		}

		wm, hasMore := nextIncomplete(order, rs)
		if !hasMore {
			return e.completeRun(ctx, run, version, order)
		}

		if matchesTarget(target, wm.StepID, moduleName(wm.Module)) {
			return e.boundaryResponse(run, rs, wm, order), nil
		}

		suspended, err := e.dispatchModule(ctx, run, version, wm, mock)
		if err != nil {
			return nil, err
		}
		if suspended != nil {
			return suspended, nil
		}
		// module completed synchronously; loop to pick up the next one
	}
}

// dispatchModule runs the per-module protocol of spec.md §4.3 point 3 for
// a module with no pending response. It returns a non-nil response only
// when the run suspends (interaction requested); a nil response with nil
// error means the module completed and the walk should continue.
func (e *Engine) dispatchModule(ctx context.Context, run *store.WorkflowRun, version *store.WorkflowVersion, wm walkModule, mock bool) (*WorkflowResponse, error) {
	descriptor, ok := e.registry.New(moduleID(wm.Module))
	if !ok {
		err := moduleNotFoundErr(moduleID(wm.Module))
		e.recordModuleError(ctx, run, version, wm, err)
		return nil, err
	}

	inputs, execCtx, err := e.resolveInputs(ctx, run, version, wm, descriptor)
	if err != nil {
		e.recordModuleError(ctx, run, version, wm, err)
		return nil, err
	}

	if _, err := e.events.Append(ctx, &store.Event{
		WorkflowRunID:     run.WorkflowRunID,
		BranchID:          run.CurrentBranchID,
		WorkflowVersionID: version.VersionID,
		EventType:         store.EventStepStarted,
		StepID:            wm.StepID,
		ModuleName:        moduleName(wm.Module),
	}); err != nil {
		return nil, err
	}

	switch descriptor.Capability() {
	case moduleiface.CapabilityExecutable:
		exec, ok := descriptor.(moduleiface.Executable)
		if !ok {
			err := errors.New(errors.KindExecutionBoundary, "module declares Executable but does not implement it: "+moduleID(wm.Module))
			e.recordModuleError(ctx, run, version, wm, err)
			return nil, err
		}

		var outputs moduleiface.ExecOutputs
		if mock {
			outputs = synthesizeMockOutputs(descriptor.OutputSchema())
		} else {
			outputs, err = exec.Execute(ctx, inputs, execCtx)
			if err != nil {
				wrapped := errors.Wrap(errors.KindModuleExecution, "module execution failed", err)
				e.recordModuleError(ctx, run, version, wm, wrapped)
				return nil, wrapped
			}
		}
		if err := e.storeOutputs(ctx, run, version, wm, outputs); err != nil {
			return nil, err
		}
		return nil, nil

	case moduleiface.CapabilityInteractive:
		interactive, ok := descriptor.(moduleiface.Interactive)
		if !ok {
			err := errors.New(errors.KindExecutionBoundary, "module declares Interactive but does not implement it: "+moduleID(wm.Module))
			e.recordModuleError(ctx, run, version, wm, err)
			return nil, err
		}
		req, err := interactive.GetInteractionRequest(ctx, inputs, execCtx)
		if err != nil {
			wrapped := errors.Wrap(errors.KindModuleExecution, "get interaction request failed", err)
			e.recordModuleError(ctx, run, version, wm, wrapped)
			return nil, wrapped
		}
		if req == nil {
			err := errors.New(errors.KindExecutionBoundary, "interactive module produced no interaction request: "+moduleID(wm.Module))
			e.recordModuleError(ctx, run, version, wm, err)
			return nil, err
		}
		req = e.decorateInteractionRequest(ctx, wm, req, inputs, execCtx)
		return e.suspendForInteraction(ctx, run, version, wm, req)

	default:
		err := errors.New(errors.KindExecutionBoundary, "sub-action host modules are dispatched only via the dedicated sub-action interface: "+moduleID(wm.Module))
		e.recordModuleError(ctx, run, version, wm, err)
		return nil, err
	}
}

// consumeResponse handles a response targeting the currently-pending
// interaction: append interaction_response, then either branch (retry /
// jump-back) or call executeWithResponse and store outputs.
func (e *Engine) consumeResponse(ctx context.Context, run *store.WorkflowRun, version *store.WorkflowVersion, pending *pendingInteraction, response moduleiface.InteractionResponse) error {
	if _, err := e.events.Append(ctx, &store.Event{
		WorkflowRunID:     run.WorkflowRunID,
		BranchID:          run.CurrentBranchID,
		WorkflowVersionID: version.VersionID,
		EventType:         store.EventInteractionResponse,
		StepID:            pending.StepID,
		ModuleName:        pending.ModuleName,
		Data: map[string]interface{}{
			"interaction_id": pending.InteractionID,
			"response":       response,
		},
	}); err != nil {
		return err
	}

	e.notifyAddonSelection(ctx, pending, response)

	if response.IsBranchRequest() {
		return e.branchOnResponse(ctx, run, version, pending, response)
	}

	descriptor, ok := e.registry.New(moduleID(findModule(version.ResolvedWorkflow, pending.StepID, pending.ModuleName)))
	if !ok {
		return moduleNotFoundErr(pending.ModuleName)
	}
	interactive, ok := descriptor.(moduleiface.Interactive)
	if !ok {
		return errors.New(errors.KindExecutionBoundary, "module type mismatch: non-interactive called with response: "+pending.ModuleName)
	}

	wm := walkModule{StepID: pending.StepID, Module: findModule(version.ResolvedWorkflow, pending.StepID, pending.ModuleName)}
	inputs, execCtx, err := e.resolveInputs(ctx, run, version, wm, descriptor)
	if err != nil {
		return err
	}

	outputs, err := interactive.ExecuteWithResponse(ctx, inputs, execCtx, response)
	if err != nil {
		wrapped := errors.Wrap(errors.KindModuleExecution, "execute with response failed", err)
		e.recordModuleError(ctx, run, version, wm, wrapped)
		return wrapped
	}
	return e.storeOutputs(ctx, run, version, wm, outputs)
}

// branchOnResponse implements the interactive-response branching path of
// spec.md §4.3 point 3: the run forks from the just-appended
// interaction_response event instead of storing outputs, and re-enters the
// awaiting_input state with a fresh interaction once the walk loop
// re-dispatches the same module on the new branch.
func (e *Engine) branchOnResponse(ctx context.Context, run *store.WorkflowRun, version *store.WorkflowVersion, pending *pendingInteraction, response moduleiface.InteractionResponse) error {
	events, err := e.events.GetLineageEvents(ctx, run.CurrentBranchID)
	if err != nil {
		return err
	}
	tip := events[len(events)-1]

	eventType := store.EventRetryRequested
	if response.JumpBackRequested {
		eventType = store.EventJumpBackRequested
	}
	if _, err := e.events.Append(ctx, &store.Event{
		WorkflowRunID:     run.WorkflowRunID,
		BranchID:          run.CurrentBranchID,
		WorkflowVersionID: version.VersionID,
		EventType:         eventType,
		StepID:            pending.StepID,
		ModuleName:        pending.ModuleName,
		Data: map[string]interface{}{
			"retry_groups":    response.RetryGroups,
			"retry_feedback":  response.RetryFeedback,
			"jump_back_target": response.JumpBackTarget,
		},
	}); err != nil {
		return err
	}

	newBranch, err := e.events.Fork(ctx, run.CurrentBranchID, tip.EventID)
	if err != nil {
		return err
	}

	swapped, err := e.db.CompareAndSwapRunStatus(ctx, run.WorkflowRunID, run.StatusVersion, store.RunProcessing, newBranch.BranchID, "")
	if err != nil {
		return errors.Wrap(errors.KindFatal, "cas run status", err)
	}
	if !swapped {
		return errors.New(errors.KindConcurrency, "workflow busy")
	}
	run.CurrentBranchID = newBranch.BranchID
	run.Status = store.RunProcessing
	run.StatusVersion++
	return nil
}

func findModule(resolvedWorkflow map[string]interface{}, stepID, name string) map[string]interface{} {
	for _, wm := range walkOrder(resolvedWorkflow) {
		if wm.StepID == stepID && moduleName(wm.Module) == name {
			return wm.Module
		}
	}
	return nil
}

func (e *Engine) resolveInputs(ctx context.Context, run *store.WorkflowRun, version *store.WorkflowVersion, wm walkModule, descriptor moduleiface.Descriptor) (moduleiface.ExecInputs, moduleiface.ExecContext, error) {
	events, err := e.events.GetLineageEvents(ctx, run.CurrentBranchID)
	if err != nil {
		return nil, moduleiface.ExecContext{}, err
	}
	rs := replay(events)

	rawInputs, _ := wm.Module["inputs"].(map[string]interface{})
	if rawInputs == nil {
		rawInputs = map[string]interface{}{}
	}

	stepOutputs := stepOutputsAsMap(rs.StepOutputs[wm.StepID])
	resolverCtx := resolver.Context{
		State:  rs.State,
		Module: moduleOutputsAsMap(rs.ModuleOutputs),
		Step:   stepOutputs,
		Config: configMap(run),
	}

	schema := map[string]interface{}(descriptor.InputSchema())
	resolved, err := e.resolver.ResolveWithSchema(rawInputs, schema, resolverCtx)
	if err != nil {
		return nil, moduleiface.ExecContext{}, errors.Wrap(errors.KindValidation, "resolve inputs", err)
	}

	execCtx := moduleiface.ExecContext{
		State:  rs.State,
		Module: resolverCtx.Module,
		Step:   stepOutputs,
		Config: resolverCtx.Config,
	}
	return moduleiface.ExecInputs(resolved), execCtx, nil
}

func moduleOutputsAsMap(mo map[string]map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(mo))
	for k, v := range mo {
		out[k] = v
	}
	return out
}

func stepOutputsAsMap(so map[string]map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(so))
	for k, v := range so {
		out[k] = v
	}
	return out
}

func configMap(run *store.WorkflowRun) map[string]interface{} {
	return map[string]interface{}{"template_id": run.TemplateID, "user_id": run.UserID}
}

func (e *Engine) storeOutputs(ctx context.Context, run *store.WorkflowRun, version *store.WorkflowVersion, wm walkModule, outputs moduleiface.ExecOutputs) error {
	outputsToState, _ := wm.Module["outputs_to_state"].(map[string]interface{})
	if _, err := e.events.Append(ctx, &store.Event{
		WorkflowRunID:     run.WorkflowRunID,
		BranchID:          run.CurrentBranchID,
		WorkflowVersionID: version.VersionID,
		EventType:         store.EventOutputStored,
		StepID:            wm.StepID,
		ModuleName:        moduleName(wm.Module),
		Data: map[string]interface{}{
			"outputs":          map[string]interface{}(outputs),
			"outputs_to_state": outputsToState,
		},
	}); err != nil {
		return err
	}
	_, err := e.events.Append(ctx, &store.Event{
		WorkflowRunID:     run.WorkflowRunID,
		BranchID:          run.CurrentBranchID,
		WorkflowVersionID: version.VersionID,
		EventType:         store.EventStepCompleted,
		StepID:            wm.StepID,
		ModuleName:        moduleName(wm.Module),
	})
	return err
}

func (e *Engine) recordModuleError(ctx context.Context, run *store.WorkflowRun, version *store.WorkflowVersion, wm walkModule, cause error) {
	kind := errors.KindFatal
	if ce, ok := cause.(*errors.E); ok {
		kind = ce.Kind
	}
	_, _ = e.events.Append(ctx, &store.Event{
		WorkflowRunID:     run.WorkflowRunID,
		BranchID:          run.CurrentBranchID,
		WorkflowVersionID: version.VersionID,
		EventType:         store.EventModuleError,
		StepID:            wm.StepID,
		ModuleName:        moduleName(wm.Module),
		Data: map[string]interface{}{
			"kind":    string(kind),
			"message": cause.Error(),
		},
	})
	if swapped, casErr := e.db.CompareAndSwapRunStatus(ctx, run.WorkflowRunID, run.StatusVersion, store.RunError, "", ""); casErr == nil && swapped {
		run.Status = store.RunError
		run.StatusVersion++
	}
}

func (e *Engine) suspendForInteraction(ctx context.Context, run *store.WorkflowRun, version *store.WorkflowVersion, wm walkModule, req *moduleiface.InteractionRequest) (*WorkflowResponse, error) {
	if req.InteractionID == "" {
		req.InteractionID = interactionID()
	}
	if _, err := e.events.Append(ctx, &store.Event{
		WorkflowRunID:     run.WorkflowRunID,
		BranchID:          run.CurrentBranchID,
		WorkflowVersionID: version.VersionID,
		EventType:         store.EventInteractionRequested,
		StepID:            wm.StepID,
		ModuleName:        moduleName(wm.Module),
		Data: map[string]interface{}{
			"interaction_id": req.InteractionID,
			"request":        req,
		},
	}); err != nil {
		return nil, err
	}

	swapped, err := e.db.CompareAndSwapRunStatus(ctx, run.WorkflowRunID, run.StatusVersion, store.RunAwaitingInput, "", "")
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "cas run status", err)
	}
	if !swapped {
		return nil, errors.New(errors.KindConcurrency, "workflow busy")
	}
	run.Status = store.RunAwaitingInput
	run.StatusVersion++

	events, err := e.events.GetLineageEvents(ctx, run.CurrentBranchID)
	if err != nil {
		return nil, err
	}
	rs := replay(events)
	order := walkOrder(version.ResolvedWorkflow)

	return &WorkflowResponse{
		WorkflowRunID:      run.WorkflowRunID,
		Status:             store.RunAwaitingInput,
		Progress:           progressFor(order, rs, wm),
		InteractionRequest: req,
	}, nil
}

// notifyAddonSelection fires the addon pipeline's OnSelection observation
// hook whenever a response picks options out of a decorated interaction
// request. This is best-effort: an addon failing to record a selection
// never blocks the response from being consumed.
func (e *Engine) notifyAddonSelection(ctx context.Context, pending *pendingInteraction, response moduleiface.InteractionResponse) {
	if e.addonPipe == nil || len(response.SelectedIndices) == 0 {
		return
	}
	req := decodeInteractionRequest(pending.Event.Data)
	if req == nil || len(req.Options) == 0 {
		return
	}
	items := make([]addons.Item, len(req.Options))
	for i, opt := range req.Options {
		meta, _ := opt["_metadata"].(map[string]interface{})
		items[i] = addons.Item{Data: opt, Metadata: meta}
	}
	for _, err := range e.addonPipe.OnSelection(ctx, response.SelectedIndices, items) {
		e.log.Warn("addon onSelection failed", "error", err)
	}
}

func (e *Engine) decorateInteractionRequest(ctx context.Context, wm walkModule, req *moduleiface.InteractionRequest, inputs moduleiface.ExecInputs, execCtx moduleiface.ExecContext) *moduleiface.InteractionRequest {
	if e.addonPipe == nil || len(req.Options) == 0 {
		return req
	}
	items := make([]addons.Item, len(req.Options))
	for i, opt := range req.Options {
		items[i] = addons.Item{Data: opt, Metadata: map[string]interface{}{}}
	}
	requires := stringSlice(wm.Module["requires"])
	decorated, err := e.addonPipe.Decorate(ctx, moduleID(wm.Module), requires, items, inputs, execCtx)
	if err != nil {
		e.log.Warn("addon decoration failed", "module", moduleID(wm.Module), "error", err)
		return req
	}
	newOptions := make([]map[string]interface{}, len(decorated))
	for i, item := range decorated {
		opt := make(map[string]interface{}, len(item.Data)+1)
		for k, v := range item.Data {
			opt[k] = v
		}
		opt["_metadata"] = item.Metadata
		newOptions[i] = opt
	}
	req.Options = newOptions
	return req
}

func (e *Engine) awaitingResponse(run *store.WorkflowRun, rs *replayedState, pending *pendingInteraction, order []walkModule) *WorkflowResponse {
	req := decodeInteractionRequest(pending.Event.Data)
	return &WorkflowResponse{
		WorkflowRunID:      run.WorkflowRunID,
		Status:             store.RunAwaitingInput,
		Progress:           progressFor(order, rs, walkModule{StepID: pending.StepID}),
		InteractionRequest: req,
	}
}

func (e *Engine) boundaryResponse(run *store.WorkflowRun, rs *replayedState, wm walkModule, order []walkModule) *WorkflowResponse {
	return &WorkflowResponse{
		WorkflowRunID: run.WorkflowRunID,
		Status:        run.Status,
		Message:       "halted at execution target boundary",
		Progress:      progressFor(order, rs, wm),
	}
}

func (e *Engine) completeRun(ctx context.Context, run *store.WorkflowRun, version *store.WorkflowVersion, order []walkModule) (*WorkflowResponse, error) {
	swapped, err := e.db.CompareAndSwapRunStatus(ctx, run.WorkflowRunID, run.StatusVersion, store.RunCompleted, "", "")
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "cas run status", err)
	}
	if !swapped {
		return nil, errors.New(errors.KindConcurrency, "workflow busy")
	}
	run.Status = store.RunCompleted
	run.StatusVersion++

	if _, err := e.events.Append(ctx, &store.Event{
		WorkflowRunID:     run.WorkflowRunID,
		BranchID:          run.CurrentBranchID,
		WorkflowVersionID: version.VersionID,
		EventType:         store.EventWorkflowCompleted,
	}); err != nil {
		return nil, err
	}

	events, err := e.events.GetLineageEvents(ctx, run.CurrentBranchID)
	if err != nil {
		return nil, err
	}
	rs := replay(events)

	return &WorkflowResponse{
		WorkflowRunID: run.WorkflowRunID,
		Status:        store.RunCompleted,
		Progress:      progressFor(order, rs, walkModule{}),
		Result:        moduleOutputsAsMap(rs.ModuleOutputs),
	}, nil
}

func progressFor(order []walkModule, rs *replayedState, current walkModule) *Progress {
	completed := 0
	stepIndex := 0
	seenSteps := map[string]bool{}
	for i, wm := range order {
		key := wm.StepID + "\x00" + moduleName(wm.Module)
		if rs.CompletedKeys[key] {
			completed++
		}
		if !seenSteps[wm.StepID] {
			seenSteps[wm.StepID] = true
			if wm.StepID == current.StepID {
				stepIndex = i
			}
		}
	}
	return &Progress{
		CurrentStep:    current.StepID,
		CurrentModule:  moduleName(current.Module),
		CompletedSteps: completed,
		TotalSteps:     len(seenSteps),
		StepIndex:      stepIndex,
	}
}

func synthesizeMockOutputs(schema moduleiface.OutputSchema) moduleiface.ExecOutputs {
	out := make(moduleiface.ExecOutputs, len(schema))
	for k, v := range schema {
		out[k] = mockValueFor(v)
	}
	return out
}

func mockValueFor(schemaValue interface{}) interface{} {
	fieldSchema, ok := schemaValue.(map[string]interface{})
	if !ok {
		return "mock"
	}
	switch fieldSchema["type"] {
	case "string":
		return "mock"
	case "number", "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []interface{}{}
	case "object":
		return map[string]interface{}{}
	default:
		return nil
	}
}

// interactionID mints a fresh time-sortable id for a new interaction request.
func interactionID() string {
	return idgen.New()
}
