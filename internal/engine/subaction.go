package engine

import (
	"context"

	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
)

// RunSubAction drives the streaming side-action of spec.md §6's SubAction
// call. A sub-action always targets the module behind a currently pending
// interaction (the caller supplies the interaction id it is already
// holding), so this never touches the event log itself: it is a
// consultative side channel alongside the interaction, not a step in the
// walk. The interaction's eventual Respond call is unaffected by whatever
// happened on this channel — matching spec.md §5's cancellation semantics
// ("streaming consumers receive a cancelled event... no partial results
// are committed unless the provider already yielded a result").
func (e *Engine) RunSubAction(ctx context.Context, runID, interactionID, actionID string, params map[string]interface{}) (<-chan moduleiface.SubActionEvent, error) {
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
	pending := findPendingInteraction(events)
	if pending == nil || pending.InteractionID != interactionID {
		return nil, errors.New(errors.KindExecutionBoundary, "no pending interaction with this id")
	}

	mod := findModule(version.ResolvedWorkflow, pending.StepID, pending.ModuleName)
	if mod == nil {
		return nil, moduleNotFoundErr(pending.ModuleName)
	}
	descriptor, ok := e.registry.New(moduleID(mod))
	if !ok {
		return nil, moduleNotFoundErr(moduleID(mod))
	}
	host, ok := descriptor.(moduleiface.SubActionHost)
	if !ok {
		return nil, errors.New(errors.KindExecutionBoundary, "module does not host sub-actions: "+moduleID(mod))
	}

	wm := walkModule{StepID: pending.StepID, Module: mod}
	_, execCtx, err := e.resolveInputs(ctx, run, version, wm, descriptor)
	if err != nil {
		return nil, err
	}

	stream, err := host.RunSubAction(ctx, actionID, params, execCtx)
	if err != nil {
		return nil, errors.Wrap(errors.KindModuleExecution, "run sub-action failed", err)
	}
	return stream, nil
}
