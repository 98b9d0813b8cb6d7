package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/store"
	"github.com/lyzr/workflow-orchestrator/internal/store/memstore"
)

// echoModule is an Executable fake: it copies its "value" input straight
// into a "value" output, letting tests assert data flowed through state.
type echoModule struct{}

func (echoModule) ModuleID() string                         { return "echo" }
func (echoModule) InputSchema() moduleiface.InputSchema      { return nil }
func (echoModule) OutputSchema() moduleiface.OutputSchema    { return moduleiface.OutputSchema{"value": map[string]interface{}{"type": "string"}} }
func (echoModule) Capability() moduleiface.Capability        { return moduleiface.CapabilityExecutable }
func (echoModule) Execute(_ context.Context, inputs moduleiface.ExecInputs, _ moduleiface.ExecContext) (moduleiface.ExecOutputs, error) {
	return moduleiface.ExecOutputs{"value": inputs["value"]}, nil
}

// confirmModule is an Interactive fake: it asks the caller to pick one of
// two options, then echoes the selected option's label as its output.
type confirmModule struct{}

func (confirmModule) ModuleID() string                      { return "confirm" }
func (confirmModule) InputSchema() moduleiface.InputSchema   { return nil }
func (confirmModule) OutputSchema() moduleiface.OutputSchema { return nil }
func (confirmModule) Capability() moduleiface.Capability     { return moduleiface.CapabilityInteractive }
func (confirmModule) GetInteractionRequest(_ context.Context, _ moduleiface.ExecInputs, _ moduleiface.ExecContext) (*moduleiface.InteractionRequest, error) {
	return &moduleiface.InteractionRequest{
		Type:  "choice",
		Title: "pick one",
		Options: []map[string]interface{}{
			{"label": "a"},
			{"label": "b"},
		},
	}, nil
}
func (confirmModule) ExecuteWithResponse(_ context.Context, _ moduleiface.ExecInputs, _ moduleiface.ExecContext, resp moduleiface.InteractionResponse) (moduleiface.ExecOutputs, error) {
	if len(resp.SelectedIndices) == 0 {
		return moduleiface.ExecOutputs{"picked": "a"}, nil
	}
	opts := []string{"a", "b"}
	return moduleiface.ExecOutputs{"picked": opts[resp.SelectedIndices[0]]}, nil
}

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	db := memstore.New()
	registry := moduleiface.NewRegistry()
	registry.Register("echo", func() moduleiface.Descriptor { return echoModule{} })
	registry.Register("confirm", func() moduleiface.Descriptor { return confirmModule{} })
	return New(db, registry, nil, nil, nil), db
}

func seedVersion(t *testing.T, db store.Store, resolvedWorkflow map[string]interface{}) *store.WorkflowVersion {
	t.Helper()
	ctx := context.Background()
	tmpl, err := db.GetOrCreateTemplate(ctx, "user-1", "tmpl-1")
	require.NoError(t, err)
	v := &store.WorkflowVersion{
		VersionID:        "version-" + tmpl.TemplateID,
		TemplateID:       tmpl.TemplateID,
		ContentHash:      "hash-1",
		SourceType:       store.SourceJSON,
		VersionType:      store.VersionResolved,
		ResolvedWorkflow: resolvedWorkflow,
	}
	require.NoError(t, db.CreateVersion(ctx, v))
	return v
}

func linearWorkflow() map[string]interface{} {
	return map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{
				"step_id": "step-1",
				"modules": []interface{}{
					map[string]interface{}{
						"module_id": "echo",
						"name":      "first",
						"inputs":    map[string]interface{}{"value": "hello"},
						"outputs_to_state": map[string]interface{}{"value": "greeting"},
					},
				},
			},
			map[string]interface{}{
				"step_id": "step-2",
				"modules": []interface{}{
					map[string]interface{}{
						"module_id": "echo",
						"name":      "second",
						"inputs":    map[string]interface{}{"value": "${$state.greeting}!!"},
					},
				},
			},
		},
	}
}

func TestStartWorkflowByVersion_LinearRun_CompletesSynchronously(t *testing.T) {
	eng, db := newTestEngine(t)
	version := seedVersion(t, db, linearWorkflow())

	resp, err := eng.StartWorkflowByVersion(context.Background(), "user-1", version.VersionID, nil, false)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, store.RunCompleted, resp.Status)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 2, resp.Progress.CompletedSteps)
	require.NotNil(t, resp.Result)
	first, ok := resp.Result["first"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", first["value"])
	second, ok := resp.Result["second"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello!!", second["value"])
}

func interactiveWorkflow() map[string]interface{} {
	return map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{
				"step_id": "step-1",
				"modules": []interface{}{
					map[string]interface{}{
						"module_id": "confirm",
						"name":      "ask",
						"inputs":    map[string]interface{}{},
					},
				},
			},
			map[string]interface{}{
				"step_id": "step-2",
				"modules": []interface{}{
					map[string]interface{}{
						"module_id": "echo",
						"name":      "after",
						"inputs":    map[string]interface{}{"value": "${$module.ask.picked}"},
					},
				},
			},
		},
	}
}

func TestStartWorkflowByVersion_InteractiveSuspendsThenRespondCompletes(t *testing.T) {
	eng, db := newTestEngine(t)
	version := seedVersion(t, db, interactiveWorkflow())

	started, err := eng.StartWorkflowByVersion(context.Background(), "user-1", version.VersionID, nil, false)
	require.NoError(t, err)
	require.Equal(t, store.RunAwaitingInput, started.Status)
	require.NotNil(t, started.InteractionRequest)
	assert.Len(t, started.InteractionRequest.Options, 2)

	resumed, err := eng.Respond(context.Background(), started.WorkflowRunID, started.InteractionRequest.InteractionID,
		moduleiface.InteractionResponse{SelectedIndices: []int{1}}, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, resumed.Status)

	after, ok := resumed.Result["after"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "b", after["value"])
}

func TestRetry_ForksBranchAndReDispatchesTargetModule(t *testing.T) {
	eng, db := newTestEngine(t)
	version := seedVersion(t, db, interactiveWorkflow())

	started, err := eng.StartWorkflowByVersion(context.Background(), "user-1", version.VersionID, nil, false)
	require.NoError(t, err)
	require.Equal(t, store.RunAwaitingInput, started.Status)

	resumed, err := eng.Respond(context.Background(), started.WorkflowRunID, started.InteractionRequest.InteractionID,
		moduleiface.InteractionResponse{SelectedIndices: []int{0}}, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, resumed.Status)

	run, err := db.GetRun(context.Background(), started.WorkflowRunID)
	require.NoError(t, err)
	preRetryBranch := run.CurrentBranchID

	retried, err := eng.Retry(context.Background(), started.WorkflowRunID, []string{"ask"}, "try again")
	require.NoError(t, err)

	run, err = db.GetRun(context.Background(), started.WorkflowRunID)
	require.NoError(t, err)
	assert.NotEqual(t, preRetryBranch, run.CurrentBranchID, "retry must fork onto a new branch")

	// The confirm module has no output_stored on the new branch, so it must
	// suspend again rather than replaying the prior answer.
	assert.Equal(t, store.RunAwaitingInput, retried.Status)
	require.NotNil(t, retried.InteractionRequest)
}

func TestStartWorkflowByVersion_MockMode_SynthesizesOutputsWithoutExecuting(t *testing.T) {
	eng, db := newTestEngine(t)
	workflow := map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{
				"step_id": "step-1",
				"modules": []interface{}{
					map[string]interface{}{
						"module_id": "echo",
						"name":      "only",
						"inputs":    map[string]interface{}{"value": "should not run"},
					},
				},
			},
		},
	}
	version := seedVersion(t, db, workflow)

	resp, err := eng.StartWorkflowByVersion(context.Background(), "user-1", version.VersionID, nil, true)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, resp.Status)

	only, ok := resp.Result["only"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "mock", only["value"], "mock mode must synthesize from the output schema, not call Execute")
}

func TestStartWorkflowByVersion_ExecutionTarget_HaltsBeforeBoundary(t *testing.T) {
	eng, db := newTestEngine(t)
	version := seedVersion(t, db, linearWorkflow())

	resp, err := eng.StartWorkflowByVersion(context.Background(), "user-1", version.VersionID,
		&ExecutionTarget{StepID: "step-2", ModuleName: "second"}, false)
	require.NoError(t, err)

	assert.Equal(t, store.RunProcessing, resp.Status)
	assert.Equal(t, "halted at execution target boundary", resp.Message)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, "step-2", resp.Progress.CurrentStep)
	assert.Equal(t, "second", resp.Progress.CurrentModule)
	assert.Equal(t, 1, resp.Progress.CompletedSteps)
}

func TestGetState_ReflectsReplayedModuleOutputs(t *testing.T) {
	eng, db := newTestEngine(t)
	version := seedVersion(t, db, linearWorkflow())

	started, err := eng.StartWorkflowByVersion(context.Background(), "user-1", version.VersionID, nil, false)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, started.Status)

	state, err := eng.GetState(context.Background(), started.WorkflowRunID)
	require.NoError(t, err)
	stateMap, ok := state["state"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", stateMap["greeting"])
}
