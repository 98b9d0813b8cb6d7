package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/addons"
	"github.com/lyzr/workflow-orchestrator/internal/condition"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/store"
	"github.com/lyzr/workflow-orchestrator/internal/store/memstore"
)

func newGuardedTestEngine(t *testing.T, addonPipe *addons.Pipeline) (*Engine, store.Store) {
	t.Helper()
	db := memstore.New()
	registry := moduleiface.NewRegistry()
	registry.Register("echo", func() moduleiface.Descriptor { return echoModule{} })
	registry.Register("confirm", func() moduleiface.Descriptor { return confirmModule{} })
	env, err := condition.NewEnv()
	require.NoError(t, err)
	return New(db, registry, addonPipe, env, nil), db
}

func guardedInteractiveWorkflow(guard string) map[string]interface{} {
	return map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{
				"step_id": "step-1",
				"modules": []interface{}{
					map[string]interface{}{
						"module_id": "confirm",
						"name":      "ask",
						"inputs":    map[string]interface{}{},
						"retry_if":  guard,
					},
				},
			},
		},
	}
}

func TestRetry_RejectsNamedGroupWhenGuardEvaluatesFalse(t *testing.T) {
	eng, db := newGuardedTestEngine(t, nil)
	version := seedVersion(t, db, guardedInteractiveWorkflow(`module_outputs.ask.picked == "a"`))

	started, err := eng.StartWorkflowByVersion(context.Background(), "user-1", version.VersionID, nil, false)
	require.NoError(t, err)
	require.Equal(t, store.RunAwaitingInput, started.Status)

	resumed, err := eng.Respond(context.Background(), started.WorkflowRunID, started.InteractionRequest.InteractionID,
		moduleiface.InteractionResponse{SelectedIndices: []int{1}}, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, resumed.Status)

	_, err = eng.Retry(context.Background(), started.WorkflowRunID, []string{"ask"}, "try again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not retry-eligible")
}

func TestRetry_AllowsNamedGroupWhenGuardEvaluatesTrue(t *testing.T) {
	eng, db := newGuardedTestEngine(t, nil)
	version := seedVersion(t, db, guardedInteractiveWorkflow(`module_outputs.ask.picked == "b"`))

	started, err := eng.StartWorkflowByVersion(context.Background(), "user-1", version.VersionID, nil, false)
	require.NoError(t, err)

	resumed, err := eng.Respond(context.Background(), started.WorkflowRunID, started.InteractionRequest.InteractionID,
		moduleiface.InteractionResponse{SelectedIndices: []int{1}}, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, resumed.Status)

	retried, err := eng.Retry(context.Background(), started.WorkflowRunID, []string{"ask"}, "try again")
	require.NoError(t, err)
	assert.Equal(t, store.RunAwaitingInput, retried.Status)
}

// recordingAddon is a fake Addon that stamps a decoration onto every item
// and records every OnSelection call it receives, so consumeResponse's
// wiring into Pipeline.OnSelection can be exercised without a real store.
type recordingAddon struct {
	selected [][]int
}

func (a *recordingAddon) AddonID() string                    { return "recording" }
func (a *recordingAddon) Priority() int                      { return 0 }
func (a *recordingAddon) Compatible(string, []string) bool   { return true }
func (a *recordingAddon) Decorate(_ context.Context, items []addons.Item, _ moduleiface.ExecInputs, _ moduleiface.ExecContext) ([]addons.Decoration, error) {
	decorations := make([]addons.Decoration, len(items))
	for i := range items {
		decorations[i] = addons.Decoration{Decorators: map[string]interface{}{"seen": true}}
	}
	return decorations, nil
}
func (a *recordingAddon) OnSelection(_ context.Context, selectedIndices []int, _ []addons.Item) error {
	cp := append([]int{}, selectedIndices...)
	a.selected = append(a.selected, cp)
	return nil
}

func TestRespond_FiresAddonOnSelectionHookWithDecoratedOptions(t *testing.T) {
	rec := &recordingAddon{}
	pipe := addons.NewPipeline([]addons.Addon{rec})
	eng, db := newGuardedTestEngine(t, pipe)
	version := seedVersion(t, db, interactiveWorkflow())

	started, err := eng.StartWorkflowByVersion(context.Background(), "user-1", version.VersionID, nil, false)
	require.NoError(t, err)
	require.Equal(t, store.RunAwaitingInput, started.Status)
	require.NotEmpty(t, started.InteractionRequest.Options)
	for _, opt := range started.InteractionRequest.Options {
		meta, ok := opt["_metadata"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, true, meta["seen"])
	}

	_, err = eng.Respond(context.Background(), started.WorkflowRunID, started.InteractionRequest.InteractionID,
		moduleiface.InteractionResponse{SelectedIndices: []int{1}}, nil, nil, false)
	require.NoError(t, err)

	require.Len(t, rec.selected, 1)
	assert.Equal(t, []int{1}, rec.selected[0])
}

func TestGetInteractionHistory_DecodesRequestAfterJSONRoundTrip(t *testing.T) {
	eng, db := newGuardedTestEngine(t, nil)
	version := seedVersion(t, db, interactiveWorkflow())

	started, err := eng.StartWorkflowByVersion(context.Background(), "user-1", version.VersionID, nil, false)
	require.NoError(t, err)
	require.Equal(t, store.RunAwaitingInput, started.Status)

	// Simulate what Postgres hands back after a JSONB round-trip: the live
	// *moduleiface.InteractionRequest pointer memstore kept is gone, and
	// Data["request"] comes back as a bare map[string]interface{} instead.
	events, err := db.GetEvents(context.Background(), started.WorkflowRunID, store.EventFilter{})
	require.NoError(t, err)
	var reqEvent *store.Event
	for _, e := range events {
		if e.EventType == store.EventInteractionRequested {
			reqEvent = e
		}
	}
	require.NotNil(t, reqEvent)

	roundTripped := map[string]interface{}{
		"interaction_id": reqEvent.Data["interaction_id"],
		"request": map[string]interface{}{
			"type":    "choice",
			"title":   "pick one",
			"options": []interface{}{map[string]interface{}{"label": "a"}, map[string]interface{}{"label": "b"}},
		},
	}
	reqEvent.Data = roundTripped

	_, pending, err := eng.GetInteractionHistory(context.Background(), started.WorkflowRunID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "choice", pending.Type)
	assert.Len(t, pending.Options, 2)
}
