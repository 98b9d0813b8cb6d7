package sandbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/sandbox"
	"github.com/lyzr/workflow-orchestrator/internal/store"
	"github.com/lyzr/workflow-orchestrator/internal/store/memstore"
)

type echoModule struct{}

func (echoModule) ModuleID() string                      { return "echo" }
func (echoModule) InputSchema() moduleiface.InputSchema   { return nil }
func (echoModule) OutputSchema() moduleiface.OutputSchema { return nil }
func (echoModule) Capability() moduleiface.Capability     { return moduleiface.CapabilityExecutable }
func (echoModule) Execute(_ context.Context, inputs moduleiface.ExecInputs, _ moduleiface.ExecContext) (moduleiface.ExecOutputs, error) {
	return moduleiface.ExecOutputs{"value": inputs["value"]}, nil
}

func testRegistry() *moduleiface.Registry {
	reg := moduleiface.NewRegistry()
	reg.Register("echo", func() moduleiface.Descriptor { return echoModule{} })
	return reg
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
					},
				},
			},
		},
	}
}

func TestStartVirtual_RunsInIsolatedNamespaceAndReturnsBlob(t *testing.T) {
	db := memstore.New()
	sb := sandbox.New(db, testRegistry(), nil, nil)

	resp, err := sb.StartVirtual(context.Background(), "user-1", linearWorkflow(), "", nil, false)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, store.RunCompleted, resp.Status)
	assert.NotEmpty(t, resp.VirtualDB)

	first, ok := resp.Result["first"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", first["value"])
}

func TestStartVirtual_TwoCallsDoNotShareState(t *testing.T) {
	db := memstore.New()
	sb := sandbox.New(db, testRegistry(), nil, nil)

	resp1, err := sb.StartVirtual(context.Background(), "user-1", linearWorkflow(), "", nil, false)
	require.NoError(t, err)
	resp2, err := sb.StartVirtual(context.Background(), "user-1", linearWorkflow(), "", nil, false)
	require.NoError(t, err)

	assert.NotEqual(t, resp1.WorkflowRunID, resp2.WorkflowRunID)
	// A fresh StartVirtual with no virtual_db never sees the other call's run.
	assert.NotEqual(t, resp1.VirtualDB, resp2.VirtualDB)
}

func TestImportBlob_RejectsOversizedBlob(t *testing.T) {
	old := sandbox.MaxBlobBytes
	sandbox.MaxBlobBytes = 16
	defer func() { sandbox.MaxBlobBytes = old }()

	db := memstore.New()
	sb := sandbox.New(db, testRegistry(), nil, nil)

	// Produce a legitimate blob first (well over 16 bytes once decompressed),
	// then feed it back in as virtual_db to a respond call that must reject it.
	started, err := sandbox.New(db, testRegistry(), nil, nil).StartVirtual(context.Background(), "user-1", linearWorkflow(), "", nil, false)
	require.NoError(t, err)
	require.True(t, len(started.VirtualDB) > 0)

	_, err = sb.RespondVirtual(context.Background(), "user-1", started.VirtualDB, started.WorkflowRunID, "nonexistent", moduleiface.InteractionResponse{}, nil, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum allowed size")
}

func TestRespondVirtual_RequiresVirtualDB(t *testing.T) {
	db := memstore.New()
	sb := sandbox.New(db, testRegistry(), nil, nil)

	_, err := sb.RespondVirtual(context.Background(), "user-1", "", "run-1", "interaction-1", moduleiface.InteractionResponse{}, nil, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "virtual_db is required")
}
