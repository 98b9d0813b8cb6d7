package eventstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/eventstore"
	"github.com/lyzr/workflow-orchestrator/internal/store"
	"github.com/lyzr/workflow-orchestrator/internal/store/memstore"
)

func TestNewRootBranch_SelfReferentialLineage(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	es := eventstore.New(db)

	branch, err := es.NewRootBranch(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, branch.Lineage, 1)
	assert.Equal(t, branch.BranchID, branch.Lineage[0].BranchID)
	assert.Nil(t, branch.Lineage[0].CutoffEventID)
	assert.Equal(t, branch.BranchID, branch.RootBranchID())
}

func TestFork_LineageIsMonotoneAndAppendOnly(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	es := eventstore.New(db)

	root, err := es.NewRootBranch(ctx, "run-1")
	require.NoError(t, err)

	e1, err := es.Append(ctx, &store.Event{WorkflowRunID: "run-1", BranchID: root.BranchID, EventType: store.EventStepCompleted})
	require.NoError(t, err)
	_, err = es.Append(ctx, &store.Event{WorkflowRunID: "run-1", BranchID: root.BranchID, EventType: store.EventStepCompleted})
	require.NoError(t, err)

	child, err := es.Fork(ctx, root.BranchID, e1.EventID)
	require.NoError(t, err)
	require.Len(t, child.Lineage, 2)
	assert.Equal(t, root.BranchID, child.RootBranchID())
	assert.Equal(t, root.BranchID, child.Lineage[0].BranchID)
	assert.Equal(t, e1.EventID, *child.Lineage[0].CutoffEventID)
	assert.Equal(t, child.BranchID, child.Lineage[1].BranchID)
	assert.Nil(t, child.Lineage[1].CutoffEventID)

	// events appended after the fork cutoff on the parent must not appear
	// in the child's lineage view, only the one at/before the cutoff.
	visible, err := es.GetLineageEvents(ctx, child.BranchID)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, e1.EventID, visible[0].EventID)
}

func TestGetLineageEvents_UnionsAcrossForkChain(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	es := eventstore.New(db)

	root, err := es.NewRootBranch(ctx, "run-1")
	require.NoError(t, err)
	rootEvent, err := es.Append(ctx, &store.Event{WorkflowRunID: "run-1", BranchID: root.BranchID, EventType: store.EventWorkflowCreated})
	require.NoError(t, err)

	mid, err := es.Fork(ctx, root.BranchID, rootEvent.EventID)
	require.NoError(t, err)
	midEvent, err := es.Append(ctx, &store.Event{WorkflowRunID: "run-1", BranchID: mid.BranchID, EventType: store.EventStepCompleted})
	require.NoError(t, err)

	leaf, err := es.Fork(ctx, mid.BranchID, midEvent.EventID)
	require.NoError(t, err)
	leafEvent, err := es.Append(ctx, &store.Event{WorkflowRunID: "run-1", BranchID: leaf.BranchID, EventType: store.EventStepCompleted})
	require.NoError(t, err)

	visible, err := es.GetLineageEvents(ctx, leaf.BranchID)
	require.NoError(t, err)
	require.Len(t, visible, 3)
	assert.Equal(t, rootEvent.EventID, visible[0].EventID)
	assert.Equal(t, midEvent.EventID, visible[1].EventID)
	assert.Equal(t, leafEvent.EventID, visible[2].EventID)
}

func TestLatestByType_PicksMostRecentEventID(t *testing.T) {
	evs := []*store.Event{
		{EventID: "a", EventType: store.EventOutputStored},
		{EventID: "c", EventType: store.EventOutputStored},
		{EventID: "b", EventType: store.EventOutputStored},
		{EventID: "z", EventType: store.EventStepCompleted},
	}
	latest := eventstore.LatestByType(evs, store.EventOutputStored)
	require.NotNil(t, latest)
	assert.Equal(t, "c", latest.EventID)
}
