package versionstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/store"
	"github.com/lyzr/workflow-orchestrator/internal/store/memstore"
	"github.com/lyzr/workflow-orchestrator/internal/versionstore"
)

func TestContentHash_StableUnderKeyReordering(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": map[string]interface{}{"y": 2, "x": 1}}
	b := map[string]interface{}{"a": map[string]interface{}{"x": 1, "y": 2}, "b": 1}

	ha, err := versionstore.ContentHash(a)
	require.NoError(t, err)
	hb, err := versionstore.ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestContentHash_DiffersOnValueChange(t *testing.T) {
	a := map[string]interface{}{"value": 1}
	b := map[string]interface{}{"value": 2}
	ha, _ := versionstore.ContentHash(a)
	hb, _ := versionstore.ContentHash(b)
	assert.NotEqual(t, ha, hb)
}

func TestGetOrCreateVersion_SecondCallReusesVersionID(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	vs := versionstore.New(db)

	workflow := map[string]interface{}{"workflow_id": "wf", "steps": []interface{}{}}
	v1, isNew1, err := vs.GetOrCreateVersion(ctx, "template-1", store.SourceJSON, workflow)
	require.NoError(t, err)
	assert.True(t, isNew1)

	v2, isNew2, err := vs.GetOrCreateVersion(ctx, "template-1", store.SourceJSON, workflow)
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Equal(t, v1.VersionID, v2.VersionID)
}

func TestExpandExecutionGroups_NoMetaNodes_ReturnsSingleVariant(t *testing.T) {
	workflow := map[string]interface{}{
		"workflow_id": "wf",
		"steps": []interface{}{
			map[string]interface{}{
				"step_id": "s1",
				"modules": []interface{}{
					map[string]interface{}{"module_id": "io.text_input"},
				},
			},
		},
	}
	results, err := versionstore.ExpandExecutionGroups(workflow)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Requires)
	assert.Empty(t, results[0].SelectedPaths)
}

func TestExpandExecutionGroups_CartesianProductCount(t *testing.T) {
	workflow := map[string]interface{}{
		"workflow_id": "wf",
		"steps": []interface{}{
			map[string]interface{}{
				"step_id": "s1",
				"modules": []interface{}{
					execGroupNode("ui_choice", "A", "B"),
					execGroupNode("style_choice", "X", "Y", "Z"),
				},
			},
		},
	}
	results, err := versionstore.ExpandExecutionGroups(workflow)
	require.NoError(t, err)
	assert.Len(t, results, 2*3)

	seen := make(map[string]bool)
	for _, r := range results {
		key := r.SelectedPaths["ui_choice"] + "/" + r.SelectedPaths["style_choice"]
		seen[key] = true
		require.NotEmpty(t, r.Requires)
	}
	assert.Len(t, seen, 6)
}

func TestExpandExecutionGroups_InlinesAnnotatedModules(t *testing.T) {
	workflow := map[string]interface{}{
		"workflow_id": "wf",
		"steps": []interface{}{
			map[string]interface{}{
				"step_id": "s1",
				"modules": []interface{}{
					execGroupNode("ui_choice", "A"),
				},
			},
		},
	}
	results, err := versionstore.ExpandExecutionGroups(workflow)
	require.NoError(t, err)
	require.Len(t, results, 1)

	steps := results[0].FlattenedWorkflow["steps"].([]interface{})
	modules := steps[0].(map[string]interface{})["modules"].([]interface{})
	require.Len(t, modules, 1)
	mod := modules[0].(map[string]interface{})
	meta := mod["_metadata"].(map[string]interface{})
	assert.Equal(t, "ui_choice", meta["expanded_from"])
	assert.Equal(t, "A", meta["path_name"])
}

func execGroupNode(groupName string, pathNames ...string) map[string]interface{} {
	paths := make([]interface{}, 0, len(pathNames))
	for _, name := range pathNames {
		paths = append(paths, map[string]interface{}{
			"name": name,
			"requires": []interface{}{
				map[string]interface{}{"capability": name, "priority": float64(10)},
			},
			"modules": []interface{}{
				map[string]interface{}{"module_id": "io.text_input", "name": name + "_input"},
			},
		})
	}
	return map[string]interface{}{
		"module_id": "execution-groups",
		"name":      groupName,
		"groups":    paths,
	}
}
