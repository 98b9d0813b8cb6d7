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

func TestResolveRefs_InlinesJSONRecursively(t *testing.T) {
	fs := versionstore.VirtualFS{
		"fragments/options.json": []byte(`{"choices": ["a", "b"]}`),
	}
	workflow := map[string]interface{}{
		"workflow_id": "wf",
		"inputs": map[string]interface{}{
			"$ref": "fragments/options.json",
			"type": "json",
		},
	}
	resolved, err := versionstore.ResolveRefs(workflow, fs)
	require.NoError(t, err)

	inputs := resolved["inputs"].(map[string]interface{})
	choices := inputs["choices"].([]interface{})
	assert.Equal(t, []interface{}{"a", "b"}, choices)
}

func TestResolveRefs_NonJSONTypeInlinesRawBytesAsString(t *testing.T) {
	fs := versionstore.VirtualFS{"templates/greeting.jinja2": []byte("hello {{name}}")}
	workflow := map[string]interface{}{
		"prompt": map[string]interface{}{"$ref": "templates/greeting.jinja2", "type": "jinja2"},
	}
	resolved, err := versionstore.ResolveRefs(workflow, fs)
	require.NoError(t, err)
	assert.Equal(t, "hello {{name}}", resolved["prompt"])
}

func TestResolveRefs_DefaultsTypeToText(t *testing.T) {
	fs := versionstore.VirtualFS{"notes.txt": []byte("plain")}
	workflow := map[string]interface{}{"notes": map[string]interface{}{"$ref": "notes.txt"}}
	resolved, err := versionstore.ResolveRefs(workflow, fs)
	require.NoError(t, err)
	assert.Equal(t, "plain", resolved["notes"])
}

func TestResolveRefs_UnresolvableRefErrors(t *testing.T) {
	fs := versionstore.VirtualFS{}
	workflow := map[string]interface{}{"notes": map[string]interface{}{"$ref": "missing.txt"}}
	_, err := versionstore.ResolveRefs(workflow, fs)
	assert.Error(t, err)
}

func TestResolveRefs_PathEscapingRootIsRejected(t *testing.T) {
	fs := versionstore.VirtualFS{"secret.txt": []byte("nope")}
	workflow := map[string]interface{}{"notes": map[string]interface{}{"$ref": "../secret.txt"}}
	_, err := versionstore.ResolveRefs(workflow, fs)
	assert.Error(t, err)
}

func TestResolveRefs_PathDippingAndReturningWithinRootIsAllowed(t *testing.T) {
	fs := versionstore.VirtualFS{"a/b.txt": []byte("ok")}
	workflow := map[string]interface{}{"notes": map[string]interface{}{"$ref": "a/c/../b.txt"}}
	resolved, err := versionstore.ResolveRefs(workflow, fs)
	require.NoError(t, err)
	assert.Equal(t, "ok", resolved["notes"])
}

func TestResolveRefs_CircularJSONRefIsRejected(t *testing.T) {
	fs := versionstore.VirtualFS{
		"a.json": []byte(`{"$ref": "b.json", "type": "json"}`),
		"b.json": []byte(`{"$ref": "a.json", "type": "json"}`),
	}
	workflow := map[string]interface{}{"x": map[string]interface{}{"$ref": "a.json", "type": "json"}}
	_, err := versionstore.ResolveRefs(workflow, fs)
	assert.Error(t, err)
}

func TestUpload_NoExecutionGroups_PersistsSingleRawVersion(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	vs := versionstore.New(db)

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
	result, err := vs.Upload(ctx, "user-1", "template-a", store.SourceJSON, workflow, versionstore.VirtualFS{})
	require.NoError(t, err)
	assert.Nil(t, result.Parent)
	require.Len(t, result.Resolved, 1)
	assert.Equal(t, store.VersionRaw, result.Resolved[0].VersionType)
}

func TestUpload_WithExecutionGroups_PersistsUnresolvedParentAndResolvedChildren(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	vs := versionstore.New(db)

	workflow := map[string]interface{}{
		"workflow_id": "wf",
		"steps": []interface{}{
			map[string]interface{}{
				"step_id":  "s1",
				"modules":  []interface{}{execGroupNode("ui_choice", "A", "B")},
			},
		},
	}
	result, err := vs.Upload(ctx, "user-1", "template-b", store.SourceJSON, workflow, versionstore.VirtualFS{})
	require.NoError(t, err)

	require.NotNil(t, result.Parent)
	assert.Equal(t, store.VersionUnresolved, result.Parent.VersionType)
	assert.Nil(t, result.Parent.ParentWorkflowVersionID)

	require.Len(t, result.Resolved, 2)
	for _, v := range result.Resolved {
		assert.Equal(t, store.VersionResolved, v.VersionType)
		require.NotNil(t, v.ParentWorkflowVersionID)
		assert.Equal(t, result.Parent.VersionID, *v.ParentWorkflowVersionID)
		assert.NotEmpty(t, v.Requires)
		assert.NotEmpty(t, v.SelectedPaths)
	}
}

func TestUpload_ResolvesRefsBeforeDetectingExecutionGroups(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	vs := versionstore.New(db)

	fs := versionstore.VirtualFS{
		"groups/ui_choice.json": []byte(`{
			"module_id": "execution-groups",
			"name": "ui_choice",
			"groups": [
				{"name": "A", "requires": [{"capability": "A", "priority": 10}], "modules": [{"module_id": "io.text_input", "name": "A_input"}]}
			]
		}`),
	}
	workflow := map[string]interface{}{
		"workflow_id": "wf",
		"steps": []interface{}{
			map[string]interface{}{
				"step_id": "s1",
				"modules": []interface{}{
					map[string]interface{}{"$ref": "groups/ui_choice.json", "type": "json"},
				},
			},
		},
	}
	result, err := vs.Upload(ctx, "user-1", "template-c", store.SourceJSON, workflow, fs)
	require.NoError(t, err)
	require.NotNil(t, result.Parent)
	require.Len(t, result.Resolved, 1)
}
