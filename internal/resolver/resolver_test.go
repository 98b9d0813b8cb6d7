package resolver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/resolver"
)

func testContext() resolver.Context {
	return resolver.Context{
		State: map[string]interface{}{"user_name": "ada", "count": float64(3)},
		Module: map[string]interface{}{
			"llm_call": map[string]interface{}{"text": "hello", "items": []interface{}{"a", "b"}},
		},
		Step:   map[string]interface{}{"s1": map[string]interface{}{"status": "done"}},
		Config: map[string]interface{}{"env": "prod"},
	}
}

func TestResolveValue_PureExpressionReturnsTypedValue(t *testing.T) {
	r := resolver.New(nil)
	v, err := r.ResolveValue("$state.count", testContext())
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)
}

func TestResolveValue_MixedTemplateReturnsString(t *testing.T) {
	r := resolver.New(nil)
	v, err := r.ResolveValue("Hello, ${$state.user_name}!", testContext())
	require.NoError(t, err)
	assert.Equal(t, "Hello, ada!", v)
}

func TestResolveValue_ModuleOutputArrayIndex(t *testing.T) {
	r := resolver.New(nil)
	v, err := r.ResolveValue("$module.llm_call.items[0]", testContext())
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestResolveValue_MissingReferenceIsAbsentAndStringsEmpty(t *testing.T) {
	r := resolver.New(nil)
	v, err := r.ResolveValue("$state.does_not_exist", testContext())
	require.NoError(t, err)
	assert.True(t, resolver.IsAbsent(v))

	rendered, err := r.ResolveValue("value: ${$state.does_not_exist}", testContext())
	require.NoError(t, err)
	assert.Equal(t, "value: ", rendered)
}

func TestResolveValue_RecursesThroughMapsAndSlices(t *testing.T) {
	r := resolver.New(nil)
	input := map[string]interface{}{
		"greeting": "${$state.user_name}",
		"nested":   map[string]interface{}{"n": "$state.count"},
		"list":     []interface{}{"$config.env", "literal"},
	}
	out, err := r.ResolveValue(input, testContext())
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, "ada", m["greeting"])
	assert.Equal(t, float64(3), m["nested"].(map[string]interface{})["n"])
	assert.Equal(t, []interface{}{"prod", "literal"}, m["list"])
}

func TestResolveWithSchema_ClientFieldsPassThroughUntouched(t *testing.T) {
	r := resolver.New(nil)
	inputs := map[string]interface{}{
		"server_field": "$state.user_name",
		"client_field": "$state.user_name",
	}
	schema := map[string]interface{}{
		"properties": map[string]interface{}{
			"client_field": map[string]interface{}{"resolver_schema": "client"},
		},
	}
	out, err := r.ResolveWithSchema(inputs, schema, testContext())
	require.NoError(t, err)
	assert.Equal(t, "ada", out["server_field"])
	assert.Equal(t, "$state.user_name", out["client_field"])
}

func TestResolveWithSchema_NestedFieldsInheritParentFlag(t *testing.T) {
	r := resolver.New(nil)
	inputs := map[string]interface{}{
		"form": map[string]interface{}{
			"a": "$state.user_name",
			"b": "$state.count",
		},
	}
	schema := map[string]interface{}{
		"properties": map[string]interface{}{
			"form": map[string]interface{}{"resolver_schema": "client"},
		},
	}
	out, err := r.ResolveWithSchema(inputs, schema, testContext())
	require.NoError(t, err)
	form := out["form"].(map[string]interface{})
	assert.Equal(t, "$state.user_name", form["a"])
	assert.Equal(t, "$state.count", form["b"])
}
