package condition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/condition"
)

func TestEvalBool_NilEvaluatorFailsClosed(t *testing.T) {
	var eval *condition.Evaluator
	ok, err := eval.EvalBool(`module_id == "x"`, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalBool_NilEnvFailsClosed(t *testing.T) {
	eval := condition.New(nil)
	ok, err := eval.EvalBool(`module_id == "x"`, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalBool_EmptyExpressionFailsClosed(t *testing.T) {
	env, err := condition.NewEnv()
	require.NoError(t, err)
	eval := condition.New(env)
	ok, err := eval.EvalBool("", map[string]interface{}{condition.VarModuleID: "x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalBool_EvaluatesAgainstDeclaredVariables(t *testing.T) {
	env, err := condition.NewEnv()
	require.NoError(t, err)
	eval := condition.New(env)

	ok, err := eval.EvalBool(`"selection" in requires && module_id == "ui.choice"`, map[string]interface{}{
		condition.VarModuleID: "ui.choice",
		condition.VarRequires: []string{"selection", "admin"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eval.EvalBool(`"selection" in requires`, map[string]interface{}{
		condition.VarModuleID: "ui.choice",
		condition.VarRequires: []string{"admin"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalBool_CompilesOnceAndReusesCachedProgram(t *testing.T) {
	env, err := condition.NewEnv()
	require.NoError(t, err)
	eval := condition.New(env)

	expr := `module_outputs.ask.picked == "b"`
	vars := map[string]interface{}{
		condition.VarModuleOutputs: map[string]interface{}{"ask": map[string]interface{}{"picked": "b"}},
	}
	for i := 0; i < 3; i++ {
		ok, err := eval.EvalBool(expr, vars)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestEvalBool_MalformedExpressionReturnsValidationError(t *testing.T) {
	env, err := condition.NewEnv()
	require.NoError(t, err)
	eval := condition.New(env)

	_, err = eval.EvalBool(`module_id ===`, nil)
	assert.Error(t, err)
}

func TestEvalBool_NonBoolResultReturnsValidationError(t *testing.T) {
	env, err := condition.NewEnv()
	require.NoError(t, err)
	eval := condition.New(env)

	_, err = eval.EvalBool(`module_id`, map[string]interface{}{condition.VarModuleID: "x"})
	assert.Error(t, err)
}
