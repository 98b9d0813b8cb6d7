package addons_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/addons"
	"github.com/lyzr/workflow-orchestrator/internal/condition"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/store/memstore"
)

func TestPopularityAddon_CompatibleOnlyForSelectionModules(t *testing.T) {
	env, err := condition.NewEnv()
	require.NoError(t, err)
	addon := addons.NewPopularityAddon(memstore.New(), condition.New(env))

	assert.True(t, addon.Compatible("ui.choice", []string{"selection"}))
	assert.False(t, addon.Compatible("ui.text_input", []string{"text"}))
}

func TestPopularityAddon_DecorateAnnotatesPriorWeightAndStampsTemplateID(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	require.NoError(t, db.RecordKeywordWeight(ctx, "tmpl-1", "red", 3))

	env, err := condition.NewEnv()
	require.NoError(t, err)
	addon := addons.NewPopularityAddon(db, condition.New(env))

	items := []addons.Item{
		{Data: map[string]interface{}{"value": "red"}, Metadata: map[string]interface{}{}},
		{Data: map[string]interface{}{"value": "blue"}, Metadata: map[string]interface{}{}},
	}
	execCtx := moduleiface.ExecContext{Config: map[string]interface{}{"template_id": "tmpl-1"}}

	decorations, err := addon.Decorate(ctx, items, nil, execCtx)
	require.NoError(t, err)
	require.Len(t, decorations, 2)
	assert.Equal(t, 3.0, decorations[0].Decorators["popularity_weight"])
	assert.Nil(t, decorations[1].Decorators["popularity_weight"])
	assert.Equal(t, "tmpl-1", decorations[0].Decorators["_popularity_template_id"])
}

func TestPopularityAddon_OnSelectionIncrementsUsageAndBumpsWeight(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	env, err := condition.NewEnv()
	require.NoError(t, err)
	addon := addons.NewPopularityAddon(db, condition.New(env))

	items := []addons.Item{
		{Data: map[string]interface{}{"value": "red"}, Metadata: map[string]interface{}{"_popularity_template_id": "tmpl-1"}},
		{Data: map[string]interface{}{"value": "blue"}, Metadata: map[string]interface{}{"_popularity_template_id": "tmpl-1"}},
	}

	require.NoError(t, addon.OnSelection(ctx, []int{0}, items))
	require.NoError(t, addon.OnSelection(ctx, []int{0}, items))

	top, err := db.TopWeightedKeywords(ctx, "tmpl-1", 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "red", top[0].Keyword)
	assert.Equal(t, 2.0, top[0].Weight)
}
