package addons_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/workflow-orchestrator/internal/addons"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
)

type fakeAddon struct {
	id         string
	priority   int
	decorateFn func(items []addons.Item) []addons.Decoration
	selected   []int
}

func (f *fakeAddon) AddonID() string  { return f.id }
func (f *fakeAddon) Priority() int    { return f.priority }
func (f *fakeAddon) Compatible(moduleID string, requires []string) bool { return true }

func (f *fakeAddon) Decorate(ctx context.Context, items []addons.Item, inputs moduleiface.ExecInputs, execCtx moduleiface.ExecContext) ([]addons.Decoration, error) {
	return f.decorateFn(items), nil
}

func (f *fakeAddon) OnSelection(ctx context.Context, selectedIndices []int, items []addons.Item) error {
	f.selected = selectedIndices
	return nil
}

func TestDecorate_LaterPriorityOverwritesSameKey(t *testing.T) {
	first := &fakeAddon{id: "first", priority: 1, decorateFn: func(items []addons.Item) []addons.Decoration {
		out := make([]addons.Decoration, len(items))
		for i := range items {
			out[i] = addons.Decoration{Decorators: map[string]interface{}{"label": "from-first", "extra": "kept"}}
		}
		return out
	}}
	second := &fakeAddon{id: "second", priority: 2, decorateFn: func(items []addons.Item) []addons.Decoration {
		out := make([]addons.Decoration, len(items))
		for i := range items {
			out[i] = addons.Decoration{Decorators: map[string]interface{}{"label": "from-second"}}
		}
		return out
	}}

	pipeline := addons.NewPipeline([]addons.Addon{second, first})
	items := []addons.Item{{Data: map[string]interface{}{"id": "opt-1"}, Metadata: map[string]interface{}{}}}

	decorated, err := pipeline.Decorate(context.Background(), "mod", nil, items, nil, moduleiface.ExecContext{})
	require.NoError(t, err)
	require.Len(t, decorated, 1)
	assert.Equal(t, "from-second", decorated[0].Metadata["label"])
	assert.Equal(t, "kept", decorated[0].Metadata["extra"])
}

func TestOnSelection_FiresEveryAddon(t *testing.T) {
	a := &fakeAddon{id: "a", priority: 1, decorateFn: func(items []addons.Item) []addons.Decoration { return nil }}
	b := &fakeAddon{id: "b", priority: 2, decorateFn: func(items []addons.Item) []addons.Decoration { return nil }}
	pipeline := addons.NewPipeline([]addons.Addon{a, b})

	errs := pipeline.OnSelection(context.Background(), []int{0}, nil)
	assert.Empty(t, errs)
	assert.Equal(t, []int{0}, a.selected)
	assert.Equal(t, []int{0}, b.selected)
}

func TestCompatibleByCapability(t *testing.T) {
	compat := addons.CompatibleByCapability([]string{"webui"})
	assert.True(t, compat("m", []string{"webui", "tui"}))
	assert.False(t, compat("m", []string{"tui"}))

	universal := addons.CompatibleByCapability(nil)
	assert.True(t, universal("m", []string{"anything"}))
}
