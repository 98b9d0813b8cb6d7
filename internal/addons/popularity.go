package addons

import (
	"context"

	"github.com/lyzr/workflow-orchestrator/internal/condition"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// metaTemplateID is the Decoration key PopularityAddon stamps onto every
// item it decorates, so OnSelection — which the pipeline calls with no
// execCtx of its own — can recover the template scope its counters are
// keyed by.
const metaTemplateID = "_popularity_template_id"

// popularityLookupLimit bounds TopWeightedKeywords reads; Postgres treats
// LIMIT 0 as "zero rows", not "unlimited", so a read meant to see every
// known keyword for a template needs a real ceiling instead.
const popularityLookupLimit = 10000

// PopularityAddon is the SPEC_FULL option-usage / weighted-keyword
// supplement (spec.md §3 names the counters; original_source's
// db/mixins/history.py scopes them per template): it biases a selection
// module's options with how often each has been picked before, and
// records every pick back into the same counters for the next call.
type PopularityAddon struct {
	db    store.Store
	eval  *condition.Evaluator
	guard string
}

// NewPopularityAddon returns a PopularityAddon scoped to any module call
// declaring a "selection" requirement — guarded by CEL rather than a plain
// capability-set check, so the applicability rule lives in one place with
// every other guard expression in the system.
func NewPopularityAddon(db store.Store, eval *condition.Evaluator) *PopularityAddon {
	return &PopularityAddon{db: db, eval: eval, guard: `"selection" in requires`}
}

func (a *PopularityAddon) AddonID() string { return "popularity" }
func (a *PopularityAddon) Priority() int    { return 100 }

func (a *PopularityAddon) Compatible(moduleID string, requires []string) bool {
	return CompatibleByExpr(a.eval, a.guard)(moduleID, requires)
}

// Decorate annotates each item with the keyword weight the template has
// accumulated for it so far, if any — the client-facing ranking signal;
// the addon never reorders or removes options itself.
func (a *PopularityAddon) Decorate(ctx context.Context, items []Item, _ moduleiface.ExecInputs, execCtx moduleiface.ExecContext) ([]Decoration, error) {
	decorations := make([]Decoration, len(items))
	templateID, _ := execCtx.Config["template_id"].(string)
	if templateID == "" || a.db == nil {
		return decorations, nil
	}

	top, err := a.db.TopWeightedKeywords(ctx, templateID, popularityLookupLimit)
	if err != nil {
		return nil, err
	}
	weights := make(map[string]float64, len(top))
	for _, kw := range top {
		weights[kw.Keyword] = kw.Weight
	}

	for i, item := range items {
		decorators := map[string]interface{}{metaTemplateID: templateID}
		if w, ok := weights[optionKeyword(item)]; ok {
			decorators["popularity_weight"] = w
		}
		decorations[i] = Decoration{Decorators: decorators}
	}
	return decorations, nil
}

// OnSelection increments the picked options' usage counters and bumps
// their keyword weight by one, so the next Decorate call ranks them
// higher — a simple recency/frequency signal, not a learned model.
func (a *PopularityAddon) OnSelection(ctx context.Context, selectedIndices []int, items []Item) error {
	if a.db == nil {
		return nil
	}
	for _, idx := range selectedIndices {
		if idx < 0 || idx >= len(items) {
			continue
		}
		item := items[idx]
		templateID, _ := item.Metadata[metaTemplateID].(string)
		keyword := optionKeyword(item)
		if templateID == "" || keyword == "" {
			continue
		}
		if err := a.db.IncrementOptionUsage(ctx, templateID, keyword, 1); err != nil {
			return err
		}
		if err := a.bumpKeywordWeight(ctx, templateID, keyword); err != nil {
			return err
		}
	}
	return nil
}

func (a *PopularityAddon) bumpKeywordWeight(ctx context.Context, templateID, keyword string) error {
	top, err := a.db.TopWeightedKeywords(ctx, templateID, popularityLookupLimit)
	if err != nil {
		return err
	}
	weight := 1.0
	for _, kw := range top {
		if kw.Keyword == keyword {
			weight = kw.Weight + 1
			break
		}
	}
	return a.db.RecordKeywordWeight(ctx, templateID, keyword, weight)
}

// optionKeyword picks the field an option is counted/weighted under,
// trying the common shapes a selection option arrives in.
func optionKeyword(item Item) string {
	for _, key := range []string{"keyword", "value", "id", "label", "name"} {
		if s, ok := item.Data[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

var _ Addon = (*PopularityAddon)(nil)
