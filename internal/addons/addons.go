// Package addons implements the decoration pipeline of spec.md §4.3's
// "Addon pipeline" paragraph: pluggable annotators that decorate selection
// options with metadata and observe selection outcomes without ever
// changing the outcome itself.
//
// Grounded on original_source's modules/addons/{base,processor,
// compatibility}.py (declarative priority + decorate + onSelection +
// capability compatibility check); the teacher has no addon concept, so
// this is written in the teacher's general plugin-registry idiom. Unlike
// moduleiface's constructor registry, a Pipeline holds a slice of addon
// instances.
package addons

import (
	"context"
	"sort"

	"github.com/lyzr/workflow-orchestrator/internal/condition"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
)

// Item is one decoratable option, e.g. a selection choice shown to the user.
type Item struct {
	Data     map[string]interface{}
	Metadata map[string]interface{}
}

// Decoration is what an addon returns for one item: additional data merged
// shallowly and decorator metadata merged into the item's _metadata block.
type Decoration struct {
	Data       map[string]interface{}
	Decorators map[string]interface{}
}

// Addon is a pluggable decorator. Priority determines ordering (lower runs
// first); decorators applied later overwrite same-key data from earlier
// addons, so ordering is observable.
type Addon interface {
	AddonID() string
	Priority() int
	// Compatible reports whether this addon applies to the current module
	// call at all (requires/capability negotiation).
	Compatible(moduleID string, requires []string) bool
	// Decorate returns one Decoration per item, same length and order as items.
	Decorate(ctx context.Context, items []Item, inputs moduleiface.ExecInputs, execCtx moduleiface.ExecContext) ([]Decoration, error)
	// OnSelection observes the indices the user picked. Addons never alter
	// the outcome; this is purely an observation hook.
	OnSelection(ctx context.Context, selectedIndices []int, items []Item) error
}

// Pipeline runs a set of addons in priority order against a selection-like
// module's option list.
type Pipeline struct {
	addons []Addon
}

// NewPipeline returns a Pipeline running addons in ascending priority order.
func NewPipeline(registered []Addon) *Pipeline {
	sorted := make([]Addon, len(registered))
	copy(sorted, registered)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &Pipeline{addons: sorted}
}

// Decorate runs every compatible addon over items in priority order,
// merging each addon's decorators into the corresponding item's _metadata
// block. Earlier decorators are preserved; a later addon's decorator with
// the same key overwrites the earlier value (last-writer-wins by priority
// order), matching spec.md §4.3 exactly.
func (p *Pipeline) Decorate(ctx context.Context, moduleID string, requires []string, items []Item, inputs moduleiface.ExecInputs, execCtx moduleiface.ExecContext) ([]Item, error) {
	decorated := make([]Item, len(items))
	for i, item := range items {
		meta := make(map[string]interface{}, len(item.Metadata))
		for k, v := range item.Metadata {
			meta[k] = v
		}
		decorated[i] = Item{Data: item.Data, Metadata: meta}
	}

	for _, addon := range p.addons {
		if !addon.Compatible(moduleID, requires) {
			continue
		}
		decorations, err := addon.Decorate(ctx, decorated, inputs, execCtx)
		if err != nil {
			return nil, err
		}
		for i, d := range decorations {
			if i >= len(decorated) {
				break
			}
			for k, v := range d.Data {
				decorated[i].Data[k] = v
			}
			for k, v := range d.Decorators {
				decorated[i].Metadata[k] = v
			}
		}
	}
	return decorated, nil
}

// OnSelection fires every addon's observation hook in priority order after
// the user responds. Addon errors are collected but do not block each
// other or the caller — an addon observing selection is best-effort.
func (p *Pipeline) OnSelection(ctx context.Context, selectedIndices []int, items []Item) []error {
	var errs []error
	for _, addon := range p.addons {
		if err := addon.OnSelection(ctx, selectedIndices, items); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// CompatibleByExpr builds a Compatible implementation from a CEL guard
// expression evaluated against `module_id` and `requires`, for addons whose
// applicability is richer than a plain capability-set intersection (e.g.
// "only modules that both require selection and are not admin-only"). A
// nil evaluator, or an expression that fails to evaluate, makes the addon
// never compatible — a misconfigured guard should silently disable the
// addon, not crash the pipeline.
func CompatibleByExpr(eval *condition.Evaluator, expr string) func(moduleID string, requires []string) bool {
	return func(moduleID string, requires []string) bool {
		ok, err := eval.EvalBool(expr, map[string]interface{}{
			condition.VarModuleID: moduleID,
			condition.VarRequires: requires,
		})
		return err == nil && ok
	}
}

// CompatibleByCapability is a small reusable Compatible implementation:
// an addon is compatible with a module call if the call's accumulated
// requirement capabilities intersect the addon's declared capability set,
// or the addon declares no capability requirements at all (applies
// universally).
func CompatibleByCapability(addonCapabilities []string) func(moduleID string, requires []string) bool {
	set := make(map[string]bool, len(addonCapabilities))
	for _, c := range addonCapabilities {
		set[c] = true
	}
	return func(_ string, requires []string) bool {
		if len(set) == 0 {
			return true
		}
		for _, r := range requires {
			if set[r] {
				return true
			}
		}
		return false
	}
}
