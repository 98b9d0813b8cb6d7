// Package versionstore turns uploaded workflow JSON into content-addressed
// templates and versions, including execution-group expansion into the
// cartesian product of client-capability paths (spec.md §4.2).
package versionstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/sync/singleflight"

	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/idgen"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// VersionStore is the template/version CRUD + expansion facade.
type VersionStore struct {
	db    store.Store
	group singleflight.Group
}

// New returns a VersionStore backed by db.
func New(db store.Store) *VersionStore {
	return &VersionStore{db: db}
}

// GetOrCreateTemplate upserts a template by (user, name).
func (vs *VersionStore) GetOrCreateTemplate(ctx context.Context, userID, templateName string) (*store.WorkflowTemplate, error) {
	t, err := vs.db.GetOrCreateTemplate(ctx, userID, templateName)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "get or create template", err)
	}
	return t, nil
}

// GetOrCreateVersion hashes resolvedWorkflow and either reuses the existing
// version for (templateID, hash) or persists a new one with version_type
// raw and empty requires. Concurrent calls with identical content collapse
// onto a single write via singleflight, keyed by (templateID, hash) —
// Postgres's own unique constraint is still the final guard, this just
// avoids redundant round-trips under load.
func (vs *VersionStore) GetOrCreateVersion(ctx context.Context, templateID string, sourceType store.SourceType, resolvedWorkflow map[string]interface{}) (version *store.WorkflowVersion, isNew bool, err error) {
	return vs.getOrCreate(ctx, templateID, sourceType, store.VersionRaw, resolvedWorkflow, []store.Requirement{}, nil, nil)
}

// getOrCreate is GetOrCreateVersion generalized over version_type, requires,
// selected_paths and parent linkage, so Upload can persist an unresolved
// parent and its resolved execution-group variants through the same
// singleflight-collapsed, hash-deduplicated path that the raw (no
// execution-groups) case uses.
func (vs *VersionStore) getOrCreate(ctx context.Context, templateID string, sourceType store.SourceType, versionType store.VersionType, resolvedWorkflow map[string]interface{}, requires []store.Requirement, selectedPaths map[string]string, parentVersionID *string) (version *store.WorkflowVersion, isNew bool, err error) {
	hash, err := ContentHash(resolvedWorkflow)
	if err != nil {
		return nil, false, errors.Wrap(errors.KindValidation, "hash workflow", err)
	}

	type result struct {
		v     *store.WorkflowVersion
		isNew bool
	}
	raw, err, _ := vs.group.Do(templateID+"\x00"+hash, func() (interface{}, error) {
		existing, getErr := vs.db.GetVersionByHash(ctx, templateID, hash)
		if getErr == nil {
			return result{v: existing, isNew: false}, nil
		}
		if getErr != store.ErrNotFound {
			return nil, getErr
		}

		v := &store.WorkflowVersion{
			VersionID:               idgen.New(),
			TemplateID:              templateID,
			ContentHash:             hash,
			SourceType:              sourceType,
			VersionType:             versionType,
			ParentWorkflowVersionID: parentVersionID,
			Requires:                requires,
			SelectedPaths:           selectedPaths,
			ResolvedWorkflow:        resolvedWorkflow,
		}
		if createErr := vs.db.CreateVersion(ctx, v); createErr != nil {
			return nil, createErr
		}
		// Re-fetch to pick up the row actually persisted, in case a
		// concurrent writer on another process won the unique-constraint race.
		final, getErr := vs.db.GetVersionByHash(ctx, templateID, hash)
		if getErr != nil {
			return nil, getErr
		}
		return result{v: final, isNew: final.VersionID == v.VersionID}, nil
	})
	if err != nil {
		return nil, false, errors.Wrap(errors.KindFatal, "get or create version", err)
	}
	r := raw.(result)
	return r.v, r.isNew, nil
}

// ContentHash canonicalizes v (recursive sorted-key re-marshal, per design
// note §9's own recommendation) and returns its sha256 hex digest.
func ContentHash(v map[string]interface{}) (string, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(v interface{}) ([]byte, error) {
	normalized := normalize(v)
	return json.Marshal(normalized)
}

// normalize walks map[string]interface{} and []interface{} values
// recursively, copying them. encoding/json already sorts map keys on
// marshal, so the marshaled byte stream is stable without further work;
// values of any other type (including other map shapes such as
// map[string]string) are returned unchanged.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = normalize(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = normalize(vv)
		}
		return out
	default:
		return val
	}
}

// GroupSpec is one execution-groups meta-node's declaration, located and
// parsed out of a step's modules by expandExecutionGroups.
type GroupSpec struct {
	Name  string
	Paths []PathSpec
}

// PathSpec is one named alternative inside an execution group.
type PathSpec struct {
	Name         string
	Requires     []store.Requirement
	Modules      []map[string]interface{}
	OutputSchema map[string]interface{}
}

// ExpansionResult is one cartesian-product variant of a workflow.
type ExpansionResult struct {
	FlattenedWorkflow map[string]interface{}
	Requires          []store.Requirement
	SelectedPaths     map[string]string
}

const executionGroupsModuleID = "execution-groups"

// ExpandExecutionGroups is the deterministic pure function of spec.md §4.2:
// it scans every step's modules for execution-groups meta-nodes, and for
// each cartesian-product selection across all such nodes, deep-copies the
// workflow with each meta-node replaced by its chosen path's inlined
// modules, annotated and (if the node declared an output_schema) followed
// by a synthetic validator module at expanded_index -1.
func ExpandExecutionGroups(workflow map[string]interface{}) ([]ExpansionResult, error) {
	groups, err := findGroups(workflow)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return []ExpansionResult{{
			FlattenedWorkflow: deepCopyMap(workflow),
			Requires:          []store.Requirement{},
			SelectedPaths:     map[string]string{},
		}}, nil
	}

	selections := cartesianProduct(groups)
	results := make([]ExpansionResult, 0, len(selections))
	for _, selection := range selections {
		flattened := deepCopyMap(workflow)
		requires := []store.Requirement{}
		selectedPaths := make(map[string]string, len(selection))

		steps, _ := flattened["steps"].([]interface{})
		for _, stepRaw := range steps {
			step, ok := stepRaw.(map[string]interface{})
			if !ok {
				continue
			}
			modules, _ := step["modules"].([]interface{})
			newModules := make([]interface{}, 0, len(modules))
			for _, modRaw := range modules {
				mod, ok := modRaw.(map[string]interface{})
				if !ok {
					newModules = append(newModules, modRaw)
					continue
				}
				if mod["module_id"] != executionGroupsModuleID {
					newModules = append(newModules, modRaw)
					continue
				}

				groupName, _ := mod["name"].(string)
				pathName := selection[groupName]
				selectedPaths[groupName] = pathName
				spec := findGroupSpec(groups, groupName)
				path := findPath(spec, pathName)
				if path == nil {
					return nil, errors.New(errors.KindValidation, "execution group path not found: "+groupName+"/"+pathName)
				}

				for i, inlinedRaw := range path.Modules {
					inlined := deepCopyMap(inlinedRaw)
					meta, _ := inlined["_metadata"].(map[string]interface{})
					if meta == nil {
						meta = map[string]interface{}{}
					}
					meta["expanded_from"] = groupName
					meta["expanded_index"] = i
					meta["path_name"] = pathName
					inlined["_metadata"] = meta
					newModules = append(newModules, inlined)
				}
				requires = append(requires, path.Requires...)

				if path.OutputSchema != nil {
					newModules = append(newModules, syntheticValidator(groupName, path.OutputSchema))
				}
			}
			step["modules"] = newModules
		}

		results = append(results, ExpansionResult{
			FlattenedWorkflow: flattened,
			Requires:          requires,
			SelectedPaths:     selectedPaths,
		})
	}
	return results, nil
}

func syntheticValidator(groupName string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"module_id": "io.validate",
		"name":      groupName + "_validate",
		"inputs": map[string]interface{}{
			"schema": schema,
		},
		"_metadata": map[string]interface{}{
			"expanded_from":  groupName,
			"expanded_index": -1,
		},
	}
}

func findGroups(workflow map[string]interface{}) ([]GroupSpec, error) {
	steps, _ := workflow["steps"].([]interface{})
	var groups []GroupSpec
	for _, stepRaw := range steps {
		step, ok := stepRaw.(map[string]interface{})
		if !ok {
			continue
		}
		modules, _ := step["modules"].([]interface{})
		for _, modRaw := range modules {
			mod, ok := modRaw.(map[string]interface{})
			if !ok || mod["module_id"] != executionGroupsModuleID {
				continue
			}
			spec, err := parseGroupSpec(mod)
			if err != nil {
				return nil, err
			}
			groups = append(groups, spec)
		}
	}
	return groups, nil
}

func parseGroupSpec(mod map[string]interface{}) (GroupSpec, error) {
	name, _ := mod["name"].(string)
	if name == "" {
		return GroupSpec{}, errors.New(errors.KindValidation, "execution-groups node missing name")
	}
	rawGroups, _ := mod["groups"].([]interface{})
	paths := make([]PathSpec, 0, len(rawGroups))
	for _, rawPath := range rawGroups {
		pathMap, ok := rawPath.(map[string]interface{})
		if !ok {
			continue
		}
		pathName, _ := pathMap["name"].(string)
		var requires []store.Requirement
		if rawRequires, ok := pathMap["requires"].([]interface{}); ok {
			for _, r := range rawRequires {
				rm, ok := r.(map[string]interface{})
				if !ok {
					continue
				}
				capability, _ := rm["capability"].(string)
				prio := 0
				if p, ok := rm["priority"].(float64); ok {
					prio = int(p)
				}
				requires = append(requires, store.Requirement{Capability: capability, Priority: prio})
			}
		}
		var modules []map[string]interface{}
		if rawModules, ok := pathMap["modules"].([]interface{}); ok {
			for _, m := range rawModules {
				if mm, ok := m.(map[string]interface{}); ok {
					modules = append(modules, mm)
				}
			}
		}
		outputSchema, _ := pathMap["output_schema"].(map[string]interface{})
		paths = append(paths, PathSpec{
			Name:         pathName,
			Requires:     requires,
			Modules:      modules,
			OutputSchema: outputSchema,
		})
	}
	return GroupSpec{Name: name, Paths: paths}, nil
}

func findGroupSpec(groups []GroupSpec, name string) GroupSpec {
	for _, g := range groups {
		if g.Name == name {
			return g
		}
	}
	return GroupSpec{}
}

func findPath(spec GroupSpec, name string) *PathSpec {
	if name == "" && len(spec.Paths) > 0 {
		return &spec.Paths[0]
	}
	for i := range spec.Paths {
		if spec.Paths[i].Name == name {
			return &spec.Paths[i]
		}
	}
	return nil
}

// cartesianProduct enumerates every {group_name -> path_name} selection
// across groups, in deterministic order (groups and their paths are walked
// in the order they were declared).
func cartesianProduct(groups []GroupSpec) []map[string]string {
	selections := []map[string]string{{}}
	for _, g := range groups {
		var next []map[string]string
		for _, sel := range selections {
			for _, p := range g.Paths {
				branched := make(map[string]string, len(sel)+1)
				for k, v := range sel {
					branched[k] = v
				}
				branched[g.Name] = p.Name
				next = append(next, branched)
			}
		}
		selections = next
	}
	return selections
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out, err := json.Marshal(m)
	if err != nil {
		return map[string]interface{}{}
	}
	var cp map[string]interface{}
	_ = json.Unmarshal(out, &cp)
	return cp
}
