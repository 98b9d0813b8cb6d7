package versionstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/lyzr/workflow-orchestrator/internal/errors"
	"github.com/lyzr/workflow-orchestrator/internal/store"
)

// VirtualFS is the set of files uploaded alongside a workflow document,
// keyed by the root-relative path a $ref node names (spec.md §6 "external
// file references resolved at upload time").
type VirtualFS map[string][]byte

// refNode is the shape of a {$ref, type} node (spec.md §4.2 "$ref
// resolution").
type refNode struct {
	path    string
	refType string
}

func parseRefNode(m map[string]interface{}) (refNode, bool) {
	path, ok := m["$ref"].(string)
	if !ok || path == "" {
		return refNode{}, false
	}
	refType, _ := m["type"].(string)
	if refType == "" {
		refType = "text"
	}
	return refNode{path: path, refType: refType}, true
}

// normalizeRefPath enforces "paths may not escape the virtual filesystem
// root" by tracking minimum traversal depth across the path's "/"-separated
// segments: a named segment descends (depth++), ".." ascends (depth--), and
// depth may never go negative. Returns the cleaned path with ".", ".."
// resolved away, or an error if the path would climb above root.
func normalizeRefPath(path string) (string, error) {
	segments := strings.Split(path, "/")
	stack := make([]string, 0, len(segments))
	depth := 0
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return "", errors.New(errors.KindValidation, "$ref path escapes virtual filesystem root: "+path)
			}
			stack = stack[:len(stack)-1]
		default:
			depth++
			stack = append(stack, seg)
		}
	}
	return strings.Join(stack, "/"), nil
}

// resolveRefs walks node recursively, inlining every {$ref, type} node it
// finds. type=json inlines the parsed JSON (itself recursively resolved,
// guarded against cycles via visiting); every other type inlines the file's
// raw bytes as a string (spec.md §4.2).
func resolveRefs(node interface{}, fs VirtualFS, visiting map[string]bool) (interface{}, error) {
	switch v := node.(type) {
	case map[string]interface{}:
		if ref, ok := parseRefNode(v); ok {
			return resolveRef(ref, fs, visiting)
		}
		out := make(map[string]interface{}, len(v))
		for k, vv := range v {
			resolved, err := resolveRefs(vv, fs, visiting)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, vv := range v {
			resolved, err := resolveRefs(vv, fs, visiting)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveRef(ref refNode, fs VirtualFS, visiting map[string]bool) (interface{}, error) {
	clean, err := normalizeRefPath(ref.path)
	if err != nil {
		return nil, err
	}
	if visiting[clean] {
		return nil, errors.New(errors.KindValidation, "circular $ref: "+ref.path)
	}
	content, ok := fs[clean]
	if !ok {
		return nil, errors.New(errors.KindValidation, "unresolvable $ref: "+ref.path)
	}

	if ref.refType != "json" {
		return string(content), nil
	}

	var parsed interface{}
	if err := json.Unmarshal(content, &parsed); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "malformed json $ref: "+ref.path, err)
	}
	visiting[clean] = true
	defer delete(visiting, clean)
	return resolveRefs(parsed, fs, visiting)
}

// ResolveRefs inlines every $ref node in workflow against fs, returning a
// new document with all references resolved. A nil or empty fs is valid for
// workflows with no $ref nodes at all.
func ResolveRefs(workflow map[string]interface{}, fs VirtualFS) (map[string]interface{}, error) {
	resolved, err := resolveRefs(workflow, fs, map[string]bool{})
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]interface{})
	if !ok {
		return nil, errors.New(errors.KindValidation, "resolved workflow document is not an object")
	}
	return out, nil
}

// UploadResult is what Upload persists: the unresolved parent (nil if the
// document had no execution-groups meta-nodes, i.e. it was runnable as-is)
// and every resolved variant, in cartesian-product order.
type UploadResult struct {
	Parent   *store.WorkflowVersion   `json:"parent,omitempty"`
	Resolved []*store.WorkflowVersion `json:"resolved"`
}

// Upload is the spec.md §4.2 "Persistence" entry point: resolve $ref nodes,
// detect execution-groups meta-nodes, and either persist the document
// directly as a raw runnable version, or persist it as an unresolved
// parent plus one resolved version per expansion variant, each linked back
// to the parent via parent_workflow_version_id.
func (vs *VersionStore) Upload(ctx context.Context, userID, templateName string, sourceType store.SourceType, rawWorkflow map[string]interface{}, fs VirtualFS) (*UploadResult, error) {
	template, err := vs.GetOrCreateTemplate(ctx, userID, templateName)
	if err != nil {
		return nil, err
	}

	resolved, err := ResolveRefs(rawWorkflow, fs)
	if err != nil {
		return nil, err
	}

	groups, err := findGroups(resolved)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		v, _, err := vs.getOrCreate(ctx, template.TemplateID, sourceType, store.VersionRaw, resolved, []store.Requirement{}, nil, nil)
		if err != nil {
			return nil, err
		}
		return &UploadResult{Resolved: []*store.WorkflowVersion{v}}, nil
	}

	parent, _, err := vs.getOrCreate(ctx, template.TemplateID, sourceType, store.VersionUnresolved, resolved, []store.Requirement{}, nil, nil)
	if err != nil {
		return nil, err
	}

	expansions, err := ExpandExecutionGroups(resolved)
	if err != nil {
		return nil, err
	}
	result := &UploadResult{Parent: parent, Resolved: make([]*store.WorkflowVersion, 0, len(expansions))}
	for _, expansion := range expansions {
		v, _, err := vs.getOrCreate(ctx, template.TemplateID, sourceType, store.VersionResolved, expansion.FlattenedWorkflow, expansion.Requires, expansion.SelectedPaths, &parent.VersionID)
		if err != nil {
			return nil, err
		}
		result.Resolved = append(result.Resolved, v)
	}
	return result, nil
}
