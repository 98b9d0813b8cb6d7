// Package resolver implements the input resolver contract of spec.md §4.4:
// materializing module inputs from a run's accumulated state via
// $state/$module/$step/$config reference forms and ${...} interpolation.
//
// Grounded on the teacher's cmd/workflow-runner/resolver/resolver.go
// (resolveValue/resolveString/resolveMap/resolveArray/resolveNodeReference/
// resolveInterpolation), renamed from the teacher's single `$nodes.` root
// to the spec's four context roots, and extended with the client/server
// schema split §4.4 requires.
package resolver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Context is the mapping the resolver materializes values against.
type Context struct {
	State  map[string]interface{}
	Module map[string]interface{}
	Step   map[string]interface{}
	Config map[string]interface{}
}

// absent is the sentinel for a missing reference: stringifies empty and
// evaluates false, per spec.md §4.4, without raising.
type absent struct{}

func (absent) String() string { return "" }

// IsAbsent reports whether v is the resolver's missing-value sentinel.
func IsAbsent(v interface{}) bool {
	_, ok := v.(absent)
	return ok
}

// referencePattern matches a whole-string pure reference expression, e.g.
// "$state.user.name" or "$module.llm_call.text[0]".
var referencePattern = regexp.MustCompile(`^\$(state|module|step|config)((?:\.[A-Za-z0-9_]+|\[\d+\])*)$`)

// interpolationPattern matches ${...} spans inside a mixed template string.
var interpolationPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Resolver resolves templated module inputs against a Context.
type Resolver struct {
	log *slog.Logger
}

// New returns a Resolver that logs missing references at the given logger.
func New(log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{log: log}
}

// ResolveValue unconditionally resolves every templated expression in
// value against ctx, recursing through maps and slices.
func (r *Resolver) ResolveValue(value interface{}, ctx Context) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, ctx), nil
	case map[string]interface{}:
		return r.resolveMap(v, ctx)
	case []interface{}:
		return r.resolveArray(v, ctx)
	default:
		return value, nil
	}
}

func (r *Resolver) resolveMap(m map[string]interface{}, ctx Context) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		resolved, err := r.ResolveValue(v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveArray(a []interface{}, ctx Context) ([]interface{}, error) {
	out := make([]interface{}, len(a))
	for i, v := range a {
		resolved, err := r.ResolveValue(v, ctx)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

// resolveString implements the two-mode rendering of spec.md §4.4: a
// string that is entirely one reference expression returns the underlying
// typed value; a string with embedded ${...} spans (or other literal text)
// renders to a string.
func (r *Resolver) resolveString(s string, ctx Context) interface{} {
	if referencePattern.MatchString(s) {
		return r.resolveReference(s, ctx)
	}
	if !interpolationPattern.MatchString(s) {
		return s
	}
	return interpolationPattern.ReplaceAllStringFunc(s, func(span string) string {
		expr := interpolationPattern.FindStringSubmatch(span)[1]
		expr = strings.TrimSpace(expr)
		if !strings.HasPrefix(expr, "$") {
			return span
		}
		return stringify(r.resolveReference(expr, ctx))
	})
}

// resolveReference resolves one reference expression ("$state.a.b") against
// the matching root in ctx via a gjson path, returning the absent sentinel
// (and logging) when the root or the path is unset.
func (r *Resolver) resolveReference(expr string, ctx Context) interface{} {
	match := referencePattern.FindStringSubmatch(expr)
	if match == nil {
		r.log.Warn("resolver: malformed reference", "expr", expr)
		return absent{}
	}
	root, rest := match[1], match[2]

	var data map[string]interface{}
	switch root {
	case "state":
		data = ctx.State
	case "module":
		data = ctx.Module
	case "step":
		data = ctx.Step
	case "config":
		data = ctx.Config
	}
	if data == nil {
		r.log.Warn("resolver: missing reference root", "expr", expr, "root", root)
		return absent{}
	}

	path := gjsonPath(rest)
	if path == "" {
		return data
	}

	json := gjson.Parse(marshalBestEffort(data))
	result := json.Get(path)
	if !result.Exists() {
		r.log.Warn("resolver: missing reference", "expr", expr)
		return absent{}
	}
	return result.Value()
}

// gjsonPath converts the regex-captured suffix (".a.b[0]") into a gjson
// path ("a.b.0"), since gjson addresses array indices as dotted segments.
func gjsonPath(rest string) string {
	rest = strings.TrimPrefix(rest, ".")
	rest = strings.ReplaceAll(rest, "[", ".")
	rest = strings.ReplaceAll(rest, "]", "")
	return rest
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case absent:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func marshalBestEffort(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
