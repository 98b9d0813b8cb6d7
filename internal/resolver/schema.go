package resolver

// schemaServer / schemaClient are the two resolver_schema markers a module's
// declared input schema can carry on any node.
const (
	schemaServer = "server"
	schemaClient = "client"
)

// ResolveWithSchema implements spec.md §4.4's schema-directed split: fields
// whose schema node is marked resolver_schema: "server" are materialized
// against ctx; fields marked "client" pass through untouched, left for the
// client UI to resolve downstream. A nested field with no schema node of
// its own inherits the nearest ancestor's resolution flag. The
// resolver_schema key itself never appears in the returned value — it is a
// schema-side-channel property, not part of the input shape.
//
// schema is a JSON-schema-shaped tree: {"resolver_schema": "...",
// "properties": {field: schemaNode, ...}, "items": schemaNode}. A nil
// schema resolves everything server-side (the default when a module
// declares no resolver_schema at all).
func (r *Resolver) ResolveWithSchema(inputs map[string]interface{}, schema map[string]interface{}, ctx Context) (map[string]interface{}, error) {
	resolved, err := r.resolveWithSchemaNode(inputs, schema, schemaServer, ctx)
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, nil
	}
	return out, nil
}

func (r *Resolver) resolveWithSchemaNode(value interface{}, schema map[string]interface{}, inherited string, ctx Context) (interface{}, error) {
	flag := inherited
	if schema != nil {
		if f, ok := schema["resolver_schema"].(string); ok && f != "" {
			flag = f
		}
	}

	switch v := value.(type) {
	case map[string]interface{}:
		properties, _ := schemaMap(schema, "properties")
		out := make(map[string]interface{}, len(v))
		for k, fieldValue := range v {
			var fieldSchema map[string]interface{}
			if properties != nil {
				fieldSchema, _ = properties[k].(map[string]interface{})
			}
			resolvedField, err := r.resolveWithSchemaNode(fieldValue, fieldSchema, flag, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = resolvedField
		}
		return out, nil

	case []interface{}:
		items, _ := schemaMap(schema, "items")
		out := make([]interface{}, len(v))
		for i, elem := range v {
			resolvedElem, err := r.resolveWithSchemaNode(elem, items, flag, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = resolvedElem
		}
		return out, nil

	default:
		if flag == schemaClient {
			return value, nil
		}
		return r.ResolveValue(value, ctx)
	}
}

func schemaMap(schema map[string]interface{}, key string) (map[string]interface{}, bool) {
	if schema == nil {
		return nil, false
	}
	m, ok := schema[key].(map[string]interface{})
	return m, ok
}
