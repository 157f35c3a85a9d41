// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_tools

import "sort"

// SchemaStyle selects the wire shape a provider expects for tool schemas.
type SchemaStyle string

const (
	// StyleFlat is {name, description, parameters} at the top level.
	StyleFlat SchemaStyle = "flat"
	// StyleNested wraps the flat shape in {type: "function", function: ...}.
	StyleNested SchemaStyle = "nested"
	// StyleArray lists parameters as an ordered array instead of a
	// properties object.
	StyleArray SchemaStyle = "array"
)

// ExportSchemas renders the context's in-call tool set in the provider's
// shape. Only in-call tools are exported; pre- and post-call tools are
// engine-internal and never visible to the model.
func ExportSchemas(r *Registry, style SchemaStyle, sel Selection) []map[string]interface{} {
	defs := r.Active(PhaseInCall, sel)
	out := make([]map[string]interface{}, 0, len(defs))
	for _, def := range defs {
		switch style {
		case StyleNested:
			out = append(out, map[string]interface{}{
				"type":     "function",
				"function": flatSchema(def),
			})
		case StyleArray:
			out = append(out, arraySchema(def))
		default:
			out = append(out, flatSchema(def))
		}
	}
	return out
}

func flatSchema(def ToolDefinition) map[string]interface{} {
	properties := map[string]interface{}{}
	var required []string
	for name, p := range def.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return map[string]interface{}{
		"name":        def.Name,
		"description": def.Description,
		"parameters": map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}

func arraySchema(def ToolDefinition) map[string]interface{} {
	names := make([]string, 0, len(def.Parameters))
	for name := range def.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		p := def.Parameters[name]
		entry := map[string]interface{}{
			"name":        name,
			"type":        p.Type,
			"description": p.Description,
			"required":    p.Required,
		}
		if len(p.Enum) > 0 {
			entry["enum"] = p.Enum
		}
		params = append(params, entry)
	}
	return map[string]interface{}{
		"name":        def.Name,
		"description": def.Description,
		"parameters":  params,
	}
}
