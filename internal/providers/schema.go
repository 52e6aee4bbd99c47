package providers

import "strings"

// CleanSchemaForProvider returns a copy of a JSON Schema with keys the target
// provider rejects stripped out. Gemini's OpenAI-compat endpoint 400s on
// "additionalProperties" and "$schema"; Anthropic ignores but warns on
// "$schema". The input schema is never mutated.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	drop := map[string]bool{"$schema": true}
	if strings.Contains(strings.ToLower(provider), "gemini") {
		drop["additionalProperties"] = true
		drop["default"] = true
	}

	return cleanSchema(schema, drop)
}

func cleanSchema(schema map[string]interface{}, drop map[string]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if drop[k] {
			continue
		}
		out[k] = cleanSchemaValue(v, drop)
	}
	return out
}

func cleanSchemaValue(v interface{}, drop map[string]bool) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cleanSchema(val, drop)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cleanSchemaValue(item, drop)
		}
		return out
	default:
		return v
	}
}

// CleanToolSchemas converts tool definitions to the OpenAI wire format with
// provider-incompatible schema keys removed.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}
