package schema

// BuildConfirmationJSONSchema returns a JSON-Schema (draft 2020-12 subset) as
// a generic map. We pass this to the extraction model as a structured output
// constraint and also use it locally to validate. The schema constrains
// shape only; identifier formats, dates and arithmetic are content-quality
// concerns that the score engine penalizes instead of the validator gating.
func BuildConfirmationJSONSchema() map[string]any {
	lineItem := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"position":      map[string]any{"type": "integer", "minimum": 1},
			"description":   map[string]any{"type": "string"},
			"quantity":      map[string]any{"type": "number", "minimum": 0},
			"unit_price":    map[string]any{"type": "number", "minimum": 0},
			"line_total":    map[string]any{"type": "number", "minimum": 0},
			"delivery_date": map[string]any{"type": "string"},
		},
		"required": []string{"position", "quantity", "unit_price", "line_total"},
	}

	confirmation := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"doc_type":        map[string]any{"type": "string", "minLength": 1},
			"ba_number":       map[string]any{"type": "string"},
			"sales_reference": map[string]any{"type": "string"},
			"vendor_name":     map[string]any{"type": "string"},
			"vendor_number":   map[string]any{"type": "integer", "minimum": 0},
			"document_date":   map[string]any{"type": "string"},
			"currency":        map[string]any{"type": "string"},
			"net_total":       map[string]any{"type": "number"},
			"items":           map[string]any{"type": "array", "items": lineItem},
			"reasoning":       map[string]any{"type": "string"},
		},
		"required": []string{"doc_type", "items"},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"documents": map[string]any{
				"type":  "array",
				"items": confirmation,
			},
		},
		"required": []string{"documents"},
	}
}
