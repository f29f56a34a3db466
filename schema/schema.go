// Package schema implements a generic structural validator for webhook
// payload schemas. A schema is a plain JSON document (a subset of JSON
// Schema: type, properties, required, enum, items,
// additionalProperties), interpreted
// data-driven at validation time rather than compiled to types.
package schema

import "encoding/json"

// Schema describes the expected structure of a JSON payload.
type Schema struct {
	Type                 string               `json:"type"`
	Properties           map[string]*Property `json:"properties,omitempty"`
	Required             []string             `json:"required,omitempty"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty"`
}

// Property describes one field of a schema.
type Property struct {
	Type                 string               `json:"type"`
	Enum                 []string             `json:"enum,omitempty"`
	Items                *Property            `json:"items,omitempty"`
	Required             []string             `json:"required,omitempty"`
	Properties           map[string]*Property `json:"properties,omitempty"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty"`
}

// Parse decodes a schema document. Only a missing, null, or empty
// document yields a nil schema; any constraint present, even a bare
// required list, produces a schema that enforces it.
func Parse(doc json.RawMessage) (*Schema, error) {
	if len(doc) == 0 || string(doc) == "null" {
		return nil, nil
	}
	var s Schema
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, err
	}
	if s.Type == "" && len(s.Properties) == 0 && len(s.Required) == 0 && s.AdditionalProperties == nil {
		return nil, nil
	}
	return &s, nil
}
