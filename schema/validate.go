package schema

import (
	"encoding/json"
	"strconv"

	"github.com/loomworks/loom/errors"
)

// Validate checks a JSON payload against the schema. A nil schema accepts
// anything. Violations return ErrValidation with the offending field path.
func (s *Schema) Validate(payload json.RawMessage) error {
	if s == nil {
		return nil
	}

	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		return errors.NewValidationf("payload is not valid JSON: %v", err)
	}

	root := &Property{
		Type:                 s.Type,
		Properties:           s.Properties,
		Required:             s.Required,
		AdditionalProperties: s.AdditionalProperties,
	}
	return validateValue("$", root, value)
}

func validateValue(path string, prop *Property, value interface{}) error {
	if prop == nil {
		return nil
	}

	if prop.Type != "" && !typeMatches(prop.Type, value) {
		return errors.NewValidationf("%s: expected %s, got %s", path, prop.Type, jsonTypeName(value))
	}

	if len(prop.Enum) > 0 {
		str, ok := value.(string)
		if !ok {
			return errors.NewValidationf("%s: enum constraint requires a string", path)
		}
		found := false
		for _, allowed := range prop.Enum {
			if str == allowed {
				found = true
				break
			}
		}
		if !found {
			return errors.NewValidationf("%s: %q is not one of the allowed values", path, str)
		}
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		for _, name := range prop.Required {
			if _, ok := typed[name]; !ok {
				return errors.NewValidationf("%s: missing required field %q", path, name)
			}
		}
		if prop.AdditionalProperties != nil && !*prop.AdditionalProperties {
			for name := range typed {
				if _, ok := prop.Properties[name]; !ok {
					return errors.NewValidationf("%s: unexpected field %q", path, name)
				}
			}
		}
		for name, child := range prop.Properties {
			fieldValue, ok := typed[name]
			if !ok {
				continue
			}
			if err := validateValue(path+"."+name, child, fieldValue); err != nil {
				return err
			}
		}
	case []interface{}:
		if prop.Items != nil {
			for i, item := range typed {
				if err := validateValue(path+"["+strconv.Itoa(i)+"]", prop.Items, item); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func typeMatches(expected string, value interface{}) bool {
	switch expected {
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		num, ok := value.(float64)
		return ok && num == float64(int64(num))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "null":
		return value == nil
	default:
		// Unknown type names do not constrain
		return true
	}
}

func jsonTypeName(value interface{}) string {
	switch value.(type) {
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}
