package tool

import (
	"encoding/json"
	"fmt"
)

// ValidateArguments checks a tool call's arguments against the tool's
// declared JSON Schema: required properties must be present, each
// present property must match its declared type, and undeclared
// properties are rejected. Only top-level properties are checked: a
// nested object is checked to be an object, and its own properties are
// not validated.
func ValidateArguments(schemaJSON, argsJSON json.RawMessage) error {
	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}

	var args map[string]any
	if err := json.Unmarshal(argsJSON, &args); err != nil {
		return fmt.Errorf("arguments are not a JSON object: %w", err)
	}

	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}
	for name, value := range args {
		prop, declared := schema.Properties[name]
		if !declared {
			return fmt.Errorf("unexpected argument %q", name)
		}
		if prop.Type == "" {
			continue // untyped property accepts anything
		}
		if !jsonValueHasType(value, prop.Type) {
			return fmt.Errorf("argument %q must be of type %s", name, prop.Type)
		}
	}
	return nil
}

func jsonValueHasType(value any, jsonType string) bool {
	switch jsonType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}
