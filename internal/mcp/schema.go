package mcp

import (
	"encoding/json"
	"fmt"
	"math"
)

// InputSchema is the JSON Schema subset tools declare for their
// arguments: an object root with typed properties and a required list.
type InputSchema struct {
	Type       string               `json:"type"` // always "object"
	Properties map[string]*Property `json:"properties,omitempty"`
	Required   []string             `json:"required,omitempty"`
}

// Property describes one schema property.
//
// Supported types: string, integer, number, boolean, array. Array
// properties may constrain their element type via Items.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Items       *Property `json:"items,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

// ObjectSchema builds an object schema from properties and a required list.
func ObjectSchema(props map[string]*Property, required ...string) *InputSchema {
	return &InputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// ValidationError reports why arguments failed schema validation.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("argument %q: %s", e.Field, e.Reason)
}

// ValidateArguments checks args against the schema and returns the
// validated (possibly coerced) argument map.
//
// Coercion: some clients encode array-typed arguments as JSON string
// literals (e.g. "[\"news\"]"). For any array-typed property holding a
// string, a single JSON decode of the string is attempted before
// validation; the decoded value is accepted if it matches the schema.
func (s *InputSchema) ValidateArguments(args map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}

	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			return nil, &ValidationError{Field: name, Reason: "required"}
		}
	}

	out := make(map[string]interface{}, len(args))
	for name, value := range args {
		prop, ok := s.Properties[name]
		if !ok {
			// Unknown arguments pass through untouched; handlers ignore them.
			out[name] = value
			continue
		}

		coerced, err := validateValue(name, prop, value)
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}

	return out, nil
}

// validateValue checks one value against a property, applying the
// string-to-array coercion where applicable.
func validateValue(field string, prop *Property, value interface{}) (interface{}, error) {
	switch prop.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("expected string, got %T", value)}
		}
		if len(prop.Enum) > 0 && !containsString(prop.Enum, str) {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("must be one of %v", prop.Enum)}
		}
		return str, nil

	case "integer":
		f, ok := asFloat(value)
		if !ok || f != math.Trunc(f) {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("expected integer, got %v", value)}
		}
		return int(f), nil

	case "number":
		f, ok := asFloat(value)
		if !ok {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("expected number, got %T", value)}
		}
		return f, nil

	case "boolean":
		b, ok := value.(bool)
		if !ok {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("expected boolean, got %T", value)}
		}
		return b, nil

	case "array":
		if str, ok := value.(string); ok {
			var decoded interface{}
			if err := json.Unmarshal([]byte(str), &decoded); err != nil {
				return nil, &ValidationError{Field: field, Reason: "expected array, got undecodable string"}
			}
			value = decoded
		}
		arr, ok := value.([]interface{})
		if !ok {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("expected array, got %T", value)}
		}
		if prop.Items != nil {
			for i, elem := range arr {
				coerced, err := validateValue(fmt.Sprintf("%s[%d]", field, i), prop.Items, elem)
				if err != nil {
					return nil, err
				}
				arr[i] = coerced
			}
		}
		return arr, nil

	default:
		return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("unsupported schema type %q", prop.Type)}
	}
}

// asFloat normalizes JSON numbers, which decode as float64, plus the
// int values produced by earlier coercion.
func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func containsString(set []string, s string) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

// StringArg extracts a validated string argument.
func StringArg(args map[string]interface{}, name string) string {
	s, _ := args[name].(string)
	return s
}

// IntArg extracts a validated integer argument, returning def when absent.
func IntArg(args map[string]interface{}, name string, def int) int {
	switch v := args[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// StringSliceArg extracts a validated array-of-string argument.
func StringSliceArg(args map[string]interface{}, name string) []string {
	arr, ok := args[name].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, elem := range arr {
		if s, ok := elem.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
