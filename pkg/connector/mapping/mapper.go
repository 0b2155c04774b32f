// Package mapping extracts and transforms values between arbitrary JSON
// shapes using path expressions, for request and response shaping.
package mapping

import (
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Rule moves one value from a source path to a target path. When Source is
// empty, Value is written verbatim. Default fills in for a missing source.
type Rule struct {
	Source  string `json:"source,omitempty"`
	Target  string `json:"target"`
	Value   any    `json:"value,omitempty"`
	Default any    `json:"default,omitempty"`

	// Transform coerces the extracted value: "string", "number", "bool".
	Transform string `json:"transform,omitempty"`
}

// Extract resolves a path expression against a JSON document. The second
// return is false when the path does not resolve.
func Extract(src []byte, path string) (any, bool) {
	if path == "" {
		value := gjson.ParseBytes(src).Value()

		return value, value != nil
	}

	result := gjson.GetBytes(src, path)
	if !result.Exists() {
		return nil, false
	}

	return result.Value(), true
}

// Apply builds a new JSON document from src by applying the rules in order.
// Later rules may overwrite earlier targets.
func Apply(rules []Rule, src []byte) ([]byte, error) {
	out := []byte(`{}`)

	for _, rule := range rules {
		if rule.Target == "" {
			return nil, fmt.Errorf("mapping rule has no target path")
		}

		value, ok := resolveValue(&rule, src)
		if !ok {
			continue
		}

		transformed, err := transform(value, rule.Transform)
		if err != nil {
			return nil, fmt.Errorf("mapping rule for %q: %w", rule.Target, err)
		}

		out, err = sjson.SetBytes(out, rule.Target, transformed)
		if err != nil {
			return nil, fmt.Errorf("failed to set %q: %w", rule.Target, err)
		}
	}

	return out, nil
}

func resolveValue(rule *Rule, src []byte) (any, bool) {
	if rule.Source == "" {
		if rule.Value != nil {
			return rule.Value, true
		}

		return rule.Default, rule.Default != nil
	}

	if value, ok := Extract(src, rule.Source); ok {
		return value, true
	}

	return rule.Default, rule.Default != nil
}

func transform(value any, kind string) (any, error) {
	switch kind {
	case "":
		return value, nil
	case "string":
		return fmt.Sprintf("%v", value), nil
	case "number":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to number", v)
			}

			return parsed, nil
		case bool:
			if v {
				return float64(1), nil
			}

			return float64(0), nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to number", value)
		}
	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return v == "true" || v == "1" || v == "yes", nil
		case float64:
			return v != 0, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to bool", value)
		}
	default:
		return nil, fmt.Errorf("unknown transform %q", kind)
	}
}

// ValidateRules returns human-readable violations for a mapping rule set.
func ValidateRules(rules []Rule) []string {
	var violations []string

	for i, rule := range rules {
		if rule.Target == "" {
			violations = append(violations, fmt.Sprintf("mapping rule %d has no target path", i))
		}

		if rule.Source == "" && rule.Value == nil && rule.Default == nil {
			violations = append(violations, fmt.Sprintf("mapping rule %d has neither source nor value", i))
		}

		switch rule.Transform {
		case "", "string", "number", "bool":
		default:
			violations = append(violations, fmt.Sprintf("mapping rule %d has unknown transform %q", i, rule.Transform))
		}
	}

	return violations
}
