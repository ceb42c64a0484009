package pattern

import (
	"strings"
)

// Match reports whether an event document matches an event pattern. A
// pattern is a map of field name to either a nested sub-pattern (matched
// against the nested event field) or a list of alternatives, any one of
// which may match. Alternatives are scalars (exact equality) or operator
// objects: prefix, numeric, exists, anything-but.
//
// A missing event key is a mismatch unless the pattern for it is
// {"exists": false}. A JSON null event value matches only an explicit null
// alternative; for nested sub-patterns a null node counts as missing.
func Match(pattern, event map[string]interface{}) bool {
	for key, expected := range pattern {
		value, present := event[key]
		switch exp := expected.(type) {
		case map[string]interface{}:
			// Nested sub-pattern against a nested event field.
			nested, ok := value.(map[string]interface{})
			if !present || !ok {
				return false
			}
			if !Match(exp, nested) {
				return false
			}
		case []interface{}:
			if !matchAlternatives(exp, value, present) {
				return false
			}
		default:
			// A bare scalar pattern value is treated as a single
			// alternative.
			if !present || !scalarEqual(expected, value) {
				return false
			}
		}
	}
	return true
}

// matchAlternatives applies OR semantics over the alternative list.
func matchAlternatives(alternatives []interface{}, value interface{}, present bool) bool {
	for _, alt := range alternatives {
		if matchOne(alt, value, present) {
			return true
		}
	}
	return false
}

func matchOne(alt, value interface{}, present bool) bool {
	if op, ok := alt.(map[string]interface{}); ok {
		return matchOperator(op, value, present)
	}
	if !present {
		return false
	}
	return scalarEqual(alt, value)
}

func matchOperator(op map[string]interface{}, value interface{}, present bool) bool {
	if exists, ok := op["exists"]; ok {
		want, _ := exists.(bool)
		return want == present
	}
	if !present {
		return false
	}
	if prefix, ok := op["prefix"].(string); ok {
		s, ok := value.(string)
		return ok && strings.HasPrefix(s, prefix)
	}
	if numeric, ok := op["numeric"].([]interface{}); ok {
		return matchNumeric(numeric, value)
	}
	if exclusions, ok := op["anything-but"]; ok {
		return matchAnythingBut(exclusions, value)
	}
	return false
}

// matchNumeric evaluates alternating operator/operand pairs, all of which
// must hold: ["<", 100] or [">=", 10, "<", 20].
func matchNumeric(terms []interface{}, value interface{}) bool {
	n, ok := toFloat(value)
	if !ok || len(terms)%2 != 0 || len(terms) == 0 {
		return false
	}
	for i := 0; i < len(terms); i += 2 {
		operator, ok := terms[i].(string)
		if !ok {
			return false
		}
		operand, ok := toFloat(terms[i+1])
		if !ok {
			return false
		}
		switch operator {
		case "=":
			if n != operand {
				return false
			}
		case ">":
			if !(n > operand) {
				return false
			}
		case ">=":
			if !(n >= operand) {
				return false
			}
		case "<":
			if !(n < operand) {
				return false
			}
		case "<=":
			if !(n <= operand) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func matchAnythingBut(exclusions, value interface{}) bool {
	switch ex := exclusions.(type) {
	case []interface{}:
		for _, item := range ex {
			if scalarEqual(item, value) {
				return false
			}
		}
		return true
	default:
		return !scalarEqual(ex, value)
	}
}

func scalarEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
