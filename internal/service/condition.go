package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/tidwall/gjson"
)

// EvaluateCondition applies a condition to the execution context. The field
// is a gjson dot path, e.g. "event.properties.total" or "contact.plan".
func EvaluateCondition(cond *domain.ConditionConfig, context map[string]interface{}) (bool, error) {
	doc, err := json.Marshal(context)
	if err != nil {
		return false, fmt.Errorf("failed to marshal condition context: %w", err)
	}

	result := gjson.GetBytes(doc, cond.Field)

	switch cond.Operator {
	case domain.OperatorExists:
		return result.Exists() && result.Type != gjson.Null, nil
	case domain.OperatorNotExists:
		return !result.Exists() || result.Type == gjson.Null, nil
	}

	// Absent or null fields fail every positive check; the negated
	// operators hold vacuously.
	if !result.Exists() || result.Type == gjson.Null {
		switch cond.Operator {
		case domain.OperatorNotEquals, domain.OperatorNotContains:
			return true, nil
		}
		return false, nil
	}

	switch cond.Operator {
	case domain.OperatorEquals:
		return valuesEqual(result, cond.Value), nil
	case domain.OperatorNotEquals:
		return !valuesEqual(result, cond.Value), nil
	case domain.OperatorContains:
		return valueContains(result, cond.Value), nil
	case domain.OperatorNotContains:
		return !valueContains(result, cond.Value), nil
	case domain.OperatorGreaterThan, domain.OperatorGreaterThanOrEquals,
		domain.OperatorLessThan, domain.OperatorLessThanOrEquals:
		return compareNumbers(result, cond.Value, cond.Operator)
	}

	return false, fmt.Errorf("unknown condition operator %q", cond.Operator)
}

func valuesEqual(result gjson.Result, expected interface{}) bool {
	switch v := expected.(type) {
	case string:
		return result.Type == gjson.String && result.Str == v
	case bool:
		return result.IsBool() && result.Bool() == v
	case float64:
		return result.Type == gjson.Number && result.Num == v
	case int:
		return result.Type == gjson.Number && result.Num == float64(v)
	case int64:
		return result.Type == gjson.Number && result.Num == float64(v)
	case nil:
		return result.Type == gjson.Null
	default:
		// Structured values: compare canonical JSON
		expectedJSON, err := json.Marshal(v)
		if err != nil {
			return false
		}
		return result.Raw == string(expectedJSON)
	}
}

func valueContains(result gjson.Result, expected interface{}) bool {
	if result.IsArray() {
		for _, item := range result.Array() {
			if valuesEqual(item, expected) {
				return true
			}
		}
		return false
	}
	if result.Type == gjson.String {
		return strings.Contains(result.Str, fmt.Sprint(expected))
	}
	return false
}

func compareNumbers(result gjson.Result, expected interface{}, operator string) (bool, error) {
	// Numeric strings on either side coerce via parse: "42" compares as 42
	var actual float64
	switch result.Type {
	case gjson.Number:
		actual = result.Num
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(result.Str), 64)
		if err != nil {
			return false, nil
		}
		actual = f
	default:
		return false, nil
	}

	var threshold float64
	switch v := expected.(type) {
	case float64:
		threshold = v
	case int:
		threshold = float64(v)
	case int64:
		threshold = float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return false, fmt.Errorf("condition value %q is not numeric", v)
		}
		threshold = f
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return false, fmt.Errorf("condition value is not numeric: %w", err)
		}
		threshold = f
	default:
		return false, fmt.Errorf("condition value %v is not numeric", expected)
	}

	switch operator {
	case domain.OperatorGreaterThan:
		return actual > threshold, nil
	case domain.OperatorGreaterThanOrEquals:
		return actual >= threshold, nil
	case domain.OperatorLessThan:
		return actual < threshold, nil
	case domain.OperatorLessThanOrEquals:
		return actual <= threshold, nil
	}

	return false, fmt.Errorf("unknown comparison operator %q", operator)
}
