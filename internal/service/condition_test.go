package service

import (
	"testing"

	"github.com/loopmail/loopmail/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCondition(t *testing.T) {
	context := map[string]interface{}{
		"contact": map[string]interface{}{
			"email": "ada@example.com",
			"attributes": map[string]interface{}{
				"plan":   "pro",
				"seats":  float64(12),
				"score":  "42",
				"active": true,
				"tags":   []interface{}{"beta", "newsletter"},
			},
		},
		"event": map[string]interface{}{
			"name": "order.placed",
			"properties": map[string]interface{}{
				"total": 149.5,
			},
		},
	}

	tests := []struct {
		name     string
		field    string
		operator string
		value    interface{}
		want     bool
	}{
		{"equals string match", "contact.attributes.plan", "equals", "pro", true},
		{"equals string mismatch", "contact.attributes.plan", "equals", "free", false},
		{"equals bool", "contact.attributes.active", "equals", true, true},
		{"notEquals", "contact.attributes.plan", "notEquals", "free", true},
		{"notEquals on missing field", "contact.attributes.missing", "notEquals", "x", true},
		{"equals on missing field", "contact.attributes.missing", "equals", "x", false},
		{"greaterThan", "event.properties.total", "greaterThan", float64(100), true},
		{"greaterThan boundary", "event.properties.total", "greaterThan", 149.5, false},
		{"greaterThanOrEquals boundary", "event.properties.total", "greaterThanOrEquals", 149.5, true},
		{"lessThan", "contact.attributes.seats", "lessThan", float64(20), true},
		{"lessThanOrEquals", "contact.attributes.seats", "lessThanOrEquals", float64(12), true},
		{"numeric compare across int and float", "contact.attributes.seats", "greaterThan", 10, true},
		{"numeric string field coerces", "contact.attributes.score", "greaterThan", 40, true},
		{"numeric string value coerces", "contact.attributes.seats", "lessThan", "20", true},
		{"non-numeric string field fails closed", "contact.attributes.plan", "greaterThan", 10, false},
		{"contains substring", "contact.email", "contains", "@example.", true},
		{"contains array member", "contact.attributes.tags", "contains", "beta", true},
		{"contains array miss", "contact.attributes.tags", "contains", "vip", false},
		{"notContains substring", "contact.email", "notContains", "@gmail.", true},
		{"notContains array member", "contact.attributes.tags", "notContains", "beta", false},
		{"notContains on missing field", "contact.attributes.missing", "notContains", "x", true},
		{"contains on missing field", "contact.attributes.missing", "contains", "x", false},
		{"exists", "contact.attributes.plan", "exists", nil, true},
		{"exists miss", "contact.attributes.ghost", "exists", nil, false},
		{"notExists", "contact.attributes.ghost", "notExists", nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateCondition(&domain.ConditionConfig{
				Field: tc.field, Operator: tc.operator, Value: tc.value,
			}, context)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateConditionUnknownOperator(t *testing.T) {
	_, err := EvaluateCondition(&domain.ConditionConfig{
		Field: "contact.email", Operator: "matchesRegex", Value: ".*",
	}, map[string]interface{}{"contact": map[string]interface{}{"email": "a@b.co"}})
	assert.Error(t, err)
}

func TestEvaluateConditionNonNumericValue(t *testing.T) {
	_, err := EvaluateCondition(&domain.ConditionConfig{
		Field: "contact.seats", Operator: "greaterThan", Value: "lots",
	}, map[string]interface{}{"contact": map[string]interface{}{"seats": 5}})
	assert.Error(t, err)
}
