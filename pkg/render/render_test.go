package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender_Simple(t *testing.T) {
	out := Render("Hello {{first_name}}!", map[string]interface{}{
		"first_name": "Ada",
	})
	assert.Equal(t, "Hello Ada!", out)
}

func TestRender_MissingVariable(t *testing.T) {
	out := Render("Hello {{first_name}}!", map[string]interface{}{})
	assert.Equal(t, "Hello !", out)
}

func TestRender_NilValue(t *testing.T) {
	out := Render("Hello {{first_name}}!", map[string]interface{}{
		"first_name": nil,
	})
	assert.Equal(t, "Hello !", out)
}

func TestRender_Fallback(t *testing.T) {
	out := Render("Hello {{first_name ?? there}}!", map[string]interface{}{})
	assert.Equal(t, "Hello there!", out)
}

func TestRender_FallbackNotUsedWhenPresent(t *testing.T) {
	out := Render("Hello {{first_name ?? there}}!", map[string]interface{}{
		"first_name": "Ada",
	})
	assert.Equal(t, "Hello Ada!", out)
}

func TestRender_FallbackUsedForNil(t *testing.T) {
	out := Render("Hello {{first_name ?? there}}!", map[string]interface{}{
		"first_name": nil,
	})
	assert.Equal(t, "Hello there!", out)
}

func TestRender_MultipleVariables(t *testing.T) {
	out := Render("{{greeting}}, {{name}}. Order {{order_id}} shipped.", map[string]interface{}{
		"greeting": "Hi",
		"name":     "Grace",
		"order_id": "ORD-42",
	})
	assert.Equal(t, "Hi, Grace. Order ORD-42 shipped.", out)
}

func TestRender_WhitespaceInsidePlaceholder(t *testing.T) {
	out := Render("Hello {{  first_name  }}!", map[string]interface{}{
		"first_name": "Ada",
	})
	assert.Equal(t, "Hello Ada!", out)
}

func TestRender_StringArrayBecomesListItems(t *testing.T) {
	out := Render("<ul>{{items}}</ul>", map[string]interface{}{
		"items": []string{"Shoes", "Socks"},
	})
	assert.Equal(t, "<ul><li>Shoes</li>\n<li>Socks</li></ul>", out)
}

func TestRender_InterfaceSliceOfStrings(t *testing.T) {
	// Data that went through encoding/json arrives as []interface{}
	out := Render("{{items}}", map[string]interface{}{
		"items": []interface{}{"a", "b"},
	})
	assert.Equal(t, "<li>a</li>\n<li>b</li>", out)
}

func TestRender_NumberStringification(t *testing.T) {
	out := Render("Total: {{total}}", map[string]interface{}{
		"total": 42,
	})
	assert.Equal(t, "Total: 42", out)
}

func TestRender_NoPlaceholders(t *testing.T) {
	out := Render("plain text", map[string]interface{}{"x": "y"})
	assert.Equal(t, "plain text", out)
}

func TestRender_FallbackWithSpaces(t *testing.T) {
	out := Render("{{name ?? valued customer}}", map[string]interface{}{})
	assert.Equal(t, "valued customer", out)
}
