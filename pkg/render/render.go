// Package render implements the variable substitution grammar used for email
// subjects and bodies: {{name}} inserts a value, {{name ?? fallback}} inserts
// a fallback literal when the value is missing, and string arrays expand to
// HTML list items.
package render

import (
	"fmt"
	"regexp"
	"strings"
)

var variableRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*(\?\?\s*([^}]*?))?\s*\}\}`)

// Render substitutes every {{var}} placeholder in text with the corresponding
// value from data. Missing or nil values render as the empty string, unless
// the placeholder carries a "?? fallback" default.
func Render(text string, data map[string]interface{}) string {
	return variableRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := variableRe.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := groups[2] != ""
		fallback := strings.TrimSpace(groups[3])

		value, ok := data[name]
		if !ok || value == nil {
			if hasDefault {
				return fallback
			}
			return ""
		}

		return Stringify(value)
	})
}

// Stringify converts a template value to its string form. String slices become
// newline-joined <li> items; everything else uses default formatting.
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []string:
		return joinListItems(v)
	case []interface{}:
		items, allStrings := stringSlice(v)
		if allStrings {
			return joinListItems(items)
		}
		return fmt.Sprint(v)
	default:
		return fmt.Sprint(v)
	}
}

func stringSlice(values []interface{}) ([]string, bool) {
	items := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		items = append(items, s)
	}
	return items, true
}

func joinListItems(items []string) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, "<li>"+item+"</li>")
	}
	return strings.Join(lines, "\n")
}
