package formdata

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{form_data:([^}]+)\}`)

// Substitute replaces every {form_data:path.to.field} placeholder in
// template with the value at that dotted path in form. A path that does not
// resolve substitutes the empty string.
func Substitute(template string, form map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := Lookup(form, path)
		if !ok {
			return ""
		}
		return Stringify(value)
	})
}

// Lookup resolves a dotted path through nested maps. The boolean reports
// whether the full path existed; a present key holding nil still counts as
// found.
func Lookup(form map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = form

	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SubstituteValue walks an arbitrary JSON-shaped value and substitutes
// placeholders in every string it contains. Used for webhook body templates
// where placeholders may sit at any depth.
func SubstituteValue(value interface{}, form map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		// A string that is exactly one placeholder keeps the resolved
		// value's type instead of flattening it to text.
		if m := placeholderPattern.FindStringSubmatch(v); m != nil && m[0] == v {
			resolved, ok := Lookup(form, m[1])
			if !ok {
				return ""
			}
			return resolved
		}
		// Substituted text that reads as a JSON object or array expands
		// into structured data, so one template leaf can carry a nested
		// payload built from several placeholders.
		return normalizeComponentValue(Substitute(v, form))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			out[key] = SubstituteValue(inner, form)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = SubstituteValue(inner, form)
		}
		return out
	default:
		return v
	}
}
