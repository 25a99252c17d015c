package formdata

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Keys of the event envelope itself, never part of the business form.
var envelopeKeys = map[string]bool{
	"process_code":        true,
	"result":              true,
	"instance_id":         true,
	"task_id":             true,
	"formComponentValues": true,
}

// Extract flattens an approval event payload into a single form-data
// mapping. Form component values are authoritative; remaining top-level
// payload fields fill in only where no component claimed the key.
func Extract(payload map[string]interface{}) map[string]interface{} {
	form := make(map[string]interface{})

	if raw, ok := payload["formComponentValues"]; ok {
		for _, item := range toSlice(raw) {
			comp, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			name := stringField(comp, "name")
			if name == "" {
				name = stringField(comp, "componentName")
			}
			if name == "" {
				continue
			}
			form[name] = normalizeComponentValue(comp["value"])

			// Person pickers and similar components carry a structured
			// extension value alongside the display value.
			if ext := comp["extValue"]; ext != nil && ext != "" {
				form[name+"_ext"] = normalizeComponentValue(ext)
			}
		}
	}

	for key, value := range payload {
		if envelopeKeys[key] {
			continue
		}
		if _, taken := form[key]; taken {
			continue
		}
		form[key] = value
	}

	return form
}

// Component values arrive as strings even when they encode structured data
// (multi-select lists, attachment descriptors). Decode JSON-looking strings
// so placeholder paths can reach inside them.
func normalizeComponentValue(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 {
		return s
	}
	if (trimmed[0] == '[' && trimmed[len(trimmed)-1] == ']') ||
		(trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}') {
		var decoded interface{}
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return s
}

// Personnel payload keys that commonly vary across event versions, mapped
// to the canonical names rules are written against.
var personnelAliases = map[string]string{
	"userId":     "userid",
	"userid":     "userid",
	"staffId":    "userid",
	"unionId":    "unionid",
	"unionid":    "unionid",
	"name":       "name",
	"staffName":  "name",
	"mobile":     "mobile",
	"email":      "email",
	"deptId":     "deptId",
	"dept_id":    "deptId",
	"deptName":   "deptName",
	"dept_name":  "deptName",
	"active":     "active",
	"changeType": "changeType",
}

// ExtractPersonnel flattens a personnel change payload: every original key
// is kept, aliased keys are additionally projected onto canonical names,
// and a nested "user" object is merged at the top level without clobbering
// keys the payload already set.
func ExtractPersonnel(payload map[string]interface{}) map[string]interface{} {
	form := make(map[string]interface{}, len(payload))

	for key, value := range payload {
		form[key] = value
	}
	applyAliases(form, payload)

	if nested, ok := payload["user"].(map[string]interface{}); ok {
		for key, value := range nested {
			if _, taken := form[key]; !taken {
				form[key] = value
			}
		}
		applyAliases(form, nested)
	}

	return form
}

func applyAliases(form, source map[string]interface{}) {
	for key, value := range source {
		canonical, ok := personnelAliases[key]
		if !ok || canonical == key {
			continue
		}
		if _, taken := form[canonical]; !taken {
			form[canonical] = value
		}
	}
}

func toSlice(value interface{}) []interface{} {
	if s, ok := value.([]interface{}); ok {
		return s
	}
	return nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Stringify renders a form value for substitution into text. Maps and
// slices render as compact JSON, everything else via fmt.
func Stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; render integral values without
		// the trailing ".0" a plain %v would keep.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}
