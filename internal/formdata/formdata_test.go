package formdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractComponentsWinOverRawFields(t *testing.T) {
	payload := map[string]interface{}{
		"formComponentValues": []interface{}{
			map[string]interface{}{"name": "Employee", "value": "Jane"},
			map[string]interface{}{"name": "Days", "value": "3"},
		},
		"Employee":     "raw-should-lose",
		"Department":   "Engineering",
		"process_code": "PROC-1",
		"result":       "agree",
		"instance_id":  "inst-1",
		"task_id":      "task-1",
	}

	form := Extract(payload)

	assert.Equal(t, "Jane", form["Employee"])
	assert.Equal(t, "3", form["Days"])
	assert.Equal(t, "Engineering", form["Department"])

	for _, key := range []string{"process_code", "result", "instance_id", "task_id", "formComponentValues"} {
		assert.NotContains(t, form, key)
	}
}

func TestExtractDecodesStructuredComponentValues(t *testing.T) {
	payload := map[string]interface{}{
		"formComponentValues": []interface{}{
			map[string]interface{}{"name": "Attendees", "value": `["alice","bob"]`},
			map[string]interface{}{"componentName": "Detail", "value": `{"city":"Berlin"}`},
			map[string]interface{}{"name": "Note", "value": "[not json"},
		},
	}

	form := Extract(payload)

	assert.Equal(t, []interface{}{"alice", "bob"}, form["Attendees"])
	assert.Equal(t, map[string]interface{}{"city": "Berlin"}, form["Detail"])
	assert.Equal(t, "[not json", form["Note"])
}

func TestExtractPersonnelAliasesAndNestedUser(t *testing.T) {
	payload := map[string]interface{}{
		"staffId":    "u-100",
		"changeType": float64(3),
		"user": map[string]interface{}{
			"name":     "Jane",
			"deptId":   float64(10),
			"deptName": "Eng",
			"email":    "jane@example.com",
		},
	}

	form := ExtractPersonnel(payload)

	assert.Equal(t, "u-100", form["staffId"])
	assert.Equal(t, "u-100", form["userid"])
	assert.Equal(t, "Jane", form["name"])
	assert.Equal(t, float64(10), form["deptId"])
	assert.Equal(t, "Eng", form["deptName"])
	assert.Equal(t, "jane@example.com", form["email"])
}

func TestExtractPersonnelTopLevelWinsOverNested(t *testing.T) {
	payload := map[string]interface{}{
		"name": "Outer",
		"user": map[string]interface{}{
			"name": "Inner",
		},
	}

	form := ExtractPersonnel(payload)
	assert.Equal(t, "Outer", form["name"])
}

func TestSubstitute(t *testing.T) {
	form := map[string]interface{}{
		"Employee": "Jane",
		"detail": map[string]interface{}{
			"deptId":   float64(10),
			"deptName": "Eng",
		},
	}

	out := Substitute("{form_data:Employee} moved to {form_data:detail.deptName} ({form_data:detail.deptId})", form)
	assert.Equal(t, "Jane moved to Eng (10)", out)
}

func TestSubstituteMissingPathIsEmpty(t *testing.T) {
	form := map[string]interface{}{"a": "x"}

	assert.Equal(t, "val=", Substitute("val={form_data:missing}", form))
	assert.Equal(t, "val=", Substitute("val={form_data:a.deeper}", form))
}

func TestSubstituteValueKeepsTypes(t *testing.T) {
	form := map[string]interface{}{
		"count": float64(5),
		"tags":  []interface{}{"a", "b"},
		"name":  "Jane",
	}

	body := map[string]interface{}{
		"count":   "{form_data:count}",
		"tags":    "{form_data:tags}",
		"summary": "user {form_data:name}",
		"static":  true,
		"nested": map[string]interface{}{
			"who": "{form_data:name}",
		},
	}

	out := SubstituteValue(body, form).(map[string]interface{})

	assert.Equal(t, float64(5), out["count"])
	assert.Equal(t, []interface{}{"a", "b"}, out["tags"])
	assert.Equal(t, "user Jane", out["summary"])
	assert.Equal(t, true, out["static"])
	assert.Equal(t, "Jane", out["nested"].(map[string]interface{})["who"])
}

func TestSubstituteValueExpandsEmbeddedJSON(t *testing.T) {
	form := map[string]interface{}{
		"name": "Jane",
		"dept": "Eng",
	}

	body := map[string]interface{}{
		"payload": `{"who": "{form_data:name}", "where": "{form_data:dept}"}`,
		"items":   `["{form_data:name}", "{form_data:dept}"]`,
		"broken":  `{"who": "{form_data:name}"`,
	}

	out := SubstituteValue(body, form).(map[string]interface{})

	assert.Equal(t, map[string]interface{}{"who": "Jane", "where": "Eng"}, out["payload"])
	assert.Equal(t, []interface{}{"Jane", "Eng"}, out["items"])
	assert.Equal(t, `{"who": "Jane"`, out["broken"])
}

func TestLookupNilValueCountsAsFound(t *testing.T) {
	form := map[string]interface{}{"a": nil}
	v, ok := Lookup(form, "a")
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "10", Stringify(float64(10)))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `["a","b"]`, Stringify([]interface{}{"a", "b"}))
}
