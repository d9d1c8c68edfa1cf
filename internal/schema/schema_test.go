package schema

import (
	"os"
	"path/filepath"
	"testing"
)

const demoQuestionnaire = `{
  "title": "Demo",
  "questions": [
    {"id": "age", "questiontype": "num_field"},
    {"id": "occupation", "questiontype": "field"},
    {"questiontype": "radiogrid", "questions": [
      {"id": "grid_1", "reversed": true},
      {"id": "grid_2"}
    ]},
    {"id": "mood", "questiontype": "radiolist"},
    {"questiontype": "checklist", "questions": [
      {"id": "check_a"}
    ]}
  ]
}`

func writeQuestionnaire(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write questionnaire: %v", err)
	}
}

func loadDemo(t *testing.T) *Questionnaire {
	t.Helper()
	dir := t.TempDir()
	writeQuestionnaire(t, dir, "demo.json", demoQuestionnaire)
	qs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	q, ok := qs["demo"]
	if !ok {
		t.Fatalf("questionnaire keyed by file name, got %v", qs)
	}
	return q
}

func TestFieldsFlattenQuestionTree(t *testing.T) {
	q := loadDemo(t)
	fields := q.Fields()
	want := map[string]FieldType{
		"age":        FieldInteger,
		"occupation": FieldString,
		"grid_1":     FieldInteger,
		"grid_2":     FieldInteger,
		"mood":       FieldInteger,
		"check_a":    FieldInteger,
	}
	if len(fields) != len(want) {
		t.Fatalf("got %d fields, want %d: %+v", len(fields), len(want), fields)
	}
	for _, f := range fields {
		if want[f.ID] != f.Type {
			t.Errorf("field %s: got type %s, want %s", f.ID, f.Type, want[f.ID])
		}
	}
}

func TestDefaultsAndNormalize(t *testing.T) {
	q := loadDemo(t)

	defaults := q.Defaults()
	if defaults["age"] != 0 || defaults["occupation"] != "" {
		t.Fatalf("unexpected defaults: %v", defaults)
	}

	got := q.Normalize(map[string]string{
		"age":        "34",
		"occupation": "carpenter",
		"grid_1":     "not-a-number",
		"unknown":    "dropped",
	})
	if got["age"] != 34 {
		t.Fatalf("age: got %v", got["age"])
	}
	if got["occupation"] != "carpenter" {
		t.Fatalf("occupation: got %v", got["occupation"])
	}
	if got["grid_1"] != 0 {
		t.Fatalf("unparseable integer should fall back to zero, got %v", got["grid_1"])
	}
	if _, ok := got["unknown"]; ok {
		t.Fatalf("unknown form fields must not be stored")
	}
	if got["mood"] != 0 {
		t.Fatalf("missing fields keep their defaults, got %v", got["mood"])
	}
}

func TestLoadDirRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeQuestionnaire(t, dir, "broken.json", "{")
	if _, err := LoadDir(dir); err == nil {
		t.Fatalf("expected parse error")
	}
}
