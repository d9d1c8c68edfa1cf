// Package schema loads questionnaire definitions and reduces them to a
// flat field description (field ID -> semantic type) consumed by the
// generic response store. The flow engine itself never sees field-level
// data; it only needs questionnaire paths and tags.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type FieldType string

const (
	FieldInteger FieldType = "integer"
	FieldString  FieldType = "string"
)

// Field is one storable answer slot of a questionnaire.
type Field struct {
	ID       string
	Type     FieldType
	Reversed bool
}

// Question mirrors one entry of a questionnaire JSON file. Grid and
// checklist questions carry their storable slots as child questions.
type Question struct {
	ID           string     `json:"id"`
	QuestionType string     `json:"questiontype"`
	Reversed     bool       `json:"reversed"`
	Questions    []Question `json:"questions"`
}

// Questionnaire is one instrument definition, named after its file.
type Questionnaire struct {
	Name      string     `json:"name"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`

	fields []Field
}

// Fields flattens the question tree into storable fields. Grids,
// checklists, radio lists, sliders and numeric fields store integers;
// everything else stores text.
func (q *Questionnaire) Fields() []Field {
	if q.fields != nil {
		return q.fields
	}
	var fields []Field
	for _, question := range q.Questions {
		switch question.QuestionType {
		case "radiogrid", "checklist":
			for _, child := range question.Questions {
				fields = append(fields, Field{ID: child.ID, Type: FieldInteger, Reversed: child.Reversed})
			}
		case "radiolist", "slider", "num_field":
			fields = append(fields, Field{ID: question.ID, Type: FieldInteger, Reversed: question.Reversed})
		default:
			if question.ID != "" {
				fields = append(fields, Field{ID: question.ID, Type: FieldString})
			}
		}
	}
	q.fields = fields
	return fields
}

// Defaults returns a blank answer set: zero for integer fields, the
// empty string for text fields.
func (q *Questionnaire) Defaults() map[string]any {
	out := make(map[string]any, len(q.Fields()))
	for _, f := range q.Fields() {
		switch f.Type {
		case FieldInteger:
			out[f.ID] = 0
		default:
			out[f.ID] = ""
		}
	}
	return out
}

// Normalize merges a submitted form into a blank answer set, coercing
// integer fields and treating unparseable numbers as zero so a stray
// client value never loses the rest of the submission.
func (q *Questionnaire) Normalize(form map[string]string) map[string]any {
	out := q.Defaults()
	for _, f := range q.Fields() {
		raw, ok := form[f.ID]
		if !ok {
			continue
		}
		switch f.Type {
		case FieldInteger:
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				n = 0
			}
			out[f.ID] = n
		default:
			out[f.ID] = raw
		}
	}
	return out
}

// LoadDir reads every .json questionnaire definition in dir, keyed by
// file name without the extension.
func LoadDir(dir string) (map[string]*Questionnaire, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read questionnaire dir: %w", err)
	}
	out := map[string]*Questionnaire{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		q, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out[q.Name] = q
	}
	return out, nil
}

// LoadFile reads one questionnaire definition.
func LoadFile(path string) (*Questionnaire, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read questionnaire %s: %w", path, err)
	}
	var q Questionnaire
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("parse questionnaire %s: %w", path, err)
	}
	q.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	return &q, nil
}
