package extract

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestExtract_FencedRoundTrip(t *testing.T) {
	want := map[string]any{
		"steps": []any{
			map[string]any{"title": "Receive invoice", "order": float64(1)},
		},
		"overall": "fine",
	}
	b, err := json.MarshalIndent(want, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	reply := "Here is the result:\n\n```json\n" + string(b) + "\n```\n\nLet me know if you need more."

	got, ok := Extract(reply)
	if !ok {
		t.Fatal("Extract returned none")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestExtract_Cases(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		wantOK bool
		key    string
	}{
		{"whole reply", `{"a": 1}`, true, "a"},
		{"whole reply with whitespace", "\n  {\"a\": 1}  \n", true, "a"},
		{"uppercase tag", "```JSON\n{\"b\": 2}\n```", true, "b"},
		{"first fence wins", "```json\n{\"first\": 1}\n```\n```json\n{\"second\": 2}\n```", true, "first"},
		{"prose", "I think the process looks good overall.", false, ""},
		{"empty", "", false, ""},
		{"broken fence falls back to whole", "```json\n{broken\n```", false, ""},
		{"untagged fence", "```\n{\"a\": 1}\n```", false, ""},
		{"trailing prose", `{"a": 1} and more`, false, ""},
		{"inline fence", "```json {\"c\": 3}```", true, "c"},
		{"fence tag then spaces", "Here:\n```json   \n{\"d\": 4}\n```", true, "d"},
		{"null reply", "null", false, ""},
		{"null in fence", "```json\nnull\n```", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.reply)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				if got != nil {
					t.Errorf("got %v, want nil", got)
				}
				return
			}
			m, isMap := got.(map[string]any)
			if !isMap {
				t.Fatalf("got %T, want map", got)
			}
			if _, has := m[tt.key]; !has {
				t.Errorf("got %v, missing key %q", m, tt.key)
			}
		})
	}
}

func TestInto(t *testing.T) {
	var out struct {
		Overall string `json:"overall"`
	}
	if !Into("```json\n{\"overall\": \"ok\"}\n```", &out) {
		t.Fatal("Into returned false")
	}
	if out.Overall != "ok" {
		t.Errorf("Overall = %q", out.Overall)
	}
	if Into("not json", &out) {
		t.Error("Into(prose) = true, want false")
	}
}

func TestSchema_Validate(t *testing.T) {
	s := MustCompileSchema(`{
		"type": "object",
		"required": ["steps"],
		"properties": {"steps": {"type": "array"}}
	}`)

	doc, _ := Extract(`{"steps": []}`)
	if err := s.Validate(doc); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}

	doc, _ = Extract(`{"title": "no steps"}`)
	err := s.Validate(doc)
	if err == nil {
		t.Fatal("Validate(missing steps) = nil, want error")
	}
	if !strings.Contains(err.Error(), "steps") {
		t.Errorf("error %q does not mention steps", err)
	}

	doc, _ = Extract(`{"steps": "nope"}`)
	if err := s.Validate(doc); err == nil {
		t.Error("Validate(steps not array) = nil, want error")
	}
}

func TestCompileSchema_Invalid(t *testing.T) {
	if _, err := CompileSchema(`{"type": 12}`); err == nil {
		t.Error("expected error for invalid schema")
	}
}
