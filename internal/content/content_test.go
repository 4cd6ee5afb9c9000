package content

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func canonical() []Value {
	return []Value{
		Overview{
			Title:         "Applied Data Engineering",
			Summary:       "Pipelines end to end.",
			Audience:      "Backend developers",
			Level:         "intermediate",
			DurationWeeks: 8,
			Objectives:    []string{"Model data", "Operate pipelines"},
		},
		Framework{Modules: []Module{
			{Number: 1, Title: "Storage", Summary: "Files and tables", TheoryHours: 4, PracticeHours: 6.5, AssessmentHours: 1, HasLab: true, Outcomes: []string{"Pick a format"}},
			{Number: 2, Title: "Streaming", Summary: "Logs and queues", TheoryHours: 3, PracticeHours: 5, AssessmentHours: 2, Outcomes: []string{"Run a consumer"}},
		}},
		Assessments{Assessments: []Assessment{
			{Title: "Storage quiz", Type: "quiz", Weight: 20, ModuleNumbers: []int{1}, Required: true},
			{Title: "Capstone", Type: "project", Weight: 80, ModuleNumbers: []int{1, 2}},
		}},
	}
}

func roundTrip(t *testing.T, v Value) any {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestNormalizeCanonicalIsNoop(t *testing.T) {
	for _, v := range canonical() {
		got, err := Normalize(v.UnitKey(), roundTrip(t, v))
		if err != nil {
			t.Fatalf("%s: normalize: %v", v.UnitKey(), err)
		}
		if diff := cmp.Diff(v, got); diff != "" {
			t.Fatalf("%s: canonical value changed (-want +got):\n%s", v.UnitKey(), diff)
		}
		again, err := Normalize(v.UnitKey(), roundTrip(t, got))
		if err != nil {
			t.Fatalf("%s: second normalize: %v", v.UnitKey(), err)
		}
		if diff := cmp.Diff(got, again); diff != "" {
			t.Fatalf("%s: normalization not idempotent (-first +second):\n%s", v.UnitKey(), diff)
		}
	}
}

func TestNormalizeOverviewDrift(t *testing.T) {
	raw := map[string]any{
		"overview": map[string]any{
			"Title":           " Intro to Go ",
			"description":     "Basics",
			"target_audience": "Students",
			"level":           "Beginner",
			"duration_weeks":  "6 weeks",
			"objectives":      "- Write functions\n- Use slices\n",
		},
	}
	got, err := Normalize(KeyOverview, raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := Overview{
		Title:         "Intro to Go",
		Summary:       "Basics",
		Audience:      "Students",
		Level:         "beginner",
		DurationWeeks: 6,
		Objectives:    []string{"Write functions", "Use slices"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("overview mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeFrameworkHoursAndNumbers(t *testing.T) {
	raw := map[string]any{
		"modules": []any{
			map[string]any{
				"number": "Module 3: Basics",
				"title":  "Basics",
				"hours":  map[string]any{"theoretical": "4", "practical": 2.0, "lab": 1.0, "evaluation": "1.5"},
				"hasLab": "yes",
			},
			map[string]any{
				"number": "Intro",
				"title":  "Next",
				"hasLab": 1.0,
			},
		},
	}
	got, err := Normalize(KeyFramework, raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := Framework{Modules: []Module{
		{Number: 3, Title: "Basics", TheoryHours: 4, PracticeHours: 3, AssessmentHours: 1.5, HasLab: true},
		{Number: 2, Title: "Next", HasLab: true},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("framework mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeFrameworkOrdinalSkipsTakenNumbers(t *testing.T) {
	raw := []any{
		map[string]any{"moduleNumber": "Module 2", "title": "A"},
		map[string]any{"name": "B"},
		map[string]any{"title": "C"},
	}
	got, err := Normalize(KeyFramework, map[string]any{"modules": raw})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var numbers []int
	for _, m := range got.(Framework).Modules {
		numbers = append(numbers, m.Number)
	}
	if diff := cmp.Diff([]int{2, 3, 4}, numbers); diff != "" {
		t.Fatalf("module numbers mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeAssessmentsDrift(t *testing.T) {
	raw := []any{
		map[string]any{
			"title":         "Final",
			"type":          "Final Exam",
			"weight":        "60%",
			"moduleNumbers": []any{"Module 2", "the intro one", 4.0},
			"required":      "false",
		},
		map[string]any{
			"title":    "Demo",
			"type":     "Presentation",
			"weight":   40.0,
			"required": 2.0,
		},
	}
	got, err := Normalize(KeyAssessments, raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := Assessments{Assessments: []Assessment{
		{Title: "Final", Type: "exam", Weight: 60, ModuleNumbers: []int{2, 2, 4}, Required: false},
		{Title: "Demo", Type: "presentation", Weight: 40, Required: true},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("assessments mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeValidationErrors(t *testing.T) {
	tests := []struct {
		key   Key
		raw   any
		field string
	}{
		{KeyOverview, map[string]any{"title": "x", "level": "expert", "durationWeeks": 2.0, "objectives": []any{"a"}}, "level"},
		{KeyOverview, []any{}, ""},
		{KeyFramework, map[string]any{"modules": "none"}, "modules"},
		{KeyFramework, map[string]any{"modules": []any{}}, "modules"},
		{KeyAssessments, []any{map[string]any{"title": "t", "type": "essay", "weight": 10.0}}, "assessments[0].type"},
	}
	for _, tt := range tests {
		_, err := Normalize(tt.key, tt.raw)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tt.key, err)
		}
		if verr.Field != tt.field || verr.Unit != tt.key {
			t.Fatalf("%s: unexpected error %+v", tt.key, verr)
		}
	}
}

func TestDecodeEncode(t *testing.T) {
	for _, v := range canonical() {
		raw, err := Encode(v)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(v.UnitKey(), raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if diff := cmp.Diff(v, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", v.UnitKey(), diff)
		}
	}
	if _, err := Decode("slides", []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unknown unit")
	}
}

func TestCatalogOrderAndDependencies(t *testing.T) {
	specs, ok := Catalog(KindCurriculumPackage)
	if !ok || len(specs) != 3 {
		t.Fatalf("expected 3 units, got %d", len(specs))
	}
	seen := map[Key]bool{}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				t.Fatalf("%s depends on %s which is declared later", s.Key, dep)
			}
		}
		seen[s.Key] = true
	}
	if _, ok := Lookup(KindCurriculumPackage, KeyFramework); !ok {
		t.Fatalf("expected framework spec")
	}
}

func TestPromptsCarryUpstreamAndMissingNote(t *testing.T) {
	spec, _ := Lookup(KindCurriculumPackage, KeyAssessments)
	ctx := PromptContext{
		Brief:     Brief{Title: "Data course", Brief: "Eight weeks."},
		Completed: map[Key]Value{KeyOverview: canonical()[0]},
		Missing:   []Key{KeyFramework},
		Annotate:  true,
	}
	prompt := spec.Build(ctx)
	if !strings.Contains(prompt, "Applied Data Engineering") {
		t.Fatalf("prompt misses overview output:\n%s", prompt)
	}
	if !strings.Contains(prompt, "unavailable: framework") {
		t.Fatalf("prompt misses degraded note:\n%s", prompt)
	}
	ctx.Annotate = false
	if strings.Contains(spec.Build(ctx), "unavailable") {
		t.Fatalf("note must be omitted when annotation is off")
	}
}

func TestRefinementPrompt(t *testing.T) {
	spec, _ := Lookup(KindCurriculumPackage, KeyOverview)
	prompt := RefinementPrompt(spec, PromptContext{Brief: Brief{Title: "Data course"}}, canonical()[0], "  make it shorter ")
	if !strings.Contains(prompt, "Current overview section") || !strings.Contains(prompt, "make it shorter\n") {
		t.Fatalf("unexpected refinement prompt:\n%s", prompt)
	}
}
