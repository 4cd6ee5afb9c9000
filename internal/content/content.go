// Package content defines the content units an artifact is made of, their
// canonical shapes, and the normalization applied to generator output.
package content

import (
	"encoding/json"
	"fmt"
)

type Key string

const (
	KeyOverview    Key = "overview"
	KeyFramework   Key = "framework"
	KeyAssessments Key = "assessments"
)

// Value is one canonical content unit.
type Value interface {
	UnitKey() Key
	Validate() error
}

type ValidationError struct {
	Unit   Key
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Unit, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", e.Unit, e.Field, e.Reason)
}

func invalid(unit Key, field, format string, args ...any) *ValidationError {
	return &ValidationError{Unit: unit, Field: field, Reason: fmt.Sprintf(format, args...)}
}

var Levels = []string{"beginner", "intermediate", "advanced"}

var AssessmentTypes = []string{"quiz", "assignment", "project", "exam", "presentation"}

type Overview struct {
	Title         string   `json:"title"`
	Summary       string   `json:"summary"`
	Audience      string   `json:"audience"`
	Level         string   `json:"level"`
	DurationWeeks int      `json:"durationWeeks"`
	Objectives    []string `json:"objectives"`
}

type Module struct {
	Number          int      `json:"number"`
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	TheoryHours     float64  `json:"theoryHours"`
	PracticeHours   float64  `json:"practiceHours"`
	AssessmentHours float64  `json:"assessmentHours"`
	HasLab          bool     `json:"hasLab"`
	Outcomes        []string `json:"outcomes"`
}

type Framework struct {
	Modules []Module `json:"modules"`
}

type Assessment struct {
	Title         string  `json:"title"`
	Type          string  `json:"type"`
	Weight        float64 `json:"weight"`
	ModuleNumbers []int   `json:"moduleNumbers"`
	Required      bool    `json:"required"`
}

type Assessments struct {
	Assessments []Assessment `json:"assessments"`
}

func (Overview) UnitKey() Key    { return KeyOverview }
func (Framework) UnitKey() Key   { return KeyFramework }
func (Assessments) UnitKey() Key { return KeyAssessments }

func (o Overview) Validate() error {
	switch {
	case o.Title == "":
		return invalid(KeyOverview, "title", "required")
	case !oneOf(o.Level, Levels):
		return invalid(KeyOverview, "level", "must be one of %v, got %q", Levels, o.Level)
	case o.DurationWeeks <= 0:
		return invalid(KeyOverview, "durationWeeks", "must be positive")
	case len(o.Objectives) == 0:
		return invalid(KeyOverview, "objectives", "at least one objective required")
	}
	return nil
}

func (f Framework) Validate() error {
	if len(f.Modules) == 0 {
		return invalid(KeyFramework, "modules", "at least one module required")
	}
	seen := map[int]bool{}
	for i, m := range f.Modules {
		field := fmt.Sprintf("modules[%d]", i)
		if m.Title == "" {
			return invalid(KeyFramework, field+".title", "required")
		}
		if m.Number <= 0 {
			return invalid(KeyFramework, field+".number", "must be positive")
		}
		if seen[m.Number] {
			return invalid(KeyFramework, field+".number", "duplicate module number %d", m.Number)
		}
		seen[m.Number] = true
		if m.TheoryHours < 0 || m.PracticeHours < 0 || m.AssessmentHours < 0 {
			return invalid(KeyFramework, field, "hours must not be negative")
		}
	}
	return nil
}

func (a Assessments) Validate() error {
	if len(a.Assessments) == 0 {
		return invalid(KeyAssessments, "assessments", "at least one assessment required")
	}
	for i, as := range a.Assessments {
		field := fmt.Sprintf("assessments[%d]", i)
		if as.Title == "" {
			return invalid(KeyAssessments, field+".title", "required")
		}
		if !oneOf(as.Type, AssessmentTypes) {
			return invalid(KeyAssessments, field+".type", "must be one of %v, got %q", AssessmentTypes, as.Type)
		}
		if as.Weight < 0 || as.Weight > 100 {
			return invalid(KeyAssessments, field+".weight", "must be between 0 and 100")
		}
	}
	return nil
}

// Decode reads a stored canonical value.
func Decode(key Key, raw []byte) (Value, error) {
	var (
		v   Value
		err error
	)
	switch key {
	case KeyOverview:
		var o Overview
		err = json.Unmarshal(raw, &o)
		v = o
	case KeyFramework:
		var f Framework
		err = json.Unmarshal(raw, &f)
		v = f
	case KeyAssessments:
		var a Assessments
		err = json.Unmarshal(raw, &a)
		v = a
	default:
		return nil, fmt.Errorf("unknown content unit %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

func Encode(v Value) ([]byte, error) {
	return json.Marshal(v)
}

func oneOf(s string, set []string) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
