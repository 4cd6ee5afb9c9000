package content

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	numberRun = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	digitRun  = regexp.MustCompile(`\d+`)
)

// Normalize coerces a parsed generator value into the canonical shape for key
// and validates it. Normalizing an already canonical value returns it unchanged.
func Normalize(key Key, raw any) (Value, error) {
	raw = unwrap(key, raw)
	var v Value
	switch key {
	case KeyOverview:
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, invalid(key, "", "expected an object, got %s", kindOf(raw))
		}
		v = normalizeOverview(obj)
	case KeyFramework:
		list, err := listField(key, raw, "modules")
		if err != nil {
			return nil, err
		}
		v = normalizeFramework(list)
	case KeyAssessments:
		list, err := listField(key, raw, "assessments")
		if err != nil {
			return nil, err
		}
		v = normalizeAssessments(list)
	default:
		return nil, fmt.Errorf("unknown content unit %q", key)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// unwrap strips a single-member envelope named after the unit, e.g.
// {"overview": {...}}.
func unwrap(key Key, raw any) any {
	obj, ok := raw.(map[string]any)
	if !ok || len(obj) != 1 {
		return raw
	}
	for k, inner := range obj {
		if fold(k) == fold(string(key)) {
			return inner
		}
	}
	return raw
}

func listField(key Key, raw any, name string) ([]any, error) {
	switch t := raw.(type) {
	case []any:
		return t, nil
	case map[string]any:
		if list, ok := lookup(t, name).([]any); ok {
			return list, nil
		}
		return nil, invalid(key, name, "expected a list")
	default:
		return nil, invalid(key, "", "expected an object, got %s", kindOf(raw))
	}
}

func normalizeOverview(obj map[string]any) Overview {
	return Overview{
		Title:         str(lookup(obj, "title")),
		Summary:       str(lookup(obj, "summary", "description")),
		Audience:      str(lookup(obj, "audience", "targetAudience")),
		Level:         enum(lookup(obj, "level", "difficulty"), Levels),
		DurationWeeks: intValue(lookup(obj, "durationWeeks", "duration", "weeks")),
		Objectives:    strList(lookup(obj, "objectives", "learningObjectives")),
	}
}

func normalizeFramework(list []any) Framework {
	f := Framework{Modules: make([]Module, 0, len(list))}
	taken := map[int]bool{}
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			if n, ok := explicitInt(lookup(obj, "number", "moduleNumber")); ok {
				taken[n] = true
			}
		}
	}
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		number, ok := explicitInt(lookup(obj, "number", "moduleNumber"))
		if !ok {
			// ordinal position, moved past numbers other modules already carry
			number = i + 1
			for taken[number] {
				number++
			}
			taken[number] = true
		}
		m := Module{
			Number:   number,
			Title:    str(lookup(obj, "title", "name")),
			Summary:  str(lookup(obj, "summary", "description")),
			HasLab:   boolValue(lookup(obj, "hasLab", "lab")),
			Outcomes: strList(lookup(obj, "outcomes", "learningOutcomes")),
		}
		if hours, ok := lookup(obj, "hours").(map[string]any); ok {
			m.TheoryHours, m.PracticeHours, m.AssessmentHours = splitHours(hours)
		}
		if v := lookup(obj, "theoryHours"); v != nil {
			m.TheoryHours = floatValue(v)
		}
		if v := lookup(obj, "practiceHours"); v != nil {
			m.PracticeHours = floatValue(v)
		}
		if v := lookup(obj, "assessmentHours"); v != nil {
			m.AssessmentHours = floatValue(v)
		}
		f.Modules = append(f.Modules, m)
	}
	return f
}

// splitHours redistributes a single hours breakdown object into the three
// hour fields by matching sub-keys.
func splitHours(hours map[string]any) (theory, practice, assessment float64) {
	for k, v := range hours {
		n := fold(k)
		switch {
		case strings.HasPrefix(n, "theor"):
			theory += floatValue(v)
		case strings.HasPrefix(n, "pract"), strings.HasPrefix(n, "lab"):
			practice += floatValue(v)
		case strings.HasPrefix(n, "assess"), strings.HasPrefix(n, "eval"):
			assessment += floatValue(v)
		}
	}
	return theory, practice, assessment
}

func normalizeAssessments(list []any) Assessments {
	a := Assessments{Assessments: make([]Assessment, 0, len(list))}
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		as := Assessment{
			Title:    str(lookup(obj, "title", "name")),
			Type:     enum(lookup(obj, "type", "kind"), AssessmentTypes),
			Weight:   floatValue(lookup(obj, "weight", "weighting")),
			Required: boolValue(lookup(obj, "required", "mandatory")),
		}
		if nums, ok := lookup(obj, "moduleNumbers", "modules").([]any); ok {
			as.ModuleNumbers = make([]int, 0, len(nums))
			for j, n := range nums {
				as.ModuleNumbers = append(as.ModuleNumbers, ordinalInt(n, j+1))
			}
		}
		a.Assessments = append(a.Assessments, as)
	}
	return a
}

// lookup returns the first present field among names, matching keys
// case-insensitively and ignoring '_', '-' and spaces.
func lookup(obj map[string]any, names ...string) any {
	for _, name := range names {
		if v, ok := obj[name]; ok {
			return v
		}
	}
	for _, name := range names {
		want := fold(name)
		for k, v := range obj {
			if fold(k) == want {
				return v
			}
		}
	}
	return nil
}

func fold(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// enum lowercases and snake-cases v. Values outside set that contain exactly
// one member as a word are mapped to it ("Final Exam" -> "exam").
func enum(v any, set []string) string {
	s := strings.ToLower(str(v))
	s = strings.Join(strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '-' || r == '_' }), "_")
	if oneOf(s, set) {
		return s
	}
	var match string
	for _, part := range strings.Split(s, "_") {
		if oneOf(part, set) {
			if match != "" && match != part {
				return s
			}
			match = part
		}
	}
	if match != "" {
		return match
	}
	return s
}

func floatValue(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		m := numberRun.FindString(t)
		if m == "" {
			return 0
		}
		f, _ := strconv.ParseFloat(m, 64)
		return f
	}
	return 0
}

func intValue(v any) int {
	return int(math.Round(floatValue(v)))
}

// ordinalInt reads a small integer. Strings yield their first digit run and
// fall back to ordinal when they carry no digit.
func ordinalInt(v any, ordinal int) int {
	if n, ok := explicitInt(v); ok {
		return n
	}
	return ordinal
}

// explicitInt reports the integer v carries: a number, or the first digit run
// of a string.
func explicitInt(v any) (int, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case string:
		m := digitRun.FindString(t)
		if m == "" {
			return 0, false
		}
		n, err := strconv.Atoi(m)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return intValue(v), true
	}
}

func boolValue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t > 0
	case int:
		return t > 0
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "true", "yes", "y":
			return true
		case "false", "no", "n", "":
			return false
		}
		return floatValue(s) > 0
	}
	return false
}

func strList(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := str(item); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, line := range strings.Split(t, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
			if line != "" {
				out = append(out, line)
			}
		}
	}
	return out
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	}
	return fmt.Sprintf("%T", v)
}
