package content

import (
	"encoding/json"
	"fmt"
	"strings"
)

const KindCurriculumPackage = "curriculum_package"

// Brief is the project context every prompt starts from.
type Brief struct {
	ProjectID string
	Title     string
	Brief     string
}

// PromptContext carries everything a unit prompt may read.
type PromptContext struct {
	Brief     Brief
	Completed map[Key]Value
	// Missing lists declared dependencies that are not available.
	Missing []Key
	// Annotate adds an explicit note about missing dependencies to the prompt.
	Annotate bool
}

// UnitSpec declares one generation unit.
type UnitSpec struct {
	Key       Key
	Title     string
	DependsOn []Key
	Shape     string
	Build     func(PromptContext) string
}

var catalog = map[string][]UnitSpec{
	KindCurriculumPackage: {
		{
			Key:   KeyOverview,
			Title: "Program overview",
			Shape: `{"title": string, "summary": string, "audience": string, "level": "beginner"|"intermediate"|"advanced", "durationWeeks": integer, "objectives": [string]}`,
			Build: overviewPrompt,
		},
		{
			Key:       KeyFramework,
			Title:     "Module framework",
			DependsOn: []Key{KeyOverview},
			Shape:     `{"modules": [{"number": integer, "title": string, "summary": string, "theoryHours": number, "practiceHours": number, "assessmentHours": number, "hasLab": boolean, "outcomes": [string]}]}`,
			Build:     frameworkPrompt,
		},
		{
			Key:       KeyAssessments,
			Title:     "Assessment plan",
			DependsOn: []Key{KeyOverview, KeyFramework},
			Shape:     `{"assessments": [{"title": string, "type": "quiz"|"assignment"|"project"|"exam"|"presentation", "weight": number, "moduleNumbers": [integer], "required": boolean}]}`,
			Build:     assessmentsPrompt,
		},
	},
}

// Catalog returns the ordered units of an artifact kind.
func Catalog(kind string) ([]UnitSpec, bool) {
	specs, ok := catalog[kind]
	return specs, ok
}

// Lookup returns the spec of one unit in an artifact kind.
func Lookup(kind string, key Key) (UnitSpec, bool) {
	specs, _ := Catalog(kind)
	for _, s := range specs {
		if s.Key == key {
			return s, true
		}
	}
	return UnitSpec{}, false
}

func briefSection(b Brief) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\n", b.Title)
	if strings.TrimSpace(b.Brief) != "" {
		fmt.Fprintf(&sb, "Brief:\n%s\n", strings.TrimSpace(b.Brief))
	}
	return sb.String()
}

func missingNote(ctx PromptContext) string {
	if !ctx.Annotate || len(ctx.Missing) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx.Missing))
	for _, k := range ctx.Missing {
		keys = append(keys, string(k))
	}
	return fmt.Sprintf("\nNote: the following upstream sections are unavailable: %s. Work from the project brief and make reasonable assumptions; keep the output consistent with what is available.\n",
		strings.Join(keys, ", "))
}

func section(ctx PromptContext, key Key) string {
	v, ok := ctx.Completed[key]
	if !ok {
		return ""
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return fmt.Sprintf("\nApproved %s section:\n%s\n", key, raw)
}

func overviewPrompt(ctx PromptContext) string {
	return briefSection(ctx.Brief) +
		"\nWrite the program overview: title, summary, target audience, level, duration in weeks and the learning objectives.\n"
}

func frameworkPrompt(ctx PromptContext) string {
	return briefSection(ctx.Brief) + section(ctx, KeyOverview) + missingNote(ctx) +
		"\nDesign the module framework. Number modules from 1 and split each module's hours into theory, practice and assessment.\n"
}

func assessmentsPrompt(ctx PromptContext) string {
	return briefSection(ctx.Brief) + section(ctx, KeyOverview) + section(ctx, KeyFramework) + missingNote(ctx) +
		"\nPlan the assessments. Reference modules by number; weights are percentages and should sum to 100.\n"
}

// RefinementPrompt asks for a revised version of current that applies change.
func RefinementPrompt(spec UnitSpec, ctx PromptContext, current Value, change string) string {
	raw, _ := json.MarshalIndent(current, "", "  ")
	var sb strings.Builder
	sb.WriteString(briefSection(ctx.Brief))
	for _, dep := range spec.DependsOn {
		sb.WriteString(section(ctx, dep))
	}
	fmt.Fprintf(&sb, "\nCurrent %s section:\n%s\n", spec.Key, raw)
	fmt.Fprintf(&sb, "\nRequested change:\n%s\n", strings.TrimSpace(change))
	sb.WriteString("\nReturn the complete revised section in the same shape, applying only the requested change.\n")
	return sb.String()
}
