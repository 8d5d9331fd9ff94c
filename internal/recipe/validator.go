package recipe

import (
	"context"
	"fmt"
	"strings"
)

type Severity string

const (
	SevError   Severity = "error"
	SevWarning Severity = "warning"
)

type Issue struct {
	Code      Code     `json:"code"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	StepIndex *int     `json:"step_index,omitempty"`
	StepName  string   `json:"step_name,omitempty"`
	Field     string   `json:"field,omitempty"`
	Path      string   `json:"path,omitempty"` // JSON Pointer-ish ("/steps/0/location")
	Hint      string   `json:"hint,omitempty"`
}

type Report struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Validation codes. Only errors make a recipe unusable, warnings are
// advisory.
const (
	CodeEmptyName          Code = "RECIPE_002"
	CodeEmptyStepName      Code = "RECIPE_010"
	CodeUnknownAction      Code = "RECIPE_011"
	CodeNegativeSpeed      Code = "RECIPE_012"
	CodeMissingCoordinate  Code = "RECIPE_013"
	CodeUnresolvedPosition Code = "RECIPE_020"
)

// PositionResolver reports whether a teaching coordinate can be resolved.
type PositionResolver func(ctx context.Context, group, location string) bool

// Validate runs the structural and referential checks. An empty step
// sequence is fatal; everything else, including unresolvable teaching
// coordinates, is reported as a warning. A nil resolver skips the
// referential checks.
func Validate(ctx context.Context, r *Recipe, resolve PositionResolver) Report {
	rep := Report{}

	if r == nil {
		rep.addError(Issue{
			Code:     CodeMissingRecipe,
			Severity: SevError,
			Message:  "Recipe is required",
		})
		rep.finalize()
		return rep
	}

	if strings.TrimSpace(r.Name) == "" {
		rep.addWarning(Issue{
			Code:     CodeEmptyName,
			Severity: SevWarning,
			Message:  "Recipe name is empty",
			Field:    "name",
			Path:     "/name",
		})
	}

	if len(r.Steps) == 0 {
		rep.addError(Issue{
			Code:     CodeEmptySteps,
			Severity: SevError,
			Message:  "Recipe has no steps",
			Field:    "steps",
			Path:     "/steps",
			Hint:     "Add at least one step",
		})
		rep.finalize()
		return rep
	}

	for i, step := range r.Steps {
		validateStep(ctx, &rep, i, step, resolve)
	}

	rep.finalize()
	return rep
}

func validateStep(ctx context.Context, rep *Report, i int, step Step, resolve PositionResolver) {
	idx := i
	base := fmt.Sprintf("/steps/%d", i)

	if strings.TrimSpace(step.Name) == "" {
		rep.addWarning(Issue{
			Code:      CodeEmptyStepName,
			Severity:  SevWarning,
			Message:   "Step name is empty",
			StepIndex: &idx,
			Field:     "name",
			Path:      base + "/name",
		})
	}

	if !step.Action.Known() {
		rep.addWarning(Issue{
			Code:      CodeUnknownAction,
			Severity:  SevWarning,
			Message:   fmt.Sprintf("Unknown action %q", step.Action),
			StepIndex: &idx,
			StepName:  step.Name,
			Field:     "action",
			Path:      base + "/action",
			Hint:      "Use one of move, pick, place, home, wait",
		})
	}

	if step.Speed < 0 {
		rep.addWarning(Issue{
			Code:      CodeNegativeSpeed,
			Severity:  SevWarning,
			Message:   "Negative speed will be replaced by the default speed",
			StepIndex: &idx,
			StepName:  step.Name,
			Field:     "speed",
			Path:      base + "/speed",
		})
	}

	if !step.Action.NeedsCoordinate() {
		return
	}

	if step.Group == "" || step.Location == "" {
		rep.addWarning(Issue{
			Code:      CodeMissingCoordinate,
			Severity:  SevWarning,
			Message:   "Motion step has no teaching coordinate",
			StepIndex: &idx,
			StepName:  step.Name,
			Field:     "location",
			Path:      base + "/location",
			Hint:      "The default safe position will be used",
		})
		return
	}

	if resolve != nil && !resolve(ctx, step.Group, step.Location) {
		rep.addWarning(Issue{
			Code:      CodeUnresolvedPosition,
			Severity:  SevWarning,
			Message:   fmt.Sprintf("Teaching coordinate %s/%s not found", step.Group, step.Location),
			StepIndex: &idx,
			StepName:  step.Name,
			Field:     "location",
			Path:      base + "/location",
			Hint:      "The default safe position will be used",
		})
	}
}

func (r *Report) addError(i Issue) {
	r.Errors = append(r.Errors, i)
}

func (r *Report) addWarning(i Issue) {
	r.Warnings = append(r.Warnings, i)
}

func (r *Report) finalize() {
	if r.Errors == nil {
		r.Errors = []Issue{}
	}
	if r.Warnings == nil {
		r.Warnings = []Issue{}
	}
	r.Valid = len(r.Errors) == 0
}
