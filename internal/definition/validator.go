package definition

import (
	"fmt"

	"github.com/pitabwire/procyon/model"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates template graphs structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all loaded templates.
func (v *Validator) Validate(templates []LoadedTemplate) []VError {
	var errs []VError
	for i, tpl := range templates {
		prefix := fmt.Sprintf("templates[%d]", i)
		errs = append(errs, v.validateGraph(prefix, tpl.Graph)...)
	}
	return errs
}

var validStepTypes = map[string]bool{
	model.StepTypeTask:     true,
	model.StepTypeDecision: true,
	model.StepTypeParallel: true,
	model.StepTypeEnd:      true,
}

func (v *Validator) validateGraph(prefix string, g model.Graph) []VError {
	var errs []VError

	if g.Template.ID == "" {
		errs = append(errs, VError{Path: prefix + ".template.id", Code: "REQUIRED", Message: "template id is required"})
	}
	if g.Template.OrgID == "" {
		errs = append(errs, VError{Path: prefix + ".template.org_id", Code: "REQUIRED", Message: "template org_id is required"})
	}
	if g.Template.Name == "" {
		errs = append(errs, VError{Path: prefix + ".template.name", Code: "REQUIRED", Message: "template name is required"})
	}
	if len(g.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	stepIDs := make(map[string]bool, len(g.Steps))
	stepCodes := make(map[string]bool, len(g.Steps))
	hasEnd := false
	for i, s := range g.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.StepCode == "" {
			errs = append(errs, VError{Path: sp + ".step_code", Code: "REQUIRED", Message: "step_code is required"})
		} else if stepCodes[s.StepCode] {
			errs = append(errs, VError{Path: sp + ".step_code", Code: "DUPLICATE", Message: fmt.Sprintf("step_code %q is already defined", s.StepCode)})
		}
		stepCodes[s.StepCode] = true
		stepIDs[s.ID] = true

		if s.StepType == "" {
			errs = append(errs, VError{Path: sp + ".step_type", Code: "REQUIRED", Message: "step_type is required"})
		} else if !validStepTypes[s.StepType] {
			errs = append(errs, VError{Path: sp + ".step_type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid step_type %q", s.StepType)})
		}
		if s.IsEndStep {
			hasEnd = true
		}
	}

	if len(g.Steps) > 0 && !hasEnd {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "NO_END_STEP", Message: "at least one end step is required for a success outcome"})
	}

	// Transitions must reference known steps, and the labels on a decision
	// step's outgoing edges must be unique so an outcome resolves to at most
	// one branch.
	labelsByFrom := make(map[string]map[string]bool)
	for i, t := range g.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if !stepIDs[t.FromStepID] {
			errs = append(errs, VError{Path: tp + ".from", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("step %q not found", t.FromStepID)})
		}
		if !stepIDs[t.ToStepID] {
			errs = append(errs, VError{Path: tp + ".to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("step %q not found", t.ToStepID)})
		}
		if t.Label != "" {
			from := g.StepByID(t.FromStepID)
			if from != nil && from.StepType == model.StepTypeDecision {
				if labelsByFrom[t.FromStepID] == nil {
					labelsByFrom[t.FromStepID] = make(map[string]bool)
				}
				if labelsByFrom[t.FromStepID][t.Label] {
					errs = append(errs, VError{Path: tp + ".label", Code: "DUPLICATE", Message: fmt.Sprintf("label %q already used on another branch of step %q", t.Label, from.StepCode)})
				}
				labelsByFrom[t.FromStepID][t.Label] = true
			}
		}
	}

	// End steps must not have outgoing transitions; completing one finishes
	// the execution.
	for i, s := range g.Steps {
		if s.IsEndStep && len(g.Outgoing(s.ID)) > 0 {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.steps[%d]", prefix, i),
				Code:    "END_STEP_OUTGOING",
				Message: fmt.Sprintf("end step %q must not have outgoing transitions", s.StepCode),
			})
		}
	}

	return errs
}
