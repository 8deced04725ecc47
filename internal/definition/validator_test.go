package definition

import (
	"strings"
	"testing"

	"github.com/pitabwire/procyon/model"
)

func validGraph() model.Graph {
	g := model.Graph{
		Template: model.ProcedureTemplate{
			ID:    "tpl-1",
			OrgID: "org-1",
			Name:  "Test Procedure",
		},
		Steps: []model.Step{
			{ID: "s1", TemplateID: "tpl-1", StepCode: "start", StepType: model.StepTypeDecision},
			{ID: "s2", TemplateID: "tpl-1", StepCode: "left", StepType: model.StepTypeTask},
			{ID: "s3", TemplateID: "tpl-1", StepCode: "finish", StepType: model.StepTypeEnd, IsEndStep: true},
		},
		Transitions: []model.Transition{
			{ID: "t1", FromStepID: "s1", ToStepID: "s2", Label: "yes", Priority: 1, Seq: 0},
			{ID: "t2", FromStepID: "s1", ToStepID: "s3", Label: "no", Priority: 2, Seq: 1},
			{ID: "t3", FromStepID: "s2", ToStepID: "s3", Seq: 2},
		},
	}
	g.Index()
	return g
}

func findError(errs []VError, code string) *VError {
	for i := range errs {
		if errs[i].Code == code {
			return &errs[i]
		}
	}
	return nil
}

func TestValidator_valid_graph(t *testing.T) {
	v := NewValidator()
	errs := v.Validate([]LoadedTemplate{{Graph: validGraph()}})
	if len(errs) != 0 {
		t.Fatalf("Validate() = %d errors, want 0: %v", len(errs), errs)
	}
}

func TestValidator_missing_required_fields(t *testing.T) {
	g := validGraph()
	g.Template.ID = ""
	g.Template.OrgID = ""
	g.Template.Name = ""

	v := NewValidator()
	errs := v.Validate([]LoadedTemplate{{Graph: g}})

	required := 0
	for _, e := range errs {
		if e.Code == "REQUIRED" {
			required++
		}
	}
	if required != 3 {
		t.Errorf("Validate() = %d REQUIRED errors, want 3: %v", required, errs)
	}
}

func TestValidator_duplicate_step_code(t *testing.T) {
	g := validGraph()
	g.Steps = append(g.Steps, model.Step{ID: "s4", StepCode: "left", StepType: model.StepTypeTask})
	g.Index()

	v := NewValidator()
	errs := v.Validate([]LoadedTemplate{{Graph: g}})
	if findError(errs, "DUPLICATE") == nil {
		t.Errorf("Validate() should flag duplicate step_code: %v", errs)
	}
}

func TestValidator_invalid_step_type(t *testing.T) {
	g := validGraph()
	g.Steps[1].StepType = "loop"
	g.Index()

	v := NewValidator()
	errs := v.Validate([]LoadedTemplate{{Graph: g}})
	e := findError(errs, "INVALID_ENUM")
	if e == nil {
		t.Fatalf("Validate() should flag invalid step_type: %v", errs)
	}
	if !strings.Contains(e.Message, "loop") {
		t.Errorf("error message = %q, want mention of %q", e.Message, "loop")
	}
}

func TestValidator_no_end_step(t *testing.T) {
	g := validGraph()
	g.Steps[2].StepType = model.StepTypeTask
	g.Steps[2].IsEndStep = false
	g.Index()

	v := NewValidator()
	errs := v.Validate([]LoadedTemplate{{Graph: g}})
	if findError(errs, "NO_END_STEP") == nil {
		t.Errorf("Validate() should flag missing end step: %v", errs)
	}
}

func TestValidator_transition_unknown_step(t *testing.T) {
	g := validGraph()
	g.Transitions = append(g.Transitions, model.Transition{ID: "t4", FromStepID: "s2", ToStepID: "ghost", Seq: 3})
	g.Index()

	v := NewValidator()
	errs := v.Validate([]LoadedTemplate{{Graph: g}})
	if findError(errs, "REF_NOT_FOUND") == nil {
		t.Errorf("Validate() should flag unknown transition target: %v", errs)
	}
}

func TestValidator_duplicate_decision_label(t *testing.T) {
	g := validGraph()
	g.Transitions[1].Label = "yes"
	g.Index()

	v := NewValidator()
	errs := v.Validate([]LoadedTemplate{{Graph: g}})
	e := findError(errs, "DUPLICATE")
	if e == nil {
		t.Fatalf("Validate() should flag duplicate decision label: %v", errs)
	}
	if !strings.Contains(e.Message, "yes") {
		t.Errorf("error message = %q, want mention of label", e.Message)
	}
}

func TestValidator_end_step_with_outgoing(t *testing.T) {
	g := validGraph()
	g.Transitions = append(g.Transitions, model.Transition{ID: "t4", FromStepID: "s3", ToStepID: "s1", Seq: 3})
	g.Index()

	v := NewValidator()
	errs := v.Validate([]LoadedTemplate{{Graph: g}})
	if findError(errs, "END_STEP_OUTGOING") == nil {
		t.Errorf("Validate() should flag end step with outgoing transitions: %v", errs)
	}
}
