package engine

import (
	"testing"

	"github.com/pitabwire/procyon/model"
)

func resolverGraph() *model.Graph {
	g := &model.Graph{
		Template: model.ProcedureTemplate{ID: "tpl-r", OrgID: "org-1", Name: "Resolver", Active: true},
		Steps: []model.Step{
			{ID: "task", TemplateID: "tpl-r", StepCode: "task", StepType: model.StepTypeTask},
			{ID: "dec", TemplateID: "tpl-r", StepCode: "dec", StepType: model.StepTypeDecision},
			{ID: "par", TemplateID: "tpl-r", StepCode: "par", StepType: model.StepTypeParallel},
			{ID: "x", TemplateID: "tpl-r", StepCode: "x", StepType: model.StepTypeTask},
			{ID: "y", TemplateID: "tpl-r", StepCode: "y", StepType: model.StepTypeTask},
			{ID: "z", TemplateID: "tpl-r", StepCode: "z", StepType: model.StepTypeEnd, IsEndStep: true},
		},
		Transitions: []model.Transition{
			// task: two edges, the lower priority one listed second.
			{ID: "t-task-y", FromStepID: "task", ToStepID: "y", Priority: 2, Seq: 0},
			{ID: "t-task-x", FromStepID: "task", ToStepID: "x", Priority: 1, Seq: 1},
			// dec: labeled branches plus an unlabeled default.
			{ID: "t-dec-x", FromStepID: "dec", ToStepID: "x", Label: "approve", Priority: 1, Seq: 2},
			{ID: "t-dec-y", FromStepID: "dec", ToStepID: "y", Label: "reject", Priority: 2, Seq: 3},
			{ID: "t-dec-z", FromStepID: "dec", ToStepID: "z", Priority: 3, Seq: 4},
			// par: fans out to everything.
			{ID: "t-par-x", FromStepID: "par", ToStepID: "x", Priority: 1, Seq: 5},
			{ID: "t-par-y", FromStepID: "par", ToStepID: "y", Priority: 1, Seq: 6},
		},
	}
	g.Index()
	return g
}

func transitionIDs(trs []*model.Transition) []string {
	ids := make([]string, len(trs))
	for i, tr := range trs {
		ids[i] = tr.ID
	}
	return ids
}

func TestResolveTransitions_task_lowest_priority(t *testing.T) {
	g := resolverGraph()
	fired, err := resolveTransitions(g, g.StepByCode("task"), "", "")
	if err != nil {
		t.Fatalf("resolveTransitions() error = %v", err)
	}
	if len(fired) != 1 || fired[0].ID != "t-task-x" {
		t.Errorf("fired = %v, want [t-task-x] (lowest priority wins)", transitionIDs(fired))
	}
}

func TestResolveTransitions_priority_tie_breaks_on_seq(t *testing.T) {
	g := &model.Graph{
		Steps: []model.Step{
			{ID: "a", StepCode: "a", StepType: model.StepTypeTask},
			{ID: "b", StepCode: "b", StepType: model.StepTypeTask},
			{ID: "c", StepCode: "c", StepType: model.StepTypeTask},
		},
		Transitions: []model.Transition{
			{ID: "t-later", FromStepID: "a", ToStepID: "c", Priority: 1, Seq: 5},
			{ID: "t-earlier", FromStepID: "a", ToStepID: "b", Priority: 1, Seq: 2},
		},
	}
	g.Index()

	fired, err := resolveTransitions(g, g.StepByCode("a"), "", "")
	if err != nil {
		t.Fatalf("resolveTransitions() error = %v", err)
	}
	if len(fired) != 1 || fired[0].ID != "t-earlier" {
		t.Errorf("fired = %v, want [t-earlier] (creation order breaks ties)", transitionIDs(fired))
	}
}

func TestResolveTransitions_decision_outcome_match(t *testing.T) {
	g := resolverGraph()
	fired, err := resolveTransitions(g, g.StepByCode("dec"), "reject", "")
	if err != nil {
		t.Fatalf("resolveTransitions() error = %v", err)
	}
	if len(fired) != 1 || fired[0].ID != "t-dec-y" {
		t.Errorf("fired = %v, want [t-dec-y]", transitionIDs(fired))
	}
}

func TestResolveTransitions_decision_unmatched_outcome(t *testing.T) {
	g := resolverGraph()
	_, err := resolveTransitions(g, g.StepByCode("dec"), "escalate", "")
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("resolveTransitions() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestResolveTransitions_decision_without_outcome_uses_default(t *testing.T) {
	// A decision completed without an outcome falls through to the
	// priority-ordered default, like any other step.
	g := resolverGraph()
	fired, err := resolveTransitions(g, g.StepByCode("dec"), "", "")
	if err != nil {
		t.Fatalf("resolveTransitions() error = %v", err)
	}
	if len(fired) != 1 || fired[0].ID != "t-dec-x" {
		t.Errorf("fired = %v, want [t-dec-x]", transitionIDs(fired))
	}
}

func TestResolveTransitions_explicit_target(t *testing.T) {
	g := resolverGraph()
	fired, err := resolveTransitions(g, g.StepByCode("task"), "", "y")
	if err != nil {
		t.Fatalf("resolveTransitions() error = %v", err)
	}
	if len(fired) != 1 || fired[0].ID != "t-task-y" {
		t.Errorf("fired = %v, want [t-task-y]", transitionIDs(fired))
	}
}

func TestResolveTransitions_explicit_target_unknown_step(t *testing.T) {
	g := resolverGraph()
	_, err := resolveTransitions(g, g.StepByCode("task"), "", "ghost")
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("resolveTransitions() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestResolveTransitions_explicit_target_no_edge(t *testing.T) {
	g := resolverGraph()
	_, err := resolveTransitions(g, g.StepByCode("task"), "", "z")
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("resolveTransitions() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestResolveTransitions_parallel_fires_all(t *testing.T) {
	g := resolverGraph()
	fired, err := resolveTransitions(g, g.StepByCode("par"), "", "")
	if err != nil {
		t.Fatalf("resolveTransitions() error = %v", err)
	}
	if len(fired) != 2 {
		t.Fatalf("fired = %v, want both parallel edges", transitionIDs(fired))
	}
}

func TestResolveTransitions_no_outgoing(t *testing.T) {
	g := resolverGraph()
	fired, err := resolveTransitions(g, g.StepByCode("z"), "", "")
	if err != nil {
		t.Fatalf("resolveTransitions() error = %v", err)
	}
	if fired != nil {
		t.Errorf("fired = %v, want nil for a step with no outgoing edges", transitionIDs(fired))
	}
}
