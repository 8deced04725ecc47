package engine

import (
	"fmt"

	"github.com/pitabwire/procyon/model"
)

// resolveTransitions determines which outgoing transitions fire when a step
// completes. Resolution order:
//
//  1. Decision step with an outcome: the transitions whose label equals the
//     outcome. An unmatched outcome is a VALIDATION_ERROR.
//  2. Explicit target step code: the single transition from the current step
//     to the named step. Unknown step or missing edge is a VALIDATION_ERROR.
//  3. Default: outgoing transitions ordered by ascending priority with
//     creation sequence as the tie-break. A parallel step fires all of them;
//     any other step fires only the first. No outgoing edges means no
//     successor (the completion detector decides what that implies).
func resolveTransitions(
	graph *model.Graph,
	step *model.Step,
	decisionOutcome string,
	explicitTargetStepCode string,
) ([]*model.Transition, error) {
	outgoing := graph.Outgoing(step.ID)

	if step.StepType == model.StepTypeDecision && decisionOutcome != "" {
		var matched []*model.Transition
		for _, tr := range outgoing {
			if tr.Label == decisionOutcome {
				matched = append(matched, tr)
			}
		}
		if len(matched) == 0 {
			return nil, model.NewValidationError(
				fmt.Sprintf("no transition for outcome %q from step %q", decisionOutcome, step.StepCode),
			)
		}
		return matched, nil
	}

	if explicitTargetStepCode != "" {
		target := graph.StepByCode(explicitTargetStepCode)
		if target == nil {
			return nil, model.NewValidationError(
				fmt.Sprintf("target step %q not found in template", explicitTargetStepCode),
			)
		}
		for _, tr := range outgoing {
			if tr.ToStepID == target.ID {
				return []*model.Transition{tr}, nil
			}
		}
		return nil, model.NewValidationError(
			fmt.Sprintf("no transition from step %q to step %q", step.StepCode, explicitTargetStepCode),
		)
	}

	if len(outgoing) == 0 {
		return nil, nil
	}
	if step.StepType == model.StepTypeParallel {
		return outgoing, nil
	}
	return outgoing[:1], nil
}
