package model

import "time"

// Execution status constants. Completed and cancelled are terminal.
const (
	ExecutionStatusPending    = "pending"
	ExecutionStatusInProgress = "in_progress"
	ExecutionStatusCompleted  = "completed"
	ExecutionStatusCancelled  = "cancelled"
)

// Step execution status constants. Completed is a one-way terminal state.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
)

// Execution outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
)

// EntityRef identifies the business entity an execution is bound to.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Execution is one run of a procedure template against a business entity.
//
// ActiveStepIDs always equals exactly the set of step executions currently
// in_progress. CollectedData accumulates per-step payloads keyed by step code
// and never shrinks. Version backs the optimistic lock the stores enforce.
type Execution struct {
	ID                 string                    `json:"id"`
	OrgID              string                    `json:"org_id"`
	TemplateID         string                    `json:"template_id"`
	Entity             EntityRef                 `json:"entity"`
	Status             string                    `json:"status"`
	ActiveStepIDs      []string                  `json:"active_step_ids"`
	TotalStepCount     int                       `json:"total_step_count"`
	CompletedStepCount int                       `json:"completed_step_count"`
	ProgressPercent    int                       `json:"progress_percent"`
	CollectedData      map[string]map[string]any `json:"collected_data,omitempty"`
	OutcomeType        string                    `json:"outcome_type,omitempty"`
	AssignedTo         string                    `json:"assigned_to,omitempty"`
	StartedAt          time.Time                 `json:"started_at"`
	CompletedAt        *time.Time                `json:"completed_at,omitempty"`
	DurationMinutes    float64                   `json:"duration_minutes"`
	Version            int                       `json:"version"`
}

// IsTerminal reports whether the execution can no longer be mutated.
func (e *Execution) IsTerminal() bool {
	return e.Status == ExecutionStatusCompleted || e.Status == ExecutionStatusCancelled
}

// HasActiveStep reports whether the given step is in the active set.
func (e *Execution) HasActiveStep(stepID string) bool {
	for _, id := range e.ActiveStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// StepExecution is the per-execution record of one step's state. One record
// exists per (execution, step) pair from execution creation.
type StepExecution struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	StepID          string         `json:"step_id"`
	Status          string         `json:"status"`
	PerformedBy     string         `json:"performed_by,omitempty"`
	DecisionOutcome string         `json:"decision_outcome,omitempty"`
	TransitionTaken string         `json:"transition_taken,omitempty"`
	StepData        map[string]any `json:"step_data,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationMinutes float64        `json:"duration_minutes"`
}

// ProgressPercent computes the rounded progress percentage for the given
// counts. A zero total yields zero.
func ProgressPercent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(float64(completed)/float64(total)*100 + 0.5)
}
