package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/procyon/model"
)

// MemoryStore is an in-memory implementation of GraphStore, ExecutionStore,
// and DiscoveryStore behind one mutex, so the atomicity contract of
// ApplyCompletion holds without a database. Used in tests and by the
// `driver: memory` configuration.
type MemoryStore struct {
	mu          sync.RWMutex
	templates   map[string]model.ProcedureTemplate
	steps       map[string][]model.Step       // key: template ID
	transitions map[string][]model.Transition // key: template ID
	executions  map[string]model.Execution    // key: execution ID
	stepExecs   map[string][]model.StepExecution // key: execution ID
	events      map[string][]model.DiscoveryEvent // key: org/entity key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:   make(map[string]model.ProcedureTemplate),
		steps:       make(map[string][]model.Step),
		transitions: make(map[string][]model.Transition),
		executions:  make(map[string]model.Execution),
		stepExecs:   make(map[string][]model.StepExecution),
		events:      make(map[string][]model.DiscoveryEvent),
	}
}

// PutTemplate seeds a template graph. Replaces any previous graph for the
// same template ID.
func (s *MemoryStore) PutTemplate(tpl model.ProcedureTemplate, steps []model.Step, transitions []model.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.templates[tpl.ID] = tpl
	s.steps[tpl.ID] = append([]model.Step(nil), steps...)
	s.transitions[tpl.ID] = append([]model.Transition(nil), transitions...)
}

// GetGraph returns the indexed graph for a template, scoped to an org.
func (s *MemoryStore) GetGraph(_ context.Context, orgID, templateID string) (*model.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, exists := s.templates[templateID]
	if !exists || tpl.OrgID != orgID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("procedure template %q not found", templateID),
		)
	}

	g := &model.Graph{
		Template:    tpl,
		Steps:       append([]model.Step(nil), s.steps[templateID]...),
		Transitions: append([]model.Transition(nil), s.transitions[templateID]...),
	}
	g.Index()
	return g, nil
}

// UpdateStepAnalytics writes an analytics snapshot onto a step.
func (s *MemoryStore) UpdateStepAnalytics(_ context.Context, stepID string, snap AnalyticsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tplID := range s.steps {
		steps := s.steps[tplID]
		for i := range steps {
			if steps[i].ID != stepID {
				continue
			}
			at := snap.UpdatedAt
			steps[i].MedianDurationMinutes = snap.MedianDurationMinutes
			steps[i].P90DurationMinutes = snap.P90DurationMinutes
			steps[i].CompletionRate = snap.CompletionRate
			steps[i].LastAnalyticsUpdate = &at
			return nil
		}
	}
	return model.NewNotFoundError(fmt.Sprintf("step %q not found", stepID))
}

// CreateExecution persists a new execution and its step executions.
func (s *MemoryStore) CreateExecution(_ context.Context, exec model.Execution, steps []model.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}

	s.executions[exec.ID] = copyExecution(exec)
	s.stepExecs[exec.ID] = copyStepExecs(steps)
	return nil
}

// GetExecution retrieves an execution and its step executions.
func (s *MemoryStore) GetExecution(_ context.Context, orgID, executionID string) (model.Execution, []model.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[executionID]
	if !exists || exec.OrgID != orgID {
		return model.Execution{}, nil, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", executionID),
		)
	}
	return copyExecution(exec), copyStepExecs(s.stepExecs[executionID]), nil
}

// UpdateExecution persists an updated execution with optimistic locking.
func (s *MemoryStore) UpdateExecution(_ context.Context, exec model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.executions[exec.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", exec.ID),
		)
	}
	if existing.Version != exec.Version {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d, got %d)", exec.ID, exec.Version, existing.Version),
		)
	}

	exec.Version++
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

// ApplyCompletion applies one step completion atomically under the store
// mutex.
func (s *MemoryStore) ApplyCompletion(_ context.Context, upd CompletionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execID := upd.Execution.ID
	existing, exists := s.executions[execID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", execID),
		)
	}
	if existing.Version != upd.Execution.Version {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d, got %d)", execID, upd.Execution.Version, existing.Version),
		)
	}

	steps := s.stepExecs[execID]
	completedIdx := -1
	for i := range steps {
		if steps[i].ID == upd.CompletedStep.ID {
			completedIdx = i
			break
		}
	}
	if completedIdx < 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("step execution %q not found", upd.CompletedStep.ID),
		)
	}
	if steps[completedIdx].Status == model.StepStatusCompleted {
		return model.NewAlreadyCompletedError(
			fmt.Sprintf("step execution %q is already completed", upd.CompletedStep.ID),
		)
	}

	// All checks passed; apply every effect.
	steps[completedIdx] = upd.CompletedStep
	for _, act := range upd.ActivatedSteps {
		for i := range steps {
			if steps[i].ID == act.ID && steps[i].Status == model.StepStatusPending {
				steps[i] = act
			}
		}
	}

	for _, trID := range upd.TransitionIDs {
		for tplID := range s.transitions {
			trs := s.transitions[tplID]
			for i := range trs {
				if trs[i].ID == trID {
					trs[i].UsageCount++
				}
			}
		}
	}

	exec := upd.Execution
	exec.Version++
	s.executions[execID] = copyExecution(exec)
	return nil
}

// ListStepExecutions returns every step execution for a step across all
// executions, ordered by completion time ascending with incomplete records
// last.
func (s *MemoryStore) ListStepExecutions(_ context.Context, stepID string) ([]model.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.StepExecution
	for _, steps := range s.stepExecs {
		for i := range steps {
			if steps[i].StepID == stepID {
				result = append(result, steps[i])
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].CompletedAt, result[j].CompletedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return result, nil
}

// AppendEvent adds an event to the per-entity stream.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.DiscoveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(event.OrgID, event.Entity)
	s.events[key] = append(s.events[key], event)
	return nil
}

// ListEvents returns the events for one entity in insertion order.
func (s *MemoryStore) ListEvents(_ context.Context, orgID string, entity model.EntityRef) ([]model.DiscoveryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[entityKey(orgID, entity)]
	return append([]model.DiscoveryEvent(nil), events...), nil
}

// HealthCheck reports store health. The in-memory store is always healthy.
func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

// TemplateCount returns the number of seeded templates. For readiness checks.
func (s *MemoryStore) TemplateCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.templates)
}

func entityKey(orgID string, entity model.EntityRef) string {
	return orgID + "/" + entity.Type + "/" + entity.ID
}

func copyExecution(exec model.Execution) model.Execution {
	out := exec
	out.ActiveStepIDs = append([]string(nil), exec.ActiveStepIDs...)
	if exec.CollectedData != nil {
		out.CollectedData = make(map[string]map[string]any, len(exec.CollectedData))
		for code, payload := range exec.CollectedData {
			inner := make(map[string]any, len(payload))
			for k, v := range payload {
				inner[k] = v
			}
			out.CollectedData[code] = inner
		}
	}
	return out
}

func copyStepExecs(steps []model.StepExecution) []model.StepExecution {
	out := make([]model.StepExecution, len(steps))
	copy(out, steps)
	for i := range out {
		if out[i].StepData != nil {
			data := make(map[string]any, len(out[i].StepData))
			for k, v := range out[i].StepData {
				data[k] = v
			}
			out[i].StepData = data
		}
	}
	return out
}
