package storage

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/procyon/model"
)

func seedStore() *MemoryStore {
	s := NewMemoryStore()
	s.PutTemplate(
		model.ProcedureTemplate{ID: "tpl-1", OrgID: "org-1", Name: "Audit", Version: 1, Active: true},
		[]model.Step{
			{ID: "s1", TemplateID: "tpl-1", StepCode: "open", StepType: model.StepTypeTask, DisplayOrder: 1},
			{ID: "s2", TemplateID: "tpl-1", StepCode: "check", StepType: model.StepTypeTask, DisplayOrder: 2},
			{ID: "s3", TemplateID: "tpl-1", StepCode: "close", StepType: model.StepTypeEnd, DisplayOrder: 3, IsEndStep: true},
		},
		[]model.Transition{
			{ID: "t1", TemplateID: "tpl-1", FromStepID: "s1", ToStepID: "s2", Priority: 1, Seq: 0},
			{ID: "t2", TemplateID: "tpl-1", FromStepID: "s2", ToStepID: "s3", Priority: 1, Seq: 1},
		},
	)
	return s
}

func seedExecution(t *testing.T, s *MemoryStore) (model.Execution, []model.StepExecution) {
	t.Helper()
	now := time.Now().UTC()
	exec := model.Execution{
		ID:             "exec-1",
		OrgID:          "org-1",
		TemplateID:     "tpl-1",
		Entity:         model.EntityRef{Type: "case", ID: "case-9"},
		Status:         model.ExecutionStatusInProgress,
		ActiveStepIDs:  []string{"s1"},
		TotalStepCount: 3,
		StartedAt:      now,
		Version:        1,
	}
	steps := []model.StepExecution{
		{ID: "se-1", ExecutionID: "exec-1", StepID: "s1", Status: model.StepStatusInProgress, StartedAt: &now},
		{ID: "se-2", ExecutionID: "exec-1", StepID: "s2", Status: model.StepStatusPending},
		{ID: "se-3", ExecutionID: "exec-1", StepID: "s3", Status: model.StepStatusPending},
	}
	if err := s.CreateExecution(context.Background(), exec, steps); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	return exec, steps
}

func TestGetGraph(t *testing.T) {
	s := seedStore()
	g, err := s.GetGraph(context.Background(), "org-1", "tpl-1")
	if err != nil {
		t.Fatalf("GetGraph() error = %v", err)
	}
	if len(g.Steps) != 3 || len(g.Transitions) != 2 {
		t.Errorf("graph has %d steps, %d transitions; want 3, 2", len(g.Steps), len(g.Transitions))
	}
	if g.StepByCode("open") == nil {
		t.Error("graph index not built")
	}
}

func TestGetGraph_cross_org(t *testing.T) {
	s := seedStore()
	_, err := s.GetGraph(context.Background(), "org-2", "tpl-1")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("GetGraph() cross-org error = %v, want NOT_FOUND", err)
	}
}

func TestCreateExecution_duplicate(t *testing.T) {
	s := seedStore()
	exec, steps := seedExecution(t, s)
	err := s.CreateExecution(context.Background(), exec, steps)
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("duplicate CreateExecution() error = %v, want CONFLICT", err)
	}
}

func TestGetExecution_isolated_copy(t *testing.T) {
	s := seedStore()
	seedExecution(t, s)
	ctx := context.Background()

	exec, _, err := s.GetExecution(ctx, "org-1", "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}

	// Mutating the returned value must not leak into the store.
	exec.ActiveStepIDs[0] = "tampered"
	again, _, _ := s.GetExecution(ctx, "org-1", "exec-1")
	if again.ActiveStepIDs[0] != "s1" {
		t.Error("store state leaked through returned execution")
	}
}

func TestGetExecution_cross_org(t *testing.T) {
	s := seedStore()
	seedExecution(t, s)
	_, _, err := s.GetExecution(context.Background(), "org-2", "exec-1")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("GetExecution() cross-org error = %v, want NOT_FOUND", err)
	}
}

func TestUpdateExecution_version_conflict(t *testing.T) {
	s := seedStore()
	exec, _ := seedExecution(t, s)
	ctx := context.Background()

	if err := s.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("UpdateExecution() error = %v", err)
	}

	// Re-sending the stale version must conflict.
	err := s.UpdateExecution(ctx, exec)
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("stale UpdateExecution() error = %v, want CONFLICT", err)
	}

	got, _, _ := s.GetExecution(ctx, "org-1", "exec-1")
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2 after one successful update", got.Version)
	}
}

func completionFor(exec model.Execution, steps []model.StepExecution) CompletionUpdate {
	now := time.Now().UTC()
	completed := steps[0]
	completed.Status = model.StepStatusCompleted
	completed.CompletedAt = &now
	activated := steps[1]
	activated.Status = model.StepStatusInProgress
	activated.StartedAt = &now

	exec.ActiveStepIDs = []string{"s2"}
	exec.CompletedStepCount = 1
	exec.ProgressPercent = model.ProgressPercent(1, 3)
	return CompletionUpdate{
		Execution:      exec,
		CompletedStep:  completed,
		ActivatedSteps: []model.StepExecution{activated},
		TransitionIDs:  []string{"t1"},
	}
}

func TestApplyCompletion(t *testing.T) {
	s := seedStore()
	exec, steps := seedExecution(t, s)
	ctx := context.Background()

	if err := s.ApplyCompletion(ctx, completionFor(exec, steps)); err != nil {
		t.Fatalf("ApplyCompletion() error = %v", err)
	}

	got, gotSteps, _ := s.GetExecution(ctx, "org-1", "exec-1")
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.CompletedStepCount != 1 {
		t.Errorf("CompletedStepCount = %d, want 1", got.CompletedStepCount)
	}
	if gotSteps[0].Status != model.StepStatusCompleted {
		t.Errorf("s1 status = %q, want completed", gotSteps[0].Status)
	}
	if gotSteps[1].Status != model.StepStatusInProgress {
		t.Errorf("s2 status = %q, want in_progress", gotSteps[1].Status)
	}

	g, _ := s.GetGraph(ctx, "org-1", "tpl-1")
	for _, tr := range g.Transitions {
		want := int64(0)
		if tr.ID == "t1" {
			want = 1
		}
		if tr.UsageCount != want {
			t.Errorf("transition %s usage = %d, want %d", tr.ID, tr.UsageCount, want)
		}
	}
}

func TestApplyCompletion_version_conflict(t *testing.T) {
	s := seedStore()
	exec, steps := seedExecution(t, s)
	ctx := context.Background()

	upd := completionFor(exec, steps)
	upd.Execution.Version = 99
	err := s.ApplyCompletion(ctx, upd)
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("ApplyCompletion() error = %v, want CONFLICT", err)
	}

	// The conflicting attempt must leave everything untouched.
	got, gotSteps, _ := s.GetExecution(ctx, "org-1", "exec-1")
	if got.Version != 1 || gotSteps[0].Status != model.StepStatusInProgress {
		t.Error("conflicting ApplyCompletion mutated state")
	}
}

func TestApplyCompletion_already_completed(t *testing.T) {
	s := seedStore()
	exec, steps := seedExecution(t, s)
	ctx := context.Background()

	if err := s.ApplyCompletion(ctx, completionFor(exec, steps)); err != nil {
		t.Fatalf("ApplyCompletion() error = %v", err)
	}

	// A second completion of the same step, even with a fresh version, is
	// rejected at the store.
	fresh, freshSteps, _ := s.GetExecution(ctx, "org-1", "exec-1")
	err := s.ApplyCompletion(ctx, completionFor(fresh, freshSteps))
	if !model.IsCode(err, model.ErrAlreadyCompleted) {
		t.Fatalf("repeat ApplyCompletion() error = %v, want ALREADY_COMPLETED", err)
	}
}

func TestApplyCompletion_skips_non_pending_activation(t *testing.T) {
	s := seedStore()
	exec, steps := seedExecution(t, s)
	ctx := context.Background()

	upd := completionFor(exec, steps)
	// Pretend s2 was already activated by a sibling branch.
	now := time.Now().UTC().Add(-time.Minute)
	raw := s.stepExecs["exec-1"]
	raw[1].Status = model.StepStatusInProgress
	raw[1].StartedAt = &now

	if err := s.ApplyCompletion(ctx, upd); err != nil {
		t.Fatalf("ApplyCompletion() error = %v", err)
	}

	_, gotSteps, _ := s.GetExecution(ctx, "org-1", "exec-1")
	if !gotSteps[1].StartedAt.Equal(now) {
		t.Error("fan-in arrival re-activated an already in_progress step")
	}
}

func TestListStepExecutions_ordering(t *testing.T) {
	s := seedStore()
	ctx := context.Background()
	base := time.Now().UTC()

	later := base.Add(2 * time.Hour)
	earlier := base.Add(time.Hour)
	execA := model.Execution{ID: "exec-a", OrgID: "org-1", TemplateID: "tpl-1", Status: model.ExecutionStatusInProgress, TotalStepCount: 3, StartedAt: base, Version: 1}
	execB := model.Execution{ID: "exec-b", OrgID: "org-1", TemplateID: "tpl-1", Status: model.ExecutionStatusInProgress, TotalStepCount: 3, StartedAt: base, Version: 1}
	s.CreateExecution(ctx, execA, []model.StepExecution{
		{ID: "a-1", ExecutionID: "exec-a", StepID: "s1", Status: model.StepStatusCompleted, CompletedAt: &later},
	})
	s.CreateExecution(ctx, execB, []model.StepExecution{
		{ID: "b-1", ExecutionID: "exec-b", StepID: "s1", Status: model.StepStatusCompleted, CompletedAt: &earlier},
		{ID: "b-2", ExecutionID: "exec-b", StepID: "s1", Status: model.StepStatusInProgress},
	})

	got, err := s.ListStepExecutions(ctx, "s1")
	if err != nil {
		t.Fatalf("ListStepExecutions() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListStepExecutions() = %d records, want 3", len(got))
	}
	if got[0].ID != "b-1" || got[1].ID != "a-1" {
		t.Errorf("order = %s, %s; want b-1, a-1 (completion time ascending)", got[0].ID, got[1].ID)
	}
	if got[2].CompletedAt != nil {
		t.Error("incomplete records should sort last")
	}
}

func TestUpdateStepAnalytics(t *testing.T) {
	s := seedStore()
	ctx := context.Background()
	at := time.Now().UTC()

	err := s.UpdateStepAnalytics(ctx, "s2", AnalyticsSnapshot{
		MedianDurationMinutes: 30,
		P90DurationMinutes:    50,
		CompletionRate:        80,
		UpdatedAt:             at,
	})
	if err != nil {
		t.Fatalf("UpdateStepAnalytics() error = %v", err)
	}

	g, _ := s.GetGraph(ctx, "org-1", "tpl-1")
	step := g.StepByID("s2")
	if step.MedianDurationMinutes != 30 || step.P90DurationMinutes != 50 || step.CompletionRate != 80 {
		t.Errorf("analytics = %v/%v/%v, want 30/50/80", step.MedianDurationMinutes, step.P90DurationMinutes, step.CompletionRate)
	}
	if step.LastAnalyticsUpdate == nil {
		t.Error("LastAnalyticsUpdate should be set")
	}

	if err := s.UpdateStepAnalytics(ctx, "ghost", AnalyticsSnapshot{}); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("UpdateStepAnalytics(ghost) error = %v, want NOT_FOUND", err)
	}
}

func TestAppendEvent_per_entity_streams(t *testing.T) {
	s := seedStore()
	ctx := context.Background()

	caseEntity := model.EntityRef{Type: "case", ID: "case-9"}
	otherEntity := model.EntityRef{Type: "case", ID: "case-10"}
	s.AppendEvent(ctx, model.DiscoveryEvent{ID: "ev-1", OrgID: "org-1", Entity: caseEntity, EventType: model.EventExecutionStarted})
	s.AppendEvent(ctx, model.DiscoveryEvent{ID: "ev-2", OrgID: "org-1", Entity: otherEntity, EventType: model.EventExecutionStarted})
	s.AppendEvent(ctx, model.DiscoveryEvent{ID: "ev-3", OrgID: "org-1", Entity: caseEntity, EventType: model.EventStepCompleted})

	events, err := s.ListEvents(ctx, "org-1", caseEntity)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListEvents() = %d events, want 2", len(events))
	}
	if events[0].ID != "ev-1" || events[1].ID != "ev-3" {
		t.Errorf("event order = %s, %s; want ev-1, ev-3", events[0].ID, events[1].ID)
	}

	// Another org sees nothing.
	events, _ = s.ListEvents(ctx, "org-2", caseEntity)
	if len(events) != 0 {
		t.Errorf("cross-org ListEvents() = %d events, want 0", len(events))
	}
}

func TestTemplateCount(t *testing.T) {
	s := NewMemoryStore()
	if s.TemplateCount() != 0 {
		t.Errorf("TemplateCount() = %d, want 0", s.TemplateCount())
	}
	s.PutTemplate(model.ProcedureTemplate{ID: "tpl-1", OrgID: "org-1"}, nil, nil)
	if s.TemplateCount() != 1 {
		t.Errorf("TemplateCount() = %d, want 1", s.TemplateCount())
	}
}
