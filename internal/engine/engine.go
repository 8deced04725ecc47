// Package engine drives procedure executions: it materializes template
// graphs into executions, resolves transitions on step completion, and
// detects execution completion. All mutations of one completion are handed to
// the store as a single atomic unit.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/procyon/internal/discovery"
	"github.com/pitabwire/procyon/internal/observability"
	"github.com/pitabwire/procyon/internal/storage"
	"github.com/pitabwire/procyon/model"
)

// completionRetries bounds the internal retry loop on optimistic-lock
// conflicts before CONFLICT is surfaced to the caller.
const completionRetries = 3

// AnalyticsNotifier receives step IDs whose analytics need a refresh. Enqueue
// must never block; a false return means the notification was dropped.
type AnalyticsNotifier interface {
	Enqueue(stepID string) bool
}

// Engine executes procedure templates against business entities.
type Engine struct {
	graphs   storage.GraphStore
	store    storage.ExecutionStore
	events   discovery.Appender
	notifier AnalyticsNotifier
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches metric instruments to the engine.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a new execution engine.
func NewEngine(
	graphs storage.GraphStore,
	store storage.ExecutionStore,
	events discovery.Appender,
	notifier AnalyticsNotifier,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		graphs:   graphs,
		store:    store,
		events:   events,
		notifier: notifier,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartExecution creates a new execution of a template bound to a business
// entity. Every step gets a pending step execution; the template's start
// steps are activated immediately.
func (e *Engine) StartExecution(
	ctx context.Context,
	rctx *model.RequestContext,
	templateID string,
	entity model.EntityRef,
) (model.Execution, error) {
	ctx, span := observability.StartSpan(ctx, "engine.StartExecution",
		observability.AttrTemplateID.String(templateID),
		observability.AttrOrgID.String(rctx.OrgID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	graph, err := e.graphs.GetGraph(ctx, rctx.OrgID, templateID)
	if err != nil {
		return model.Execution{}, err
	}
	if !graph.Template.Active {
		err = model.NewNotFoundError(
			fmt.Sprintf("procedure template %q is not active", templateID),
		)
		return model.Execution{}, err
	}

	now := time.Now().UTC()
	starts := graph.StartSteps()
	startIDs := make(map[string]bool, len(starts))
	for _, st := range starts {
		startIDs[st.ID] = true
	}

	exec := model.Execution{
		ID:             uuid.New().String(),
		OrgID:          rctx.OrgID,
		TemplateID:     templateID,
		Entity:         entity,
		Status:         model.ExecutionStatusInProgress,
		TotalStepCount: len(graph.Steps),
		AssignedTo:     rctx.ActorID,
		StartedAt:      now,
		Version:        1,
	}

	stepExecs := make([]model.StepExecution, 0, len(graph.Steps))
	for i := range graph.Steps {
		st := &graph.Steps[i]
		se := model.StepExecution{
			ID:          uuid.New().String(),
			ExecutionID: exec.ID,
			StepID:      st.ID,
			Status:      model.StepStatusPending,
		}
		if startIDs[st.ID] {
			se.Status = model.StepStatusInProgress
			startedAt := now
			se.StartedAt = &startedAt
			exec.ActiveStepIDs = append(exec.ActiveStepIDs, st.ID)
		}
		stepExecs = append(stepExecs, se)
	}

	if err = e.store.CreateExecution(ctx, exec, stepExecs); err != nil {
		return model.Execution{}, err
	}

	e.appendDiscovery(ctx, rctx, graph, model.DiscoveryEvent{
		EventType:   model.EventExecutionStarted,
		EventName:   graph.Template.Name,
		Entity:      entity,
		ExecutionID: exec.ID,
	})

	if e.metrics != nil {
		e.metrics.RecordExecutionStart(templateID)
	}
	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("template_id", templateID),
		zap.Int("steps", exec.TotalStepCount),
	)
	return exec, nil
}

// GetExecution returns an execution with its step executions and the
// template's transitions.
func (e *Engine) GetExecution(
	ctx context.Context,
	rctx *model.RequestContext,
	executionID string,
) (model.Execution, []model.StepExecution, []model.Transition, error) {
	exec, stepExecs, err := e.store.GetExecution(ctx, rctx.OrgID, executionID)
	if err != nil {
		return model.Execution{}, nil, nil, err
	}
	graph, err := e.graphs.GetGraph(ctx, rctx.OrgID, exec.TemplateID)
	if err != nil {
		return model.Execution{}, nil, nil, err
	}
	return exec, stepExecs, graph.Transitions, nil
}

// CancelExecution cancels a pending or in-progress execution. Cancelling an
// already-cancelled execution is a no-op; cancelling a completed one fails
// INVALID_STATE. Cancellation is immediate and terminal.
func (e *Engine) CancelExecution(
	ctx context.Context,
	rctx *model.RequestContext,
	executionID string,
) error {
	for attempt := 0; ; attempt++ {
		exec, _, err := e.store.GetExecution(ctx, rctx.OrgID, executionID)
		if err != nil {
			return err
		}
		if exec.Status == model.ExecutionStatusCancelled {
			return nil
		}
		if exec.Status == model.ExecutionStatusCompleted {
			return model.NewInvalidStateError(
				fmt.Sprintf("execution %q is completed and cannot be cancelled", executionID),
			)
		}

		exec.Status = model.ExecutionStatusCancelled
		err = e.store.UpdateExecution(ctx, exec)
		if model.IsCode(err, model.ErrConflict) && attempt < completionRetries {
			continue
		}
		if err != nil {
			return err
		}

		graph, gerr := e.graphs.GetGraph(ctx, rctx.OrgID, exec.TemplateID)
		if gerr == nil {
			e.appendDiscovery(ctx, rctx, graph, model.DiscoveryEvent{
				EventType:   model.EventExecutionCancelled,
				EventName:   graph.Template.Name,
				Entity:      exec.Entity,
				ExecutionID: exec.ID,
			})
		}
		e.logger.Info("execution cancelled",
			zap.String("execution_id", executionID),
			zap.String("actor_id", rctx.ActorID),
		)
		return nil
	}
}

// CompleteStepRequest carries the caller's input for one step completion.
type CompleteStepRequest struct {
	ExecutionID string
	StepID      string
	// DecisionOutcome selects the labeled transition of a decision step.
	DecisionOutcome string
	// ExplicitTargetStepCode routes to a named step, bypassing the
	// default priority ordering.
	ExplicitTargetStepCode string
	Payload                map[string]any
	Notes                  string
}

// CompletionResult is the caller-visible outcome of one step completion.
type CompletionResult struct {
	CompletedStep  model.StepExecution
	ActivatedSteps []model.StepExecution
	Execution      model.Execution
}

// CompleteStep completes a step, resolves which transitions fire, activates
// the successor steps, and recomputes execution progress. On an optimistic
// lock conflict caused by a concurrent completion of a sibling step the
// operation is retried against fresh state; CONFLICT only surfaces once the
// retries are exhausted. Validation, not-found, and invalid-state failures
// occur before any mutation and leave no side effects.
func (e *Engine) CompleteStep(
	ctx context.Context,
	rctx *model.RequestContext,
	req CompleteStepRequest,
) (CompletionResult, error) {
	ctx, span := observability.StartSpan(ctx, "engine.CompleteStep",
		observability.AttrExecutionID.String(req.ExecutionID),
		observability.AttrStepID.String(req.StepID),
		observability.AttrOrgID.String(rctx.OrgID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	var result CompletionResult
	for attempt := 0; ; attempt++ {
		result, err = e.completeStepOnce(ctx, rctx, req)
		if model.IsCode(err, model.ErrConflict) && attempt < completionRetries {
			if e.metrics != nil {
				e.metrics.RecordCompletionRetry()
			}
			continue
		}
		break
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordStepCompletion(model.CodeOf(err))
		}
		return CompletionResult{}, err
	}
	if e.metrics != nil {
		e.metrics.RecordStepCompletion("ok")
		e.metrics.ObserveStepDuration(result.CompletedStep.DurationMinutes)
		if result.Execution.IsTerminal() {
			e.metrics.RecordExecutionCompletion(result.Execution.TemplateID, result.Execution.OutcomeType)
		}
	}
	return result, nil
}

// completeStepOnce performs one read-resolve-apply attempt.
func (e *Engine) completeStepOnce(
	ctx context.Context,
	rctx *model.RequestContext,
	req CompleteStepRequest,
) (CompletionResult, error) {
	exec, stepExecs, err := e.store.GetExecution(ctx, rctx.OrgID, req.ExecutionID)
	if err != nil {
		return CompletionResult{}, err
	}
	if exec.Status != model.ExecutionStatusInProgress {
		return CompletionResult{}, model.NewInvalidStateError(
			fmt.Sprintf("execution %q is %s, not in_progress", req.ExecutionID, exec.Status),
		)
	}

	var current *model.StepExecution
	for i := range stepExecs {
		if stepExecs[i].StepID == req.StepID {
			current = &stepExecs[i]
			break
		}
	}
	if current == nil {
		return CompletionResult{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found in execution %q", req.StepID, req.ExecutionID),
		)
	}
	if current.Status == model.StepStatusCompleted {
		return CompletionResult{}, model.NewAlreadyCompletedError(
			fmt.Sprintf("step %q is already completed", req.StepID),
		)
	}

	graph, err := e.graphs.GetGraph(ctx, rctx.OrgID, exec.TemplateID)
	if err != nil {
		return CompletionResult{}, err
	}
	step := graph.StepByID(req.StepID)
	if step == nil {
		return CompletionResult{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found in template %q", req.StepID, exec.TemplateID),
		)
	}

	fired, err := resolveTransitions(graph, step, req.DecisionOutcome, req.ExplicitTargetStepCode)
	if err != nil {
		return CompletionResult{}, err
	}

	upd, result := buildCompletion(rctx, exec, stepExecs, graph, step, current, fired, req)
	if err := e.store.ApplyCompletion(ctx, upd); err != nil {
		return CompletionResult{}, err
	}

	e.appendDiscovery(ctx, rctx, graph, model.DiscoveryEvent{
		EventType:   model.EventStepCompleted,
		EventName:   step.Name,
		Entity:      exec.Entity,
		Payload:     req.Payload,
		StepID:      step.ID,
		ExecutionID: exec.ID,
	})
	if result.Execution.Status == model.ExecutionStatusCompleted {
		e.appendDiscovery(ctx, rctx, graph, model.DiscoveryEvent{
			EventType:   model.EventExecutionCompleted,
			EventName:   graph.Template.Name,
			Entity:      exec.Entity,
			ExecutionID: exec.ID,
		})
	}

	// Analytics refresh stays off the critical path; a full queue only
	// costs freshness.
	if e.notifier != nil && !e.notifier.Enqueue(step.ID) {
		e.logger.Warn("analytics refresh dropped, queue full",
			zap.String("step_id", step.ID),
		)
	}

	e.logger.Info("step completed",
		zap.String("execution_id", exec.ID),
		zap.String("step_code", step.StepCode),
		zap.Int("activated", len(result.ActivatedSteps)),
		zap.Int("progress_percent", result.Execution.ProgressPercent),
	)
	return result, nil
}

// buildCompletion computes every effect of one completion from the state read
// in this attempt.
func buildCompletion(
	rctx *model.RequestContext,
	exec model.Execution,
	stepExecs []model.StepExecution,
	graph *model.Graph,
	step *model.Step,
	current *model.StepExecution,
	fired []*model.Transition,
	req CompleteStepRequest,
) (storage.CompletionUpdate, CompletionResult) {
	now := time.Now().UTC()

	completed := *current
	completed.Status = model.StepStatusCompleted
	completed.PerformedBy = rctx.ActorID
	completed.DecisionOutcome = req.DecisionOutcome
	completed.StepData = req.Payload
	completed.Notes = req.Notes
	completed.CompletedAt = &now
	if completed.StartedAt == nil {
		// Completed while still pending (manual override); charge zero duration.
		startedAt := now
		completed.StartedAt = &startedAt
	}
	completed.DurationMinutes = now.Sub(*completed.StartedAt).Minutes()
	if len(fired) > 0 {
		completed.TransitionTaken = fired[0].ID
	}

	transitionIDs := make([]string, 0, len(fired))
	successorIDs := make(map[string]bool, len(fired))
	for _, tr := range fired {
		transitionIDs = append(transitionIDs, tr.ID)
		successorIDs[tr.ToStepID] = true
	}

	// Only pending successors activate; in-progress or completed ones are
	// fan-in arrivals that someone else already handled.
	var activated []model.StepExecution
	for i := range stepExecs {
		se := stepExecs[i]
		if !successorIDs[se.StepID] || se.Status != model.StepStatusPending {
			continue
		}
		startedAt := now
		se.Status = model.StepStatusInProgress
		se.StartedAt = &startedAt
		activated = append(activated, se)
	}

	active := make([]string, 0, len(exec.ActiveStepIDs)+len(activated))
	for _, id := range exec.ActiveStepIDs {
		if id != step.ID {
			active = append(active, id)
		}
	}
	for _, se := range activated {
		active = append(active, se.StepID)
	}
	exec.ActiveStepIDs = active

	if exec.CollectedData == nil {
		exec.CollectedData = make(map[string]map[string]any)
	}
	if len(req.Payload) > 0 {
		bucket := exec.CollectedData[step.StepCode]
		if bucket == nil {
			bucket = make(map[string]any, len(req.Payload))
		}
		for k, v := range req.Payload {
			bucket[k] = v
		}
		exec.CollectedData[step.StepCode] = bucket
	}

	exec.CompletedStepCount++
	exec.ProgressPercent = model.ProgressPercent(exec.CompletedStepCount, exec.TotalStepCount)

	deadEnd := len(fired) == 0 && !step.IsEndStep
	if step.IsEndStep || exec.CompletedStepCount >= exec.TotalStepCount || deadEnd {
		exec.Status = model.ExecutionStatusCompleted
		exec.CompletedAt = &now
		exec.DurationMinutes = now.Sub(exec.StartedAt).Minutes()
		if step.IsEndStep {
			exec.OutcomeType = model.OutcomeSuccess
			// Reaching a declared end step finishes the procedure even when
			// sibling branches were never taken; the run is fully done.
			exec.ProgressPercent = 100
		} else {
			exec.OutcomeType = model.OutcomePartial
		}
	}

	upd := storage.CompletionUpdate{
		Execution:      exec,
		CompletedStep:  completed,
		ActivatedSteps: activated,
		TransitionIDs:  transitionIDs,
	}
	resultExec := exec
	resultExec.Version++ // mirror the store's bump for the caller's view
	return upd, CompletionResult{
		CompletedStep:  completed,
		ActivatedSteps: activated,
		Execution:      resultExec,
	}
}

// appendDiscovery records a process-mining event. Failures are logged and
// never propagate into the caller's primary operation.
func (e *Engine) appendDiscovery(
	ctx context.Context,
	rctx *model.RequestContext,
	graph *model.Graph,
	event model.DiscoveryEvent,
) {
	if e.events == nil {
		return
	}
	event.ID = uuid.New().String()
	event.OrgID = rctx.OrgID
	event.ActorID = rctx.ActorID
	event.TemplateID = graph.Template.ID
	event.OccurredAt = time.Now().UTC()
	if err := e.events.Append(ctx, event); err != nil {
		if e.metrics != nil {
			e.metrics.RecordDiscoveryAppendFailure()
		}
		e.logger.Error("discovery event append failed",
			zap.String("event_type", event.EventType),
			zap.String("execution_id", event.ExecutionID),
			zap.Error(err),
		)
	}
}
