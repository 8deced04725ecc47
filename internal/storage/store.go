// Package storage defines the persistence boundary of the engine and its
// in-memory and PostgreSQL implementations. Every mutation belonging to one
// step completion is applied as a single atomic unit guarded by the
// execution's optimistic version.
package storage

import (
	"context"
	"time"

	"github.com/pitabwire/procyon/model"
)

// GraphStore provides read access to procedure templates and their graphs,
// plus the derived analytics write-back.
type GraphStore interface {
	// GetGraph returns a template with its steps and transitions, indexed
	// for resolution. Returns NOT_FOUND if the template doesn't exist or
	// belongs to a different organization.
	GetGraph(ctx context.Context, orgID, templateID string) (*model.Graph, error)

	// UpdateStepAnalytics writes a derived analytics snapshot onto a step.
	// Last write wins; the snapshot is eventually-consistent telemetry.
	UpdateStepAnalytics(ctx context.Context, stepID string, snap AnalyticsSnapshot) error
}

// AnalyticsSnapshot is the derived per-step timing and completion data the
// aggregator writes back.
type AnalyticsSnapshot struct {
	MedianDurationMinutes float64
	P90DurationMinutes    float64
	CompletionRate        int
	UpdatedAt             time.Time
}

// ExecutionStore persists executions and their step executions.
type ExecutionStore interface {
	// CreateExecution persists a new execution together with all of its
	// pre-materialized step executions in one unit.
	CreateExecution(ctx context.Context, exec model.Execution, steps []model.StepExecution) error

	// GetExecution retrieves an execution and its step executions, scoped
	// to an organization. Returns NOT_FOUND if absent.
	GetExecution(ctx context.Context, orgID, executionID string) (model.Execution, []model.StepExecution, error)

	// UpdateExecution persists an updated execution record with optimistic
	// locking. Returns CONFLICT if the stored version has moved on.
	UpdateExecution(ctx context.Context, exec model.Execution) error

	// ApplyCompletion applies every effect of one step completion as a
	// single atomic unit: the step execution's terminal transition, the
	// activation of successors still pending, the usage counter increments
	// on fired transitions, and the recomputed execution record. Returns
	// ALREADY_COMPLETED if the step execution is already completed and
	// CONFLICT if the execution version check fails; in both cases nothing
	// is changed.
	ApplyCompletion(ctx context.Context, upd CompletionUpdate) error

	// ListStepExecutions returns every step execution recorded for a step
	// across all executions, for analytics aggregation.
	ListStepExecutions(ctx context.Context, stepID string) ([]model.StepExecution, error)
}

// CompletionUpdate is the atomic unit of one step completion.
type CompletionUpdate struct {
	// Execution is the fully recomputed execution record. Its Version must
	// be the version observed at read time; the store bumps it on commit.
	Execution model.Execution

	// CompletedStep is the step execution moving to its terminal state.
	CompletedStep model.StepExecution

	// ActivatedSteps are successors moving pending -> in_progress. Steps
	// no longer pending at commit time are skipped, which makes fan-in
	// from parallel branches idempotent.
	ActivatedSteps []model.StepExecution

	// TransitionIDs are the fired transitions whose usage counters are
	// incremented.
	TransitionIDs []string
}

// DiscoveryStore appends and reads immutable process-mining events.
type DiscoveryStore interface {
	// AppendEvent durably inserts an event. Events are never mutated after
	// insertion and per-entity insertion order is preserved.
	AppendEvent(ctx context.Context, event model.DiscoveryEvent) error

	// ListEvents returns the events recorded for one entity in insertion
	// order.
	ListEvents(ctx context.Context, orgID string, entity model.EntityRef) ([]model.DiscoveryEvent, error)
}
