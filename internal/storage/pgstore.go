package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/procyon/model"
)

// PgStore is a PostgreSQL-backed implementation of GraphStore,
// ExecutionStore, and DiscoveryStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// GetGraph returns the indexed graph for a template, scoped to an org.
func (s *PgStore) GetGraph(ctx context.Context, orgID, templateID string) (*model.Graph, error) {
	var tpl model.ProcedureTemplate
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, name, version, active, created_at
		FROM procedure_templates
		WHERE id = $1 AND org_id = $2`,
		templateID, orgID,
	).Scan(&tpl.ID, &tpl.OrgID, &tpl.Name, &tpl.Version, &tpl.Active, &tpl.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("procedure template %q not found", templateID),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query procedure template: %w", err)
	}

	g := &model.Graph{Template: tpl}

	rows, err := s.pool.Query(ctx, `
		SELECT id, template_id, step_code, name, step_type, display_order, is_end_step,
		       median_duration_minutes, p90_duration_minutes, completion_rate, last_analytics_update
		FROM steps
		WHERE template_id = $1
		ORDER BY display_order ASC`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st model.Step
		if err := rows.Scan(
			&st.ID, &st.TemplateID, &st.StepCode, &st.Name, &st.StepType, &st.DisplayOrder, &st.IsEndStep,
			&st.MedianDurationMinutes, &st.P90DurationMinutes, &st.CompletionRate, &st.LastAnalyticsUpdate,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		g.Steps = append(g.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trows, err := s.pool.Query(ctx, `
		SELECT id, template_id, from_step_id, to_step_id, label, priority, seq, usage_count
		FROM transitions
		WHERE template_id = $1
		ORDER BY seq ASC`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		var tr model.Transition
		if err := trows.Scan(
			&tr.ID, &tr.TemplateID, &tr.FromStepID, &tr.ToStepID, &tr.Label, &tr.Priority, &tr.Seq, &tr.UsageCount,
		); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		g.Transitions = append(g.Transitions, tr)
	}
	if err := trows.Err(); err != nil {
		return nil, err
	}

	g.Index()
	return g, nil
}

// UpdateStepAnalytics writes an analytics snapshot onto a step.
func (s *PgStore) UpdateStepAnalytics(ctx context.Context, stepID string, snap AnalyticsSnapshot) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE steps SET
			median_duration_minutes = $1,
			p90_duration_minutes = $2,
			completion_rate = $3,
			last_analytics_update = $4
		WHERE id = $5`,
		snap.MedianDurationMinutes, snap.P90DurationMinutes, snap.CompletionRate, snap.UpdatedAt,
		stepID,
	)
	if err != nil {
		return fmt.Errorf("update step analytics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step %q not found", stepID))
	}
	return nil
}

// CreateExecution inserts a new execution and its step executions in one
// transaction.
func (s *PgStore) CreateExecution(ctx context.Context, exec model.Execution, steps []model.StepExecution) error {
	activeJSON, collectedJSON, err := marshalExecutionBlobs(exec)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create execution: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (
			id, org_id, template_id, entity_type, entity_id,
			status, active_step_ids, total_step_count, completed_step_count,
			progress_percent, collected_data, outcome_type, assigned_to,
			started_at, completed_at, duration_minutes, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17
		)`,
		exec.ID, exec.OrgID, exec.TemplateID, exec.Entity.Type, exec.Entity.ID,
		exec.Status, activeJSON, exec.TotalStepCount, exec.CompletedStepCount,
		exec.ProgressPercent, collectedJSON, exec.OutcomeType, exec.AssignedTo,
		exec.StartedAt, exec.CompletedAt, exec.DurationMinutes, exec.Version,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	for _, se := range steps {
		if err := insertStepExecution(ctx, tx, se); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution and its step executions.
func (s *PgStore) GetExecution(ctx context.Context, orgID, executionID string) (model.Execution, []model.StepExecution, error) {
	var exec model.Execution
	var activeJSON, collectedJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, template_id, entity_type, entity_id,
		       status, active_step_ids, total_step_count, completed_step_count,
		       progress_percent, collected_data, outcome_type, assigned_to,
		       started_at, completed_at, duration_minutes, version
		FROM executions
		WHERE id = $1 AND org_id = $2`,
		executionID, orgID,
	).Scan(
		&exec.ID, &exec.OrgID, &exec.TemplateID, &exec.Entity.Type, &exec.Entity.ID,
		&exec.Status, &activeJSON, &exec.TotalStepCount, &exec.CompletedStepCount,
		&exec.ProgressPercent, &collectedJSON, &exec.OutcomeType, &exec.AssignedTo,
		&exec.StartedAt, &exec.CompletedAt, &exec.DurationMinutes, &exec.Version,
	)
	if err == pgx.ErrNoRows {
		return model.Execution{}, nil, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", executionID),
		)
	}
	if err != nil {
		return model.Execution{}, nil, fmt.Errorf("query execution: %w", err)
	}
	if err := unmarshalExecutionBlobs(&exec, activeJSON, collectedJSON); err != nil {
		return model.Execution{}, nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, step_id, status, performed_by, decision_outcome,
		       transition_taken, step_data, notes, started_at, completed_at, duration_minutes
		FROM step_executions
		WHERE execution_id = $1`,
		executionID,
	)
	if err != nil {
		return model.Execution{}, nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	var steps []model.StepExecution
	for rows.Next() {
		se, err := scanStepExecution(rows)
		if err != nil {
			return model.Execution{}, nil, err
		}
		steps = append(steps, se)
	}
	return exec, steps, rows.Err()
}

// UpdateExecution persists an updated execution with optimistic locking.
func (s *PgStore) UpdateExecution(ctx context.Context, exec model.Execution) error {
	activeJSON, collectedJSON, err := marshalExecutionBlobs(exec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET
			status = $1,
			active_step_ids = $2,
			completed_step_count = $3,
			progress_percent = $4,
			collected_data = $5,
			outcome_type = $6,
			completed_at = $7,
			duration_minutes = $8,
			version = $9
		WHERE id = $10 AND version = $11`,
		exec.Status, activeJSON, exec.CompletedStepCount,
		exec.ProgressPercent, collectedJSON, exec.OutcomeType,
		exec.CompletedAt, exec.DurationMinutes, exec.Version+1,
		exec.ID, exec.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d)", exec.ID, exec.Version),
		)
	}
	return nil
}

// ApplyCompletion applies one step completion in a single transaction.
func (s *PgStore) ApplyCompletion(ctx context.Context, upd CompletionUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin completion: %w", err)
	}
	defer tx.Rollback(ctx)

	// Terminal transition first; the status guard catches a same-step race.
	cs := upd.CompletedStep
	dataJSON, err := json.Marshal(cs.StepData)
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE step_executions SET
			status = $1, performed_by = $2, decision_outcome = $3,
			transition_taken = $4, step_data = $5, notes = $6,
			started_at = $7, completed_at = $8, duration_minutes = $9
		WHERE id = $10 AND status <> $11`,
		cs.Status, cs.PerformedBy, cs.DecisionOutcome,
		cs.TransitionTaken, dataJSON, cs.Notes,
		cs.StartedAt, cs.CompletedAt, cs.DurationMinutes,
		cs.ID, model.StepStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("complete step execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewAlreadyCompletedError(
			fmt.Sprintf("step execution %q is already completed", cs.ID),
		)
	}

	// Successor activation skips steps no longer pending (fan-in).
	for _, act := range upd.ActivatedSteps {
		_, err := tx.Exec(ctx, `
			UPDATE step_executions SET status = $1, started_at = $2
			WHERE id = $3 AND status = $4`,
			act.Status, act.StartedAt, act.ID, model.StepStatusPending,
		)
		if err != nil {
			return fmt.Errorf("activate step execution: %w", err)
		}
	}

	if len(upd.TransitionIDs) > 0 {
		_, err := tx.Exec(ctx, `
			UPDATE transitions SET usage_count = usage_count + 1
			WHERE id = ANY($1)`,
			upd.TransitionIDs,
		)
		if err != nil {
			return fmt.Errorf("increment transition usage: %w", err)
		}
	}

	exec := upd.Execution
	activeJSON, collectedJSON, err := marshalExecutionBlobs(exec)
	if err != nil {
		return err
	}
	tag, err = tx.Exec(ctx, `
		UPDATE executions SET
			status = $1,
			active_step_ids = $2,
			completed_step_count = $3,
			progress_percent = $4,
			collected_data = $5,
			outcome_type = $6,
			completed_at = $7,
			duration_minutes = $8,
			version = $9
		WHERE id = $10 AND version = $11`,
		exec.Status, activeJSON, exec.CompletedStepCount,
		exec.ProgressPercent, collectedJSON, exec.OutcomeType,
		exec.CompletedAt, exec.DurationMinutes, exec.Version+1,
		exec.ID, exec.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d)", exec.ID, exec.Version),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit completion: %w", err)
	}
	return nil
}

// ListStepExecutions returns every step execution for a step across all
// executions.
func (s *PgStore) ListStepExecutions(ctx context.Context, stepID string) ([]model.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, step_id, status, performed_by, decision_outcome,
		       transition_taken, step_data, notes, started_at, completed_at, duration_minutes
		FROM step_executions
		WHERE step_id = $1
		ORDER BY completed_at ASC NULLS LAST`,
		stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	var steps []model.StepExecution
	for rows.Next() {
		se, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, se)
	}
	return steps, rows.Err()
}

// AppendEvent inserts a discovery event.
func (s *PgStore) AppendEvent(ctx context.Context, event model.DiscoveryEvent) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO discovery_events (
			id, org_id, entity_type, entity_id, event_type, event_name,
			payload, actor_id, occurred_at, processed,
			template_id, step_id, execution_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		event.ID, event.OrgID, event.Entity.Type, event.Entity.ID, event.EventType, event.EventName,
		payloadJSON, event.ActorID, event.OccurredAt, event.Processed,
		event.TemplateID, event.StepID, event.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("insert discovery event: %w", err)
	}
	return nil
}

// ListEvents returns the events for one entity in insertion order.
func (s *PgStore) ListEvents(ctx context.Context, orgID string, entity model.EntityRef) ([]model.DiscoveryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, entity_type, entity_id, event_type, event_name,
		       payload, actor_id, occurred_at, processed,
		       template_id, step_id, execution_id
		FROM discovery_events
		WHERE org_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY occurred_at ASC`,
		orgID, entity.Type, entity.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query discovery events: %w", err)
	}
	defer rows.Close()

	var events []model.DiscoveryEvent
	for rows.Next() {
		var evt model.DiscoveryEvent
		var payloadJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.OrgID, &evt.Entity.Type, &evt.Entity.ID, &evt.EventType, &evt.EventName,
			&payloadJSON, &evt.ActorID, &evt.OccurredAt, &evt.Processed,
			&evt.TemplateID, &evt.StepID, &evt.ExecutionID,
		); err != nil {
			return nil, fmt.Errorf("scan discovery event: %w", err)
		}
		if payloadJSON != nil {
			_ = json.Unmarshal(payloadJSON, &evt.Payload)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// HealthCheck pings the underlying pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func insertStepExecution(ctx context.Context, tx pgx.Tx, se model.StepExecution) error {
	dataJSON, err := json.Marshal(se.StepData)
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO step_executions (
			id, execution_id, step_id, status, performed_by, decision_outcome,
			transition_taken, step_data, notes, started_at, completed_at, duration_minutes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		se.ID, se.ExecutionID, se.StepID, se.Status, se.PerformedBy, se.DecisionOutcome,
		se.TransitionTaken, dataJSON, se.Notes, se.StartedAt, se.CompletedAt, se.DurationMinutes,
	)
	if err != nil {
		return fmt.Errorf("insert step execution: %w", err)
	}
	return nil
}

func scanStepExecution(rows pgx.Rows) (model.StepExecution, error) {
	var se model.StepExecution
	var dataJSON []byte
	if err := rows.Scan(
		&se.ID, &se.ExecutionID, &se.StepID, &se.Status, &se.PerformedBy, &se.DecisionOutcome,
		&se.TransitionTaken, &dataJSON, &se.Notes, &se.StartedAt, &se.CompletedAt, &se.DurationMinutes,
	); err != nil {
		return model.StepExecution{}, fmt.Errorf("scan step execution: %w", err)
	}
	if dataJSON != nil {
		_ = json.Unmarshal(dataJSON, &se.StepData)
	}
	return se, nil
}

func marshalExecutionBlobs(exec model.Execution) (activeJSON, collectedJSON []byte, err error) {
	activeJSON, err = json.Marshal(exec.ActiveStepIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal active step ids: %w", err)
	}
	collectedJSON, err = json.Marshal(exec.CollectedData)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal collected data: %w", err)
	}
	return activeJSON, collectedJSON, nil
}

func unmarshalExecutionBlobs(exec *model.Execution, activeJSON, collectedJSON []byte) error {
	if activeJSON != nil {
		if err := json.Unmarshal(activeJSON, &exec.ActiveStepIDs); err != nil {
			return fmt.Errorf("unmarshal active step ids: %w", err)
		}
	}
	if collectedJSON != nil {
		if err := json.Unmarshal(collectedJSON, &exec.CollectedData); err != nil {
			return fmt.Errorf("unmarshal collected data: %w", err)
		}
	}
	return nil
}
