package model

import "time"

// Discovery event types emitted by the engine. Deployments mining external
// systems may append their own types alongside these.
const (
	EventExecutionStarted   = "execution_started"
	EventStepCompleted      = "step_completed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionCancelled = "execution_cancelled"
)

// DiscoveryEvent is an append-only process-mining record. Events are never
// mutated after insertion; per-entity insertion order is significant and
// miners may rely on OccurredAt ordering within one entity's stream.
type DiscoveryEvent struct {
	ID         string         `json:"id"`
	OrgID      string         `json:"org_id"`
	Entity     EntityRef      `json:"entity"`
	EventType  string         `json:"event_type"`
	EventName  string         `json:"event_name,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Processed  bool           `json:"processed"`

	// Optional match back to the engine's own records. Empty for events
	// appended by external collectors.
	TemplateID  string `json:"template_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}
