package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/procyon/model"
)

const defaultStreamPrefix = "procyon:events"

// StreamAppender writes discovery events to Redis Streams, one stream per
// entity, for deployments that mine events outside the primary database.
// XADD preserves per-entity ordering, and stream entries are immutable once
// appended.
type StreamAppender struct {
	client *redis.Client
	prefix string
}

// NewStreamAppender creates an appender over the given Redis client.
func NewStreamAppender(client *redis.Client, prefix string) *StreamAppender {
	if prefix == "" {
		prefix = defaultStreamPrefix
	}
	return &StreamAppender{client: client, prefix: prefix}
}

// Append adds the event to its entity's stream.
func (a *StreamAppender) Append(ctx context.Context, event model.DiscoveryEvent) error {
	values := map[string]any{
		"id":          event.ID,
		"event_type":  event.EventType,
		"event_name":  event.EventName,
		"actor_id":    event.ActorID,
		"occurred_at": event.OccurredAt.Format(time.RFC3339Nano),
	}
	if event.ExecutionID != "" {
		values["execution_id"] = event.ExecutionID
	}
	if event.TemplateID != "" {
		values["template_id"] = event.TemplateID
	}
	if event.StepID != "" {
		values["step_id"] = event.StepID
	}
	if len(event.Payload) > 0 {
		payloadJSON, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		values["payload"] = string(payloadJSON)
	}

	err := a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.StreamKey(event.OrgID, event.Entity),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd discovery event: %w", err)
	}
	return nil
}

// StreamKey returns the stream name for one entity's event stream.
func (a *StreamAppender) StreamKey(orgID string, entity model.EntityRef) string {
	return fmt.Sprintf("%s:%s:%s:%s", a.prefix, orgID, entity.Type, entity.ID)
}
