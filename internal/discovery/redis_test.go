package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/procyon/model"
)

func newStreamAppender(t *testing.T) (*StreamAppender, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStreamAppender(client, ""), mr
}

func sampleEvent(id, eventType string) model.DiscoveryEvent {
	return model.DiscoveryEvent{
		ID:          id,
		OrgID:       "org-1",
		EventType:   eventType,
		EventName:   "Client Onboarding",
		Entity:      model.EntityRef{Type: "client", ID: "client-42"},
		ActorID:     "actor-7",
		TemplateID:  "tpl-1",
		ExecutionID: "exec-1",
		OccurredAt:  time.Now().UTC(),
	}
}

func TestStreamAppender_Append(t *testing.T) {
	a, _ := newStreamAppender(t)
	ctx := context.Background()

	event := sampleEvent("ev-1", model.EventExecutionStarted)
	event.StepID = "step-1"
	event.Payload = map[string]any{"channel": "referral"}
	require.NoError(t, a.Append(ctx, event))

	key := a.StreamKey("org-1", event.Entity)
	assert.Equal(t, "procyon:events:org-1:client:client-42", key)

	entries, err := a.client.XRange(ctx, key, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, "ev-1", values["id"])
	assert.Equal(t, model.EventExecutionStarted, values["event_type"])
	assert.Equal(t, "actor-7", values["actor_id"])
	assert.Equal(t, "exec-1", values["execution_id"])
	assert.Equal(t, "step-1", values["step_id"])
	assert.JSONEq(t, `{"channel":"referral"}`, values["payload"].(string))
}

func TestStreamAppender_per_entity_order(t *testing.T) {
	a, _ := newStreamAppender(t)
	ctx := context.Background()

	require.NoError(t, a.Append(ctx, sampleEvent("ev-1", model.EventExecutionStarted)))
	require.NoError(t, a.Append(ctx, sampleEvent("ev-2", model.EventStepCompleted)))
	require.NoError(t, a.Append(ctx, sampleEvent("ev-3", model.EventExecutionCompleted)))

	other := sampleEvent("ev-other", model.EventExecutionStarted)
	other.Entity = model.EntityRef{Type: "client", ID: "client-43"}
	require.NoError(t, a.Append(ctx, other))

	key := a.StreamKey("org-1", model.EntityRef{Type: "client", ID: "client-42"})
	entries, err := a.client.XRange(ctx, key, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3, "other entities' events live in their own stream")

	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = e.Values["id"].(string)
	}
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, got)
}

func TestStreamAppender_default_prefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	a := NewStreamAppender(client, "custom:prefix")
	assert.Equal(t, "custom:prefix:org-1:case:c-1", a.StreamKey("org-1", model.EntityRef{Type: "case", ID: "c-1"}))

	b := NewStreamAppender(client, "")
	assert.Equal(t, "procyon:events:org-1:case:c-1", b.StreamKey("org-1", model.EntityRef{Type: "case", ID: "c-1"}))
}

func TestStreamAppender_closed_connection(t *testing.T) {
	a, mr := newStreamAppender(t)
	mr.Close()

	err := a.Append(context.Background(), sampleEvent("ev-1", model.EventExecutionStarted))
	assert.Error(t, err)
}
