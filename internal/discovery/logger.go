// Package discovery appends immutable process-mining events. The engine
// emits one event per state change; external collectors may append their own
// raw events for later automatic discovery of undocumented procedures.
// Append failures never abort a caller's primary operation; the engine
// catches and logs them.
package discovery

import (
	"context"

	"github.com/pitabwire/procyon/internal/storage"
	"github.com/pitabwire/procyon/model"
)

// Appender records discovery events. Implementations must preserve
// per-entity insertion order; miners rely on it.
type Appender interface {
	Append(ctx context.Context, event model.DiscoveryEvent) error
}

// StoreAppender writes events to the primary discovery store.
type StoreAppender struct {
	store storage.DiscoveryStore
}

// NewStoreAppender creates an appender over the given store.
func NewStoreAppender(store storage.DiscoveryStore) *StoreAppender {
	return &StoreAppender{store: store}
}

// Append inserts the event.
func (a *StoreAppender) Append(ctx context.Context, event model.DiscoveryEvent) error {
	return a.store.AppendEvent(ctx, event)
}
