// Package bus implements the cluster-wide cache-invalidation pub/sub,
// plus the EventSource/EventSink interfaces that invert the dependency
// between the auth cache and the admin surface that publishes events.
package bus

import "context"

// Namespace is one of the three AuthCache namespaces an event evicts.
type Namespace string

const (
	NamespaceAccount   Namespace = "account"
	NamespaceApiKey    Namespace = "apikey"
	NamespaceModelCost Namespace = "modelcost"
)

// Event is the wire shape published by admin writers and consumed by
// AuthCache. Delivery is at-least-once; duplicate delivery must be
// harmless because eviction is idempotent.
type Event struct {
	Type Namespace `json:"type"`
	Key  string    `json:"key"`
}

// EventSink is what an admin writer calls after a store commit succeeds.
// AuthCache never implements this; only the bus does.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// EventSource is what AuthCache subscribes to. It never references the
// concrete EventSink implementation, only this interface — the two sides
// are wired together at process init (internal/runtime).
type EventSource interface {
	// Subscribe delivers events to handler until ctx is canceled.
	// Subscribe itself blocks; callers run it in its own goroutine.
	Subscribe(ctx context.Context, handler func(Event)) error
}

// Bus satisfies both EventSink and EventSource.
type Bus interface {
	EventSink
	EventSource
}
