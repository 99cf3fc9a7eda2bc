// Package pubsub provides publishing and subscribing of domain events
package pubsub

import "errors"

// ErrSubscriptionTerminated is returned when a subscriber's channel is
// closed from underneath it, e.g. because it was too slow to keep up.
var ErrSubscriptionTerminated = errors.New("broker terminated the subscription")

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"

	// Execution lifecycle events, published on every transition so that
	// downstream subscribers (assigner, dashboards, notifications) need not
	// distinguish whether the transition originated from the queue manager or
	// from webhook ingestion.
	ExecutionQueued    EventType = "executionQueued"
	ExecutionAssigned  EventType = "executionAssigned"
	ExecutionStarted   EventType = "executionStarted"
	ExecutionCompleted EventType = "executionCompleted"
	ExecutionFailed    EventType = "executionFailed"
	ExecutionCancelled EventType = "executionCancelled"
)

type (
	// EventType identifies the type of event
	EventType string

	// Event represents an event in the lifecycle of a tms resource
	Event[T any] struct {
		Type    EventType
		Payload T
	}
)

func NewCreatedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: CreatedEvent, Payload: payload}
}

func NewUpdatedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: UpdatedEvent, Payload: payload}
}

func NewDeletedEvent[T any](payload T) Event[T] {
	return Event[T]{Type: DeletedEvent, Payload: payload}
}

// SubscriptionService is a service that provides subscriptions to events
type SubscriptionService[T any] interface {
	Subscribe(name string) (<-chan Event[T], func())
}
