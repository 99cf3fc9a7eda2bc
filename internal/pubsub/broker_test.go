package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tmshq/tms/internal/logr"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	broker := NewBroker[string](logr.Discard())

	sub, unsub := broker.Subscribe("test-")
	defer unsub()

	broker.Publish(NewCreatedEvent("payload"))

	got := <-sub
	assert.Equal(t, CreatedEvent, got.Type)
	assert.Equal(t, "payload", got.Payload)
}

func TestBroker_Unsubscribe(t *testing.T) {
	broker := NewBroker[string](logr.Discard())

	sub, unsub := broker.Subscribe("test-")
	unsub()

	// channel is closed after unsubscribing
	_, open := <-sub
	assert.False(t, open)

	// publishing to no subscribers is a no-op
	broker.Publish(NewUpdatedEvent("payload"))
}

func TestBroker_UnsubscribesSlowSubscriber(t *testing.T) {
	broker := NewBroker[int](logr.Discard())

	sub, unsub := broker.Subscribe("slow-")
	defer unsub()

	// fill the subscriber's buffer and overflow it
	for i := 0; i < subBufferSize+1; i++ {
		broker.Publish(NewCreatedEvent(i))
	}

	// subscriber got the buffered events and was then unsubscribed
	var received int
	for range sub {
		received++
	}
	assert.Equal(t, subBufferSize, received)
}
