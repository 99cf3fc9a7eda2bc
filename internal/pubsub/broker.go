package pubsub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/resource"
)

// subBufferSize is the buffer size of the channel for each subscription.
const subBufferSize = 256

// Broker is an in-process pubsub broker for events with payloads of type T.
// Subscribers that fail to keep up are unsubscribed rather than blocking
// publishers.
type Broker[T any] struct {
	logr.Logger

	subs    map[string]chan Event[T]
	metrics map[string]prometheus.Gauge

	mu sync.Mutex // sync access to maps
}

func NewBroker[T any](logger logr.Logger) *Broker[T] {
	return &Broker[T]{
		Logger:  logger.WithValues("component", "broker"),
		subs:    make(map[string]chan Event[T]),
		metrics: make(map[string]prometheus.Gauge),
	}
}

// Publish sends an event to subscribers.
func (b *Broker[T]) Publish(event Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, sub := range b.subs {
		// record sub's chan size
		if g, ok := b.metrics[name]; ok {
			g.Set(float64(len(sub)))
		}
		select {
		case sub <- event:
		default:
			// sub's chan is full; forcibly unsubscribe. The subscriber can
			// re-subscribe and re-seed its state if it wishes.
			b.Error(nil, "unsubscribing slow subscriber", "name", name)
			b.unsubscribe(name)
		}
	}
}

// Subscribe subscribes the caller to a stream of events. Prefix helpfully
// identifies the subscriber in metrics. The returned func unsubscribes the
// caller and closes the channel.
func (b *Broker[T]) Subscribe(prefix string) (<-chan Event[T], func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := prefix + resource.NewID("sub").ID[:4]

	sub := make(chan Event[T], subBufferSize)
	b.subs[name] = sub

	totalSubscribers.Inc()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "tms",
		Subsystem:   "pub_sub",
		Name:        "queue_length",
		Help:        "Length of queue for subscriber",
		ConstLabels: prometheus.Labels{"name": name},
	})
	if err := prometheus.Register(g); err == nil {
		b.metrics[name] = g
	}

	return sub, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.unsubscribe(name)
	}
}

// unsubscribe a subscriber; caller must hold the mutex.
func (b *Broker[T]) unsubscribe(name string) {
	sub, ok := b.subs[name]
	if !ok {
		return
	}
	close(sub)
	delete(b.subs, name)
	totalSubscribers.Dec()
	if g, ok := b.metrics[name]; ok {
		prometheus.Unregister(g)
		delete(b.metrics, name)
	}
}
