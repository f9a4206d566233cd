// Package inproc routes orchestration events between the session handlers and the side
// agents of one process. Each topic owns a bounded queue; a slow consumer loses events
// instead of stalling the publisher.
package inproc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"mastery_cards/internal/domain"
)

var (
	ErrTopicNotRegistered = errors.New("topic is not registered in bus")
	ErrTopicQueueFull     = errors.New("topic queue is full")
)

const defaultQueueSize = 64

type queue struct {
	events    chan domain.Event
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// TopicStats is a point-in-time view of one topic's queue.
type TopicStats struct {
	Topic     string `json:"topic"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type Bus struct {
	mu        sync.RWMutex
	topics    map[string]*queue
	queueSize int
}

// New returns a bus whose topics buffer up to queueSize events; non-positive sizes use 64.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		topics:    make(map[string]*queue),
		queueSize: queueSize,
	}
}

// Register returns the topic's receive channel, creating the queue on first use.
func (b *Bus) Register(topic string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.topics[topic]
	if !ok {
		q = &queue{events: make(chan domain.Event, b.queueSize)}
		b.topics[topic] = q
	}
	return q.events
}

// Unregister drops the topic and closes its channel. Unknown topics are ignored.
func (b *Bus) Unregister(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.topics[topic]; ok {
		delete(b.topics, topic)
		close(q.events)
	}
}

// Publish enqueues the event on event.Topic. It fails with ErrTopicNotRegistered when nobody
// listens and with ErrTopicQueueFull when the consumer has fallen behind.
func (b *Bus) Publish(event domain.Event) error {
	// Held across the send; Unregister closes the channel only under the write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.topics[event.Topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotRegistered, event.Topic)
	}
	select {
	case q.events <- event:
		q.delivered.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return fmt.Errorf("%w: %s (%d queued)", ErrTopicQueueFull, event.Topic, len(q.events))
	}
}

// Stats lists the registered topics by name.
func (b *Bus) Stats() []TopicStats {
	b.mu.RLock()
	out := make([]TopicStats, 0, len(b.topics))
	for name, q := range b.topics {
		out = append(out, TopicStats{
			Topic:     name,
			Queued:    len(q.events),
			Capacity:  cap(q.events),
			Delivered: q.delivered.Load(),
			Dropped:   q.dropped.Load(),
		})
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
