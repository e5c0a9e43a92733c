package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies an event stream.
type Topic string

const (
	TopicMetrics             Topic = "metrics"
	TopicPerformanceAnalysis Topic = "performanceAnalysis"
	TopicAlerts              Topic = "alerts"
	TopicMemoryLeak          Topic = "memoryLeak"
	TopicScaleUp             Topic = "scaleUp"
	TopicScaleDown           Topic = "scaleDown"
	TopicShutdown            Topic = "shutdown"
)

// Event is a single published notification.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload interface{}
}

type subscriber struct {
	id int
	ch chan Event
}

// Bus is a fan-out broadcast bus with explicit subscriber lifetimes.
// Publish never blocks: a full subscriber buffer drops its oldest event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic]map[int]*subscriber
	nextID  int
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewBus creates a bus whose subscriber channels buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   make(map[Topic]map[int]*subscriber),
		buffer: buffer,
	}
}

// Subscribe registers a listener for topic. The returned cancel func must be
// called to release the subscription; the channel is closed on cancel or on
// bus Close.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, b.buffer)}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*subscriber)
	}
	b.subs[topic][sub.id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[topic][sub.id]; ok {
			delete(b.subs[topic], sub.id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber of topic without blocking.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	ev := Event{Topic: topic, At: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: evict the oldest event so the stream stays fresh.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped reports how many events were discarded due to slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes all subscriber channels. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[Topic]map[int]*subscriber)
}
