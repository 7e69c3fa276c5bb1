package events

import (
	"sync"
)

// PermissionTopic is the singleton stream for permission events.
const PermissionTopic = "permissions"

// QueueTopic names the per-queue-item stream.
func QueueTopic(itemID string) string {
	return "queue/" + itemID
}

// Event is one typed message on a stream. Type discriminates; Fields carry
// the type-specific payload flattened into the SSE JSON object.
type Event struct {
	Type   string
	Fields map[string]any
}

// Subscriber receives events for one topic until Close or topic teardown.
type Subscriber struct {
	C    chan Event
	bus  *Bus
	key  string
	once sync.Once
	// closed is guarded by the bus mutex; once set, no publish will send on C.
	closed bool
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.key, s)
	})
}

type topic struct {
	subs map[*Subscriber]bool
}

// Bus 是按 key 分主题的进程内发布订阅；空主题即删。
// Bus is an in-process per-key publish/subscribe; empty topics are removed.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

func NewBus() *Bus {
	return &Bus{topics: map[string]*topic{}}
}

// Subscribe attaches to the topic, creating it on demand.
func (b *Bus) Subscribe(key string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[key]
	if !ok {
		t = &topic{subs: map[*Subscriber]bool{}}
		b.topics[key] = t
	}
	sub := &Subscriber{C: make(chan Event, 64), bus: b, key: key}
	t.subs[sub] = true
	return sub
}

// Publish broadcasts to every subscriber of the topic. A slow subscriber
// whose buffer is full loses the event rather than blocking the publisher.
// The lock is held across the sends (they never block) so a concurrent
// unsubscribe or CloseTopic cannot close a channel mid-send.
func (b *Bus) Publish(key string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[key]
	if !ok {
		return
	}
	for sub := range t.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.C <- ev:
		default:
		}
	}
}

// CloseTopic tears down the topic and closes every subscriber channel.
func (b *Bus) CloseTopic(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[key]
	if !ok {
		return
	}
	delete(b.topics, key)
	for sub := range t.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.C)
		}
	}
}

func (b *Bus) unsubscribe(key string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[key]
	if !ok {
		return
	}
	if !t.subs[sub] {
		return
	}
	delete(t.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
	if len(t.subs) == 0 {
		delete(b.topics, key)
	}
}

// SubscriberCount reports the current subscriber count of a topic.
func (b *Bus) SubscriberCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[key]
	if !ok {
		return 0
	}
	return len(t.subs)
}
