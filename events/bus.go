package events

import "sync"

// Bus is a lightweight, non-blocking pub/sub broker. Notification and
// analytics consumers subscribe here; a slow subscriber drops events
// rather than stalling a settlement operation
type Bus struct {
	subs map[Topic][]chan any

	mu sync.RWMutex
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[Topic][]chan any),
	}
}

// Subscribe registers a listener for a topic, returning the receive
// channel and an unsubscribe callback
func (b *Bus) Subscribe(topic Topic, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[topic] = append(b.subs[topic], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subs[topic]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[topic] = append(subs[:i], subs[i+1:]...)

				break
			}
		}
	}

	return ch, unsub
}

// Publish fans the payload out to topic subscribers without blocking
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
			// drop for slow subscribers, the broker never blocks
		}
	}
}
