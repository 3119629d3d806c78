package listener

import (
	"slices"
	"sync"
)

// mailbox is an unbounded FIFO drained by a single consumer. push never
// blocks, so a slow consumer cannot stall the producer.
type mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox[T]) push(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, v)
	m.cond.Signal()
	return true
}

// run delivers items in order until the mailbox is closed and drained.
func (m *mailbox[T]) run(fn func(T)) {
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.items) == 0 {
			m.mu.Unlock()
			return
		}
		v := m.items[0]
		var zero T
		m.items[0] = zero
		m.items = m.items[1:]
		m.mu.Unlock()

		fn(v)
	}
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

type subscription struct {
	types []EventType
	box   *mailbox[Event]
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// EventBus fans listener notifications out to subscribers. Every subscriber
// has its own goroutine and receives events in publish order.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]*subscription)}
}

// Subscribe registers handler for the given event types, or for every type
// when none are given. The returned func unsubscribes; events already queued
// are still delivered.
func (eb *EventBus) Subscribe(handler EventHandler, types ...EventType) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return func() {}
	}

	sub := &subscription{types: types, box: newMailbox[Event]()}
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = sub

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		sub.box.run(func(e Event) { handler(e) })
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subs, id)
			eb.mu.Unlock()
			sub.box.close()
		})
	}
}

func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, sub := range eb.subs {
		if sub.wants(event.Type()) {
			sub.box.push(event)
		}
	}
}

// Close stops accepting subscribers and waits until every queued event has
// been handled. It must not be called from an event handler.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	for id, sub := range eb.subs {
		sub.box.close()
		delete(eb.subs, id)
	}
	eb.mu.Unlock()

	eb.wg.Wait()
}
