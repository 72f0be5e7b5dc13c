package events

import (
	"context"
	"sync"
)

// Recorded is one published event as seen by the in-memory bus.
type Recorded struct {
	Subject  string
	Envelope Envelope
}

// MemoryBus is an in-process Publisher and Consumer for tests and
// single-node runs without a broker. Subscriptions receive events published
// after they are registered, synchronously on the publisher's goroutine.
type MemoryBus struct {
	mu       sync.Mutex
	events   []Recorded
	handlers []subscription
}

type subscription struct {
	subjects map[string]struct{}
	handler  HandlerFunc
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish implements Publisher.
func (m *MemoryBus) Publish(ctx context.Context, subject string, env Envelope) error {
	m.mu.Lock()
	m.events = append(m.events, Recorded{Subject: subject, Envelope: env})
	handlers := make([]HandlerFunc, 0, len(m.handlers))
	for _, sub := range m.handlers {
		if _, ok := sub.subjects[subject]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, subject, env); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe implements Consumer. The queue name is ignored; every matching
// subscription sees every event.
func (m *MemoryBus) Subscribe(queue string, subjects []string, handler HandlerFunc) error {
	set := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		set[s] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, subscription{subjects: set, handler: handler})
	return nil
}

// Events returns a copy of everything published so far.
func (m *MemoryBus) Events() []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Recorded, len(m.events))
	copy(out, m.events)
	return out
}

// BySubject returns published events matching the subject.
func (m *MemoryBus) BySubject(subject string) []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Recorded
	for _, e := range m.events {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears recorded events, keeping subscriptions.
func (m *MemoryBus) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// Close implements Publisher and Consumer.
func (m *MemoryBus) Close() error { return nil }
