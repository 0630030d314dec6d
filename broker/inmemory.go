package broker

import (
	"context"
	"sync"
)

// InMemory is a single-process broker. It suits tests, development and the
// loopback example. Payloads published with no subscriber are lost.
type InMemory struct {
	mu       sync.RWMutex
	subs     map[string][]*dispatcher
	closed   bool
	closedCh chan struct{}
}

// NewInMemory creates a new in-memory broker.
func NewInMemory() *InMemory {
	return &InMemory{
		subs:     make(map[string][]*dispatcher),
		closedCh: make(chan struct{}),
	}
}

// Publish queues payload for every subscriber of topic and returns without
// waiting for handlers.
func (m *InMemory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, d := range m.subs[topic] {
		d.push(payload)
	}
	return nil
}

// Subscribe registers handler for topic until ctx is canceled or Close is
// called.
func (m *InMemory) Subscribe(ctx context.Context, topic string, handler func([]byte), opts ...SubscribeOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	d := newDispatcher(ctx, handler, opts)
	m.subs[topic] = append(m.subs[topic], d)

	go m.watchSubscription(topic, d)

	return nil
}

func (m *InMemory) watchSubscription(topic string, d *dispatcher) {
	select {
	case <-d.stopped():
		m.removeSubscription(topic, d)
	case <-m.closedCh:
	}
	d.stop()
}

func (m *InMemory) removeSubscription(topic string, target *dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[topic]
	for i, d := range subs {
		if d == target {
			m.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subs[topic]) == 0 {
		delete(m.subs, topic)
	}
}

// Close stops every subscription and waits for in-flight handlers to
// return. A second Close returns ErrClosed.
func (m *InMemory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true

	var all []*dispatcher
	for _, subs := range m.subs {
		all = append(all, subs...)
	}
	m.subs = make(map[string][]*dispatcher)
	m.mu.Unlock()

	for _, d := range all {
		d.abort(ErrClosed)
	}
	close(m.closedCh)
	for _, d := range all {
		d.stop()
	}
	return nil
}
