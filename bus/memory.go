package bus

import (
	"context"
	"sync"
)

// Memory is an in-process Bus used by tests and single-binary local runs.
// Group subscribers receive every publish exactly once per group; mirrored
// publishes are retained per stream subject for inspection.
type Memory struct {
	mu      sync.Mutex
	topics  map[string][]*memorySub
	groups  map[string]map[string]*memorySub // topic -> group -> sub
	Streams map[string][]Message
	closed  bool
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{
		topics:  make(map[string][]*memorySub),
		groups:  make(map[string]map[string]*memorySub),
		Streams: make(map[string][]Message),
	}
}

// Publish implements Bus.
func (m *Memory) Publish(ctx context.Context, topic, key string, data []byte) error {
	msg := Message{Topic: topic, Key: key, Data: append([]byte(nil), data...)}

	m.mu.Lock()
	subs := append([]*memorySub(nil), m.topics[topic]...)
	for _, s := range m.groups[topic] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(ctx, msg)
	}
	return nil
}

// PublishMirrored implements Bus.
func (m *Memory) PublishMirrored(ctx context.Context, topic, streamSubject, key string, data []byte) error {
	m.mu.Lock()
	m.Streams[streamSubject] = append(m.Streams[streamSubject],
		Message{Topic: streamSubject, Key: key, Data: append([]byte(nil), data...)})
	m.mu.Unlock()
	return m.Publish(ctx, topic, key, data)
}

// GroupSubscribe implements Bus. One subscriber per (topic, group); a second
// subscription for the same group replaces the first, matching durable
// consumer semantics closely enough for tests.
func (m *Memory) GroupSubscribe(_ context.Context, topic, group string, h Handler) (Subscription, error) {
	s := &memorySub{h: h}
	m.mu.Lock()
	if m.groups[topic] == nil {
		m.groups[topic] = make(map[string]*memorySub)
	}
	m.groups[topic][group] = s
	m.mu.Unlock()
	return s, nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	s := &memorySub{h: h}
	m.mu.Lock()
	m.topics[topic] = append(m.topics[topic], s)
	m.mu.Unlock()
	return s, nil
}

// Close implements Bus.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.topics = make(map[string][]*memorySub)
	m.groups = make(map[string]map[string]*memorySub)
	return nil
}

// StreamLen returns the number of messages mirrored to a stream subject.
func (m *Memory) StreamLen(streamSubject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Streams[streamSubject])
}

type memorySub struct {
	mu     sync.Mutex
	h      Handler
	closed bool
}

func (s *memorySub) deliver(ctx context.Context, msg Message) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	// Handler errors are dropped: the in-process bus has no redelivery.
	_ = s.h(ctx, msg)
}

// Drain implements Subscription.
func (s *memorySub) Drain() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
