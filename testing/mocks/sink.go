// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"sync"

	"github.com/nexus-edge/register-bridge/internal/domain"
)

// Message is one published message.
type Message struct {
	Topic   string
	Payload string
	Retain  bool
	QoS     byte
}

// MockSink records published messages and emulates subscriptions.
type MockSink struct {
	mu sync.Mutex

	// Function overrides
	PublishFunc   func(topic string, payload []byte) error
	SubscribeFunc func(topic string) error

	// Published messages for verification
	Messages []Message

	// Unsubscribed records every topic passed to Unsubscribe
	Unsubscribed []string

	handlers map[string]func(topic string, payload []byte)
}

// NewMockSink creates an empty sink.
func NewMockSink() *MockSink {
	return &MockSink{handlers: make(map[string]func(string, []byte))}
}

// Publish implements domain.Sink.
func (m *MockSink) Publish(ctx context.Context, topic string, payload []byte, opts domain.PublishOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Messages = append(m.Messages, Message{Topic: topic, Payload: string(payload), Retain: opts.Retain, QoS: opts.QoS})
	if m.PublishFunc != nil {
		return m.PublishFunc(topic, payload)
	}
	return nil
}

// Subscribe registers handler for topic.
func (m *MockSink) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubscribeFunc != nil {
		if err := m.SubscribeFunc(topic); err != nil {
			return err
		}
	}
	m.handlers[topic] = handler
	return nil
}

// Unsubscribe removes the handlers for topics.
func (m *MockSink) Unsubscribe(topics ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		delete(m.handlers, t)
	}
	m.Unsubscribed = append(m.Unsubscribed, topics...)
	return nil
}

// Subscriptions returns the subscribed topics.
func (m *MockSink) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		topics = append(topics, t)
	}
	return topics
}

// Deliver invokes the handler subscribed to topic, as a broker would.
// Returns false when nothing is subscribed.
func (m *MockSink) Deliver(topic string, payload []byte) bool {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		return false
	}
	handler(topic, payload)
	return true
}

// Last returns the most recent message published on topic.
func (m *MockSink) Last(topic string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Messages) - 1; i >= 0; i-- {
		if m.Messages[i].Topic == topic {
			return m.Messages[i], true
		}
	}
	return Message{}, false
}

// Published returns a copy of every recorded message.
func (m *MockSink) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Reset clears all recorded messages.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
	m.Unsubscribed = nil
}
