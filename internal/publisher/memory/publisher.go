// Package memory keeps the most recent archive events in process when no broker is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
)

const defaultCapacity = 100

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher is a fixed-size ring of recent messages. Older messages are overwritten.
type Publisher struct {
	mu    sync.Mutex
	ring  []PublishedMessage
	next  int
	total int
}

// New returns a Publisher retaining at most capacity messages.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Publisher{ring: make([]PublishedMessage, 0, capacity)}
}

// Publish records the message, evicting the oldest once full.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	msg := PublishedMessage{ID: fmt.Sprintf("memory-%d", p.total), Topic: topic, Payload: payload}
	if len(p.ring) < cap(p.ring) {
		p.ring = append(p.ring, msg)
	} else {
		p.ring[p.next] = msg
	}
	p.next = (p.next + 1) % cap(p.ring)
	return msg.ID, nil
}

// Messages returns the retained messages, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedMessage, 0, len(p.ring))
	if len(p.ring) < cap(p.ring) {
		return append(out, p.ring...)
	}
	out = append(out, p.ring[p.next:]...)
	return append(out, p.ring[:p.next]...)
}

// Total counts every publish, including evicted ones.
func (p *Publisher) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
