package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process queue used for local runs and tests.
type Memory struct {
	mu       sync.Mutex
	channels map[string][]*Message
	inflight map[string]*Message
	notify   chan struct{}
	closed   bool
}

// NewMemory returns an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string][]*Message),
		inflight: make(map[string]*Message),
		notify:   make(chan struct{}),
	}
}

// broadcast wakes every waiting receiver. Caller holds mu.
func (m *Memory) broadcast() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Publish appends a message.
func (m *Memory) Publish(_ context.Context, channel string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	msg := &Message{
		ID:         uuid.NewString(),
		Channel:    channel,
		Body:       append([]byte(nil), body...),
		EnqueuedAt: time.Now().UTC(),
	}
	m.channels[channel] = append(m.channels[channel], msg)
	m.broadcast()
	return nil
}

// Receive pops the oldest message, waiting up to wait for one to arrive.
func (m *Memory) Receive(ctx context.Context, channel string, wait time.Duration) (*Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if pending := m.channels[channel]; len(pending) > 0 {
			msg := pending[0]
			m.channels[channel] = pending[1:]
			msg.Attempts++
			msg.receipt = msg.ID
			m.inflight[msg.ID] = msg
			out := *msg
			m.mu.Unlock()
			return &out, nil
		}
		notify := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

// Ack drops an in-flight message.
func (m *Memory) Ack(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[msg.receipt]; !ok {
		return ErrUnknownReceipt
	}
	delete(m.inflight, msg.receipt)
	return nil
}

// Nack puts an in-flight message back at the tail of its channel.
func (m *Memory) Nack(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.inflight[msg.receipt]
	if !ok {
		return ErrUnknownReceipt
	}
	delete(m.inflight, msg.receipt)
	m.channels[held.Channel] = append(m.channels[held.Channel], held)
	m.broadcast()
	return nil
}

// Len returns the number of waiting messages.
func (m *Memory) Len(_ context.Context, channel string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.channels[channel])), nil
}

// Inflight returns the number of received but unacknowledged messages.
func (m *Memory) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Peek returns up to limit waiting messages, oldest first.
func (m *Memory) Peek(_ context.Context, channel string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.channels[channel]
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]Message, 0, len(pending))
	for _, msg := range pending {
		out = append(out, *msg)
	}
	return out, nil
}

// Close wakes all receivers; later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcast()
	}
	return nil
}

var _ Queue = (*Memory)(nil)
