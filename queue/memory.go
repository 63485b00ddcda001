package queue

import (
	"context"
	"sync"
)

// Memory is an in-process Queue fake for tests. It delivers messages to
// whatever consumer is currently calling Consume, and redelivers a
// message if its Delivery is Nack'd, mirroring JetStream's at-least-once
// contract closely enough for unit tests.
type Memory struct {
	mu      sync.Mutex
	pending []Message
	cond    *sync.Cond
	closed  bool
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	m := &Memory{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Memory) Enqueue(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return context.Canceled
	}
	m.pending = append(m.pending, msg)
	m.cond.Signal()
	return nil
}

// Consume blocks delivering queued messages to handler until ctx is
// cancelled or Close is called. handler must call Ack or Nack; a Nack
// pushes the message back onto the tail of the queue for redelivery.
func (m *Memory) Consume(ctx context.Context, handler func(Delivery)) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
		close(done)
	}()

	for {
		m.mu.Lock()
		for len(m.pending) == 0 && !m.closed {
			select {
			case <-ctx.Done():
				m.mu.Unlock()
				return ctx.Err()
			default:
			}
			m.cond.Wait()
		}
		if m.closed && len(m.pending) == 0 {
			m.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			m.mu.Unlock()
			return ctx.Err()
		default:
		}

		msg := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		handler(Delivery{
			Message: msg,
			Ack:     func() error { return nil },
			Nack: func() error {
				m.mu.Lock()
				m.pending = append(m.pending, msg)
				m.cond.Signal()
				m.mu.Unlock()
				return nil
			},
		})
	}
}

// Close releases any blocked Consume call.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}
