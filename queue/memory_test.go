package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryEnqueueConsume(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, Message{StreamID: "s1", EstuaryIDs: []string{"e1"}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	received := make(chan Delivery, 1)
	go q.Consume(ctx, func(d Delivery) {
		d.Ack()
		received <- d
	})

	select {
	case d := <-received:
		if d.Message.StreamID != "s1" {
			t.Fatalf("StreamID = %q, want s1", d.Message.StreamID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryNackRedelivers(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, Message{StreamID: "s1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var attempts int
	done := make(chan struct{})
	go q.Consume(ctx, func(d Delivery) {
		attempts++
		if attempts < 2 {
			d.Nack()
			return
		}
		d.Ack()
		close(done)
	})

	select {
	case <-done:
		if attempts != 2 {
			t.Fatalf("attempts = %d, want 2", attempts)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
}

func TestMemoryConsumeStopsOnContextCancel(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Consume(ctx, func(Delivery) {})
	}()

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("Consume returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}
