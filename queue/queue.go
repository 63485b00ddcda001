// Package queue defines the durable, at-least-once message transport the
// fanout pipeline enqueues onto when a source stream's subscriber count
// exceeds the inline-delivery threshold, plus a JetStream adapter and an
// in-memory fake for tests.
package queue

import "context"

// Message is one fanout batch, matching the wire schema: a source append
// to be replayed into each of a set of destination streams.
type Message struct {
	ProjectID       string
	StreamID        string
	EstuaryIDs      []string
	Payload         []byte // already decoded; base64 is a wire-only concern
	ContentType     string
	ProducerID      string
	ProducerEpoch   uint64
	ProducerSeq     uint64
	HasProducer     bool
}

// Delivery wraps a dequeued Message with the Ack/Nack a consumer uses to
// signal batch disposition back to the transport.
type Delivery struct {
	Message Message
	Ack     func() error
	Nack    func() error // triggers redelivery
}

// Queue is the durable FIFO the fanout pipeline publishes onto and
// consumes from. Implementations must provide at-least-once delivery:
// a message is redelivered until Ack'd.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Consume delivers messages to handler until ctx is cancelled.
	// handler must call exactly one of Delivery.Ack / Delivery.Nack.
	Consume(ctx context.Context, handler func(Delivery)) error
	Close() error
}
