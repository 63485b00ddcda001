package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// JetStreamConfig configures the NATS JetStream adapter.
type JetStreamConfig struct {
	URL        string
	StreamName string // JetStream stream backing the subject
	Subject    string
	Durable    string // durable consumer name
}

// JetStreamQueue is the production durable-queue backend for fanout
// delivery, backed by NATS JetStream's at-least-once, ack-based
// redelivery semantics.
type JetStreamQueue struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	cfg     JetStreamConfig
	logger  *zap.Logger
}

// wireMessage is the JSON envelope published onto the subject, matching
// the queue message schema: payload travels base64-encoded over JSON.
type wireMessage struct {
	ProjectID     string `json:"projectId"`
	StreamID      string `json:"streamId"`
	EstuaryIDs    []string `json:"estuaryIds"`
	Payload       []byte `json:"payload"` // encoding/json base64-encodes []byte automatically
	ContentType   string `json:"contentType"`
	ProducerID    string `json:"producerHeaders,omitempty"`
	ProducerEpoch uint64 `json:"producerEpoch,omitempty"`
	ProducerSeq   uint64 `json:"producerSeq,omitempty"`
	HasProducer   bool   `json:"hasProducer,omitempty"`
}

// NewJetStreamQueue connects to NATS and ensures the backing stream
// exists.
func NewJetStreamQueue(cfg JetStreamConfig, logger *zap.Logger) (*JetStreamQueue, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("queue: connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     cfg.StreamName,
			Subjects: []string{cfg.Subject},
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("queue: add stream %s: %w", cfg.StreamName, err)
		}
	}

	return &JetStreamQueue{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

// Enqueue publishes msg onto the configured subject.
func (q *JetStreamQueue) Enqueue(ctx context.Context, msg Message) error {
	wire := wireMessage{
		ProjectID: msg.ProjectID, StreamID: msg.StreamID, EstuaryIDs: msg.EstuaryIDs,
		Payload: msg.Payload, ContentType: msg.ContentType,
		ProducerID: msg.ProducerID, ProducerEpoch: msg.ProducerEpoch,
		ProducerSeq: msg.ProducerSeq, HasProducer: msg.HasProducer,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}

	_, err = q.js.Publish(q.cfg.Subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Consume runs a durable pull subscription, delivering messages to
// handler until ctx is cancelled. A message is redelivered when it is
// Nak'd (by the handler, or here when it cannot be decoded) or when no
// Ack arrives within the consumer's AckWait.
func (q *JetStreamQueue) Consume(ctx context.Context, handler func(Delivery)) error {
	sub, err := q.js.PullSubscribe(q.cfg.Subject, q.cfg.Durable, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("queue: pull subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(16, nats.MaxWait(time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			return fmt.Errorf("queue: fetch: %w", err)
		}

		for _, m := range msgs {
			var wire wireMessage
			if err := json.Unmarshal(m.Data, &wire); err != nil {
				q.logger.Error("queue: malformed message, nacking", zap.Error(err))
				m.Nak()
				continue
			}
			handler(Delivery{
				Message: Message{
					ProjectID: wire.ProjectID, StreamID: wire.StreamID, EstuaryIDs: wire.EstuaryIDs,
					Payload: wire.Payload, ContentType: wire.ContentType,
					ProducerID: wire.ProducerID, ProducerEpoch: wire.ProducerEpoch,
					ProducerSeq: wire.ProducerSeq, HasProducer: wire.HasProducer,
				},
				Ack:  m.Ack,
				Nack: m.Nak,
			})
		}
	}
}

// Close drains and closes the NATS connection.
func (q *JetStreamQueue) Close() error {
	q.nc.Close()
	return nil
}
