package fanout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tidewire/tidewire/queue"
)

// Consumer drains the durable queue and replays each batched fanout
// message into its subscriber streams. It must be re-entrant under
// redelivery: every append carries the source's synthesized producer
// triple, so a retried delivery lands in the destination's duplicate
// branch instead of double-appending.
type Consumer struct {
	queue   queue.Queue
	manager *Manager
	logger  *zap.Logger
}

// NewConsumer creates a Consumer that delivers through manager's engine
// and storage, reusing its stale-subscriber pruning.
func NewConsumer(q queue.Queue, manager *Manager, logger *zap.Logger) *Consumer {
	return &Consumer{queue: q, manager: manager, logger: logger}
}

// Run consumes until ctx is cancelled or the queue reports a fatal error.
func (c *Consumer) Run(ctx context.Context) error {
	return c.queue.Consume(ctx, c.handle)
}

func (c *Consumer) handle(d queue.Delivery) {
	start := time.Now()
	msg := d.Message

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// msg.ProducerID/ProducerEpoch are the wire-schema echo of the triple
	// dispatch() synthesized before enqueueing; deliverInline rebuilds the
	// identical triple from streamID + fanoutSeq rather than trusting the
	// wire copy.
	out := c.manager.deliverInline(ctx, msg.StreamID, msg.EstuaryIDs, msg.Payload, msg.ContentType, msg.ProducerSeq)
	c.manager.logBatch(msg.StreamID, "queued", out, time.Since(start))
	c.manager.pruneStale(ctx, msg.StreamID, out.stale)

	if out.serverError > 0 {
		if err := d.Nack(); err != nil {
			c.logger.Error("fanout: nack failed", zap.Error(err))
		}
		return
	}
	if err := d.Ack(); err != nil {
		c.logger.Error("fanout: ack failed", zap.Error(err))
	}
}
