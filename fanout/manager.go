// Package fanout delivers each non-empty append on a source stream into
// every subscriber ("estuary") stream's own engine, inline for small
// subscriber sets and via a durable queue above a configured threshold.
package fanout

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tidewire/tidewire/engine"
	"github.com/tidewire/tidewire/queue"
	"github.com/tidewire/tidewire/storage"
)

// fanoutEpoch is the fixed epoch used for every synthesized fanout
// producer triple. It never changes, so the only moving part a
// destination stream's producer dedup sees is Seq, which tracks the
// source stream's fanout_seq one-for-one.
const fanoutEpoch = 1

// Config holds the tunables the distilled fanout policy leaves as
// implementation choices.
type Config struct {
	InlineThreshold int // subscriber count at or below which delivery is inline
}

// DefaultConfig returns sensible defaults for local development and tests.
func DefaultConfig() Config {
	return Config{InlineThreshold: 8}
}

// Manager implements engine.FanoutTrigger. It owns the subscriber-set
// lookups, the inline-vs-queued delivery decision, and stale-subscriber
// pruning; the engine it delivers into is the same multi-stream engine
// that owns the source stream, since estuaries are just ordinary streams.
type Manager struct {
	storage *storage.Store
	engine  *engine.Engine
	queue   queue.Queue
	cfg     Config
	logger  *zap.Logger
}

// NewManager creates a Manager. queue may be nil if InlineThreshold is
// large enough that the queued path is never exercised; Trigger logs and
// drops a batch that would need it in that case rather than panicking.
func NewManager(store *storage.Store, eng *engine.Engine, q queue.Queue, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{storage: store, engine: eng, queue: q, cfg: cfg, logger: logger}
}

// Trigger implements engine.FanoutTrigger. It returns immediately; all
// delivery work happens on a background goroutine so it never holds up
// the source stream's single-writer gate.
func (m *Manager) Trigger(ctx context.Context, sourceStreamID string, payload []byte, contentType string, producer engine.ProducerTriple, fanoutSeq uint64) {
	go m.dispatch(sourceStreamID, payload, contentType, fanoutSeq)
}

func (m *Manager) dispatch(sourceStreamID string, payload []byte, contentType string, fanoutSeq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subscribers, err := m.storage.ListSubscribers(ctx, sourceStreamID)
	if err != nil {
		m.logger.Error("fanout: failed to list subscribers, dropping batch",
			zap.String("source_stream_id", sourceStreamID), zap.Error(err))
		return
	}
	if len(subscribers) == 0 {
		return
	}

	start := time.Now()
	if len(subscribers) <= m.cfg.InlineThreshold {
		outcome := m.deliverInline(ctx, sourceStreamID, subscribers, payload, contentType, fanoutSeq)
		m.logBatch(sourceStreamID, "inline", outcome, time.Since(start))
		m.pruneStale(ctx, sourceStreamID, outcome.stale)
		return
	}

	if m.queue == nil {
		m.logger.Error("fanout: no queue configured, dropping batch above inline threshold",
			zap.String("source_stream_id", sourceStreamID), zap.Int("subscribers", len(subscribers)))
		return
	}

	msg := queue.Message{
		StreamID:      sourceStreamID,
		EstuaryIDs:    subscribers,
		Payload:       payload,
		ContentType:   contentType,
		ProducerID:    fanoutProducerID(sourceStreamID),
		ProducerEpoch: fanoutEpoch,
		ProducerSeq:   fanoutSeq,
		HasProducer:   true,
	}
	if err := m.queue.Enqueue(ctx, msg); err != nil {
		m.logger.Error("fanout: enqueue failed, batch dropped",
			zap.String("source_stream_id", sourceStreamID), zap.Error(err))
	}
}

// batchOutcome tallies per-estuary classification for one fanout batch.
type batchOutcome struct {
	successes   int
	stale       []string
	serverError int
}

func (m *Manager) deliverInline(ctx context.Context, sourceStreamID string, estuaryIDs []string, payload []byte, contentType string, fanoutSeq uint64) batchOutcome {
	var out batchOutcome
	triple := engine.ProducerTriple{ID: fanoutProducerID(sourceStreamID), Epoch: fanoutEpoch, Seq: fanoutSeq}
	for _, estuaryID := range estuaryIDs {
		switch classifyOutcome(m.appendOne(ctx, estuaryID, payload, contentType, triple)) {
		case outcomeSuccess:
			out.successes++
		case outcomeStale:
			out.stale = append(out.stale, estuaryID)
		case outcomeServerError:
			out.serverError++
		}
	}
	return out
}

func (m *Manager) appendOne(ctx context.Context, estuaryID string, payload []byte, contentType string, triple engine.ProducerTriple) error {
	_, err := m.engine.Append(ctx, engine.AppendRequest{
		StreamID:    estuaryID,
		Body:        payload,
		ContentType: contentType,
		Producer:    &triple,
	})
	return err
}

func (m *Manager) pruneStale(ctx context.Context, sourceStreamID string, staleIDs []string) {
	if len(staleIDs) == 0 {
		return
	}
	if err := m.storage.RemoveSubscribers(ctx, sourceStreamID, staleIDs); err != nil {
		m.logger.Error("fanout: failed to prune stale subscribers",
			zap.String("source_stream_id", sourceStreamID), zap.Strings("estuary_ids", staleIDs), zap.Error(err))
	}
}

func (m *Manager) logBatch(sourceStreamID, path string, outcome batchOutcome, latency time.Duration) {
	m.logger.Info("fanout: batch delivered",
		zap.String("source_stream_id", sourceStreamID),
		zap.String("path", path),
		zap.Int("successes", outcome.successes),
		zap.Int("stale", len(outcome.stale)),
		zap.Int("server_errors", outcome.serverError),
		zap.Duration("latency", latency))
}

func fanoutProducerID(sourceStreamID string) string {
	return sourceStreamID + ":fanout"
}
