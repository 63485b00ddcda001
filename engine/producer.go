package engine

import (
	"context"

	"github.com/tidewire/tidewire/storage"
)

// producerVerdict is the outcome of evaluating a producer triple against
// its stored state (§4.1.1).
type producerVerdict struct {
	duplicate  bool
	dupOffset  uint64
	failure    *Failure
}

// evaluateProducer implements the producer dedup state machine. A nil
// triple is the caller's responsibility to skip before calling this.
func (e *Engine) evaluateProducer(ctx context.Context, streamID string, triple ProducerTriple) (producerVerdict, error) {
	stored, err := e.deps.Storage.GetProducer(ctx, streamID, triple.ID)
	switch err {
	case nil:
		// fallthrough to state machine below
	case storage.ErrProducerNotFound:
		if triple.Seq != 0 {
			return producerVerdict{failure: badRequest("new producer must start at seq 0")}, nil
		}
		return producerVerdict{}, nil
	default:
		return producerVerdict{}, internal(err)
	}

	switch {
	case triple.Epoch < stored.Epoch:
		return producerVerdict{failure: staleEpoch(stored.Epoch)}, nil
	case triple.Epoch > stored.Epoch:
		if triple.Seq != 0 {
			return producerVerdict{failure: badRequest("new epoch must start at seq 0")}, nil
		}
		return producerVerdict{}, nil
	case triple.Seq <= stored.LastSeq:
		return producerVerdict{duplicate: true, dupOffset: stored.LastOffset}, nil
	case triple.Seq == stored.LastSeq+1:
		return producerVerdict{}, nil
	default:
		return producerVerdict{failure: seqGap(stored.LastSeq+1, triple.Seq)}, nil
	}
}
