package fanout

import "github.com/tidewire/tidewire/engine"

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeStale
	outcomeServerError
)

// classifyOutcome turns an Append error into the three-way disposition
// the queue consumer (and the inline path, for symmetry) prunes and acks
// on: NOT_FOUND means the destination was deleted out from under the
// subscription, anything else unexpected is a transient server error
// worth retrying.
func classifyOutcome(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if f, ok := err.(*engine.Failure); ok && f.Kind == engine.KindNotFound {
		return outcomeStale
	}
	return outcomeServerError
}
