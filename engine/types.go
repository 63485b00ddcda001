package engine

import (
	"time"

	"github.com/tidewire/tidewire/offset"
)

// ProducerTriple identifies an idempotent producer's claimed position.
type ProducerTriple struct {
	ID    string
	Epoch uint64
	Seq   uint64
}

// CreateRequest is the input to create_or_idempotent.
type CreateRequest struct {
	StreamID    string
	ContentType string // stored as given; compared after lower-casing and trimming
	InitialBody []byte
	Producer    *ProducerTriple
	Close       bool
	Public      bool
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	StreamSeq   string
}

// CreateResult is the output of create_or_idempotent.
type CreateResult struct {
	Created      bool // true => 201, false => 200 idempotent replay
	TailOffset   offset.Offset
	Closed       bool
}

// AppendRequest is the input to append / close_only.
type AppendRequest struct {
	StreamID    string
	Body        []byte
	ContentType string // empty means "no check requested"
	Producer    *ProducerTriple
	StreamSeq   string
	Close       bool
}

// AppendResult is the output of append / close_only.
type AppendResult struct {
	TailOffset  offset.Offset
	Closed      bool
	HasProducer bool // true (and not Duplicate) => 200, otherwise 204 on success
	Duplicate   bool // DUPLICATE is a signaling variant, not a Failure
}

// DeleteResult is the output of delete.
type DeleteResult struct {
	Segments []SegmentCleanup
}

// SegmentCleanup names an object-store key the caller should schedule for
// background deletion after a stream is removed.
type SegmentCleanup struct {
	ObjectKey string
}
