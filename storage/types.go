// Package storage persists stream state: hot message rows, stream and
// producer metadata, and the segment index that maps cold regions of a
// stream to object-store keys. The primary engine is backed by DuckDB; a
// bbolt ledger mirrors committed segment records so the mapping survives
// even if the DuckDB file is lost before a checkpoint.
package storage

import (
	"errors"
	"time"
)

// Sentinel errors returned by Store methods.
var (
	ErrStreamNotFound   = errors.New("storage: stream not found")
	ErrStreamExists     = errors.New("storage: stream already exists")
	ErrProducerNotFound = errors.New("storage: producer not found")
	ErrSegmentNotFound  = errors.New("storage: segment not found")
	ErrClosed           = errors.New("storage: store is closed")
)

// StreamMeta mirrors the stream_meta table.
type StreamMeta struct {
	StreamID          string
	ContentType       string
	Public            bool
	TailOffset        uint64
	ReadSeq           uint32
	SegmentStart      uint64
	SegmentMessages   uint32
	SegmentBytes      uint64
	LastStreamSeq     string // empty if unset
	TTLSeconds        *int64
	ExpiresAt         *time.Time
	Closed            bool
	ClosedAt          *time.Time
	ClosedByProducer  string
	ClosedByEpoch     uint64
	ClosedBySeq       uint64
	CreatedAt         time.Time
}

// IsExpired reports whether the stream's TTL or ExpiresAt has elapsed.
func (m *StreamMeta) IsExpired(now time.Time) bool {
	if m.ExpiresAt != nil && now.After(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil {
		if now.After(m.CreatedAt.Add(time.Duration(*m.TTLSeconds) * time.Second)) {
			return true
		}
	}
	return false
}

// ProducerRecord mirrors one row of the producers table.
type ProducerRecord struct {
	StreamID    string
	ProducerID  string
	Epoch       uint64
	LastSeq     uint64
	LastOffset  uint64
	LastUpdated int64 // unix ms
}

// ProducerTTL is how long an idle producer record survives before a
// lookup purges it and the next observed append must restart at seq 0.
const ProducerTTL = 7 * 24 * time.Hour

// HotRow mirrors one row of the hot_ops table: one logical message still
// held in the hot tier.
type HotRow struct {
	StreamID      string
	StartOffset   uint64
	EndOffset     uint64
	SizeBytes     uint64
	StreamSeq     string // empty if unset
	ProducerID    string // empty if unset
	ProducerEpoch uint64
	ProducerSeq   uint64
	Body          []byte
	CreatedAt     time.Time
}

// SegmentRecord mirrors one row of the segments table.
type SegmentRecord struct {
	StreamID     string
	ReadSeq      uint32
	ObjectKey    string
	StartOffset  uint64
	EndOffset    uint64
	ContentType  string
	SizeBytes    uint64
	MessageCount uint32
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// MetaUpdate carries the stream_meta delta applied as part of an append
// batch (step 2 of the append batch construction).
type MetaUpdate struct {
	NewTailOffset  uint64
	AddMessages    uint32
	AddBytes       uint64
	SetStreamSeq   string // empty means leave unchanged
	Close          bool
	ClosedByProducer string
	ClosedByEpoch    uint64
	ClosedBySeq      uint64
}

// ProducerUpsert carries the producers table delta applied alongside an
// append batch when a producer triple was supplied.
type ProducerUpsert struct {
	ProducerID  string
	Epoch       uint64
	LastSeq     uint64
	LastOffset  uint64
	LastUpdated int64
}

// RotationUpdate carries the atomic bookkeeping applied when hot rows are
// sealed into a new cold segment.
type RotationUpdate struct {
	Segment        SegmentRecord
	NewSegmentStart uint64
	DeleteHotThrough uint64 // delete hot_ops rows with end_offset <= this, if > 0
}
