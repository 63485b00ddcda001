package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// SegmentLedger is a bbolt-backed write-through mirror of committed
// segment records, adapted from the stream metadata KV store this
// lineage has always used for durable local state. Its only job is to
// answer "what object key backs read_seq N for stream S" even if the
// DuckDB file is gone, so cold reads can still find their blobs after a
// partial restore.
type SegmentLedger struct {
	db *bbolt.DB
	mu sync.Mutex
}

var segmentBucket = []byte("segments")

// segmentRecord is the JSON-serialized form of a SegmentRecord.
type segmentRecord struct {
	ObjectKey    string     `json:"object_key"`
	StartOffset  uint64     `json:"start_offset"`
	EndOffset    uint64     `json:"end_offset"`
	ContentType  string     `json:"content_type"`
	SizeBytes    uint64     `json:"size_bytes"`
	MessageCount uint32     `json:"message_count"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// OpenSegmentLedger opens (creating if necessary) the ledger file under
// dataDir.
func OpenSegmentLedger(dataDir string) (*SegmentLedger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create ledger dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dataDir, "segments.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open segment ledger: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(segmentBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create segment bucket: %w", err)
	}
	return &SegmentLedger{db: db}, nil
}

func ledgerKey(streamID string, readSeq uint32) []byte {
	return []byte(fmt.Sprintf("%s/%016d", streamID, readSeq))
}

// Record mirrors a newly committed segment into the ledger. Called right
// after CommitRotation succeeds; a failure here is logged, not fatal —
// the DuckDB segments table remains the source of truth while it's alive.
func (l *SegmentLedger) Record(seg SegmentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := segmentRecord{
		ObjectKey:    seg.ObjectKey,
		StartOffset:  seg.StartOffset,
		EndOffset:    seg.EndOffset,
		ContentType:  seg.ContentType,
		SizeBytes:    seg.SizeBytes,
		MessageCount: seg.MessageCount,
		ExpiresAt:    seg.ExpiresAt,
		CreatedAt:    seg.CreatedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal ledger record: %w", err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(segmentBucket).Put(ledgerKey(seg.StreamID, seg.ReadSeq), data)
	})
}

// Lookup returns the mirrored segment record for (streamID, readSeq), or
// ErrSegmentNotFound.
func (l *SegmentLedger) Lookup(streamID string, readSeq uint32) (*SegmentRecord, error) {
	var out *SegmentRecord
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(segmentBucket).Get(ledgerKey(streamID, readSeq))
		if data == nil {
			return ErrSegmentNotFound
		}
		var rec segmentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("storage: unmarshal ledger record: %w", err)
		}
		out = &SegmentRecord{
			StreamID:     streamID,
			ReadSeq:      readSeq,
			ObjectKey:    rec.ObjectKey,
			StartOffset:  rec.StartOffset,
			EndOffset:    rec.EndOffset,
			ContentType:  rec.ContentType,
			SizeBytes:    rec.SizeBytes,
			MessageCount: rec.MessageCount,
			ExpiresAt:    rec.ExpiresAt,
			CreatedAt:    rec.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteStream removes every ledger entry with the given stream_id
// prefix, mirroring storage.DeleteStream's cleanup of the segments table.
func (l *SegmentLedger) DeleteStream(streamID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := []byte(streamID + "/")
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(segmentBucket)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Close closes the underlying bbolt database.
func (l *SegmentLedger) Close() error {
	return l.db.Close()
}
