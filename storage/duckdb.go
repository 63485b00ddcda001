package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"
)

// Store is the DuckDB-backed hot row store and segment index. One Store
// is shared by every stream actor in the process; per-stream isolation
// comes from the stream_id column, not from separate databases, matching
// how the teacher ran one bbolt file per process for all streams.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if necessary) a DuckDB database at path and
// ensures the schema exists. path may be ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1) // DuckDB's single-writer file semantics

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_meta (
			stream_id TEXT PRIMARY KEY,
			content_type TEXT,
			public BOOLEAN,
			tail_offset UBIGINT,
			read_seq UINTEGER,
			segment_start UBIGINT,
			segment_messages UINTEGER,
			segment_bytes UBIGINT,
			last_stream_seq TEXT,
			ttl_seconds BIGINT,
			expires_at TIMESTAMP,
			closed BOOLEAN,
			closed_at TIMESTAMP,
			closed_by_producer_id TEXT,
			closed_by_epoch UBIGINT,
			closed_by_seq UBIGINT,
			created_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS producers (
			stream_id TEXT,
			producer_id TEXT,
			epoch UBIGINT,
			last_seq UBIGINT,
			last_offset UBIGINT,
			last_updated BIGINT,
			PRIMARY KEY (stream_id, producer_id)
		)`,
		`CREATE TABLE IF NOT EXISTS hot_ops (
			stream_id TEXT,
			start_offset UBIGINT,
			end_offset UBIGINT,
			size_bytes UBIGINT,
			stream_seq TEXT,
			producer_id TEXT,
			producer_epoch UBIGINT,
			producer_seq UBIGINT,
			body BLOB,
			created_at TIMESTAMP,
			PRIMARY KEY (stream_id, start_offset)
		)`,
		`CREATE TABLE IF NOT EXISTS segments (
			stream_id TEXT,
			read_seq UINTEGER,
			object_key TEXT,
			start_offset UBIGINT,
			end_offset UBIGINT,
			content_type TEXT,
			size_bytes UBIGINT,
			message_count UINTEGER,
			expires_at TIMESTAMP,
			created_at TIMESTAMP,
			PRIMARY KEY (stream_id, read_seq)
		)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			stream_id TEXT,
			estuary_id TEXT,
			subscribed_at TIMESTAMP,
			PRIMARY KEY (stream_id, estuary_id)
		)`,
		`CREATE TABLE IF NOT EXISTS fanout_state (
			stream_id TEXT PRIMARY KEY,
			fanout_seq UBIGINT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// CreateStream inserts a brand new stream_meta row. Returns ErrStreamExists
// if the stream_id is already present.
func (s *Store) CreateStream(ctx context.Context, meta StreamMeta) error {
	var exists int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM stream_meta WHERE stream_id = ?`, meta.StreamID)
	if err := row.Scan(&exists); err == nil {
		return ErrStreamExists
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("storage: create lookup: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO stream_meta (
		stream_id, content_type, public, tail_offset, read_seq, segment_start,
		segment_messages, segment_bytes, last_stream_seq, ttl_seconds, expires_at,
		closed, closed_at, closed_by_producer_id, closed_by_epoch, closed_by_seq, created_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		meta.StreamID, meta.ContentType, meta.Public, meta.TailOffset, meta.ReadSeq,
		meta.SegmentStart, meta.SegmentMessages, meta.SegmentBytes, nullString(meta.LastStreamSeq),
		meta.TTLSeconds, meta.ExpiresAt, meta.Closed, meta.ClosedAt,
		nullString(meta.ClosedByProducer), meta.ClosedByEpoch, meta.ClosedBySeq, meta.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create stream: %w", err)
	}
	return nil
}

// GetMeta returns the stream_meta row for streamID, or ErrStreamNotFound.
func (s *Store) GetMeta(ctx context.Context, streamID string) (*StreamMeta, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		stream_id, content_type, public, tail_offset, read_seq, segment_start,
		segment_messages, segment_bytes, last_stream_seq, ttl_seconds, expires_at,
		closed, closed_at, closed_by_producer_id, closed_by_epoch, closed_by_seq, created_at
		FROM stream_meta WHERE stream_id = ?`, streamID)
	return scanMeta(row)
}

func scanMeta(row *sql.Row) (*StreamMeta, error) {
	var m StreamMeta
	var lastStreamSeq, closedByProducer sql.NullString
	if err := row.Scan(
		&m.StreamID, &m.ContentType, &m.Public, &m.TailOffset, &m.ReadSeq, &m.SegmentStart,
		&m.SegmentMessages, &m.SegmentBytes, &lastStreamSeq, &m.TTLSeconds, &m.ExpiresAt,
		&m.Closed, &m.ClosedAt, &closedByProducer, &m.ClosedByEpoch, &m.ClosedBySeq, &m.CreatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("storage: scan meta: %w", err)
	}
	m.LastStreamSeq = lastStreamSeq.String
	m.ClosedByProducer = closedByProducer.String
	return &m, nil
}

// GetProducer returns the producer record for (streamID, producerID), or
// ErrProducerNotFound. A record older than ProducerTTL is purged and
// treated as absent, matching the spec's idle-producer eviction.
func (s *Store) GetProducer(ctx context.Context, streamID, producerID string) (*ProducerRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT stream_id, producer_id, epoch, last_seq, last_offset, last_updated
		FROM producers WHERE stream_id = ? AND producer_id = ?`, streamID, producerID)

	var p ProducerRecord
	if err := row.Scan(&p.StreamID, &p.ProducerID, &p.Epoch, &p.LastSeq, &p.LastOffset, &p.LastUpdated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrProducerNotFound
		}
		return nil, fmt.Errorf("storage: scan producer: %w", err)
	}

	age := time.Since(time.UnixMilli(p.LastUpdated))
	if age > ProducerTTL {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM producers WHERE stream_id = ? AND producer_id = ?`, streamID, producerID); err != nil {
			return nil, fmt.Errorf("storage: purge stale producer: %w", err)
		}
		return nil, ErrProducerNotFound
	}
	return &p, nil
}

// AppendBatch commits hot row inserts, the stream_meta delta, and an
// optional producer upsert inside one transaction. All-or-nothing, per
// the append batch construction rule.
func (s *Store) AppendBatch(ctx context.Context, streamID string, rows []HotRow, meta MetaUpdate, producer *ProducerUpsert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO hot_ops (
			stream_id, start_offset, end_offset, size_bytes, stream_seq,
			producer_id, producer_epoch, producer_seq, body, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			streamID, r.StartOffset, r.EndOffset, r.SizeBytes, nullString(r.StreamSeq),
			nullString(r.ProducerID), r.ProducerEpoch, r.ProducerSeq, r.Body, r.CreatedAt); err != nil {
			return fmt.Errorf("storage: insert hot row: %w", err)
		}
	}

	if meta.Close {
		if _, err := tx.ExecContext(ctx, `UPDATE stream_meta SET
			tail_offset = ?,
			segment_messages = segment_messages + ?,
			segment_bytes = segment_bytes + ?,
			last_stream_seq = COALESCE(NULLIF(?, ''), last_stream_seq),
			closed = TRUE, closed_at = ?,
			closed_by_producer_id = ?, closed_by_epoch = ?, closed_by_seq = ?
			WHERE stream_id = ?`,
			meta.NewTailOffset, meta.AddMessages, meta.AddBytes, meta.SetStreamSeq,
			time.Now().UTC(), nullString(meta.ClosedByProducer), meta.ClosedByEpoch, meta.ClosedBySeq,
			streamID); err != nil {
			return fmt.Errorf("storage: update meta (close): %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE stream_meta SET
			tail_offset = ?,
			segment_messages = segment_messages + ?,
			segment_bytes = segment_bytes + ?,
			last_stream_seq = COALESCE(NULLIF(?, ''), last_stream_seq)
			WHERE stream_id = ?`,
			meta.NewTailOffset, meta.AddMessages, meta.AddBytes, meta.SetStreamSeq, streamID); err != nil {
			return fmt.Errorf("storage: update meta: %w", err)
		}
	}

	if producer != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO producers (stream_id, producer_id, epoch, last_seq, last_offset, last_updated)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT (stream_id, producer_id) DO UPDATE SET
				epoch = excluded.epoch, last_seq = excluded.last_seq,
				last_offset = excluded.last_offset, last_updated = excluded.last_updated`,
			streamID, producer.ProducerID, producer.Epoch, producer.LastSeq, producer.LastOffset, producer.LastUpdated); err != nil {
			return fmt.Errorf("storage: upsert producer: %w", err)
		}
	}

	return tx.Commit()
}

// ReadHotRows returns rows whose span contains or follows fromOffset
// (end_offset > fromOffset), ascending, stopping once the cumulative size
// would exceed maxBytes (but always including at least one row so a
// reader never stalls on an oversized message). The caller is
// responsible for slicing the first row's body if fromOffset falls
// strictly inside it.
func (s *Store) ReadHotRows(ctx context.Context, streamID string, fromOffset uint64, maxBytes int) ([]HotRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream_id, start_offset, end_offset, size_bytes,
		stream_seq, producer_id, producer_epoch, producer_seq, body, created_at
		FROM hot_ops WHERE stream_id = ? AND end_offset > ? ORDER BY start_offset ASC`, streamID, fromOffset)
	if err != nil {
		return nil, fmt.Errorf("storage: read hot rows: %w", err)
	}
	defer rows.Close()

	var out []HotRow
	var total int
	for rows.Next() {
		var r HotRow
		var streamSeq, producerID sql.NullString
		if err := rows.Scan(&r.StreamID, &r.StartOffset, &r.EndOffset, &r.SizeBytes,
			&streamSeq, &producerID, &r.ProducerEpoch, &r.ProducerSeq, &r.Body, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan hot row: %w", err)
		}
		r.StreamSeq = streamSeq.String
		r.ProducerID = producerID.String
		if total > 0 && total+len(r.Body) > maxBytes {
			break
		}
		out = append(out, r)
		total += len(r.Body)
	}
	return out, rows.Err()
}

// DeleteHotRowsThrough deletes hot_ops rows whose end_offset <= through,
// used to reclaim hot storage after a rotation seals them into a segment.
func (s *Store) DeleteHotRowsThrough(ctx context.Context, streamID string, through uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM hot_ops WHERE stream_id = ? AND end_offset <= ?`, streamID, through)
	if err != nil {
		return fmt.Errorf("storage: delete hot rows: %w", err)
	}
	return nil
}

// CommitRotation atomically records a new segment, advances segment_start,
// increments read_seq, and zeros the hot counters. Hot row deletion (if
// requested) happens as a separate statement in the same call but is not
// itself required for rotation correctness — a stale hot row past
// segment_start is simply never read, since routing always prefers cold.
func (s *Store) CommitRotation(ctx context.Context, u RotationUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin rotation tx: %w", err)
	}
	defer tx.Rollback()

	seg := u.Segment
	if _, err := tx.ExecContext(ctx, `INSERT INTO segments (
		stream_id, read_seq, object_key, start_offset, end_offset, content_type,
		size_bytes, message_count, expires_at, created_at
	) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		seg.StreamID, seg.ReadSeq, seg.ObjectKey, seg.StartOffset, seg.EndOffset,
		seg.ContentType, seg.SizeBytes, seg.MessageCount, seg.ExpiresAt, seg.CreatedAt); err != nil {
		return fmt.Errorf("storage: insert segment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE stream_meta SET
		segment_start = ?, read_seq = read_seq + 1, segment_messages = 0, segment_bytes = 0
		WHERE stream_id = ?`, u.NewSegmentStart, seg.StreamID); err != nil {
		return fmt.Errorf("storage: advance segment_start: %w", err)
	}

	if u.DeleteHotThrough > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM hot_ops WHERE stream_id = ? AND end_offset <= ?`,
			seg.StreamID, u.DeleteHotThrough); err != nil {
			return fmt.Errorf("storage: delete rotated hot rows: %w", err)
		}
	}

	return tx.Commit()
}

// GetSegment returns the segment record for (streamID, readSeq), or
// ErrSegmentNotFound.
func (s *Store) GetSegment(ctx context.Context, streamID string, readSeq uint32) (*SegmentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT stream_id, read_seq, object_key, start_offset, end_offset,
		content_type, size_bytes, message_count, expires_at, created_at
		FROM segments WHERE stream_id = ? AND read_seq = ?`, streamID, readSeq)
	return scanSegment(row)
}

// SegmentCoveringOffset returns the segment whose [start_offset, end_offset)
// range contains offset, or ErrSegmentNotFound if no such segment exists
// (a boundary offset is a gap, not found here).
func (s *Store) SegmentCoveringOffset(ctx context.Context, streamID string, offset uint64) (*SegmentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT stream_id, read_seq, object_key, start_offset, end_offset,
		content_type, size_bytes, message_count, expires_at, created_at
		FROM segments WHERE stream_id = ? AND start_offset <= ? AND end_offset > ?
		ORDER BY read_seq DESC LIMIT 1`, streamID, offset, offset)
	return scanSegment(row)
}

func scanSegment(row *sql.Row) (*SegmentRecord, error) {
	var seg SegmentRecord
	if err := row.Scan(&seg.StreamID, &seg.ReadSeq, &seg.ObjectKey, &seg.StartOffset, &seg.EndOffset,
		&seg.ContentType, &seg.SizeBytes, &seg.MessageCount, &seg.ExpiresAt, &seg.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSegmentNotFound
		}
		return nil, fmt.Errorf("storage: scan segment: %w", err)
	}
	return &seg, nil
}

// ListSegments returns every segment record for a stream, ascending by
// read_seq, for use by the delete path's object-store cleanup snapshot.
func (s *Store) ListSegments(ctx context.Context, streamID string) ([]SegmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream_id, read_seq, object_key, start_offset, end_offset,
		content_type, size_bytes, message_count, expires_at, created_at
		FROM segments WHERE stream_id = ? ORDER BY read_seq ASC`, streamID)
	if err != nil {
		return nil, fmt.Errorf("storage: list segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentRecord
	for rows.Next() {
		var seg SegmentRecord
		if err := rows.Scan(&seg.StreamID, &seg.ReadSeq, &seg.ObjectKey, &seg.StartOffset, &seg.EndOffset,
			&seg.ContentType, &seg.SizeBytes, &seg.MessageCount, &seg.ExpiresAt, &seg.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan segment row: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// DeleteStream removes every row belonging to streamID across all tables
// and returns the segment snapshot taken just before deletion (so the
// caller can schedule object-store cleanup). Returns ErrStreamNotFound if
// the stream does not exist, but is safe to retry per the spec's
// idempotent-delete rule.
func (s *Store) DeleteStream(ctx context.Context, streamID string) ([]SegmentRecord, error) {
	if _, err := s.GetMeta(ctx, streamID); err != nil {
		return nil, err
	}

	segments, err := s.ListSegments(ctx, streamID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin delete tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"stream_meta", "producers", "hot_ops", "segments", "subscribers", "fanout_state"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE stream_id = ?`, streamID); err != nil {
			return nil, fmt.Errorf("storage: delete from %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit delete: %w", err)
	}
	return segments, nil
}

// ListSubscribers returns the subscriber set for a source stream.
func (s *Store) ListSubscribers(ctx context.Context, streamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT estuary_id FROM subscribers WHERE stream_id = ?`, streamID)
	if err != nil {
		return nil, fmt.Errorf("storage: list subscribers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan subscriber: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AddSubscriber registers estuaryID as a subscriber of streamID.
func (s *Store) AddSubscriber(ctx context.Context, streamID, estuaryID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO subscribers (stream_id, estuary_id, subscribed_at)
		VALUES (?,?,?) ON CONFLICT (stream_id, estuary_id) DO NOTHING`, streamID, estuaryID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: add subscriber: %w", err)
	}
	return nil
}

// RemoveSubscribers prunes estuaryIDs from streamID's subscriber set, used
// when the fanout consumer discovers stale (deleted) destination streams.
func (s *Store) RemoveSubscribers(ctx context.Context, streamID string, estuaryIDs []string) error {
	if len(estuaryIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin remove subscribers tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range estuaryIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscribers WHERE stream_id = ? AND estuary_id = ?`, streamID, id); err != nil {
			return fmt.Errorf("storage: remove subscriber: %w", err)
		}
	}
	return tx.Commit()
}

// NextFanoutSeq durably increments and returns the fanout_seq counter for
// a source stream. Must be called, and its result committed, before the
// corresponding fanout dispatch so a crash can only replay, never skip.
func (s *Store) NextFanoutSeq(ctx context.Context, streamID string) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin fanout seq tx: %w", err)
	}
	defer tx.Rollback()

	var seq uint64
	row := tx.QueryRowContext(ctx, `SELECT fanout_seq FROM fanout_state WHERE stream_id = ?`, streamID)
	switch err := row.Scan(&seq); err {
	case nil:
		seq++
		if _, err := tx.ExecContext(ctx, `UPDATE fanout_state SET fanout_seq = ? WHERE stream_id = ?`, seq, streamID); err != nil {
			return 0, fmt.Errorf("storage: update fanout seq: %w", err)
		}
	case sql.ErrNoRows:
		seq = 0
		if _, err := tx.ExecContext(ctx, `INSERT INTO fanout_state (stream_id, fanout_seq) VALUES (?, ?)`, streamID, seq); err != nil {
			return 0, fmt.Errorf("storage: insert fanout seq: %w", err)
		}
	default:
		return 0, fmt.Errorf("storage: read fanout seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit fanout seq: %w", err)
	}
	return seq, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
