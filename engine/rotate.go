package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tidewire/tidewire/segment"
	"github.com/tidewire/tidewire/storage"
)

// maybeRotate implements §4.1.3: when the open stream's hot segment has
// grown past either threshold, or the stream is closing, seal the hot
// rows since segment_start into an immutable cold segment and advance
// read_seq. A failed object-store write aborts the rotation and leaves
// the hot rows intact for the next trigger to retry — rotation is never
// on the critical path of the append it rides in on, so callers only log
// the error.
func (e *Engine) maybeRotate(ctx context.Context, streamID string, closing bool) error {
	meta, err := e.deps.Storage.GetMeta(ctx, streamID)
	if err != nil {
		return fmt.Errorf("engine: rotation lookup: %w", err)
	}

	due := meta.SegmentMessages >= e.cfg.MaxMessages ||
		meta.SegmentBytes >= e.cfg.MaxSegmentBytes ||
		(closing && meta.SegmentMessages > 0)
	if !due {
		return nil
	}
	if e.deps.Objects == nil {
		return nil // no object store configured: hot-only, never rotated
	}

	rows, err := e.deps.Storage.ReadHotRows(ctx, streamID, meta.SegmentStart, math.MaxInt)
	if err != nil {
		return fmt.Errorf("engine: rotation read hot rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	entries := make([]segment.Entry, len(rows))
	var sizeBytes uint64
	for i, r := range rows {
		entries[i] = segment.Entry{StartOffset: r.StartOffset, Span: r.EndOffset - r.StartOffset, Body: r.Body}
		sizeBytes += r.SizeBytes
	}
	blob, err := segment.Encode(entries)
	if err != nil {
		return fmt.Errorf("engine: segment encode: %w", err)
	}

	objectKey := fmt.Sprintf("stream/%s/%d.seg", streamID, meta.ReadSeq)
	if err := e.deps.Objects.Put(ctx, objectKey, blob); err != nil {
		return fmt.Errorf("engine: segment put: %w", err)
	}

	endOffset := rows[len(rows)-1].EndOffset
	seg := storage.SegmentRecord{
		StreamID:     streamID,
		ReadSeq:      meta.ReadSeq,
		ObjectKey:    objectKey,
		StartOffset:  meta.SegmentStart,
		EndOffset:    endOffset,
		ContentType:  meta.ContentType,
		SizeBytes:    uint64(len(blob)),
		MessageCount: uint32(len(rows)),
		ExpiresAt:    meta.ExpiresAt,
		CreatedAt:    time.Now().UTC(),
	}

	update := storage.RotationUpdate{Segment: seg, NewSegmentStart: endOffset}
	if e.cfg.DeleteHotOnRotate {
		update.DeleteHotThrough = endOffset
	}
	if err := e.deps.Storage.CommitRotation(ctx, update); err != nil {
		return fmt.Errorf("engine: commit rotation: %w", err)
	}

	if e.deps.Ledger != nil {
		if err := e.deps.Ledger.Record(seg); err != nil {
			e.deps.Logger.Warn("engine: segment ledger mirror failed, duckdb remains source of truth",
				zap.Error(err))
		}
	}
	return nil
}
