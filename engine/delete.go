package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tidewire/tidewire/registry"
	"github.com/tidewire/tidewire/storage"
)

// Delete removes a stream and every record of it: metadata, hot rows,
// segment index rows, and (scheduled in the background) the cold segment
// blobs themselves. Deleting an already-deleted or never-existing stream
// returns a NotFound failure and changes nothing, so a retry after a crash
// mid-delete is safe to replay (§4.1, §9).
func (e *Engine) Delete(ctx context.Context, streamID string) (*DeleteResult, error) {
	return submit[*DeleteResult](e, streamID, func(ctx context.Context) (interface{}, error) {
		return e.doDelete(ctx, streamID)
	})
}

func (e *Engine) doDelete(ctx context.Context, streamID string) (*DeleteResult, error) {
	segments, err := e.deps.Storage.DeleteStream(ctx, streamID)
	if err != nil {
		if err == storage.ErrStreamNotFound {
			return nil, notFound()
		}
		return nil, internal(err)
	}

	if e.deps.Ledger != nil {
		if err := e.deps.Ledger.DeleteStream(streamID); err != nil {
			e.deps.Logger.Warn("engine: segment ledger cleanup failed", zap.String("stream_id", streamID), zap.Error(err))
		}
	}

	a := e.getOrSpawnActor(streamID)
	a.waiters.NotifyAll()
	a.broadcaster.CloseAll()

	cleanups := make([]SegmentCleanup, len(segments))
	for i, seg := range segments {
		cleanups[i] = SegmentCleanup{ObjectKey: seg.ObjectKey}
	}
	if len(cleanups) > 0 {
		go e.deleteObjectsInBackground(streamID, cleanups)
	}

	if e.deps.Registry != nil {
		go func() {
			retryCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := registry.DeleteWithRetry(retryCtx, e.deps.Registry, streamID, 4, 200*time.Millisecond) // one try plus up to 3 retries; err != nil {
				e.deps.Logger.Error("engine: registry cleanup exhausted retries", zap.String("stream_id", streamID), zap.Error(err))
			}
		}()
	}

	return &DeleteResult{Segments: cleanups}, nil
}

func (e *Engine) deleteObjectsInBackground(streamID string, cleanups []SegmentCleanup) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, c := range cleanups {
		if err := e.deps.Objects.Delete(ctx, c.ObjectKey); err != nil {
			e.deps.Logger.Error("engine: cold segment delete failed, leaving orphaned object",
				zap.String("stream_id", streamID), zap.String("object_key", c.ObjectKey), zap.Error(err))
		}
	}
}
