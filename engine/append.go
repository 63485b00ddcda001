package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tidewire/tidewire/live"
	"github.com/tidewire/tidewire/offset"
	"github.com/tidewire/tidewire/storage"
)

// Append implements append / close_only (§4.1, steps 1-10).
func (e *Engine) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	return submit[*AppendResult](e, req.StreamID, func(ctx context.Context) (interface{}, error) {
		return e.doAppend(ctx, req)
	})
}

func toOffset(meta *storage.StreamMeta, absolute uint64) offset.Offset {
	return offset.Offset{ReadSeq: meta.ReadSeq, Pos: absolute - meta.SegmentStart}
}

func (e *Engine) doAppend(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	// Step 1: preflight.
	if len(req.Body) > e.cfg.MaxAppendBytes {
		return nil, payloadTooLarge()
	}
	meta, err := e.deps.Storage.GetMeta(ctx, req.StreamID)
	if err != nil {
		if err == storage.ErrStreamNotFound {
			return nil, notFound()
		}
		return nil, internal(err)
	}
	if meta.SegmentBytes+uint64(len(req.Body)) >= (e.cfg.QuotaBytes*9)/10 {
		return nil, quotaExceeded()
	}

	// Step 2: closed-stream sub-cases.
	if meta.Closed {
		return e.doAppendOnClosed(ctx, meta, req)
	}

	// Step 3: content-type check (skipped for close-only).
	closeOnly := len(req.Body) == 0 && req.Close
	if !closeOnly && req.ContentType != "" && normalizeContentType(req.ContentType) != normalizeContentType(meta.ContentType) {
		return nil, conflict("content_type")
	}

	// Step 4: producer dedup.
	if req.Producer != nil {
		verdict, err := e.evaluateProducer(ctx, req.StreamID, *req.Producer)
		if err != nil {
			return nil, err
		}
		if verdict.failure != nil {
			return nil, verdict.failure
		}
		if verdict.duplicate {
			return &AppendResult{
				TailOffset:  toOffset(meta, verdict.dupOffset),
				Closed:      meta.Closed,
				HasProducer: true,
				Duplicate:   true,
			}, nil
		}
	}

	// Step 5: Stream-Seq ordering (only reached for non-duplicate writes).
	if req.StreamSeq != "" && meta.LastStreamSeq != "" && req.StreamSeq <= meta.LastStreamSeq {
		return nil, seqRegression()
	}

	return e.commitAppend(ctx, meta, req)
}

// doAppendOnClosed handles the three closed-stream sub-cases from §4.1
// step 2. A plain append attempt on a closed stream (close=false but
// body non-empty) is folded into the same producer-match-or-reject
// handling as "close-with-body", since both describe "more bytes after
// terminal" and the idempotency answer is identical either way.
func (e *Engine) doAppendOnClosed(ctx context.Context, meta *storage.StreamMeta, req AppendRequest) (*AppendResult, error) {
	if len(req.Body) == 0 {
		return &AppendResult{
			TailOffset:  toOffset(meta, meta.TailOffset),
			Closed:      true,
			HasProducer: req.Producer != nil,
			Duplicate:   true,
		}, nil
	}

	if req.Producer != nil {
		if meta.ClosedByProducer == req.Producer.ID &&
			meta.ClosedByEpoch == req.Producer.Epoch &&
			meta.ClosedBySeq == req.Producer.Seq {
			return &AppendResult{
				TailOffset:  toOffset(meta, meta.TailOffset),
				Closed:      true,
				HasProducer: true,
				Duplicate:   true,
			}, nil
		}
		verdict, err := e.evaluateProducer(ctx, req.StreamID, *req.Producer)
		if err == nil && verdict.duplicate {
			return &AppendResult{
				TailOffset:  toOffset(meta, verdict.dupOffset),
				Closed:      true,
				HasProducer: true,
				Duplicate:   true,
			}, nil
		}
	}

	return nil, closedConflict()
}

// commitAppend performs §4.1 steps 6-10 for a non-duplicate write: build
// and commit the append batch, pre-cache ready waiters, notify/broadcast,
// schedule rotation, and trigger fanout.
func (e *Engine) commitAppend(ctx context.Context, meta *storage.StreamMeta, req AppendRequest) (*AppendResult, error) {
	rows, addBytes, err := buildRows(meta, req)
	if err != nil {
		return nil, err
	}

	newTail := meta.TailOffset
	for _, r := range rows {
		newTail = r.EndOffset
	}
	if len(rows) == 0 && req.Close {
		newTail = meta.TailOffset
	}

	metaUpdate := storage.MetaUpdate{
		NewTailOffset: newTail,
		AddMessages:   uint32(len(rows)),
		AddBytes:      addBytes,
		SetStreamSeq:  req.StreamSeq,
		Close:         req.Close,
	}
	if req.Close && req.Producer != nil {
		metaUpdate.ClosedByProducer = req.Producer.ID
		metaUpdate.ClosedByEpoch = req.Producer.Epoch
		metaUpdate.ClosedBySeq = req.Producer.Seq
	}

	var producerUpsert *storage.ProducerUpsert
	if req.Producer != nil {
		producerUpsert = &storage.ProducerUpsert{
			ProducerID:  req.Producer.ID,
			Epoch:       req.Producer.Epoch,
			LastSeq:     req.Producer.Seq,
			LastOffset:  newTail,
			LastUpdated: time.Now().UnixMilli(),
		}
	}

	newTailOffset := offset.Offset{ReadSeq: meta.ReadSeq, Pos: newTail - meta.SegmentStart}

	// Step 6: pre-cache ready waiters before the commit lands, using the
	// in-memory rows this call is about to write (the waiter's read is
	// reconstructed without touching storage at all). The cached body
	// holds every row of this append; the waiter's max_chunk_bytes is not
	// applied to it. Waiters sitting behind an older offset than this
	// append's own start are not pre-cached: the fallback read path
	// serves them from storage once woken, so a pre-cache miss here is
	// never incorrect, only slower.
	e.precacheReadyWaiters(meta, rows, newTailOffset, req.Close)

	if err := e.deps.Storage.AppendBatch(ctx, meta.StreamID, rows, metaUpdate, producerUpsert); err != nil {
		return nil, internal(err)
	}

	// Step 8: notify + broadcast.
	actor := e.getOrSpawnActor(meta.StreamID)
	actor.waiters.Notify(newTailOffset, e.cfg.StaggerWindow)
	if len(rows) > 0 {
		actor.broadcaster.Broadcast(live.Event{
			Payload:          concatBodies(rows),
			NextOffset:       newTailOffset.String(),
			UpToDate:         true,
			Closed:           req.Close,
			WriteTimestampMS: time.Now().UnixMilli(),
		})
	}
	if req.Close {
		actor.waiters.NotifyAll()
	}

	// Step 9: rotation.
	if err := e.maybeRotate(ctx, meta.StreamID, req.Close); err != nil {
		e.deps.Logger.Error("engine: rotation failed, will retry on next trigger", zap.Error(err))
	}

	// Step 10: fanout trigger.
	shouldFanout := len(req.Body) > 0 && e.deps.Fanout != nil
	if shouldFanout {
		seq, err := e.deps.Storage.NextFanoutSeq(ctx, meta.StreamID)
		if err != nil {
			e.deps.Logger.Error("engine: failed to advance fanout seq, skipping fanout for this append", zap.Error(err))
		} else {
			producer := ProducerTriple{}
			if req.Producer != nil {
				producer = *req.Producer
			}
			e.deps.Fanout.Trigger(context.Background(), meta.StreamID, req.Body, meta.ContentType, producer, seq)
		}
	}

	return &AppendResult{
		TailOffset:  newTailOffset,
		Closed:      req.Close || meta.Closed,
		HasProducer: req.Producer != nil,
	}, nil
}

// buildRows implements §4.1.2's append batch construction.
func buildRows(meta *storage.StreamMeta, req AppendRequest) ([]storage.HotRow, uint64, error) {
	now := time.Now().UTC()
	start := meta.TailOffset

	if isJSONContentType(meta.ContentType) {
		if len(req.Body) == 0 {
			return nil, 0, nil // close-only: no elements to append
		}
		elems, err := splitJSONElements(req.Body)
		if err != nil {
			return nil, 0, err
		}
		rows := make([]storage.HotRow, len(elems))
		var totalBytes uint64
		cur := start
		for i, elem := range elems {
			rows[i] = storage.HotRow{
				StreamID:    meta.StreamID,
				StartOffset: cur,
				EndOffset:   cur + 1,
				SizeBytes:   uint64(len(elem)),
				StreamSeq:   firstOnly(req.StreamSeq, i),
				Body:        elem,
				CreatedAt:   now,
			}
			if req.Producer != nil {
				rows[i].ProducerID = req.Producer.ID
				rows[i].ProducerEpoch = req.Producer.Epoch
				rows[i].ProducerSeq = req.Producer.Seq
			}
			totalBytes += uint64(len(elem))
			cur++
		}
		return rows, totalBytes, nil
	}

	if len(req.Body) == 0 {
		return nil, 0, nil
	}
	row := storage.HotRow{
		StreamID:    meta.StreamID,
		StartOffset: start,
		EndOffset:   start + uint64(len(req.Body)),
		SizeBytes:   uint64(len(req.Body)),
		StreamSeq:   req.StreamSeq,
		Body:        req.Body,
		CreatedAt:   now,
	}
	if req.Producer != nil {
		row.ProducerID = req.Producer.ID
		row.ProducerEpoch = req.Producer.Epoch
		row.ProducerSeq = req.Producer.Seq
	}
	return []storage.HotRow{row}, uint64(len(req.Body)), nil
}

// firstOnly assigns the client-supplied stream_seq to only the first
// element of a JSON-array append; later elements have no seq of their own.
func firstOnly(seq string, i int) string {
	if i == 0 {
		return seq
	}
	return ""
}

func concatBodies(rows []storage.HotRow) []byte {
	var total int
	for _, r := range rows {
		total += len(r.Body)
	}
	out := make([]byte, 0, total)
	for _, r := range rows {
		out = append(out, r.Body...)
	}
	return out
}

func (e *Engine) precacheReadyWaiters(meta *storage.StreamMeta, rows []storage.HotRow, newTail offset.Offset, closed bool) {
	defer func() {
		// Pre-cache failures are logged and ignored (§4.4): a waiter that
		// misses the cache simply falls through to a normal read.
		if r := recover(); r != nil {
			e.deps.Logger.Error("engine: pre-cache panic, ignoring", zap.Any("panic", r))
		}
	}()

	actor := e.getOrSpawnActor(meta.StreamID)
	urls := actor.waiters.ReadyWaiterURLs(newTail)
	if len(urls) == 0 {
		return
	}
	behind := make(map[string]bool)
	for _, url := range actor.waiters.ReadyWaiterURLs(toOffset(meta, meta.TailOffset)) {
		behind[url] = true
	}
	body := concatBodies(rows)
	if isJSONContentType(meta.ContentType) {
		body = []byte{'['}
		for i, r := range rows {
			if i > 0 {
				body = append(body, ',')
			}
			body = append(body, r.Body...)
		}
		body = append(body, ']')
	}
	for _, url := range urls {
		if behind[url] {
			continue
		}
		e.precache.Put(url, live.Response{
			Body:       body,
			NextOffset: newTail.String(),
			UpToDate:   true,
			Closed:     closed,
			WriteTimestampMS: time.Now().UnixMilli(),
		})
	}
}
