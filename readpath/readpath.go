// Package readpath implements the non-mutating read operations (head,
// now, read) against the engine's storage tiers: offset resolution,
// hot/cold routing, request coalescing, and the ETag/Cache-Control
// contract. Reads never take a stream's single-writer gate (§5) — they
// run directly against storage, concurrently with appends.
package readpath

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tidewire/tidewire/engine"
	"github.com/tidewire/tidewire/objectstore"
	"github.com/tidewire/tidewire/offset"
	"github.com/tidewire/tidewire/segment"
	"github.com/tidewire/tidewire/storage"
)

// Config holds read-path tunables left open by the distilled spec.
type Config struct {
	MaxChunkBytes int
	CacheTTL      time.Duration // successful-result cache lifetime
	MaxCacheEntries int
}

// DefaultConfig returns the §4.2 defaults: 100ms cache, 1000-entry bound.
func DefaultConfig() Config {
	return Config{MaxChunkBytes: 1 << 20, CacheTTL: 100 * time.Millisecond, MaxCacheEntries: 1000}
}

// Reader serves head/now/read against a storage.Store and, for cold
// segments, an objectstore.Store.
type Reader struct {
	storage *storage.Store
	objects objectstore.Store
	cfg     Config

	group singleflight.Group
	cache *resultCache
}

// New constructs a Reader. objects may be nil, in which case every offset
// is served from the hot tier (matching §4.2's "object store not
// configured" branch).
func New(store *storage.Store, objects objectstore.Store, cfg Config) *Reader {
	return &Reader{
		storage: store,
		objects: objects,
		cfg:     cfg,
		cache:   newResultCache(cfg.MaxCacheEntries, cfg.CacheTTL),
	}
}

// Result is the outcome of a read/now operation.
type Result struct {
	Body             []byte
	NextOffset       offset.Offset
	UpToDate         bool
	ClosedAtTail     bool
	WriteTimestampMS int64
	ETag             string
	CacheControl     string
	NotModified      bool
}

// HeadResult is the outcome of a head operation.
type HeadResult struct {
	ContentType  string
	NextOffset   offset.Offset
	Closed       bool
	TTLSeconds   *int64
	ExpiresAt    *time.Time
}

// Head implements head(stream_id) (§4.2).
func (r *Reader) Head(ctx context.Context, streamID string) (*HeadResult, error) {
	meta, err := r.storage.GetMeta(ctx, streamID)
	if err != nil {
		if err == storage.ErrStreamNotFound {
			return nil, &engine.Failure{Kind: engine.KindNotFound}
		}
		return nil, &engine.Failure{Kind: engine.KindInternal, Err: err}
	}
	return &HeadResult{
		ContentType: meta.ContentType,
		NextOffset:  offset.Offset{ReadSeq: meta.ReadSeq, Pos: meta.TailOffset - meta.SegmentStart},
		Closed:      meta.Closed,
		TTLSeconds:  meta.TTLSeconds,
		ExpiresAt:   meta.ExpiresAt,
	}, nil
}

// Now implements now(stream_id) (§4.2): an empty body at the tail offset.
func (r *Reader) Now(ctx context.Context, streamID string) (*Result, error) {
	meta, err := r.storage.GetMeta(ctx, streamID)
	if err != nil {
		if err == storage.ErrStreamNotFound {
			return nil, &engine.Failure{Kind: engine.KindNotFound}
		}
		return nil, &engine.Failure{Kind: engine.KindInternal, Err: err}
	}
	body := []byte{}
	if isJSONContentType(meta.ContentType) {
		body = []byte("[]")
	}
	tail := offset.Offset{ReadSeq: meta.ReadSeq, Pos: meta.TailOffset - meta.SegmentStart}
	return &Result{
		Body:         body,
		NextOffset:   tail,
		UpToDate:     true,
		ClosedAtTail: meta.Closed,
		ETag:         etag(streamID, meta.TailOffset, meta.TailOffset, meta.Closed),
		CacheControl: cacheControl(meta, time.Now()),
	}, nil
}

// ReadRequest is the input to read(stream_id, offset, max_chunk_bytes).
type ReadRequest struct {
	StreamID      string
	Offset        string // wire-form offset, "" or "-1" means start
	MaxChunkBytes int
	IfNoneMatch   string
}

// Read implements read (§4.2): offset resolution, tier routing, hot/cold
// fetch, coalescing, and the ETag/Cache-Control contract.
func (r *Reader) Read(ctx context.Context, req ReadRequest) (*Result, error) {
	reqOffset, err := offset.Parse(req.Offset)
	if err != nil {
		return nil, &engine.Failure{Kind: engine.KindBadRequest, Detail: "invalid offset"}
	}
	maxChunk := req.MaxChunkBytes
	if maxChunk <= 0 || maxChunk > r.cfg.MaxChunkBytes {
		maxChunk = r.cfg.MaxChunkBytes
	}

	meta, err := r.storage.GetMeta(ctx, req.StreamID)
	if err != nil {
		if err == storage.ErrStreamNotFound {
			return nil, &engine.Failure{Kind: engine.KindNotFound}
		}
		return nil, &engine.Failure{Kind: engine.KindInternal, Err: err}
	}

	key := coalesceKey(req.StreamID, meta.TailOffset, meta.Closed, reqOffset, maxChunk)
	if cached, ok := r.cache.get(key); ok {
		return applyConditional(cached, req.IfNoneMatch), nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		res, err := r.resolveAndRead(ctx, meta, reqOffset, maxChunk)
		if err != nil {
			return nil, err
		}
		r.cache.put(key, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return applyConditional(v.(*Result), req.IfNoneMatch), nil
}

func applyConditional(res *Result, ifNoneMatch string) *Result {
	if ifNoneMatch == "" || ifNoneMatch != res.ETag {
		out := *res
		return &out
	}
	out := *res
	out.NotModified = true
	out.Body = nil
	return &out
}

// resolveAndRead implements offset resolution + storage-tier routing
// (§4.2).
func (r *Reader) resolveAndRead(ctx context.Context, meta *storage.StreamMeta, reqOffset offset.Offset, maxChunk int) (*Result, error) {
	var absolute uint64

	switch {
	case reqOffset.ReadSeq > meta.ReadSeq:
		return nil, &engine.Failure{Kind: engine.KindInvalidOffset}
	case reqOffset.ReadSeq == meta.ReadSeq:
		absolute = meta.SegmentStart + reqOffset.Pos
		if absolute > meta.TailOffset {
			return nil, &engine.Failure{Kind: engine.KindOffsetBeyondTail}
		}
	default:
		seg, err := r.storage.GetSegment(ctx, meta.StreamID, reqOffset.ReadSeq)
		if err != nil {
			if err == storage.ErrSegmentNotFound {
				return nil, &engine.Failure{Kind: engine.KindInvalidOffset}
			}
			return nil, &engine.Failure{Kind: engine.KindInternal, Err: err}
		}
		absolute = seg.StartOffset + reqOffset.Pos
		if absolute > seg.EndOffset {
			absolute = seg.EndOffset
		}
		if absolute > meta.TailOffset {
			absolute = meta.TailOffset
		}
	}

	if r.objects == nil || absolute >= meta.SegmentStart {
		return r.readHot(ctx, meta, absolute, maxChunk)
	}

	seg, err := r.storage.SegmentCoveringOffset(ctx, meta.StreamID, absolute)
	if err != nil {
		if err == storage.ErrSegmentNotFound {
			// No segment's [start, end) contains this offset — either it
			// sits exactly on a segment boundary, or between two
			// non-adjacent segments. Either way, §4.2 treats it as a gap.
			return r.gapResult(meta, absolute), nil
		}
		return nil, &engine.Failure{Kind: engine.KindInternal, Err: err}
	}
	return r.readCold(ctx, meta, *seg, absolute, maxChunk)
}

func (r *Reader) gapResult(meta *storage.StreamMeta, absolute uint64) *Result {
	return &Result{
		Body:         nil,
		NextOffset:   offset.Offset{ReadSeq: meta.ReadSeq, Pos: absolute - meta.SegmentStart},
		UpToDate:     absolute == meta.TailOffset,
		ClosedAtTail: meta.Closed && absolute == meta.TailOffset,
		ETag:         etag(meta.StreamID, absolute, absolute, meta.Closed),
		CacheControl: cacheControl(meta, time.Now()),
	}
}

// readHot implements the §4.2 hot-read assembly rules.
func (r *Reader) readHot(ctx context.Context, meta *storage.StreamMeta, absolute uint64, maxChunk int) (*Result, error) {
	rows, err := r.storage.ReadHotRows(ctx, meta.StreamID, absolute, maxChunk)
	if err != nil {
		return nil, &engine.Failure{Kind: engine.KindInternal, Err: err}
	}

	isJSON := isJSONContentType(meta.ContentType)
	var body []byte
	var nextAbsolute uint64 = absolute

	if len(rows) == 0 {
		if isJSON {
			body = []byte("[]")
		}
		nextAbsolute = absolute
	} else if isJSON {
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, row := range rows {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(row.Body)
		}
		buf.WriteByte(']')
		body = buf.Bytes()
		nextAbsolute = rows[len(rows)-1].EndOffset
	} else {
		var buf bytes.Buffer
		budget := maxChunk
		for i, row := range rows {
			rowBody := row.Body
			rowStart := row.StartOffset
			if i == 0 && absolute > row.StartOffset {
				rowStart = absolute
				rowBody = rowBody[absolute-row.StartOffset:]
			}
			if len(rowBody) > budget {
				rowBody = rowBody[:budget]
				nextAbsolute = rowStart + uint64(budget)
				buf.Write(rowBody)
				budget = 0
				break
			}
			buf.Write(rowBody)
			budget -= len(rowBody)
			nextAbsolute = rowStart + uint64(len(rowBody))
		}
		body = buf.Bytes()
	}

	upToDate := nextAbsolute >= meta.TailOffset
	var writeTS int64
	if len(rows) > 0 {
		writeTS = rows[len(rows)-1].CreatedAt.UnixMilli()
	}

	return &Result{
		Body:             body,
		NextOffset:       offset.Offset{ReadSeq: meta.ReadSeq, Pos: nextAbsolute - meta.SegmentStart},
		UpToDate:         upToDate,
		ClosedAtTail:     meta.Closed && upToDate,
		WriteTimestampMS: writeTS,
		ETag:             etag(meta.StreamID, absolute, nextAbsolute, meta.Closed && upToDate),
		CacheControl:     cacheControl(meta, time.Now()),
	}, nil
}

// readCold fetches a segment blob and seek-decodes it (§4.3, §4.6).
func (r *Reader) readCold(ctx context.Context, meta *storage.StreamMeta, seg storage.SegmentRecord, absolute uint64, maxChunk int) (*Result, error) {
	blob, err := r.objects.Get(ctx, seg.ObjectKey)
	if err != nil {
		if err == objectstore.ErrNotFound {
			return nil, &engine.Failure{Kind: engine.KindSegmentUnavailable}
		}
		return nil, &engine.Failure{Kind: engine.KindInternal, Err: err}
	}

	decoded := segment.SeekDecode(blob, seg.StartOffset, absolute, maxChunk)
	if decoded.Truncated {
		return nil, &engine.Failure{Kind: engine.KindSegmentTruncated}
	}
	if len(decoded.Entries) == 0 {
		return &Result{
			Body:         nil,
			NextOffset:   offset.Offset{ReadSeq: meta.ReadSeq, Pos: absolute - meta.SegmentStart},
			UpToDate:     absolute == meta.TailOffset,
			ClosedAtTail: meta.Closed && absolute == meta.TailOffset,
			ETag:         etag(meta.StreamID, absolute, absolute, meta.Closed),
			CacheControl: cacheControl(meta, time.Now()),
		}, nil
	}

	isJSON := isJSONContentType(meta.ContentType)
	var body []byte
	var nextAbsolute uint64
	if isJSON {
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range decoded.Entries {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(e.Body)
		}
		buf.WriteByte(']')
		body = buf.Bytes()
		last := decoded.Entries[len(decoded.Entries)-1]
		nextAbsolute = last.StartOffset + last.Span
	} else {
		var buf bytes.Buffer
		for _, e := range decoded.Entries {
			buf.Write(e.Body)
		}
		body = buf.Bytes()
		last := decoded.Entries[len(decoded.Entries)-1]
		nextAbsolute = last.StartOffset + last.Span
	}

	upToDate := nextAbsolute >= meta.TailOffset
	return &Result{
		Body:         body,
		NextOffset:   offset.Offset{ReadSeq: meta.ReadSeq, Pos: nextAbsolute - meta.SegmentStart},
		UpToDate:     upToDate,
		ClosedAtTail: meta.Closed && upToDate,
		ETag:         etag(meta.StreamID, absolute, nextAbsolute, meta.Closed && upToDate),
		CacheControl: cacheControl(meta, time.Now()),
	}, nil
}

func etag(streamID string, start, end uint64, closed bool) string {
	if closed {
		return fmt.Sprintf("%s:%d:%d:c", streamID, start, end)
	}
	return fmt.Sprintf("%s:%d:%d", streamID, start, end)
}

func cacheControl(meta *storage.StreamMeta, now time.Time) string {
	if meta.IsExpired(now) {
		return "no-store"
	}
	remaining := 60
	if meta.ExpiresAt != nil {
		secs := int(meta.ExpiresAt.Sub(now).Seconds())
		if secs < remaining {
			remaining = secs
		}
	} else if meta.TTLSeconds != nil {
		expiresAt := meta.CreatedAt.Add(time.Duration(*meta.TTLSeconds) * time.Second)
		secs := int(expiresAt.Sub(now).Seconds())
		if secs < remaining {
			remaining = secs
		}
	}
	if remaining < 0 {
		return "no-store"
	}
	return fmt.Sprintf("public, max-age=%d", remaining)
}

func coalesceKey(streamID string, tailOffset uint64, closed bool, reqOffset offset.Offset, maxChunk int) string {
	return fmt.Sprintf("%s|%d|%t|%s|%d", streamID, tailOffset, closed, reqOffset.String(), maxChunk)
}

func isJSONContentType(ct string) bool {
	norm := strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(norm, ';'); i >= 0 {
		norm = strings.TrimSpace(norm[:i])
	}
	return norm == "application/json"
}
