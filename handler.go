package durablestreams

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/tidewire/tidewire/engine"
	"github.com/tidewire/tidewire/live"
	"github.com/tidewire/tidewire/offset"
	"github.com/tidewire/tidewire/readpath"
)

// Protocol header names (§6 of the spec; the names are part of the wire
// contract).
const (
	HeaderStreamNextOffset      = "Stream-Next-Offset"
	HeaderStreamCursor          = "Stream-Cursor"
	HeaderStreamUpToDate        = "Stream-Up-To-Date"
	HeaderStreamClosed          = "Stream-Closed"
	HeaderStreamWriteTimestamp  = "Stream-Write-Timestamp"
	HeaderStreamSeq             = "Stream-Seq"
	HeaderStreamTTL             = "Stream-TTL"
	HeaderStreamExpiresAt       = "Stream-Expires-At"
	HeaderProducerID            = "Producer-Id"
	HeaderProducerEpoch         = "Producer-Epoch"
	HeaderProducerSeq           = "Producer-Seq"
	HeaderProducerExpectedSeq   = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq   = "Producer-Received-Seq"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers",
		"Content-Type, Stream-Seq, Stream-TTL, Stream-Expires-At, Producer-Id, Producer-Epoch, Producer-Seq, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers",
		"Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, Stream-Write-Timestamp, ETag, Location")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	streamID := r.URL.Path
	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", streamID),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamID)
	case http.MethodHead:
		err = h.handleHead(w, r, streamID)
	case http.MethodGet:
		err = h.handleRead(w, r, streamID)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamID)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, streamID string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)
	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}
	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	producer, err := parseProducerHeaders(r)
	if err != nil {
		return err
	}

	var initialBody []byte
	if r.ContentLength != 0 {
		initialBody, err = readBodyWithLengthCheck(r)
		if err != nil {
			return err
		}
	}

	req := engine.CreateRequest{
		StreamID:    streamID,
		ContentType: contentType,
		InitialBody: initialBody,
		Producer:    producer,
		Close:       r.Header.Get(HeaderStreamClosed) == "true",
		Public:      true,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		StreamSeq:   r.Header.Get(HeaderStreamSeq),
	}

	result, err := h.engine.Create(r.Context(), req)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set(HeaderStreamNextOffset, result.TailOffset.String())
	if result.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if result.Created {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		w.Header().Set("Location", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path))
		w.WriteHeader(http.StatusCreated)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, streamID string) error {
	res, err := h.reader.Head(r.Context(), streamID)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	w.Header().Set("Cache-Control", "no-store")
	if res.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	writeExpiryHeaders(w, res.TTLSeconds, res.ExpiresAt)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, streamID string) error {
	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}
	if _, err := offset.Parse(offsetStr); offsetProvided && err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")
	if (liveMode == "long-poll" || liveMode == "sse" || liveMode == "socket") && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for live modes")
	}

	maxChunk := 0
	if mc := query.Get("max_chunk_bytes"); mc != "" {
		n, err := strconv.Atoi(mc)
		if err != nil || n <= 0 {
			return newHTTPError(http.StatusBadRequest, "invalid max_chunk_bytes")
		}
		maxChunk = n
	}

	switch liveMode {
	case "sse":
		return h.handleSSE(w, r, streamID, offsetStr, maxChunk, cursor)
	case "socket":
		return h.handleSocket(w, r, streamID, offsetStr, maxChunk, cursor)
	}

	if liveMode == "long-poll" {
		return h.handleLongPoll(w, r, streamID, offsetStr, maxChunk, cursor)
	}

	return h.readAndRespond(w, r, streamID, offsetStr, maxChunk, cursor)
}

// readAndRespond performs one non-live read and writes the full §4.2
// response contract: headers, ETag/Cache-Control, and conditional 304.
func (h *Handler) readAndRespond(w http.ResponseWriter, r *http.Request, streamID, offsetStr string, maxChunk int, cursor string) error {
	res, err := h.reader.Read(r.Context(), readRequest(streamID, offsetStr, maxChunk, r.Header.Get("If-None-Match")))
	if err != nil {
		return err
	}
	writeReadHeaders(w, res, cursor)
	if res.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
	return nil
}

func readRequest(streamID, offsetStr string, maxChunk int, ifNoneMatch string) readpath.ReadRequest {
	return readpath.ReadRequest{
		StreamID:      streamID,
		Offset:        offsetStr,
		MaxChunkBytes: maxChunk,
		IfNoneMatch:   ifNoneMatch,
	}
}

// handleLongPoll implements the §4.4 long-poll waiter queue from the HTTP
// side: if data is already available it reads immediately; otherwise it
// registers a waiter keyed by this request's URL (so a pre-cache write
// lands exactly where this call will look for it) and blocks until
// woken or timed out.
func (h *Handler) handleLongPoll(w http.ResponseWriter, r *http.Request, streamID, offsetStr string, maxChunk int, cursor string) error {
	at, err := offset.Parse(offsetStr)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	res, err := h.reader.Read(r.Context(), readRequest(streamID, offsetStr, maxChunk, ""))
	if err != nil {
		return err
	}
	if len(res.Body) > 0 || res.ClosedAtTail {
		writeReadHeaders(w, res, cursor)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Body)
		return nil
	}

	url := r.URL.String()
	if cached, ok := h.engine.Precache().Take(url); ok {
		writeLiveResponse(w, cached, cursor)
		return nil
	}

	timeout := time.Duration(h.LongPollTimeout)
	if t := r.URL.Query().Get("timeout_ms"); t != "" {
		if ms, err := strconv.Atoi(t); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	timedOut := h.engine.Waiters(streamID).Wait(ctx, at, url, timeout)

	if !timedOut {
		if cached, ok := h.engine.Precache().Take(url); ok {
			writeLiveResponse(w, cached, cursor)
			return nil
		}
		res, err = h.reader.Read(context.Background(), readRequest(streamID, offsetStr, maxChunk, ""))
		if err != nil {
			return err
		}
		writeReadHeaders(w, res, cursor)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Body)
		return nil
	}

	w.Header().Set(HeaderStreamNextOffset, offsetStr)
	w.Header().Set(HeaderStreamUpToDate, "true")
	if cursor != "" {
		w.Header().Set(HeaderStreamCursor, cursor)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func writeLiveResponse(w http.ResponseWriter, resp live.Response, cursor string) {
	w.Header().Set(HeaderStreamNextOffset, resp.NextOffset)
	if resp.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if resp.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if resp.WriteTimestampMS > 0 {
		w.Header().Set(HeaderStreamWriteTimestamp, strconv.FormatInt(resp.WriteTimestampMS, 10))
	}
	if cursor != "" {
		w.Header().Set(HeaderStreamCursor, cursor)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

// handleSSE streams the event-stream push channel (§4.4): data events
// carrying payload bytes plus control events carrying offset/up-to-date/
// closed metadata, fed by the stream's broadcaster.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, streamID, offsetStr string, maxChunk int, cursor string) error {
	// Drain any history between offsetStr and the live tail first, so a
	// subscriber that reconnects mid-stream doesn't miss what was
	// appended while it was away.
	res, err := h.reader.Read(r.Context(), readRequest(streamID, offsetStr, maxChunk, ""))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	w.WriteHeader(http.StatusOK)

	ch, unsubscribe := h.engine.Broadcaster(streamID).Subscribe()
	defer unsubscribe()

	if len(res.Body) > 0 {
		ev := live.Event{Payload: res.Body, NextOffset: res.NextOffset.String(), UpToDate: res.UpToDate, Closed: res.ClosedAtTail, Cursor: cursor}
		w.Write(ev.SSEFrame())
	} else {
		ev := live.Event{NextOffset: res.NextOffset.String(), UpToDate: res.UpToDate, Closed: res.ClosedAtTail, Cursor: cursor}
		w.Write(ev.SSEFrame())
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Cursor == "" {
				ev.Cursor = cursor
			}
			if _, err := w.Write(ev.SSEFrame()); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// handleSocket streams the message-framed push channel (§4.4): the same
// events as SSE but newline-delimited JSON frames with base64 payloads,
// matching the teacher's chunked-writer SSE style generalized to a
// second framing (no WebSocket dependency in the pack to ground a
// hijacked-connection implementation on).
func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request, streamID, offsetStr string, maxChunk int, cursor string) error {
	res, err := h.reader.Read(r.Context(), readRequest(streamID, offsetStr, maxChunk, ""))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	ch, unsubscribe := h.engine.Broadcaster(streamID).Subscribe()
	defer unsubscribe()

	writeFrame := func(ev live.Event) error {
		if ev.Cursor == "" {
			ev.Cursor = cursor
		}
		frame, err := ev.SocketFrame()
		if err != nil {
			return err
		}
		bw.Write(frame)
		bw.WriteByte('\n')
		return bw.Flush()
	}

	initial := live.Event{Payload: res.Body, NextOffset: res.NextOffset.String(), UpToDate: res.UpToDate, Closed: res.ClosedAtTail}
	if err := writeFrame(initial); err != nil {
		return nil
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeFrame(ev); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, streamID string) error {
	contentType := r.Header.Get("Content-Type")

	producer, err := parseProducerHeaders(r)
	if err != nil {
		return err
	}

	var body []byte
	close := r.Header.Get(HeaderStreamClosed) == "true"
	if r.ContentLength != 0 {
		body, err = readBodyWithLengthCheck(r)
		if err != nil {
			return err
		}
	}
	if len(body) == 0 && !close {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed without Stream-Closed: true")
	}

	req := engine.AppendRequest{
		StreamID:    streamID,
		Body:        body,
		ContentType: contentType,
		Producer:    producer,
		StreamSeq:   r.Header.Get(HeaderStreamSeq),
		Close:       close,
	}

	result, err := h.engine.Append(r.Context(), req)
	if err != nil {
		return err
	}

	w.Header().Set(HeaderStreamNextOffset, result.TailOffset.String())
	if result.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if result.HasProducer && !result.Duplicate {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, streamID string) error {
	if _, err := h.engine.Delete(r.Context(), streamID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// parseProducerHeaders implements §6's "all three required together" rule
// for the producer triple.
func parseProducerHeaders(r *http.Request) (*engine.ProducerTriple, error) {
	id := r.Header.Get(HeaderProducerID)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)
	if id == "" && epochStr == "" && seqStr == "" {
		return nil, nil
	}
	if id == "" || epochStr == "" || seqStr == "" {
		return nil, newHTTPError(http.StatusBadRequest, "Producer-Id, Producer-Epoch, and Producer-Seq must all be provided together")
	}
	if !validProducerID(id) {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Id")
	}
	epoch, err := strconv.ParseUint(epochStr, 10, 53)
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch")
	}
	seq, err := strconv.ParseUint(seqStr, 10, 53)
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Seq")
	}
	return &engine.ProducerTriple{ID: id, Epoch: epoch, Seq: seq}, nil
}

func validProducerID(id string) bool {
	if len(id) == 0 || len(id) > 256 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == ':' || c == '.':
		default:
			return false
		}
	}
	return true
}

// readBodyWithLengthCheck enforces the §4.6 "Content-Length, when
// present, must equal actual body length" protocol guard.
func readBodyWithLengthCheck(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if r.ContentLength >= 0 && int64(len(body)) != r.ContentLength {
		return nil, newHTTPError(http.StatusBadRequest, "Content-Length does not match body length")
	}
	return body, nil
}

func writeExpiryHeaders(w http.ResponseWriter, ttlSeconds *int64, expiresAt *time.Time) {
	if ttlSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*ttlSeconds, 10))
	}
	if expiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, expiresAt.Format(time.RFC3339))
	}
}

func writeReadHeaders(w http.ResponseWriter, res *readpath.Result, cursor string) {
	w.Header().Set(HeaderStreamNextOffset, res.NextOffset.String())
	if res.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if res.ClosedAtTail {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if res.WriteTimestampMS > 0 {
		w.Header().Set(HeaderStreamWriteTimestamp, strconv.FormatInt(res.WriteTimestampMS, 10))
	}
	if cursor != "" {
		w.Header().Set(HeaderStreamCursor, cursor)
	}
	w.Header().Set("ETag", fmt.Sprintf(`"%s"`, res.ETag))
	w.Header().Set("Cache-Control", res.CacheControl)
}

// httpError maps an engine.Failure (or a transport-level validation
// failure) to an HTTP status, per §6's status-code mapping.
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	var failure *engine.Failure
	if errors.As(err, &failure) {
		h.writeFailure(w, failure)
		return
	}

	h.logger.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeFailure(w http.ResponseWriter, f *engine.Failure) {
	switch f.Kind {
	case engine.KindNotFound:
		http.Error(w, "stream not found", http.StatusNotFound)
	case engine.KindConflict:
		http.Error(w, fmt.Sprintf("conflict: %s", f.Reason), http.StatusConflict)
	case engine.KindClosedConflict:
		w.Header().Set(HeaderStreamClosed, "true")
		http.Error(w, "stream is closed", http.StatusConflict)
	case engine.KindBadRequest:
		http.Error(w, f.Detail, http.StatusBadRequest)
	case engine.KindPayloadTooLarge:
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
	case engine.KindQuotaExceeded:
		http.Error(w, "storage quota exceeded", http.StatusInsufficientStorage)
	case engine.KindInvalidOffset:
		http.Error(w, "invalid offset", http.StatusBadRequest)
	case engine.KindOffsetBeyondTail:
		http.Error(w, "offset beyond tail", http.StatusBadRequest)
	case engine.KindSeqRegression:
		http.Error(w, "stream-seq regression", http.StatusConflict)
	case engine.KindStaleEpoch:
		w.Header().Set("Producer-Current-Epoch", strconv.FormatUint(f.CurrentEpoch, 10))
		http.Error(w, "producer epoch is stale", http.StatusConflict)
	case engine.KindSeqGap:
		w.Header().Set(HeaderProducerExpectedSeq, strconv.FormatUint(f.ExpectedSeq, 10))
		w.Header().Set(HeaderProducerReceivedSeq, strconv.FormatUint(f.ReceivedSeq, 10))
		http.Error(w, "producer sequence gap", http.StatusBadRequest)
	case engine.KindSegmentUnavailable:
		http.Error(w, "segment unavailable", http.StatusInternalServerError)
	case engine.KindSegmentTruncated:
		h.logger.Error("segment corruption detected", zap.Error(f))
		http.Error(w, "segment truncated", http.StatusInternalServerError)
	default:
		h.logger.Error("internal engine error", zap.Error(f))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// parseTTL parses and validates a TTL string: a non-negative integer
// without a leading zero (except "0" itself), no sign, no float.
var ttlDigits = func(s string) bool {
	if s == "0" {
		return true
	}
	if len(s) == 0 || s[0] == '0' {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func parseTTL(s string) (int64, error) {
	if !ttlDigits(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}
	return ttl, nil
}
