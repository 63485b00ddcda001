// Package segment implements the wire format for cold stream segments: an
// immutable sequence of messages that preserves the original stream
// offsets so a reader can seek directly to a requested offset without
// decoding everything before it.
package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// LengthPrefixSize is the size, in bytes, of each message's byte-length
// prefix.
const LengthPrefixSize = 4

// SpanPrefixSize is the size, in bytes, of each message's span prefix —
// how many offset units (bytes for binary streams, one element for JSON
// streams) the message advances the stream's tail by. Span and byte
// length diverge for JSON content, where one element can be many bytes
// but always advances the offset by exactly one.
const SpanPrefixSize = 8

// MaxMessageSize bounds a single encoded message to guard against a
// corrupted length prefix causing an enormous allocation.
const MaxMessageSize = 64 * 1024 * 1024

// ErrMessageTooLarge is returned by Encode when a message would exceed
// MaxMessageSize.
var ErrMessageTooLarge = errors.New("segment: message too large")

// Entry is one logical message going into (or coming out of) a segment,
// tagged with the absolute stream offset of its first unit (byte or JSON
// element, depending on content type) and how many units it spans.
type Entry struct {
	StartOffset uint64
	Span        uint64 // end_offset - start_offset
	Body        []byte
}

// Encode concatenates entries into the on-disk segment format: for each
// entry, a 4-byte big-endian byte-length prefix, an 8-byte big-endian
// span, then the body. The format is stable forever once written for a
// given read_seq — callers must never re-encode an existing read_seq with
// a different layout.
func Encode(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	var lenBuf [LengthPrefixSize]byte
	var spanBuf [SpanPrefixSize]byte
	for _, e := range entries {
		if len(e.Body) > MaxMessageSize {
			return nil, ErrMessageTooLarge
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Body)))
		buf.Write(lenBuf[:])
		binary.BigEndian.PutUint64(spanBuf[:], e.Span)
		buf.Write(spanBuf[:])
		buf.Write(e.Body)
	}
	return buf.Bytes(), nil
}

// DecodeResult is the outcome of a seek-decode pass over a segment blob.
type DecodeResult struct {
	Entries   []Entry
	Truncated bool // true if the blob ended mid-message
}

// SeekDecode scans a segment blob starting logically at segmentStartOffset
// (the absolute stream offset of the segment's first unit) and emits
// entries whose StartOffset >= fromOffset, stopping once the cumulative
// body size would exceed maxBytes or the blob is exhausted.
//
// It still has to walk every message header from the start of the blob
// (the format has no index), but it skips decoding (copying) the bodies of
// messages entirely before fromOffset, which is the costly part for large
// segments read from near their tail.
func SeekDecode(blob []byte, segmentStartOffset, fromOffset uint64, maxBytes int) DecodeResult {
	var result DecodeResult
	pos := 0
	cur := segmentStartOffset
	var emitted int

	for pos < len(blob) {
		if len(blob)-pos < LengthPrefixSize+SpanPrefixSize {
			result.Truncated = true
			break
		}
		length := binary.BigEndian.Uint32(blob[pos : pos+LengthPrefixSize])
		if length > MaxMessageSize {
			result.Truncated = true
			break
		}
		span := binary.BigEndian.Uint64(blob[pos+LengthPrefixSize : pos+LengthPrefixSize+SpanPrefixSize])
		bodyStart := pos + LengthPrefixSize + SpanPrefixSize
		bodyEnd := bodyStart + int(length)
		if bodyEnd > len(blob) {
			result.Truncated = true
			break
		}

		if cur >= fromOffset {
			if emitted > 0 && emitted+int(length) > maxBytes {
				break
			}
			body := make([]byte, length)
			copy(body, blob[bodyStart:bodyEnd])
			result.Entries = append(result.Entries, Entry{
				StartOffset: cur,
				Span:        span,
				Body:        body,
			})
			emitted += int(length)
		}

		cur += span
		pos = bodyEnd

		if emitted >= maxBytes && len(result.Entries) > 0 {
			break
		}
	}

	return result
}

// Scan walks an entire segment blob and reports the final absolute offset
// and whether the blob ends mid-message. Used during recovery to verify a
// segment written just before a crash.
func Scan(blob []byte, segmentStartOffset uint64) (endOffset uint64, truncated bool) {
	pos := 0
	cur := segmentStartOffset
	for pos < len(blob) {
		if len(blob)-pos < LengthPrefixSize+SpanPrefixSize {
			return cur, true
		}
		length := binary.BigEndian.Uint32(blob[pos : pos+LengthPrefixSize])
		if length > MaxMessageSize {
			return cur, true
		}
		span := binary.BigEndian.Uint64(blob[pos+LengthPrefixSize : pos+LengthPrefixSize+SpanPrefixSize])
		bodyEnd := pos + LengthPrefixSize + SpanPrefixSize + int(length)
		if bodyEnd > len(blob) {
			return cur, true
		}
		cur += span
		pos = bodyEnd
	}
	return cur, false
}
