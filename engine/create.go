package engine

import (
	"context"
	"time"

	"github.com/tidewire/tidewire/offset"
	"github.com/tidewire/tidewire/storage"
)

// Create implements create_or_idempotent (§4.1).
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return submit[*CreateResult](e, req.StreamID, func(ctx context.Context) (interface{}, error) {
		return e.doCreate(ctx, req)
	})
}

func (e *Engine) doCreate(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.TTLSeconds != nil && req.ExpiresAt != nil {
		return nil, badRequest("ttl_seconds and expires_at are mutually exclusive")
	}
	if len(req.InitialBody) > e.cfg.MaxAppendBytes {
		return nil, payloadTooLarge()
	}

	existing, err := e.deps.Storage.GetMeta(ctx, req.StreamID)
	if err == nil {
		if !configMatches(existing, req) {
			return nil, conflict("create_options_mismatch")
		}
		return &CreateResult{
			Created:    false,
			TailOffset: offset.Offset{ReadSeq: existing.ReadSeq, Pos: existing.TailOffset - existing.SegmentStart},
			Closed:     existing.Closed,
		}, nil
	}
	if err != storage.ErrStreamNotFound {
		return nil, internal(err)
	}

	now := time.Now().UTC()
	meta := storage.StreamMeta{
		StreamID:    req.StreamID,
		ContentType: req.ContentType,
		Public:      req.Public,
		TTLSeconds:  req.TTLSeconds,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
	}
	if err := e.deps.Storage.CreateStream(ctx, meta); err != nil {
		return nil, internal(err)
	}

	if len(req.InitialBody) == 0 && !req.Close {
		return &CreateResult{Created: true, TailOffset: offset.Zero}, nil
	}

	appendReq := AppendRequest{
		StreamID:    req.StreamID,
		Body:        req.InitialBody,
		ContentType: req.ContentType,
		Producer:    req.Producer,
		StreamSeq:   req.StreamSeq,
		Close:       req.Close,
	}
	result, err := e.doAppend(ctx, appendReq)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Created: true, TailOffset: result.TailOffset, Closed: result.Closed}, nil
}

func configMatches(m *storage.StreamMeta, req CreateRequest) bool {
	if normalizeContentType(m.ContentType) != normalizeContentType(req.ContentType) {
		return false
	}
	if (m.TTLSeconds == nil) != (req.TTLSeconds == nil) {
		return false
	}
	if m.TTLSeconds != nil && req.TTLSeconds != nil && *m.TTLSeconds != *req.TTLSeconds {
		return false
	}
	if (m.ExpiresAt == nil) != (req.ExpiresAt == nil) {
		return false
	}
	if m.ExpiresAt != nil && req.ExpiresAt != nil && !m.ExpiresAt.Equal(*req.ExpiresAt) {
		return false
	}
	if m.Closed != req.Close {
		return false
	}
	return true
}
