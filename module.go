// Package durablestreams implements the Durable Streams Protocol as a
// Caddy HTTP handler, wiring the engine/readpath/live/fanout core onto
// DuckDB hot storage, an S3-compatible cold object store, a NATS
// JetStream fanout queue, and a bbolt registry mirror.
package durablestreams

import (
	"context"
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/tidewire/tidewire/engine"
	"github.com/tidewire/tidewire/fanout"
	"github.com/tidewire/tidewire/objectstore"
	"github.com/tidewire/tidewire/queue"
	"github.com/tidewire/tidewire/readpath"
	"github.com/tidewire/tidewire/registry"
	"github.com/tidewire/tidewire/storage"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams Protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir holds the DuckDB file, the bbolt segment ledger, and the
	// bbolt registry mirror. If empty, DuckDB runs in-memory and neither
	// bbolt file is opened (tests, local dev).
	DataDir string `json:"data_dir,omitempty"`

	// LongPollTimeout is the default timeout for long-poll reads.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// MaxAppendBytes / MaxChunkBytes / QuotaBytes mirror §4.6's limits.
	MaxAppendBytes int64 `json:"max_append_bytes,omitempty"`
	MaxChunkBytes  int64 `json:"max_chunk_bytes,omitempty"`
	QuotaBytes     int64 `json:"quota_bytes,omitempty"`

	// MaxSegmentMessages / MaxSegmentBytes are the §4.1.3 rotation
	// thresholds.
	MaxSegmentMessages int64 `json:"max_segment_messages,omitempty"`
	MaxSegmentBytes    int64 `json:"max_segment_bytes,omitempty"`

	// FanoutInlineThreshold is the §4.5 subscriber-count cutover between
	// inline and queued fanout delivery.
	FanoutInlineThreshold int `json:"fanout_inline_threshold,omitempty"`

	// S3Bucket/S3Region/S3Endpoint/S3AccessKeyID/S3SecretAccessKey
	// configure the cold-segment object store. If S3Bucket is empty,
	// segments are never rotated to cold storage (hot-only mode).
	S3Bucket          string `json:"s3_bucket,omitempty"`
	S3Region          string `json:"s3_region,omitempty"`
	S3Endpoint        string `json:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `json:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `json:"s3_secret_access_key,omitempty"`

	// NATSURL configures the fanout queue's JetStream transport. If
	// empty, fanout above FanoutInlineThreshold is dropped with a logged
	// error instead of queued.
	NATSURL        string `json:"nats_url,omitempty"`
	NATSStreamName string `json:"nats_stream_name,omitempty"`
	NATSSubject    string `json:"nats_subject,omitempty"`

	logger *zap.Logger

	storage  *storage.Store
	ledger   *storage.SegmentLedger
	objects  objectstore.Store
	regMirror registry.Mirror
	fanoutQ  queue.Queue

	engine   *engine.Engine
	reader   *readpath.Reader
	fanoutMgr *fanout.Manager
	consumer *fanout.Consumer

	stopConsumer context.CancelFunc
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up storage, the engine, the read path, and the fanout
// pipeline, following the teacher's single-pass Provision style.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()
	h.applyDefaults()

	if err := h.provisionStorage(); err != nil {
		return err
	}
	if err := h.provisionObjectStore(ctx.Context); err != nil {
		return err
	}
	h.provisionRegistry()
	if err := h.provisionQueue(); err != nil {
		return err
	}

	h.engine = engine.New(engine.Deps{
		Storage:  h.storage,
		Ledger:   h.ledger,
		Objects:  h.objects,
		Registry: h.regMirror,
		Fanout:   nil, // set below, once the fanout manager exists
		Logger:   h.logger,
	}, engine.Config{
		MaxMessages:       uint32(h.MaxSegmentMessages),
		MaxSegmentBytes:   uint64(h.MaxSegmentBytes),
		MaxAppendBytes:    int(h.MaxAppendBytes),
		MaxChunkBytes:     int(h.MaxChunkBytes),
		QuotaBytes:        uint64(h.QuotaBytes),
		StaggerWindow:     50 * time.Millisecond,
		IdleTimeout:       10 * time.Minute,
		DeleteHotOnRotate: true,
	})

	h.fanoutMgr = fanout.NewManager(h.storage, h.engine, h.fanoutQ,
		fanout.Config{InlineThreshold: h.FanoutInlineThreshold}, h.logger)
	h.engine.SetFanout(h.fanoutMgr)

	h.reader = readpath.New(h.storage, h.objects, readpath.Config{
		MaxChunkBytes:   int(h.MaxChunkBytes),
		CacheTTL:        100 * time.Millisecond,
		MaxCacheEntries: 1000,
	})

	if h.fanoutQ != nil {
		h.consumer = fanout.NewConsumer(h.fanoutQ, h.fanoutMgr, h.logger)
		var consumeCtx context.Context
		consumeCtx, h.stopConsumer = context.WithCancel(context.Background())
		go func() {
			if err := h.consumer.Run(consumeCtx); err != nil && consumeCtx.Err() == nil {
				h.logger.Error("fanout consumer exited", zap.Error(err))
			}
		}()
	}

	return nil
}

func (h *Handler) applyDefaults() {
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.MaxAppendBytes == 0 {
		h.MaxAppendBytes = 16 << 20
	}
	if h.MaxChunkBytes == 0 {
		h.MaxChunkBytes = 1 << 20
	}
	if h.QuotaBytes == 0 {
		h.QuotaBytes = 512 << 20
	}
	if h.MaxSegmentMessages == 0 {
		h.MaxSegmentMessages = 1000
	}
	if h.MaxSegmentBytes == 0 {
		h.MaxSegmentBytes = 4 << 20
	}
	if h.FanoutInlineThreshold == 0 {
		h.FanoutInlineThreshold = 8
	}
}

func (h *Handler) provisionStorage() error {
	if h.DataDir == "" {
		h.logger.Info("using in-memory duckdb store (no data_dir configured)")
		st, err := storage.Open(":memory:", h.logger)
		if err != nil {
			return fmt.Errorf("open in-memory duckdb store: %w", err)
		}
		h.storage = st
		return nil
	}

	st, err := storage.Open(h.DataDir+"/tidewire.duckdb", h.logger)
	if err != nil {
		return fmt.Errorf("open duckdb store at %s: %w", h.DataDir, err)
	}
	h.storage = st

	ledger, err := storage.OpenSegmentLedger(h.DataDir)
	if err != nil {
		return fmt.Errorf("open segment ledger: %w", err)
	}
	h.ledger = ledger
	h.logger.Info("using duckdb-backed store", zap.String("data_dir", h.DataDir))
	return nil
}

func (h *Handler) provisionObjectStore(ctx context.Context) error {
	if h.S3Bucket == "" {
		h.logger.Info("no s3_bucket configured, cold segment rotation disabled")
		return nil
	}
	store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Bucket:          h.S3Bucket,
		Region:          h.S3Region,
		Endpoint:        h.S3Endpoint,
		AccessKeyID:     h.S3AccessKeyID,
		SecretAccessKey: h.S3SecretAccessKey,
	}, h.logger)
	if err != nil {
		return fmt.Errorf("provision s3 object store: %w", err)
	}
	h.objects = store
	return nil
}

func (h *Handler) provisionRegistry() {
	if h.DataDir == "" {
		return
	}
	mirror, err := registry.OpenBboltMirror(h.DataDir)
	if err != nil {
		h.logger.Warn("registry mirror unavailable, delete cleanup will skip it", zap.Error(err))
		return
	}
	h.regMirror = mirror
}

func (h *Handler) provisionQueue() error {
	if h.NATSURL == "" {
		h.logger.Info("no nats_url configured, fanout above the inline threshold will be dropped")
		return nil
	}
	q, err := queue.NewJetStreamQueue(queue.JetStreamConfig{
		URL:        h.NATSURL,
		StreamName: h.NATSStreamName,
		Subject:    h.NATSSubject,
		Durable:    "tidewire-fanout",
	}, h.logger)
	if err != nil {
		return fmt.Errorf("provision jetstream queue: %w", err)
	}
	h.fanoutQ = q
	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	if h.S3Bucket == "" && (h.S3Region != "" || h.S3Endpoint != "") {
		return fmt.Errorf("durable_streams: s3_region/s3_endpoint require s3_bucket")
	}
	return nil
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.stopConsumer != nil {
		h.stopConsumer()
	}
	if h.fanoutQ != nil {
		h.fanoutQ.Close()
	}
	if h.engine != nil {
		h.engine.Close()
	}
	if closer, ok := h.regMirror.(interface{ Close() error }); ok && closer != nil {
		closer.Close()
	}
	if h.ledger != nil {
		h.ledger.Close()
	}
	if h.storage != nil {
		return h.storage.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams:
//
//	durable_streams {
//	    data_dir /var/lib/tidewire
//	    long_poll_timeout 30s
//	    max_append_bytes 16777216
//	    max_chunk_bytes 1048576
//	    quota_bytes 536870912
//	    max_segment_messages 1000
//	    max_segment_bytes 4194304
//	    fanout_inline_threshold 8
//	    s3_bucket my-segments
//	    s3_region auto
//	    s3_endpoint https://accountid.r2.cloudflarestorage.com
//	    s3_access_key_id ...
//	    s3_secret_access_key ...
//	    nats_url nats://localhost:4222
//	    nats_stream_name tidewire-fanout
//	    nats_subject tidewire.fanout
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "max_append_bytes":
				if err := parseInt64Arg(d, &h.MaxAppendBytes); err != nil {
					return err
				}
			case "max_chunk_bytes":
				if err := parseInt64Arg(d, &h.MaxChunkBytes); err != nil {
					return err
				}
			case "quota_bytes":
				if err := parseInt64Arg(d, &h.QuotaBytes); err != nil {
					return err
				}
			case "max_segment_messages":
				if err := parseInt64Arg(d, &h.MaxSegmentMessages); err != nil {
					return err
				}
			case "max_segment_bytes":
				if err := parseInt64Arg(d, &h.MaxSegmentBytes); err != nil {
					return err
				}
			case "fanout_inline_threshold":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseIntArg(val)
				if err != nil {
					return d.Errf("invalid fanout_inline_threshold: %v", err)
				}
				h.FanoutInlineThreshold = n
			case "s3_bucket":
				if !d.Args(&h.S3Bucket) {
					return d.ArgErr()
				}
			case "s3_region":
				if !d.Args(&h.S3Region) {
					return d.ArgErr()
				}
			case "s3_endpoint":
				if !d.Args(&h.S3Endpoint) {
					return d.ArgErr()
				}
			case "s3_access_key_id":
				if !d.Args(&h.S3AccessKeyID) {
					return d.ArgErr()
				}
			case "s3_secret_access_key":
				if !d.Args(&h.S3SecretAccessKey) {
					return d.ArgErr()
				}
			case "nats_url":
				if !d.Args(&h.NATSURL) {
					return d.ArgErr()
				}
			case "nats_stream_name":
				if !d.Args(&h.NATSStreamName) {
					return d.ArgErr()
				}
			case "nats_subject":
				if !d.Args(&h.NATSSubject) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

func parseInt64Arg(d *caddyfile.Dispenser, dst *int64) error {
	var val string
	if !d.Args(&val) {
		return d.ArgErr()
	}
	_, err := fmt.Sscanf(val, "%d", dst)
	if err != nil {
		return d.Errf("invalid integer %q: %v", val, err)
	}
	return nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
