package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tidewire/tidewire/live"
	"github.com/tidewire/tidewire/objectstore"
	"github.com/tidewire/tidewire/registry"
	"github.com/tidewire/tidewire/storage"
)

// FanoutTrigger is the fire-and-forget hook the engine calls after a
// non-empty append commits. Implemented by the fanout package's Manager;
// kept as a small interface here so engine never imports fanout (fanout
// imports engine, to call back into Append for inline delivery).
type FanoutTrigger interface {
	Trigger(ctx context.Context, sourceStreamID string, payload []byte, contentType string, producer ProducerTriple, fanoutSeq uint64)
}

// Config holds the tunables the engine needs that the distilled spec
// leaves as implementation choices (§4.1.3, §4.6, idle reaping).
type Config struct {
	MaxMessages      uint32        // segment rotation trigger: segment_messages threshold
	MaxSegmentBytes  uint64        // segment rotation trigger: segment_bytes threshold
	MaxAppendBytes   int           // MAX_APPEND_BYTES
	MaxChunkBytes    int           // MAX_CHUNK_BYTES
	QuotaBytes       uint64        // DO_STORAGE_QUOTA_BYTES
	StaggerWindow    time.Duration // notify() wakeup spread
	IdleTimeout      time.Duration // actor reap window
	DeleteHotOnRotate bool         // §4.1.3 step 5's "optionally delete... (configurable; default on)"
}

// DefaultConfig returns sensible defaults for local development and tests.
func DefaultConfig() Config {
	return Config{
		MaxMessages:       1000,
		MaxSegmentBytes:   4 << 20,
		MaxAppendBytes:    16 << 20,
		MaxChunkBytes:     1 << 20,
		QuotaBytes:        512 << 20,
		StaggerWindow:      50 * time.Millisecond,
		IdleTimeout:        10 * time.Minute,
		DeleteHotOnRotate:  true,
	}
}

// Deps bundles the external collaborators an Engine is built on.
type Deps struct {
	Storage  *storage.Store
	Ledger   *storage.SegmentLedger
	Objects  objectstore.Store
	Registry registry.Mirror
	Fanout   FanoutTrigger // nil disables fanout triggering entirely
	Logger   *zap.Logger
}

// Engine owns one single-writer actor per open stream and the shared,
// process-wide pre-cache response store.
type Engine struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	actors map[string]*streamActor

	stopReaper chan struct{}
	precache   *live.ResponseCache
}

// New constructs an Engine and starts its idle-actor reaper.
func New(deps Deps, cfg Config) *Engine {
	e := &Engine{
		deps:       deps,
		cfg:        cfg,
		actors:     make(map[string]*streamActor),
		stopReaper: make(chan struct{}),
		precache:   live.NewResponseCache(1000),
	}
	go e.reapLoop()
	return e
}

// SetFanout wires the fanout trigger after construction, breaking the
// Engine/fanout.Manager construction cycle: the manager needs a live
// Engine to append into subscriber streams, so it can only be built
// after New returns.
func (e *Engine) SetFanout(f FanoutTrigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deps.Fanout = f
}

// Close stops the reaper and every actor goroutine. Does not close the
// underlying storage/object-store/registry — those outlive the engine.
func (e *Engine) Close() {
	close(e.stopReaper)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.actors {
		close(a.cmds)
	}
	e.actors = make(map[string]*streamActor)
}

// streamActor is the single-writer critical section for one stream: a
// dedicated goroutine draining a command channel. Generalizing the
// per-producer mutex into a full actor lets the "callback must not
// throw" discipline be enforced once, centrally, by recover()-wrapping
// the command dispatch instead of at every call site.
type streamActor struct {
	streamID string
	cmds     chan actorCmd

	waiters     *live.Queue
	broadcaster *live.Broadcaster

	lastActive int64 // unix nanos, atomic
}

type actorCmd struct {
	run  func(ctx context.Context) (interface{}, error)
	resp chan actorResp
}

type actorResp struct {
	val interface{}
	err error
}

func (e *Engine) getOrSpawnActor(streamID string) *streamActor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.actors[streamID]; ok {
		return a
	}
	a := &streamActor{
		streamID:    streamID,
		cmds:        make(chan actorCmd, 64),
		waiters:     live.NewQueue(),
		broadcaster: live.NewBroadcaster(),
	}
	atomic.StoreInt64(&a.lastActive, time.Now().UnixNano())
	e.actors[streamID] = a
	go e.runActor(a)
	return a
}

// runActor is the per-stream single-writer loop. Any panic escaping a
// command's run func is recovered here and turned into an Internal
// failure for that one call — it must never poison subsequent commands
// on the same stream.
func (e *Engine) runActor(a *streamActor) {
	for cmd := range a.cmds {
		resp := e.dispatch(a, cmd)
		cmd.resp <- resp
	}
}

func (e *Engine) dispatch(a *streamActor, cmd actorCmd) (result actorResp) {
	defer func() {
		if r := recover(); r != nil {
			e.deps.Logger.Error("engine: recovered panic in stream actor critical section",
				zap.String("stream_id", a.streamID), zap.Any("panic", r))
			result = actorResp{err: internal(nil)}
		}
	}()
	atomic.StoreInt64(&a.lastActive, time.Now().UnixNano())
	val, err := cmd.run(context.Background())
	return actorResp{val: val, err: err}
}

// submit runs fn under streamID's single-writer gate and returns its
// typed result.
func submit[T any](e *Engine, streamID string, fn func(ctx context.Context) (interface{}, error)) (T, error) {
	a := e.getOrSpawnActor(streamID)
	respCh := make(chan actorResp, 1)
	a.cmds <- actorCmd{run: fn, resp: respCh}
	resp := <-respCh
	var zero T
	if resp.err != nil {
		return zero, resp.err
	}
	if resp.val == nil {
		return zero, nil
	}
	return resp.val.(T), nil
}

func (e *Engine) reapLoop() {
	ticker := time.NewTicker(e.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopReaper:
			return
		case <-ticker.C:
			e.reapIdle()
		}
	}
}

func (e *Engine) reapIdle() {
	now := time.Now().UnixNano()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, a := range e.actors {
		idle := time.Duration(now-atomic.LoadInt64(&a.lastActive)) * time.Nanosecond
		if idle < e.cfg.IdleTimeout {
			continue
		}
		if a.waiters.Len() > 0 || a.broadcaster.Len() > 0 {
			continue
		}
		close(a.cmds)
		delete(e.actors, id)
	}
}

// Waiters returns the long-poll waiter queue for streamID, spawning its
// actor if necessary. Reads never take the single-writer gate, so this is
// safe to call from the read path directly.
func (e *Engine) Waiters(streamID string) *live.Queue {
	return e.getOrSpawnActor(streamID).waiters
}

// Broadcaster returns the push-delivery broadcaster for streamID.
func (e *Engine) Broadcaster(streamID string) *live.Broadcaster {
	return e.getOrSpawnActor(streamID).broadcaster
}

// Precache returns the engine's shared, process-wide pre-cache response
// store.
func (e *Engine) Precache() *live.ResponseCache {
	return e.precache
}

// ActorCount reports the number of live stream actors, for metrics/tests.
func (e *Engine) ActorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}
