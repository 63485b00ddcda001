package readpath

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/tidewire/tidewire/engine"
	"github.com/tidewire/tidewire/objectstore"
	"github.com/tidewire/tidewire/storage"
)

func newTestSystem(t *testing.T) (*engine.Engine, *Reader) {
	t.Helper()
	st, err := storage.Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	objects := objectstore.NewMemory()
	e := engine.New(engine.Deps{Storage: st, Objects: objects, Logger: zap.NewNop()}, engine.DefaultConfig())
	t.Cleanup(e.Close)
	r := New(st, objects, DefaultConfig())
	return e, r
}

func TestHeadReportsTailAndContentType(t *testing.T) {
	e, r := newTestSystem(t)
	ctx := context.Background()

	if _, err := e.Create(ctx, engine.CreateRequest{StreamID: "s1", ContentType: "text/plain", InitialBody: []byte("hello")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	head, err := r.Head(ctx, "s1")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.ContentType != "text/plain" {
		t.Fatalf("ContentType = %q, want text/plain", head.ContentType)
	}
	if head.NextOffset.Pos != 5 {
		t.Fatalf("NextOffset.Pos = %d, want 5", head.NextOffset.Pos)
	}
}

func TestNowReturnsEmptyBodyAtTail(t *testing.T) {
	e, r := newTestSystem(t)
	ctx := context.Background()

	if _, err := e.Create(ctx, engine.CreateRequest{StreamID: "s1", ContentType: "application/json", InitialBody: []byte(`[1,2]`)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := r.Now(ctx, "s1")
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if string(res.Body) != "[]" {
		t.Fatalf("Body = %q, want []", res.Body)
	}
	if !res.UpToDate {
		t.Fatal("expected UpToDate=true")
	}
}

func TestReadJSONElementsAssemblesArray(t *testing.T) {
	e, r := newTestSystem(t)
	ctx := context.Background()

	if _, err := e.Create(ctx, engine.CreateRequest{StreamID: "s1", ContentType: "application/json", InitialBody: []byte(`[{"x":1},{"x":2}]`)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := r.Read(ctx, ReadRequest{StreamID: "s1", Offset: "", MaxChunkBytes: 64})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Body) != `[{"x":1},{"x":2}]` {
		t.Fatalf("Body = %q", res.Body)
	}
	if !res.UpToDate {
		t.Fatal("expected UpToDate=true")
	}
}

// TestReadRotatesIntoColdThenContinuesHot exercises seed scenario 4: after
// a rotation seals the first two messages into a cold segment, reading
// from the start serves them from the object store, and reading from the
// rotation boundary continues serving the remainder from the hot tier.
func TestReadRotatesIntoColdThenContinuesHot(t *testing.T) {
	st, err := storage.Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()
	objects := objectstore.NewMemory()

	cfg := engine.DefaultConfig()
	cfg.MaxMessages = 2
	e := engine.New(engine.Deps{Storage: st, Objects: objects, Logger: zap.NewNop()}, cfg)
	defer e.Close()
	r := New(st, objects, DefaultConfig())
	ctx := context.Background()

	if _, err := e.Create(ctx, engine.CreateRequest{StreamID: "s1", ContentType: "text/plain"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, body := range []string{"A", "B", "C"} {
		if _, err := e.Append(ctx, engine.AppendRequest{StreamID: "s1", Body: []byte(body)}); err != nil {
			t.Fatalf("Append(%q): %v", body, err)
		}
	}

	meta, err := st.GetMeta(ctx, "s1")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta.ReadSeq == 0 {
		t.Fatal("expected a rotation to have occurred")
	}

	fromStart, err := r.Read(ctx, ReadRequest{StreamID: "s1", Offset: "", MaxChunkBytes: 64})
	if err != nil {
		t.Fatalf("cold Read: %v", err)
	}
	if string(fromStart.Body) != "AB" {
		t.Fatalf("cold Body = %q, want AB", fromStart.Body)
	}

	fromBoundary, err := r.Read(ctx, ReadRequest{StreamID: "s1", Offset: fromStart.NextOffset.String(), MaxChunkBytes: 64})
	if err != nil {
		t.Fatalf("hot Read: %v", err)
	}
	if string(fromBoundary.Body) != "C" {
		t.Fatalf("hot Body = %q, want C", fromBoundary.Body)
	}
	if !fromBoundary.UpToDate {
		t.Fatal("expected UpToDate=true reading the hot tail")
	}
}

func TestReadFromMidRowOffsetSlicesBody(t *testing.T) {
	e, r := newTestSystem(t)
	ctx := context.Background()

	if _, err := e.Create(ctx, engine.CreateRequest{StreamID: "s1", ContentType: "text/plain", InitialBody: []byte("0123456789")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := r.Read(ctx, ReadRequest{StreamID: "s1", Offset: "0000000000000000_0000000000000005", MaxChunkBytes: 64})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Body) != "56789" {
		t.Fatalf("Body = %q, want 56789", res.Body)
	}
	if !res.UpToDate {
		t.Fatal("expected UpToDate=true")
	}
}

// TestReadBudgetSmallerThanRowTruncatesAndReportsActualProgress exercises
// the §8 "Read coverage" law when max_chunk_bytes cuts a single hot row
// short: NextOffset must land at the byte actually transmitted, not at
// the row's end, or the untransmitted remainder becomes unreachable.
func TestReadBudgetSmallerThanRowTruncatesAndReportsActualProgress(t *testing.T) {
	e, r := newTestSystem(t)
	ctx := context.Background()

	if _, err := e.Create(ctx, engine.CreateRequest{StreamID: "s1", ContentType: "text/plain", InitialBody: []byte("0123456789")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := r.Read(ctx, ReadRequest{StreamID: "s1", Offset: "", MaxChunkBytes: 4})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(first.Body) != "0123" {
		t.Fatalf("Body = %q, want 0123", first.Body)
	}
	if first.UpToDate {
		t.Fatal("expected UpToDate=false after a truncated read")
	}
	if first.NextOffset.Pos != 4 {
		t.Fatalf("NextOffset.Pos = %d, want 4", first.NextOffset.Pos)
	}

	second, err := r.Read(ctx, ReadRequest{StreamID: "s1", Offset: first.NextOffset.String(), MaxChunkBytes: 64})
	if err != nil {
		t.Fatalf("Read continuation: %v", err)
	}
	if string(second.Body) != "456789" {
		t.Fatalf("continuation Body = %q, want 456789", second.Body)
	}
	if !second.UpToDate {
		t.Fatal("expected UpToDate=true after reading the remainder")
	}
}

func TestReadETagRoundTripReturnsNotModified(t *testing.T) {
	e, r := newTestSystem(t)
	ctx := context.Background()

	if _, err := e.Create(ctx, engine.CreateRequest{StreamID: "s1", ContentType: "text/plain", InitialBody: []byte("hello")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := r.Read(ctx, ReadRequest{StreamID: "s1", Offset: "", MaxChunkBytes: 64})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	second, err := r.Read(ctx, ReadRequest{StreamID: "s1", Offset: "", MaxChunkBytes: 64, IfNoneMatch: first.ETag})
	if err != nil {
		t.Fatalf("conditional Read: %v", err)
	}
	if !second.NotModified {
		t.Fatal("expected NotModified=true on matching ETag")
	}
	if len(second.Body) != 0 {
		t.Fatal("expected no body on 304")
	}
}

func TestReadBeyondTailIsOffsetBeyondTail(t *testing.T) {
	e, r := newTestSystem(t)
	ctx := context.Background()

	if _, err := e.Create(ctx, engine.CreateRequest{StreamID: "s1", ContentType: "text/plain", InitialBody: []byte("hi")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := r.Read(ctx, ReadRequest{StreamID: "s1", Offset: "0000000000000000_0000000000000099", MaxChunkBytes: 64})
	if err == nil {
		t.Fatal("expected an error reading past tail")
	}
	if f, ok := err.(*engine.Failure); !ok || f.Kind != engine.KindOffsetBeyondTail {
		t.Fatalf("got %v, want KindOffsetBeyondTail", err)
	}
}

func TestReadUnknownStreamIsNotFound(t *testing.T) {
	_, r := newTestSystem(t)
	ctx := context.Background()

	_, err := r.Read(ctx, ReadRequest{StreamID: "missing", MaxChunkBytes: 64})
	if err == nil {
		t.Fatal("expected not found")
	}
	if f, ok := err.(*engine.Failure); !ok || f.Kind != engine.KindNotFound {
		t.Fatalf("got %v, want KindNotFound", err)
	}
}
