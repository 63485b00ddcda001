package storage

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta := StreamMeta{
		StreamID:    "s1",
		ContentType: "text/plain",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateStream(ctx, meta); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if err := s.CreateStream(ctx, meta); err != ErrStreamExists {
		t.Fatalf("second CreateStream: got %v, want ErrStreamExists", err)
	}

	got, err := s.GetMeta(ctx, "s1")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got.ContentType != "text/plain" {
		t.Fatalf("ContentType = %q, want text/plain", got.ContentType)
	}

	if _, err := s.GetMeta(ctx, "missing"); err != ErrStreamNotFound {
		t.Fatalf("GetMeta(missing): got %v, want ErrStreamNotFound", err)
	}
}

func TestAppendBatchAtomicity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateStream(ctx, StreamMeta{StreamID: "s1", ContentType: "text/plain", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	rows := []HotRow{{StreamID: "s1", StartOffset: 0, EndOffset: 5, SizeBytes: 5, Body: []byte("hello"), CreatedAt: time.Now().UTC()}}
	meta := MetaUpdate{NewTailOffset: 5, AddMessages: 1, AddBytes: 5}
	producer := &ProducerUpsert{ProducerID: "p1", Epoch: 0, LastSeq: 0, LastOffset: 5, LastUpdated: time.Now().UnixMilli()}

	if err := s.AppendBatch(ctx, "s1", rows, meta, producer); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	got, err := s.GetMeta(ctx, "s1")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got.TailOffset != 5 {
		t.Fatalf("TailOffset = %d, want 5", got.TailOffset)
	}

	p, err := s.GetProducer(ctx, "s1", "p1")
	if err != nil {
		t.Fatalf("GetProducer: %v", err)
	}
	if p.LastOffset != 5 {
		t.Fatalf("LastOffset = %d, want 5", p.LastOffset)
	}

	hot, err := s.ReadHotRows(ctx, "s1", 0, 1<<20)
	if err != nil {
		t.Fatalf("ReadHotRows: %v", err)
	}
	if len(hot) != 1 || string(hot[0].Body) != "hello" {
		t.Fatalf("unexpected hot rows: %+v", hot)
	}
}

func TestStaleProducerIsPurgedOnLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateStream(ctx, StreamMeta{StreamID: "s1", ContentType: "text/plain", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	old := time.Now().Add(-ProducerTTL - time.Hour).UnixMilli()
	producer := &ProducerUpsert{ProducerID: "p1", Epoch: 0, LastSeq: 0, LastOffset: 5, LastUpdated: old}
	if err := s.AppendBatch(ctx, "s1", nil, MetaUpdate{NewTailOffset: 5}, producer); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	if _, err := s.GetProducer(ctx, "s1", "p1"); err != ErrProducerNotFound {
		t.Fatalf("GetProducer: got %v, want ErrProducerNotFound", err)
	}
}

func TestRotationAdvancesSegmentStartAndReadSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateStream(ctx, StreamMeta{StreamID: "s1", ContentType: "text/plain", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	rows := []HotRow{
		{StreamID: "s1", StartOffset: 0, EndOffset: 1, SizeBytes: 1, Body: []byte("A"), CreatedAt: time.Now().UTC()},
		{StreamID: "s1", StartOffset: 1, EndOffset: 2, SizeBytes: 1, Body: []byte("B"), CreatedAt: time.Now().UTC()},
	}
	if err := s.AppendBatch(ctx, "s1", rows, MetaUpdate{NewTailOffset: 2, AddMessages: 2, AddBytes: 2}, nil); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}

	seg := SegmentRecord{
		StreamID: "s1", ReadSeq: 0, ObjectKey: "stream/s1/0.seg",
		StartOffset: 0, EndOffset: 2, ContentType: "text/plain",
		SizeBytes: 2, MessageCount: 2, CreatedAt: time.Now().UTC(),
	}
	if err := s.CommitRotation(ctx, RotationUpdate{Segment: seg, NewSegmentStart: 2, DeleteHotThrough: 2}); err != nil {
		t.Fatalf("CommitRotation: %v", err)
	}

	meta, err := s.GetMeta(ctx, "s1")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta.ReadSeq != 1 {
		t.Fatalf("ReadSeq = %d, want 1", meta.ReadSeq)
	}
	if meta.SegmentStart != 2 {
		t.Fatalf("SegmentStart = %d, want 2", meta.SegmentStart)
	}
	if meta.SegmentMessages != 0 || meta.SegmentBytes != 0 {
		t.Fatalf("hot counters not reset: %+v", meta)
	}

	hot, err := s.ReadHotRows(ctx, "s1", 0, 1<<20)
	if err != nil {
		t.Fatalf("ReadHotRows: %v", err)
	}
	if len(hot) != 0 {
		t.Fatalf("expected rotated hot rows deleted, got %d", len(hot))
	}

	got, err := s.GetSegment(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	if got.ObjectKey != "stream/s1/0.seg" {
		t.Fatalf("ObjectKey = %q", got.ObjectKey)
	}
}

func TestDeleteStreamRemovesAllRowsAndReturnsSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateStream(ctx, StreamMeta{StreamID: "s1", ContentType: "text/plain", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	seg := SegmentRecord{StreamID: "s1", ReadSeq: 0, ObjectKey: "stream/s1/0.seg", StartOffset: 0, EndOffset: 1, CreatedAt: time.Now().UTC()}
	if err := s.CommitRotation(ctx, RotationUpdate{Segment: seg, NewSegmentStart: 1}); err != nil {
		t.Fatalf("CommitRotation: %v", err)
	}

	segments, err := s.DeleteStream(ctx, "s1")
	if err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("got %d segments in snapshot, want 1", len(segments))
	}

	if _, err := s.GetMeta(ctx, "s1"); err != ErrStreamNotFound {
		t.Fatalf("GetMeta after delete: got %v, want ErrStreamNotFound", err)
	}
	if _, err := s.DeleteStream(ctx, "s1"); err != ErrStreamNotFound {
		t.Fatalf("second DeleteStream: got %v, want ErrStreamNotFound (idempotent, safe to retry)", err)
	}
}

func TestSubscribersAndFanoutSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddSubscriber(ctx, "src", "e1"); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	if err := s.AddSubscriber(ctx, "src", "e2"); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}

	subs, err := s.ListSubscribers(ctx, "src")
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d subscribers, want 2", len(subs))
	}

	if err := s.RemoveSubscribers(ctx, "src", []string{"e2"}); err != nil {
		t.Fatalf("RemoveSubscribers: %v", err)
	}
	subs, err = s.ListSubscribers(ctx, "src")
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	if len(subs) != 1 || subs[0] != "e1" {
		t.Fatalf("unexpected subscribers after prune: %v", subs)
	}

	first, err := s.NextFanoutSeq(ctx, "src")
	if err != nil {
		t.Fatalf("NextFanoutSeq: %v", err)
	}
	second, err := s.NextFanoutSeq(ctx, "src")
	if err != nil {
		t.Fatalf("NextFanoutSeq: %v", err)
	}
	if second != first+1 {
		t.Fatalf("fanout seq not monotonic: %d then %d", first, second)
	}
}
