package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *SegmentLedger {
	t.Helper()
	l, err := OpenSegmentLedger(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("OpenSegmentLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSegmentLedgerRoundTrip(t *testing.T) {
	l := openTestLedger(t)

	seg := SegmentRecord{
		StreamID: "s1", ReadSeq: 3, ObjectKey: "stream/s1/3.seg",
		StartOffset: 30, EndOffset: 40, ContentType: "text/plain",
		SizeBytes: 10, MessageCount: 2, CreatedAt: time.Now().UTC(),
	}
	if err := l.Record(seg); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := l.Lookup("s1", 3)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ObjectKey != seg.ObjectKey || got.StartOffset != seg.StartOffset {
		t.Fatalf("got %+v, want %+v", got, seg)
	}

	if _, err := l.Lookup("s1", 4); err != ErrSegmentNotFound {
		t.Fatalf("Lookup(missing): got %v, want ErrSegmentNotFound", err)
	}
}

func TestSegmentLedgerDeleteStream(t *testing.T) {
	l := openTestLedger(t)

	for i := uint32(0); i < 3; i++ {
		seg := SegmentRecord{StreamID: "s1", ReadSeq: i, ObjectKey: "k", CreatedAt: time.Now().UTC()}
		if err := l.Record(seg); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Record(SegmentRecord{StreamID: "other", ReadSeq: 0, ObjectKey: "k", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if err := l.DeleteStream("s1"); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}

	for i := uint32(0); i < 3; i++ {
		if _, err := l.Lookup("s1", i); err != ErrSegmentNotFound {
			t.Fatalf("Lookup(s1, %d) after delete: got %v", i, err)
		}
	}
	if _, err := l.Lookup("other", 0); err != nil {
		t.Fatalf("unrelated stream should survive delete: %v", err)
	}
}
