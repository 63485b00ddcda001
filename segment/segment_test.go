package segment

import (
	"bytes"
	"testing"
)

func sampleEntries() []Entry {
	return []Entry{
		{StartOffset: 0, Span: 5, Body: []byte("alpha")},
		{StartOffset: 5, Span: 4, Body: []byte("beta")},
		{StartOffset: 9, Span: 5, Body: []byte("gamma")},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := sampleEntries()
	blob, err := Encode(entries)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	result := SeekDecode(blob, 0, 0, 1<<20)
	if result.Truncated {
		t.Fatal("unexpected truncation")
	}
	if len(result.Entries) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(result.Entries), len(entries))
	}
	for i, e := range result.Entries {
		if e.StartOffset != entries[i].StartOffset {
			t.Fatalf("entry %d: start offset = %d, want %d", i, e.StartOffset, entries[i].StartOffset)
		}
		if !bytes.Equal(e.Body, entries[i].Body) {
			t.Fatalf("entry %d: body = %q, want %q", i, e.Body, entries[i].Body)
		}
	}
}

func TestSeekDecodeSkipsPriorMessages(t *testing.T) {
	entries := sampleEntries()
	blob, err := Encode(entries)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	result := SeekDecode(blob, 0, 5, 1<<20)
	if result.Truncated {
		t.Fatal("unexpected truncation")
	}
	if len(result.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(result.Entries))
	}
	if result.Entries[0].StartOffset != 5 {
		t.Fatalf("first emitted entry starts at %d, want 5", result.Entries[0].StartOffset)
	}
}

func TestSeekDecodeRespectsSegmentStartOffset(t *testing.T) {
	entries := sampleEntries()
	blob, err := Encode(entries)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Segment begins at absolute offset 100 (e.g. after a rotation).
	result := SeekDecode(blob, 100, 104, 1<<20)
	if len(result.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(result.Entries))
	}
	if result.Entries[0].StartOffset != 105 {
		t.Fatalf("first emitted entry starts at %d, want 105", result.Entries[0].StartOffset)
	}
}

func TestSeekDecodeStopsAtByteBudget(t *testing.T) {
	entries := sampleEntries()
	blob, err := Encode(entries)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	result := SeekDecode(blob, 0, 0, 5)
	if len(result.Entries) != 1 {
		t.Fatalf("got %d entries, want 1 under a tight byte budget", len(result.Entries))
	}
}

func TestSeekDecodeDetectsTruncation(t *testing.T) {
	entries := sampleEntries()
	blob, err := Encode(entries)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Cut the blob mid-way through the last message's body.
	truncated := blob[:len(blob)-2]
	result := SeekDecode(truncated, 0, 0, 1<<20)
	if !result.Truncated {
		t.Fatal("expected Truncated = true")
	}
	if len(result.Entries) != 2 {
		t.Fatalf("got %d whole entries before truncation, want 2", len(result.Entries))
	}
}

func TestSeekDecodeEmptyBlob(t *testing.T) {
	result := SeekDecode(nil, 0, 0, 1<<20)
	if result.Truncated {
		t.Fatal("empty blob should not be reported truncated")
	}
	if len(result.Entries) != 0 {
		t.Fatal("expected no entries from an empty blob")
	}
}

func TestScanReportsEndOffsetAndTruncation(t *testing.T) {
	entries := sampleEntries()
	blob, err := Encode(entries)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	end, truncated := Scan(blob, 0)
	if truncated {
		t.Fatal("unexpected truncation")
	}
	if end != 14 {
		t.Fatalf("end offset = %d, want 14", end)
	}

	_, truncated = Scan(blob[:len(blob)-1], 0)
	if !truncated {
		t.Fatal("expected truncation on a short blob")
	}
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	_, err := Encode([]Entry{{Body: make([]byte, MaxMessageSize+1)}})
	if err != ErrMessageTooLarge {
		t.Fatalf("got err = %v, want ErrMessageTooLarge", err)
	}
}
