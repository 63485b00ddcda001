package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBboltMirrorDeleteIsIdempotent(t *testing.T) {
	m, err := OpenBboltMirror(t.TempDir())
	if err != nil {
		t.Fatalf("OpenBboltMirror: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	if err := m.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete(missing): %v", err)
	}
	if err := m.Delete(ctx, "missing"); err != nil {
		t.Fatalf("second Delete(missing): %v", err)
	}
}

type flakyMirror struct {
	failures int
	calls    int
}

func (f *flakyMirror) Delete(context.Context, string) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient failure")
	}
	return nil
}

func TestDeleteWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	m := &flakyMirror{failures: 2}
	err := DeleteWithRetry(context.Background(), m, "s1", 3, time.Millisecond)
	if err != nil {
		t.Fatalf("DeleteWithRetry: %v", err)
	}
	if m.calls != 3 {
		t.Fatalf("calls = %d, want 3", m.calls)
	}
}

func TestDeleteWithRetryExhausted(t *testing.T) {
	m := &flakyMirror{failures: 5}
	err := DeleteWithRetry(context.Background(), m, "s1", 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if m.calls != 3 {
		t.Fatalf("calls = %d, want 3", m.calls)
	}
}
