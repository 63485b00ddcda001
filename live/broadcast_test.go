package live

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Broadcast(Event{Payload: []byte("x"), NextOffset: "o1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if string(ev.Payload) != "x" {
				t.Fatalf("Payload = %q, want x", ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive broadcast")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestSlowSubscriberDropsEventsWithoutBlocking(t *testing.T) {
	b := NewBroadcaster()
	_, unsub := b.Subscribe() // never drains its channel
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			b.Broadcast(Event{Payload: []byte("x")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}
}

func TestSocketFrameBase64EncodesPayload(t *testing.T) {
	ev := Event{Payload: []byte{0xff, 0x00, 0x10}, NextOffset: "o", UpToDate: true}
	data, err := ev.SocketFrame()
	if err != nil {
		t.Fatalf("SocketFrame: %v", err)
	}
	var frame socketFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if frame.Payload == "" {
		t.Fatal("expected non-empty base64 payload")
	}
}

func TestSSEFrameContainsDataAndControlEvents(t *testing.T) {
	ev := Event{Payload: []byte("hello"), NextOffset: "o1", UpToDate: true, Cursor: "c1"}
	frame := string(ev.SSEFrame())
	if !contains(frame, "event: data") || !contains(frame, "event: control") {
		t.Fatalf("frame missing expected sections: %s", frame)
	}
	if !contains(frame, "hello") {
		t.Fatalf("frame missing payload: %s", frame)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
