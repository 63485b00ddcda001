package live

import (
	"encoding/base64"
	"encoding/json"
	"sync"
)

// Event is one push notification fanned out to every connected
// subscriber of a stream after a commit.
type Event struct {
	Payload          []byte
	NextOffset       string
	UpToDate         bool
	Closed           bool
	WriteTimestampMS int64
	Cursor           string
}

// SSEFrame renders Event as the newline-delimited "data"+"control" pair
// described for the event-stream channel.
func (e Event) SSEFrame() []byte {
	var buf []byte
	buf = append(buf, "event: data\n"...)
	buf = append(buf, "data: "...)
	buf = append(buf, e.Payload...)
	buf = append(buf, "\n\n"...)

	control := map[string]interface{}{
		"streamNextOffset": e.NextOffset,
		"streamUpToDate":   e.UpToDate,
		"streamCursor":     e.Cursor,
	}
	if e.Closed {
		control["streamClosed"] = true
	}
	if e.WriteTimestampMS > 0 {
		control["streamWriteTimestamp"] = e.WriteTimestampMS
	}
	controlJSON, _ := json.Marshal(control)
	buf = append(buf, "event: control\n"...)
	buf = append(buf, "data: "...)
	buf = append(buf, controlJSON...)
	buf = append(buf, "\n\n"...)
	return buf
}

// socketFrame is the JSON shape sent over the message-framed socket
// channel; binary payloads travel base64-encoded.
type socketFrame struct {
	Payload          string `json:"payload"`
	NextOffset       string `json:"streamNextOffset"`
	UpToDate         bool   `json:"streamUpToDate"`
	Closed           bool   `json:"streamClosed,omitempty"`
	WriteTimestampMS int64  `json:"streamWriteTimestamp,omitempty"`
	Cursor           string `json:"streamCursor"`
}

// SocketFrame renders Event as one JSON frame for the framed-socket
// channel.
func (e Event) SocketFrame() ([]byte, error) {
	return json.Marshal(socketFrame{
		Payload:          base64.StdEncoding.EncodeToString(e.Payload),
		NextOffset:       e.NextOffset,
		UpToDate:         e.UpToDate,
		Closed:           e.Closed,
		WriteTimestampMS: e.WriteTimestampMS,
		Cursor:           e.Cursor,
	})
}

// Broadcaster fans an Event out to every connection subscribed to a
// stream. Sends are fire-and-forget: a connection whose channel is full
// (a slow or dead client) is dropped instead of blocking the broadcast.
type Broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	conns  map[uint64]chan Event
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{conns: make(map[uint64]chan Event)}
}

// Subscribe registers a new connection and returns its event channel plus
// an unsubscribe func the caller must invoke on disconnect.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 16)
	b.conns[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.conns[id]; ok {
			delete(b.conns, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Broadcast fans ev out to every connection without blocking. A
// connection whose channel is full is disconnected: its channel is
// removed and closed, so only that client's stream ends and the other
// connections still receive ev.
func (b *Broadcaster) Broadcast(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.conns {
		select {
		case ch <- ev:
		default:
			delete(b.conns, id)
			close(ch)
		}
	}
}

// CloseAll closes every connection's channel, used on stream delete.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.conns {
		close(ch)
		delete(b.conns, id)
	}
}

// Len reports the number of connected subscribers, for metrics/tests.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
