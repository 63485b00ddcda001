package live

import "testing"

func TestResponseCachePutTake(t *testing.T) {
	c := NewResponseCache(10)
	c.Put("u1", Response{Body: []byte("hi"), NextOffset: "x", UpToDate: true})

	resp, ok := c.Take("u1")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if string(resp.Body) != "hi" {
		t.Fatalf("Body = %q, want hi", resp.Body)
	}

	if _, ok := c.Take("u1"); ok {
		t.Fatal("entry should be consumed after Take")
	}
}

func TestResponseCacheBoundedSize(t *testing.T) {
	c := NewResponseCache(2)
	c.Put("u1", Response{})
	c.Put("u2", Response{})
	c.Put("u3", Response{}) // should be dropped, cache at capacity

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Take("u3"); ok {
		t.Fatal("u3 should have been dropped, cache was full")
	}
}
