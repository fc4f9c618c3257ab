package session

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheLRUEviction(t *testing.T) {
	c := newConversationCache(2, time.Hour)
	c.put("a", []Message{{Content: "a"}})
	c.put("b", []Message{{Content: "b"}})

	// Touch "a" so "b" becomes least recently used.
	if _, ok := c.get("a"); !ok {
		t.Fatal("expected a cached")
	}
	c.put("c", []Message{{Content: "c"}})

	if _, ok := c.get("b"); ok {
		t.Fatal("expected b evicted as LRU")
	}
	if _, ok := c.get("a"); !ok {
		t.Fatal("expected a retained")
	}
	if _, ok := c.get("c"); !ok {
		t.Fatal("expected c retained")
	}
}

func TestCacheSweep(t *testing.T) {
	c := newConversationCache(10, time.Minute)
	now := time.Unix(0, 0)
	c.nowFunc = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		c.put(fmt.Sprintf("chat%d", i), nil)
	}
	now = now.Add(30 * time.Second)
	c.put("fresh", nil)

	now = now.Add(45 * time.Second)
	if removed := c.sweep(); removed != 3 {
		t.Fatalf("expected 3 expired entries swept, got %d", removed)
	}
	if c.len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.len())
	}
	if _, ok := c.get("fresh"); !ok {
		t.Fatal("fresh entry should survive the sweep")
	}
}
