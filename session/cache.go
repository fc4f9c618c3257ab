package session

import (
	"container/list"
	"time"
)

// conversationCache is a bounded LRU of chat conversations with a TTL.
// Callers hold the store's lock; the cache itself is not safe for concurrent
// use.
type conversationCache struct {
	maxSize int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	nowFunc func() time.Time
}

type cacheEntry struct {
	chatID   string
	messages []Message
	loadedAt time.Time
}

func newConversationCache(maxSize int, ttl time.Duration) *conversationCache {
	return &conversationCache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		nowFunc: time.Now,
	}
}

func (c *conversationCache) get(chatID string) ([]Message, bool) {
	el, ok := c.entries[chatID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.nowFunc().Sub(entry.loadedAt) > c.ttl {
		c.remove(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.messages, true
}

func (c *conversationCache) put(chatID string, messages []Message) {
	if el, ok := c.entries[chatID]; ok {
		el.Value.(*cacheEntry).messages = messages
		el.Value.(*cacheEntry).loadedAt = c.nowFunc()
		c.order.MoveToFront(el)
		return
	}
	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
	}
	el := c.order.PushFront(&cacheEntry{chatID: chatID, messages: messages, loadedAt: c.nowFunc()})
	c.entries[chatID] = el
}

func (c *conversationCache) invalidate(chatID string) {
	if el, ok := c.entries[chatID]; ok {
		c.remove(el)
	}
}

// sweep drops every expired entry and returns how many were removed.
func (c *conversationCache) sweep() int {
	now := c.nowFunc()
	removed := 0
	for _, el := range c.entries {
		if now.Sub(el.Value.(*cacheEntry).loadedAt) > c.ttl {
			c.remove(el)
			removed++
		}
	}
	return removed
}

func (c *conversationCache) len() int { return len(c.entries) }

func (c *conversationCache) remove(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, entry.chatID)
}
