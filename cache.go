package sawerni

import (
	"sync"
	"time"
)

// CacheTTL is how long a fetched thread stays fresh. A stale entry is not
// used to satisfy a selection; it is replaced by a full refetch.
const CacheTTL = 5 * time.Minute

type cacheEntry struct {
	messages      []Message
	lastFetchedAt time.Time
}

// threadCache holds the per-conversation message lists keyed by
// conversation id. Entries are ephemeral and lost with the process.
type threadCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newThreadCache(now func() time.Time) *threadCache {
	if now == nil {
		now = time.Now
	}
	return &threadCache{
		entries: make(map[string]*cacheEntry),
		ttl:     CacheTTL,
		now:     now,
	}
}

// get returns the cached messages for a conversation, or nil if the entry
// is absent or stale. Callers check here before fetching.
func (c *threadCache) get(conversationID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok || c.now().Sub(e.lastFetchedAt) >= c.ttl {
		return nil
	}
	return append([]Message(nil), e.messages...)
}

// peek returns the cached messages regardless of freshness. Used for
// read-modify-write merges: an event landing on a stale entry must still
// merge into it, not clobber it.
func (c *threadCache) peek(conversationID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok {
		return nil
	}
	return append([]Message(nil), e.messages...)
}

// put replaces the entry and stamps lastFetchedAt.
func (c *threadCache) put(conversationID string, messages []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[conversationID] = &cacheEntry{
		messages:      append([]Message(nil), messages...),
		lastFetchedAt: c.now(),
	}
}

// update rewrites an entry's messages without touching its freshness
// stamp. Merging an event into a thread does not make the thread fresh.
func (c *threadCache) update(conversationID string, messages []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok {
		e = &cacheEntry{}
		c.entries[conversationID] = e
	}
	e.messages = append([]Message(nil), messages...)
}

func (c *threadCache) drop(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
}
