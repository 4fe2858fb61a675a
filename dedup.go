package p2p

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupCache is a time-windowed set of message ids already delivered to the
// application. Entries expire in insertion order once the window has passed;
// the size bound only matters under floods larger than the window can hold.
type DedupCache struct {
	seen   *expirable.LRU[MessageID, struct{}]
	window time.Duration
}

// NewDedupCache builds a cache. A zero window would make every message look
// new, so it is rejected.
func NewDedupCache(size int, window time.Duration) (*DedupCache, error) {
	if window <= 0 {
		return nil, fmt.Errorf("[Gossip] dedup window must be positive, got %s", window)
	}

	if size <= 0 {
		return nil, fmt.Errorf("[Gossip] dedup cache size must be positive, got %d", size)
	}

	return &DedupCache{
		seen:   expirable.NewLRU[MessageID, struct{}](size, nil, window),
		window: window,
	}, nil
}

// CheckAndInsert reports whether id was already seen within the window and
// records it if not.
func (c *DedupCache) CheckAndInsert(id MessageID) (duplicate bool) {
	if _, ok := c.seen.Peek(id); ok {
		return true
	}

	c.seen.Add(id, struct{}{})

	return false
}

// Len returns the number of live entries.
func (c *DedupCache) Len() int {
	return c.seen.Len()
}

// Window returns the retention window.
func (c *DedupCache) Window() time.Duration {
	return c.window
}
