package ledger

import (
	"sync"
	"time"
)

// balanceCache is a small TTL read-through cache over balance snapshots. It
// is a pure optimization: every check-then-act sequence is re-validated
// inside the store transaction, so a stale entry can cost an extra query
// but never an overdraw.
type balanceCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	balance  Balance
	cachedAt time.Time
}

// defaultCacheTTL matches the 60s the upstream session cache used.
const defaultCacheTTL = 60 * time.Second

func newBalanceCache(ttl time.Duration) *balanceCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &balanceCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// Get returns the cached balance for a user if present and unexpired.
func (c *balanceCache) Get(userID string) (Balance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[userID]
	if !ok || time.Since(entry.cachedAt) >= c.ttl {
		return Balance{}, false
	}
	return entry.balance, true
}

// Set stores a balance snapshot, evicting any expired entries it finds on
// the way. The map stays bounded by the active user population.
func (c *balanceCache) Set(userID string, b Balance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.entries {
		if time.Since(entry.cachedAt) >= c.ttl {
			delete(c.entries, id)
		}
	}
	c.entries[userID] = cacheEntry{balance: b, cachedAt: time.Now()}
}

// Invalidate drops the user's entry. Called after every balance mutation.
func (c *balanceCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}
