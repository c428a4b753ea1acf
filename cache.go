package tierblocks

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
)

const defaultCacheTTL = 60 * time.Second

type queryKey struct {
	level  uint8
	status QueryStatus
}

type cacheEntry struct {
	records   []BlockRecord
	fetchedAt time.Time
}

// responseCache holds ranking query results keyed by (level, status) with a
// fixed TTL. Stale entries are retained: the query engine prefers a stale
// result over an empty one when both read paths come back empty.
type responseCache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[queryKey]cacheEntry
}

func newResponseCache(clock clockwork.Clock, ttl time.Duration) *responseCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &responseCache{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[queryKey]cacheEntry),
	}
}

// get returns a copy of the cached records for key. fresh reports whether the
// entry is within its TTL; ok reports whether any entry exists at all.
func (c *responseCache) get(key queryKey) (records []BlockRecord, fresh, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}

	// Copy on read so callers can never mutate the cached slice.
	records = make([]BlockRecord, len(entry.records))
	copy(records, entry.records)

	return records, c.clock.Since(entry.fetchedAt) < c.ttl, true
}

func (c *responseCache) put(key queryKey, records []BlockRecord) {
	stored := make([]BlockRecord, len(records))
	copy(stored, records)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{records: stored, fetchedAt: c.clock.Now()}
}

// invalidateLevel drops every entry for a level, in all statuses. Called
// after a confirmed transaction that changes that level's ranking.
func (c *responseCache) invalidateLevel(level uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.level == level {
			delete(c.entries, key)
		}
	}
}

// claimedCache holds the set of claimed block addresses from the advance/
// cashout event scan, with its own TTL independent of the response cache.
// Claims this process confirmed itself are tracked in a separate set that
// every read unions in: a lagging scan must never un-claim a block whose
// confirming receipt this process holds.
type claimedCache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu        sync.RWMutex
	scanned   map[common.Address]struct{}
	local     map[common.Address]struct{}
	fetchedAt time.Time
}

func newClaimedCache(clock clockwork.Clock, ttl time.Duration) *claimedCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &claimedCache{clock: clock, ttl: ttl}
}

func (c *claimedCache) get() (addresses map[common.Address]struct{}, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.scanned == nil && len(c.local) == 0 {
		return nil, false
	}
	addresses = make(map[common.Address]struct{}, len(c.scanned)+len(c.local))
	for addr := range c.scanned {
		addresses[addr] = struct{}{}
	}
	for addr := range c.local {
		addresses[addr] = struct{}{}
	}
	return addresses, c.scanned != nil && c.clock.Since(c.fetchedAt) < c.ttl
}

// put replaces the scanned set only; local claims are left intact.
func (c *claimedCache) put(addresses []common.Address) {
	set := make(map[common.Address]struct{}, len(addresses))
	for _, addr := range addresses {
		set[addr] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanned = set
	c.fetchedAt = c.clock.Now()
}

// add marks a single block claimed immediately, ahead of the next scan.
// Used after this process itself confirms an advance or cashout.
func (c *claimedCache) add(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		c.local = make(map[common.Address]struct{}, 1)
	}
	c.local[addr] = struct{}{}
}
