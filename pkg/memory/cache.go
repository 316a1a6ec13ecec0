package memory

import (
	"container/list"
	"hash/fnv"
	"math"
	"strconv"
	"sync"
	"time"
)

// SearchCache memoizes ranked search results keyed by a query signature.
// Entries expire after a TTL and the least recently used entry is dropped
// when the cache is full. Every cached result set remembers the entry ids
// it contains, so a mutation to one entry invalidates exactly the results
// that included it.
type SearchCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int

	lru   *list.List
	items map[uint64]*list.Element

	// byID: entry id -> signatures of cached results containing it.
	byID map[string]map[uint64]struct{}

	hits   uint64
	misses uint64
}

type cacheItem struct {
	sig     uint64
	results []RecallResult
	ids     []string
	expires time.Time
}

// NewSearchCache creates a cache holding at most maxSize result sets, each
// valid for ttl. A non-positive maxSize or ttl disables caching.
func NewSearchCache(ttl time.Duration, maxSize int) *SearchCache {
	return &SearchCache{
		ttl:     ttl,
		maxSize: maxSize,
		lru:     list.New(),
		items:   make(map[uint64]*list.Element),
		byID:    make(map[string]map[uint64]struct{}),
	}
}

// Signature derives a cache key from the query vector, query text and
// result size. Distinct queries may collide in principle; FNV-64 over the
// full vector bytes makes that vanishingly unlikely in practice.
func Signature(vector []float32, text string, topK int) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	for _, v := range vector {
		bits := math.Float32bits(v)
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
		h.Write(buf[:])
	}
	h.Write([]byte{0})
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(topK)))
	return h.Sum64()
}

// Get returns the cached results for sig, or nil when absent or expired.
// Returned slices are shared; callers must not mutate them.
func (c *SearchCache) Get(sig uint64) []RecallResult {
	if c == nil || c.maxSize <= 0 || c.ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[sig]
	if !exists {
		c.misses++
		return nil
	}
	item := elem.Value.(*cacheItem)
	if time.Now().After(item.expires) {
		c.removeLocked(elem)
		c.misses++
		return nil
	}
	c.lru.MoveToFront(elem)
	c.hits++
	return item.results
}

// Put stores results under sig, evicting the least recently used set if
// the cache is full. Partial result sets must not be cached; the caller
// enforces that.
func (c *SearchCache) Put(sig uint64, results []RecallResult) {
	if c == nil || c.maxSize <= 0 || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[sig]; exists {
		c.removeLocked(elem)
	}
	for c.lru.Len() >= c.maxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Entry.ID)
	}
	item := &cacheItem{
		sig:     sig,
		results: results,
		ids:     ids,
		expires: time.Now().Add(c.ttl),
	}
	elem := c.lru.PushFront(item)
	c.items[sig] = elem
	for _, id := range ids {
		if c.byID[id] == nil {
			c.byID[id] = make(map[uint64]struct{})
		}
		c.byID[id][sig] = struct{}{}
	}
}

// Invalidate drops every cached result set that contains id. Result sets
// not touching id stay valid until their TTL.
func (c *SearchCache) Invalidate(id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	sigs, exists := c.byID[id]
	if !exists {
		return
	}
	for sig := range sigs {
		if elem, ok := c.items[sig]; ok {
			c.removeLocked(elem)
		}
	}
}

// Purge drops every cached result set.
func (c *SearchCache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.items = make(map[uint64]*list.Element)
	c.byID = make(map[string]map[uint64]struct{})
}

// Stats returns cumulative hit and miss counts.
func (c *SearchCache) Stats() (hits, misses uint64) {
	if c == nil {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of cached result sets.
func (c *SearchCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *SearchCache) removeLocked(elem *list.Element) {
	item := elem.Value.(*cacheItem)
	c.lru.Remove(elem)
	delete(c.items, item.sig)
	for _, id := range item.ids {
		if sigs, ok := c.byID[id]; ok {
			delete(sigs, item.sig)
			if len(sigs) == 0 {
				delete(c.byID, id)
			}
		}
	}
}
