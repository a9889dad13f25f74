package cache

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Entry is one cached value. LastAccessed is a sequence number, not a
// timestamp, so ordering survives clock adjustments.
type Entry struct {
	Key          string
	Value        []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AccessCount  int64
	LastAccessed uint64
}

func (e *Entry) size() int64 {
	return int64(len(e.Key) + len(e.Value))
}

// Stats summarises cache occupancy.
type Stats struct {
	Entries     int   `json:"entries"`
	Bytes       int64 `json:"bytes"`
	MaxBytes    int64 `json:"maxBytes"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// HitRate is hits over lookups, zero before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is bounded by the byte size of keys and values. Inserting past the
// budget evicts least recently accessed entries first.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Entry]
	maxBytes int64
	bytes    int64
	seq      uint64
	now      func() time.Time

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

type Option func(*Cache)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache holding at most maxBytes.
func New(maxBytes int64, opts ...Option) *Cache {
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	c := &Cache{maxBytes: maxBytes, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	// Entry count is unbounded; the byte budget drives eviction.
	c.lru, _ = simplelru.NewLRU[string, *Entry](math.MaxInt32, func(_ string, e *Entry) {
		c.bytes -= e.size()
	})
	return c
}

// Get returns the value for key when present and not expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if !e.ExpiresAt.IsZero() && !c.now().Before(e.ExpiresAt) {
		c.lru.Remove(key)
		c.expirations++
		c.misses++
		return nil, false
	}
	c.seq++
	e.LastAccessed = c.seq
	e.AccessCount++
	c.hits++
	return e.Value, true
}

// Set stores value under key for ttl (zero means no expiry). It reports
// false when the value alone exceeds the budget.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) bool {
	now := c.now()
	e := &Entry{Key: key, Value: value, CreatedAt: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	if e.size() > c.maxBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
	for c.bytes+e.size() > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions++
	}
	c.seq++
	e.LastAccessed = c.seq
	c.lru.Add(key, e)
	c.bytes += e.size()
	return true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Peek returns a copy of the entry metadata without touching recency.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes = 0
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.lru.Len(),
		Bytes:       c.bytes,
		MaxBytes:    c.maxBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}
