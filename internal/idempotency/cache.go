// Package idempotency provides request deduplication via Idempotency-Key headers.
package idempotency

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry holds a cached HTTP response.
type Entry struct {
	Response   []byte
	StatusCode int
	Headers    map[string]string
}

// Cache is a TTL-bounded, size-limited in-memory cache for idempotent
// responses, backed by an expirable LRU.
type Cache struct {
	entries *lru.LRU[string, *Entry]
}

// New creates a Cache that expires entries after ttl and evicts the least
// recently used entry when maxEntries is exceeded.
func New(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		entries: lru.NewLRU[string, *Entry](maxEntries, nil, ttl),
	}
}

// Get returns a cached entry if it exists and has not expired.
func (c *Cache) Get(key string) (*Entry, bool) {
	return c.entries.Get(key)
}

// Set stores a response under the given key.
func (c *Cache) Set(key string, response []byte, statusCode int, headers map[string]string) {
	c.entries.Add(key, &Entry{
		Response:   response,
		StatusCode: statusCode,
		Headers:    headers,
	})
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}
