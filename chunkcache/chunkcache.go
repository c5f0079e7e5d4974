// Package chunkcache provides an LRU cache of decompressed chunk payloads
// keyed by the chunk's start offset in the file, so the Message Iterator can
// revisit a chunk without re-running the decompressor.
package chunkcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache holds decompressed chunk bytes keyed by chunk start offset. A zero
// Capacity disables caching: Get always misses and GetOrLoad always calls
// load.
type Cache struct {
	capacity int
	inner    *lru.Cache[int64, []byte]

	mu      sync.Mutex
	loading map[int64]*loadResult
}

type loadResult struct {
	done chan struct{}
	data []byte
	err  error
}

// New builds a Cache holding up to capacity decompressed chunks. capacity <=
// 0 disables caching entirely.
func New(capacity int) *Cache {
	c := &Cache{capacity: capacity, loading: make(map[int64]*loadResult)}
	if capacity > 0 {
		inner, err := lru.New[int64, []byte](capacity)
		if err != nil {
			// only returns an error for capacity <= 0, already excluded above.
			panic(err)
		}
		c.inner = inner
	}
	return c
}

// Get returns the cached payload for chunkStart, if present.
func (c *Cache) Get(chunkStart int64) ([]byte, bool) {
	if c.inner == nil {
		return nil, false
	}
	return c.inner.Get(chunkStart)
}

// Put stores a decompressed chunk payload under chunkStart.
func (c *Cache) Put(chunkStart int64, data []byte) {
	if c.inner == nil {
		return
	}
	c.inner.Add(chunkStart, data)
}

// GetOrLoad returns the cached payload for chunkStart, invoking load at most
// once across all concurrent callers racing for the same key. Concurrent
// callers for distinct keys never block one another.
func (c *Cache) GetOrLoad(chunkStart int64, load func() ([]byte, error)) ([]byte, error) {
	if data, ok := c.Get(chunkStart); ok {
		return data, nil
	}

	c.mu.Lock()
	if data, ok := c.Get(chunkStart); ok {
		c.mu.Unlock()
		return data, nil
	}
	if res, ok := c.loading[chunkStart]; ok {
		c.mu.Unlock()
		<-res.done
		return res.data, res.err
	}
	res := &loadResult{done: make(chan struct{})}
	c.loading[chunkStart] = res
	c.mu.Unlock()

	res.data, res.err = load()
	if res.err == nil {
		c.Put(chunkStart, res.data)
	}
	close(res.done)

	c.mu.Lock()
	delete(c.loading, chunkStart)
	c.mu.Unlock()

	return res.data, res.err
}

// Len returns the number of chunks currently cached.
func (c *Cache) Len() int {
	if c.inner == nil {
		return 0
	}
	return c.inner.Len()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	if c.inner == nil {
		return
	}
	c.inner.Purge()
}
