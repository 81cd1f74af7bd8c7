package cache

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_cache_hits_total",
		Help: "Total number of processed results served from the cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_cache_misses_total",
		Help: "Total number of cache lookups that found nothing",
	})
)

// ResultCache caches encoded results by content key.
type ResultCache interface {
	// Get retrieves a result from the cache.
	Get(key Key) ([]byte, bool)
	// Put stores a result in the cache.
	Put(key Key, val []byte)
	// Size returns the number of items in the cache.
	Size() int
}

// Key identifies a request: the kernel, the format, the dimensions and the
// pixel bytes. Hash selects the slot; the full request bytes are kept so
// that two requests with the same hash never share a result.
type Key struct {
	Hash     uint64
	material []byte
}

// NewKey builds the key of a request. It copies pixels.
func NewKey(op, format string, height, width int, pixels []byte) Key {
	material := make([]byte, 0, len(op)+len(format)+18+len(pixels))
	material = append(material, op...)
	material = append(material, 0)
	material = append(material, format...)
	material = append(material, 0)
	material = binary.LittleEndian.AppendUint64(material, uint64(height))
	material = binary.LittleEndian.AppendUint64(material, uint64(width))
	material = append(material, pixels...)
	return Key{Hash: xxhash.Sum64(material), material: material}
}

type entry struct {
	material []byte
	val      []byte
}

// MapCache is a simple in-memory implementation of ResultCache. Once it
// holds maxEntries items the oldest insertion is evicted.
type MapCache struct {
	data       map[uint64]entry
	order      []uint64
	maxEntries int
	mu         sync.RWMutex
}

// NewMapCache creates a cache bounded to maxEntries items. A non-positive
// bound disables eviction.
func NewMapCache(maxEntries int) *MapCache {
	return &MapCache{
		data:       make(map[uint64]entry),
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key Key) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if e, ok := c.data[key.Hash]; ok && bytes.Equal(e.material, key.material) {
		cacheHits.Inc()
		dst := make([]byte, len(e.val))
		copy(dst, e.val)
		return dst, true
	}
	cacheMisses.Inc()
	return nil, false
}

// Put stores val under key. A different request with the same hash is
// replaced.
func (c *MapCache) Put(key Key, val []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key.Hash]; !ok {
		if c.maxEntries > 0 && len(c.order) >= c.maxEntries {
			delete(c.data, c.order[0])
			c.order = c.order[1:]
		}
		c.order = append(c.order, key.Hash)
	}

	// Store copy
	dst := make([]byte, len(val))
	copy(dst, val)
	c.data[key.Hash] = entry{material: key.material, val: dst}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
