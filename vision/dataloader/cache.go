package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/Sandiematt/Medi-Care/tensor"
)

// CacheEntry is a preprocessed sample keyed by its file path
type CacheEntry struct {
	Input *tensor.Tensor
	Label int
}

// CacheManager is an LRU cache of preprocessed samples. It can be shared
// between loaders whose datasets use the same deterministic transform.
type CacheManager struct {
	mu          sync.Mutex
	cache       map[string]*list.Element
	lru         *list.List
	maxSize     int
	currentSize int

	// Statistics
	hits   int64
	misses int64
}

type cacheItem struct {
	key   string
	entry CacheEntry
}

// NewCacheManager creates a cache holding at most maxSize samples
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves an item from the cache
func (cm *CacheManager) Get(key string) (CacheEntry, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheItem).entry, true
	}

	cm.misses++
	return CacheEntry{}, false
}

// Put adds an item to the cache, evicting the least recently used items
// beyond maxSize
func (cm *CacheManager) Put(key string, entry CacheEntry) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, exists := cm.cache[key]; exists {
		cm.lru.MoveToFront(elem)
		return
	}
	if cm.maxSize <= 0 {
		return
	}

	cm.cache[key] = cm.lru.PushFront(&cacheItem{key: key, entry: entry})
	cm.currentSize++

	for cm.currentSize > cm.maxSize {
		cm.removeElement(cm.lru.Back())
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	cm.lru.Remove(elem)
	delete(cm.cache, elem.Value.(*cacheItem).key)
	cm.currentSize--
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.currentSize,
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear empties the cache. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string]*list.Element)
	cm.lru.Init()
	cm.currentSize = 0
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
