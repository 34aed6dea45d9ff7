// Package memory pools the float32 scratch buffers used by convolution
package memory

import (
	"fmt"
	"sync"
)

// BufferPool holds reusable buffers with a fixed capacity
type BufferPool struct {
	buffers    chan []float32 // Available buffers
	maxSize    int            // Pool size limit
	bufferSize int            // Capacity of every buffer in this pool
	allocated  int            // Buffers handed out and not yet returned
	mutex      sync.RWMutex   // Protects allocated counter
}

// NewBufferPool creates a pool keeping up to maxSize idle buffers
func NewBufferPool(bufferSize int, maxSize int) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float32, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
	}
}

// Get retrieves a buffer from the pool or allocates a new one. The contents
// of a reused buffer are whatever its last user left in it.
func (bp *BufferPool) Get() []float32 {
	bp.mutex.Lock()
	bp.allocated++
	bp.mutex.Unlock()

	select {
	case buffer := <-bp.buffers:
		return buffer
	default:
		return make([]float32, bp.bufferSize)
	}
}

// Return puts a buffer back into the pool. Buffers of the wrong capacity
// and buffers beyond the pool limit are dropped for the collector.
func (bp *BufferPool) Return(buffer []float32) {
	if cap(buffer) != bp.bufferSize {
		return
	}
	bp.mutex.Lock()
	if bp.allocated > 0 {
		bp.allocated--
	}
	bp.mutex.Unlock()

	select {
	case bp.buffers <- buffer[:bp.bufferSize]:
	default:
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	bp.mutex.RLock()
	defer bp.mutex.RUnlock()
	return len(bp.buffers), bp.allocated, bp.maxSize
}

// Manager hands out scratch buffers rounded up to size tiers so buffers of
// similar layers share a pool
type Manager struct {
	pools      map[int]*BufferPool // Pools by tier size
	poolsMutex sync.RWMutex        // Protects pools map
	poolSizes  []int               // Tier sizes in elements
}

// Default tiers in float32 elements: 4K up to 64M, growing by 4x
var defaultPoolSizes = []int{
	1 << 12, 1 << 14, 1 << 16, 1 << 18, 1 << 20, 1 << 22, 1 << 24, 1 << 26,
}

// NewManager creates a manager with the default tiers
func NewManager() *Manager {
	return &Manager{
		pools:     make(map[int]*BufferPool),
		poolSizes: defaultPoolSizes,
	}
}

// GetBuffer returns a buffer of length size. Its contents are undefined.
func (mm *Manager) GetBuffer(size int) []float32 {
	if size <= 0 {
		return nil
	}
	poolSize := mm.findPoolSize(size)
	if poolSize < 0 {
		return make([]float32, size)
	}
	return mm.getOrCreatePool(poolSize).Get()[:size]
}

// ReturnBuffer gives a buffer from GetBuffer back to its pool
func (mm *Manager) ReturnBuffer(buffer []float32) {
	if buffer == nil {
		return
	}
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[cap(buffer)]
	mm.poolsMutex.RUnlock()
	if exists {
		pool.Return(buffer)
	}
}

// findPoolSize finds the smallest tier that can hold size elements, or -1
// when the request is larger than every tier
func (mm *Manager) findPoolSize(size int) int {
	for _, poolSize := range mm.poolSizes {
		if poolSize >= size {
			return poolSize
		}
	}
	return -1
}

// getOrCreatePool gets an existing pool or creates a new one
func (mm *Manager) getOrCreatePool(size int) *BufferPool {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[size]
	mm.poolsMutex.RUnlock()
	if exists {
		return pool
	}

	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()
	// Double-check after acquiring write lock
	if pool, exists := mm.pools[size]; exists {
		return pool
	}
	pool = NewBufferPool(size, calculateMaxPoolSize(size))
	mm.pools[size] = pool
	return pool
}

// calculateMaxPoolSize determines the maximum number of idle buffers for a
// tier. Smaller buffers get larger pools.
func calculateMaxPoolSize(bufferSize int) int {
	switch {
	case bufferSize <= 1<<14:
		return 64
	case bufferSize <= 1<<18:
		return 32
	case bufferSize <= 1<<22:
		return 16
	default:
		return 4
	}
}

// Stats returns a description of every pool keyed by tier size
func (mm *Manager) Stats() map[int]string {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	stats := make(map[int]string)
	for size, pool := range mm.pools {
		available, allocated, maxSize := pool.Stats()
		stats[size] = fmt.Sprintf("available=%d, allocated=%d, max=%d", available, allocated, maxSize)
	}
	return stats
}

var (
	globalManager     *Manager
	globalManagerOnce sync.Once
)

// Global returns the process-wide manager used by the layers
func Global() *Manager {
	globalManagerOnce.Do(func() {
		globalManager = NewManager()
	})
	return globalManager
}
