package stream

import "sync"

// RingBuffer is a thread-safe circular buffer that evicts its oldest entry
// when full
type RingBuffer[T any] struct {
	items     []T
	capacity  int
	index     int // next write position
	size      int
	evictions uint64
	mu        sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified capacity.
// Capacities below one are raised to one.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item, overwriting the oldest one when the buffer is full.
// It reports whether an item was evicted.
func (rb *RingBuffer[T]) Add(item T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.items[rb.index] = item
	rb.index = (rb.index + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
		return false
	}
	rb.evictions++
	return true
}

// GetLast retrieves the last n items in chronological order (oldest to newest)
func (rb *RingBuffer[T]) GetLast(n int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.size == 0 {
		return []T{}
	}

	if n > rb.size {
		n = rb.size
	}

	result := make([]T, n)
	start := (rb.index - n + rb.capacity) % rb.capacity

	for i := 0; i < n; i++ {
		result[i] = rb.items[(start+i)%rb.capacity]
	}

	return result
}

// All returns every buffered item, oldest first
func (rb *RingBuffer[T]) All() []T {
	return rb.GetLast(rb.capacity)
}

// Latest returns the newest item, if any
func (rb *RingBuffer[T]) Latest() (T, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}
	return rb.items[(rb.index-1+rb.capacity)%rb.capacity], true
}

// Clear empties the buffer and releases references to its items
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	clear(rb.items)
	rb.index = 0
	rb.size = 0
}

// Size returns the current number of items in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Evictions returns how many items have been overwritten since creation
func (rb *RingBuffer[T]) Evictions() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.evictions
}
