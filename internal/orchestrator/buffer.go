package orchestrator

import "sync"

// CircularBuffer accumulates small PCM chunks until enough audio is available
// to forward to a backend in one write.
//
// The buffer enforces a maximum byte capacity. When an [Add] would exceed it,
// the oldest chunks are evicted until the new total fits; a single chunk
// larger than the capacity keeps only its tail.
//
// All methods are safe for concurrent use.
type CircularBuffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int
	capacity int
	dropped  int64
}

// NewCircularBuffer creates a buffer holding at most capacity bytes. A
// non-positive capacity disables eviction.
func NewCircularBuffer(capacity int) *CircularBuffer {
	return &CircularBuffer{capacity: capacity}
}

// Add appends a copy of chunk and evicts the oldest data beyond capacity.
func (b *CircularBuffer) Add(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity > 0 && len(chunk) > b.capacity {
		b.dropped += int64(b.size + len(chunk) - b.capacity)
		chunk = chunk[len(chunk)-b.capacity:]
		b.chunks, b.size = nil, 0
	}
	b.chunks = append(b.chunks, append([]byte(nil), chunk...))
	b.size += len(chunk)
	b.evict()
}

// Bytes returns the concatenation of every chunk added since the last
// [Flush]. The result is a fresh slice owned by the caller.
func (b *CircularBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Flush discards the accumulated audio.
func (b *CircularBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks, b.size = nil, 0
}

// Len returns the number of buffered bytes.
func (b *CircularBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns the total number of bytes evicted so far.
func (b *CircularBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// evict trims the front of the buffer down to capacity.
// Must be called with b.mu held.
func (b *CircularBuffer) evict() {
	if b.capacity <= 0 || b.size <= b.capacity {
		return
	}
	over := b.size - b.capacity
	b.dropped += int64(over)
	b.size -= over
	for over > 0 {
		head := b.chunks[0]
		if len(head) <= over {
			over -= len(head)
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			continue
		}
		b.chunks[0] = head[over:]
		over = 0
	}
}
