package broadcast

import "sync"

// ReplayBuffer is a fixed capacity ring of the most recent chunks.
type ReplayBuffer struct {
	mu    sync.Mutex
	ring  []Chunk
	start int
	size  int
}

// NewReplayBuffer returns a buffer holding at most capacity chunks. A
// capacity below one is raised to one.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ReplayBuffer{ring: make([]Chunk, capacity)}
}

// Push appends c, evicting the oldest chunk when the buffer is full.
func (b *ReplayBuffer) Push(c Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < len(b.ring) {
		b.ring[(b.start+b.size)%len(b.ring)] = c
		b.size++
		return
	}

	b.ring[b.start] = c
	b.start = (b.start + 1) % len(b.ring)
}

// Snapshot returns the buffered chunks, oldest first. The returned slice is a
// copy; the chunk data it references is shared and read-only.
func (b *ReplayBuffer) Snapshot() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Chunk, b.size)
	for i := range out {
		out[i] = b.ring[(b.start+i)%len(b.ring)]
	}
	return out
}

// Len returns the number of buffered chunks.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the maximum number of chunks the buffer holds.
func (b *ReplayBuffer) Cap() int {
	return len(b.ring)
}

// Reset drops every buffered chunk.
func (b *ReplayBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.ring)
	b.start = 0
	b.size = 0
}
