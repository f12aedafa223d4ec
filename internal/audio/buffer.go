package audio

import (
	"fmt"
	"sync"
	"time"
)

// DefaultFlushBytes is the buffered PCM size that forces a flush.
const DefaultFlushBytes = 4096

// ChunkBuffer accumulates capture chunks in arrival order until the pending
// PCM size reaches the flush threshold. The time-based flush bound is owned
// by the caller; the buffer only accounts for size and order.
type ChunkBuffer struct {
	mu         sync.Mutex
	chunks     []Chunk
	bytes      int
	flushBytes int

	oldest time.Time

	totalChunks uint64
	totalBytes  uint64
}

// ChunkBufferStats is a snapshot of buffer accounting.
type ChunkBufferStats struct {
	PendingChunks int    `json:"pending_chunks"`
	PendingBytes  int    `json:"pending_bytes"`
	TotalChunks   uint64 `json:"total_chunks"`
	TotalBytes    uint64 `json:"total_bytes"`
}

// NewChunkBuffer creates a buffer that signals a flush once flushBytes of
// PCM are pending.
func NewChunkBuffer(flushBytes int) (*ChunkBuffer, error) {
	if flushBytes <= 0 {
		return nil, fmt.Errorf("flush threshold must be positive, got %d", flushBytes)
	}
	return &ChunkBuffer{
		flushBytes: flushBytes,
		chunks:     make([]Chunk, 0, 16),
	}, nil
}

// Add appends a chunk and reports whether the pending size has reached the
// flush threshold. A single oversized chunk triggers a flush on its own.
func (b *ChunkBuffer) Add(chunk Chunk) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		b.oldest = chunk.Timestamp
	}
	b.chunks = append(b.chunks, chunk)
	b.bytes += chunk.ByteSize()
	b.totalChunks++
	b.totalBytes += uint64(chunk.ByteSize())

	return b.bytes >= b.flushBytes
}

// Drain removes and returns all pending chunks in the order they were added.
// It returns nil when nothing is pending.
func (b *ChunkBuffer) Drain() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		return nil
	}
	drained := b.chunks
	b.chunks = make([]Chunk, 0, cap(drained))
	b.bytes = 0
	b.oldest = time.Time{}
	return drained
}

// Len returns the number of pending chunks.
func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// PendingBytes returns the PCM size of the pending chunks.
func (b *ChunkBuffer) PendingBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// OldestPending returns the capture time of the oldest pending chunk, or the
// zero time when the buffer is empty.
func (b *ChunkBuffer) OldestPending() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oldest
}

// Reset drops all pending chunks without returning them.
func (b *ChunkBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = b.chunks[:0]
	b.bytes = 0
	b.oldest = time.Time{}
}

// GetStats returns a snapshot of buffer accounting.
func (b *ChunkBuffer) GetStats() ChunkBufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ChunkBufferStats{
		PendingChunks: len(b.chunks),
		PendingBytes:  b.bytes,
		TotalChunks:   b.totalChunks,
		TotalBytes:    b.totalBytes,
	}
}
