package feed

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when a chunk would push the batch past its cap.
var ErrBufferFull = errors.New("audio batch full")

// AudioBatch accumulates PCM chunks in arrival order until the batch timer
// flushes them.
type AudioBatch struct {
	mu        sync.Mutex
	chunks    [][]byte
	totalSize int
	maxSize   int
}

// NewAudioBatch creates a batch capped at maxSize bytes. A non-positive cap
// disables the limit.
func NewAudioBatch(maxSize int) *AudioBatch {
	return &AudioBatch{maxSize: maxSize}
}

// Append queues a copy of chunk.
func (b *AudioBatch) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	newSize := b.totalSize + len(chunk)
	if b.maxSize > 0 && newSize > b.maxSize {
		return ErrBufferFull
	}
	b.chunks = append(b.chunks, append([]byte(nil), chunk...))
	b.totalSize = newSize
	return nil
}

// Flush joins every queued chunk and empties the batch in one step. It
// returns nil when nothing is queued.
func (b *AudioBatch) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		return nil
	}
	out := make([]byte, 0, b.totalSize)
	for _, chunk := range b.chunks {
		out = append(out, chunk...)
	}
	b.chunks = nil
	b.totalSize = 0
	return out
}

// Clear drops everything queued.
func (b *AudioBatch) Clear() {
	b.mu.Lock()
	b.chunks = nil
	b.totalSize = 0
	b.mu.Unlock()
}

// Size returns the number of queued bytes.
func (b *AudioBatch) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalSize
}

// Len returns the number of queued chunks.
func (b *AudioBatch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
