// ABOUTME: Bounded buffer pool and playable queue shared by ingest and playback
// ABOUTME: Pool recycling is best-effort, publishing to the queue applies backpressure
package audio

import (
	"context"
	"sync/atomic"
)

// DefaultPoolSize bounds both the writable pool and the playable queue
const DefaultPoolSize = 32

// BufferManager hands byte buffers between one producer and one consumer.
// A buffer is owned by exactly one side at a time; ownership moves only
// through the methods below.
type BufferManager struct {
	pool       chan []byte
	filled     chan []byte
	bufferSize int

	allocated atomic.Int64
	dropped   atomic.Int64
}

// NewBufferManager creates a manager whose pool and queue both hold poolSize buffers
func NewBufferManager(poolSize, bufferSize int) *BufferManager {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &BufferManager{
		pool:       make(chan []byte, poolSize),
		filled:     make(chan []byte, poolSize),
		bufferSize: bufferSize,
	}
}

// BufferSize is the capacity of every writable buffer
func (m *BufferManager) BufferSize() int {
	return m.bufferSize
}

// AcquireWritable pops a recycled buffer or allocates a new one. It never blocks.
func (m *BufferManager) AcquireWritable() []byte {
	select {
	case buf := <-m.pool:
		return buf[:m.bufferSize]
	default:
		m.allocated.Add(1)
		return make([]byte, m.bufferSize)
	}
}

// ReleaseWritable returns buf to the pool. If the pool is full or buf has
// the wrong capacity it is left to the garbage collector and false is returned.
func (m *BufferManager) ReleaseWritable(buf []byte) bool {
	if cap(buf) < m.bufferSize {
		m.dropped.Add(1)
		return false
	}
	select {
	case m.pool <- buf[:m.bufferSize]:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// PublishFilled appends buf to the playable queue, blocking while the queue
// is full. It returns ctx.Err() if ctx ends first; buf is then still owned
// by the caller.
func (m *BufferManager) PublishFilled(ctx context.Context, buf []byte) error {
	select {
	case m.filled <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TakeFilled pops the oldest playable buffer, blocking until one is published
// or ctx ends.
func (m *BufferManager) TakeFilled(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-m.filled:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queued is the number of buffers waiting to be played
func (m *BufferManager) Queued() int {
	return len(m.filled)
}

// Pooled is the number of recycled buffers ready for reuse
func (m *BufferManager) Pooled() int {
	return len(m.pool)
}

// Allocated counts buffers created because the pool was empty
func (m *BufferManager) Allocated() int64 {
	return m.allocated.Load()
}

// Dropped counts released buffers the pool did not keep
func (m *BufferManager) Dropped() int64 {
	return m.dropped.Load()
}
