// ABOUTME: Blocking byte ring buffer feeding the audio device
// ABOUTME: Writers wait for space, readers are zero-filled on underrun
package output

import (
	"context"
	"sync"
)

// RingBuffer is a fixed-size byte FIFO between a blocking writer and a
// device callback that must never block.
type RingBuffer struct {
	mu       sync.Mutex
	space    *sync.Cond
	buffer   []byte
	readPos  int
	writePos int
	count    int
	closed   bool

	starving  bool
	underruns int64
}

// NewRingBuffer creates a ring buffer holding capacity bytes
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	rb := &RingBuffer{buffer: make([]byte, capacity)}
	rb.space = sync.NewCond(&rb.mu)
	return rb
}

// Write copies all of p into the buffer, waiting for space as needed. A
// wait ends early when ctx is done or the buffer is closed.
func (rb *RingBuffer) Write(ctx context.Context, p []byte) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		rb.space.Broadcast()
	})
	defer stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for written < len(p) {
		for rb.count == len(rb.buffer) && !rb.closed && ctx.Err() == nil {
			rb.space.Wait()
		}
		if rb.closed {
			return written, ErrReleased
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}

		end := rb.writePos + len(rb.buffer) - rb.count
		if end > len(rb.buffer) {
			end = len(rb.buffer)
		}
		n := copy(rb.buffer[rb.writePos:end], p[written:])
		rb.writePos = (rb.writePos + n) % len(rb.buffer)
		rb.count += n
		written += n
	}
	return written, nil
}

// Read fills p from the buffer and zero-fills whatever is missing. It
// always returns len(p). The start of each shortfall counts as one underrun.
func (rb *RingBuffer) Read(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for read < len(p) && rb.count > 0 {
		end := rb.readPos + rb.count
		if end > len(rb.buffer) {
			end = len(rb.buffer)
		}
		n := copy(p[read:], rb.buffer[rb.readPos:end])
		rb.readPos = (rb.readPos + n) % len(rb.buffer)
		rb.count -= n
		read += n
	}
	if read > 0 {
		rb.space.Broadcast()
	}

	if read < len(p) {
		clear(p[read:])
		if !rb.starving {
			rb.starving = true
			rb.underruns++
		}
	} else {
		rb.starving = false
	}
	return len(p), nil
}

// Buffered returns the number of bytes waiting to be read
func (rb *RingBuffer) Buffered() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Underruns returns how many times a read found the buffer short
func (rb *RingBuffer) Underruns() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.underruns
}

// Close wakes blocked writers; later writes fail with ErrReleased
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	rb.closed = true
	rb.mu.Unlock()
	rb.space.Broadcast()
}
