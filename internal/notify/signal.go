// ABOUTME: One-bit wake-up signal observable from a select statement
// ABOUTME: Decouples "something happened" from the queue carrying the data
package notify

import "sync"

// Signal is a coalescing wake-up. Any number of Notify calls made before the
// receiver observes C collapse into a single wake-up, so the receiver must
// drain its payload queue rather than count notifications.
type Signal struct {
	c        chan struct{}
	mu       sync.Mutex
	released bool
}

// New creates a signal
func New() *Signal {
	return &Signal{c: make(chan struct{}, 1)}
}

// Notify raises the signal without blocking. Notify after Release is a no-op.
func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// C returns the channel that becomes readable when the signal is raised
func (s *Signal) C() <-chan struct{} {
	return s.c
}

// Release retires the signal. Callers must only release once the consuming
// worker has exited.
func (s *Signal) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

// Released reports whether Release has been called
func (s *Signal) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
