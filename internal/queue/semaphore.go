package queue

import "context"

// Semaphore is a counting semaphore bounding the number of simultaneously
// executing tasks, independent of the worker count.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire takes a slot, blocking until one is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// InUse returns the number of acquired slots.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}

// Capacity returns the total number of slots.
func (s *Semaphore) Capacity() int {
	return cap(s.slots)
}
