package queue

import (
	"context"
	"sync"
)

// Handle is the caller's view of an enqueued task. It resolves exactly once,
// either with the task's value or with an error (timeout, failure, or
// shutdown cancellation).
type Handle struct {
	id   string
	done chan struct{}

	once  sync.Once
	value any
	err   error
}

func newHandle(id string) *Handle {
	return &Handle{
		id:   id,
		done: make(chan struct{}),
	}
}

// ID returns the request identifier assigned at enqueue time.
func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the handle has resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the resolved value and error without blocking.
// It must only be called after Done is closed.
func (h *Handle) Result() (any, error) {
	return h.value, h.err
}

func (h *Handle) resolve(value any) {
	h.once.Do(func() {
		h.value = value
		close(h.done)
	})
}

func (h *Handle) fail(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}
