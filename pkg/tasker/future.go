package tasker

import (
	"context"
	"sync"

	"github.com/me/tasker/pkg/model"
)

// Future is a value that is fulfilled exactly once, by Resolve or Reject.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	value     any
	err       error
	fulfilled bool
}

// NewFuture returns an unfulfilled future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve fulfils the future with a value.
func (f *Future) Resolve(v any) error {
	return f.fulfil(v, nil)
}

// Reject fulfils the future with an error. A nil error is recorded as-is,
// which makes Wait return (nil, nil).
func (f *Future) Reject(err error) error {
	return f.fulfil(nil, err)
}

func (f *Future) fulfil(v any, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fulfilled {
		return model.ErrAlreadyFulfilled
	}
	f.fulfilled = true
	f.value = v
	f.err = err
	close(f.done)
	return nil
}

// Wait blocks until the future is fulfilled or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel that is closed once the future is fulfilled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Fulfilled reports whether Resolve or Reject has been called.
func (f *Future) Fulfilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fulfilled
}
