package rpc

import (
	"context"
	"fmt"
	"sync"
)

// Future is the pending result of a call. It is resolved exactly once, with a value, a
// remote fault, or a transport error.
type Future struct {
	Method string

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newFuture(method string) *Future {
	return &Future{Method: method, done: make(chan struct{})}
}

func (f *Future) resolve(v any, err error) {
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result waits for the call to finish. A remote failure is returned as a *capsule.Fault.
// If ctx ends first, the error wraps ErrTimeout and the call stays pending; a result that
// arrives later still resolves the future.
func (f *Future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrTimeout, f.Method, ctx.Err())
	}
}
