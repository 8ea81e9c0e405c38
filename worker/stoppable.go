package worker

import (
	"context"
	"sync/atomic"
)

// StopFlag is a cooperative stop request. It only ever goes from running to stopped.
type StopFlag struct {
	stopped atomic.Bool
}

func (f *StopFlag) Running() bool { return !f.stopped.Load() }

func (f *StopFlag) Stop() { f.stopped.Store(true) }

func withStopFlag(ctx context.Context, f *StopFlag) context.Context {
	return context.WithValue(ctx, stopFlagKey, f)
}

// StopContext is the context handed to a StoppableFunc.
type StopContext struct {
	context.Context
	flag *StopFlag
}

// Running is true until the supervisor calls Stop or the context is done.
// Bodies should poll it and return once it turns false.
func (c *StopContext) Running() bool {
	return c.flag.Running() && c.Err() == nil
}

// StoppableFunc is the body of a worker that supports cooperative shutdown.
type StoppableFunc func(sc *StopContext, args ...any) error

func (fn StoppableFunc) body() Func {
	return func(ctx context.Context, args ...any) error {
		flag, ok := ctx.Value(stopFlagKey).(*StopFlag)
		if !ok {
			flag = &StopFlag{}
		}
		return fn(&StopContext{Context: ctx, flag: flag}, args...)
	}
}

// RegisterStoppable is Register for stoppable bodies.
func RegisterStoppable(name string, fn StoppableFunc) Entry {
	return Register(name, fn.body())
}

// Stoppable is a worker whose body can be asked to return on its own.
type Stoppable struct {
	*Worker
}

func NewStoppableThread(ctx context.Context, fn StoppableFunc, opts ...Option) *Stoppable {
	return &Stoppable{Worker: NewThread(ctx, fn.body(), opts...)}
}

// NewStoppableProcess runs an entry registered with RegisterStoppable.
func NewStoppableProcess(ctx context.Context, entry Entry, opts ...Option) *Stoppable {
	return &Stoppable{Worker: NewProcess(ctx, entry, opts...)}
}

// Stop flips the worker's stop flag and waits, like Join, for the body to return.
// It does not kill anything: a body that never polls its flag keeps Stop waiting until ctx is done.
func (s *Stoppable) Stop(ctx context.Context) error {
	if s.State() == Pending {
		return ErrInvalidState
	}
	s.exec.requestStop()
	return s.Join(ctx)
}
