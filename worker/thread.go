package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/teleport/capsule"
)

// threadExec runs a body on a goroutine of this process.
//
// A goroutine cannot be killed from outside. Terminating one cancels its context, and
// forcing it detaches it: the worker is recorded Killed and the goroutine is left to
// finish on its own, its outcome discarded.
type threadExec struct {
	id   ID
	fn   Func
	args []any
	flag *StopFlag

	cancel   context.CancelFunc
	doneCh   chan struct{}
	doneOnce sync.Once

	mu        sync.Mutex
	fault     *capsule.Fault
	abandoned bool
}

func newThreadExec(fn Func, args []any) *threadExec {
	return &threadExec{
		id:     ID("thread:" + uuid.NewString()),
		fn:     fn,
		args:   args,
		flag:   &StopFlag{},
		cancel: func() {},
		doneCh: make(chan struct{}),
	}
}

func (t *threadExec) spawn(ctx context.Context) (ID, error) {
	if t.fn == nil {
		return "", errors.New("nil worker function")
	}
	ctx, t.cancel = context.WithCancel(withStopFlag(withWorker(ctx, t.id), t.flag))
	go func() {
		f := capsule.Protect(func() error { return t.fn(ctx, t.args...) })
		t.mu.Lock()
		if !t.abandoned {
			t.fault = f
		}
		t.mu.Unlock()
		t.finish()
	}()
	return t.id, nil
}

func (t *threadExec) finish() { t.doneOnce.Do(func() { close(t.doneCh) }) }

func (t *threadExec) done() <-chan struct{} { return t.doneCh }

func (t *threadExec) terminate(force bool) {
	t.cancel()
	if force {
		t.mu.Lock()
		t.abandoned = true
		t.mu.Unlock()
		t.finish()
	}
}

func (t *threadExec) result() exitResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fault != nil {
		return exitResult{code: ExitFault, fault: t.fault}
	}
	return exitResult{}
}

func (t *threadExec) requestStop() { t.flag.Stop() }

func (t *threadExec) pid() int { return 0 }

func (t *threadExec) name() string { return string(t.id) }

// NewThread creates a Pending worker that runs fn on its own goroutine.
// Cancelling ctx kills the worker.
func NewThread(ctx context.Context, fn Func, opts ...Option) *Worker {
	o := newOptions(opts)
	w := newWorker(ctx, newThreadExec(fn, o.args), o)
	w.id = w.exec.(*threadExec).id
	return w
}
