package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/teleport/capsule"
	"go.uber.org/zap"
)

// execContext is the primitive a Worker supervises: a goroutine or a child process.
type execContext interface {
	// spawn starts the body and returns the worker's ID.
	spawn(ctx context.Context) (ID, error)
	// done is closed when the body has finished or has been abandoned.
	done() <-chan struct{}
	// terminate asks the body to end; force uses the stronger primitive.
	terminate(force bool)
	// result is only meaningful once done is closed.
	result() exitResult
	requestStop()
	pid() int
	name() string
}

type exitResult struct {
	code     int
	signaled bool
	fault    *capsule.Fault
	// faultRaw is an encoded fault, decoded on first use
	faultRaw []byte
}

// Worker is a supervised unit of work. Create one with NewThread or NewProcess.
type Worker struct {
	log       *zap.SugaredLogger
	exec      execContext
	reg       *Registry
	policy    KillPolicy
	parentCtx context.Context

	mu            sync.Mutex
	state         State
	id            ID
	killing       bool
	killRequested bool
	code          int
	fault         *capsule.Fault
	faultRaw      []byte

	faultOnce    sync.Once
	finalizeOnce sync.Once
	terminated   chan struct{}
}

var _ Supervised = (*Worker)(nil)

func newWorker(ctx context.Context, e execContext, o *options) *Worker {
	return &Worker{
		log:        o.log,
		exec:       e,
		reg:        o.registry,
		policy:     o.policy,
		parentCtx:  ctx,
		terminated: make(chan struct{}),
	}
}

// ID returns the worker's ID. Process workers have none until started.
func (w *Worker) ID() ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// PID returns the OS process ID of a started process worker, and 0 otherwise.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Pending {
		return 0
	}
	return w.exec.pid()
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start begins execution. It returns ErrInvalidState unless the worker is Pending, and a
// *SpawnError, leaving the worker Failed, if the execution context could not be created.
func (w *Worker) Start() error {
	parent := parentOf(w.parentCtx, w.reg)
	w.mu.Lock()
	if w.state != Pending {
		w.mu.Unlock()
		return ErrInvalidState
	}
	id, err := w.exec.spawn(w.parentCtx)
	if err != nil {
		spawnErr := &SpawnError{Entry: w.exec.name(), Err: err}
		w.state = Failed
		w.code = ExitFault
		w.fault = capsule.Capture(spawnErr)
		w.mu.Unlock()
		w.finalizeOnce.Do(func() { close(w.terminated) })
		w.log.Debugw("spawn failed", "Entry", w.exec.name(), "Error", err)
		return spawnErr
	}
	w.id = id
	w.state = Running
	w.mu.Unlock()

	w.log.Debugw("started worker", "ID", id, "Parent", parent)
	w.reg.add(parent, w)
	go w.supervise()
	return nil
}

func (w *Worker) supervise() {
	select {
	case <-w.exec.done():
		w.finalize(false)
	case <-w.parentCtx.Done():
		select {
		case <-w.exec.done():
			w.finalize(false)
		default:
			w.log.Debugw("context done, killing worker", "ID", w.ID())
			w.Kill()
		}
	}
}

// Running reports whether the worker has started and not yet finished.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Running {
		return false
	}
	select {
	case <-w.exec.done():
		return false
	default:
		return true
	}
}

// Join waits until the worker has finished or ctx is done.
func (w *Worker) Join(ctx context.Context) error {
	if w.State() == Pending {
		return ErrInvalidState
	}
	select {
	case <-w.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the worker and every descendant it started, directly or through other
// workers, and returns once they are dead or the kill policy gives up on them.
// It is a no-op on a worker that is not Running.
func (w *Worker) Kill() {
	w.mu.Lock()
	if w.state != Running {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.exec.done():
		// it finished on its own; the natural outcome stands
		w.mu.Unlock()
		w.finalize(false)
		return
	default:
	}
	if w.killing {
		w.mu.Unlock()
		<-w.terminated
		return
	}
	w.killing = true
	w.killRequested = true
	id := w.id
	w.mu.Unlock()

	sw := w.reg.doom(id)
	w.addOSDescendants(sw)
	w.log.Debugw("killing worker", "ID", id, "Descendants", len(sw.snapshot()))

	// descendants first, so none of them outlives the root long enough to be orphaned
	for _, m := range sw.snapshot() {
		if m.alive() {
			m.terminate(false)
		}
	}
	w.exec.terminate(false)

	if !w.awaitDead(sw, w.policy.Grace) {
		w.log.Debugw("escalating kill", "ID", id, "Survivors", sw.survivors())
		for _, m := range sw.snapshot() {
			if m.alive() {
				m.terminate(true)
			}
		}
		w.exec.terminate(true)
		if !w.awaitDead(sw, w.policy.Confirm) {
			w.log.Warnw("kill timeout", "ID", id, "Survivors", append(sw.survivors(), w.rootSurvivor()...))
		}
	}
	w.reg.settle(sw)

	abandoned := true
	select {
	case <-w.exec.done():
		abandoned = false
	default:
	}
	w.finalize(abandoned)
}

// addOSDescendants adds processes below process members that were never reported.
func (w *Worker) addOSDescendants(sw *sweep) {
	var pids []int
	if pid := w.exec.pid(); pid > 0 {
		pids = append(pids, pid)
	}
	for _, m := range sw.snapshot() {
		if pid := m.osPID(); pid > 0 {
			pids = append(pids, pid)
		}
	}
	for _, pid := range pids {
		for _, d := range osDescendants(pid) {
			sw.add(&remoteProcess{id: processID(d), pid: d, policy: w.policy})
		}
	}
}

func (w *Worker) awaitDead(sw *sweep, d time.Duration) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if w.rootSurvivor() == nil && len(sw.survivors()) == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

func (w *Worker) rootSurvivor() []ID {
	select {
	case <-w.exec.done():
		return nil
	default:
		return []ID{w.ID()}
	}
}

// ExitCode returns the exit code once the worker has finished: 0 when it stopped, 1 when
// it failed, and the negated signal number when it was killed. ok is false before that.
func (w *Worker) ExitCode() (code int, ok bool) {
	if !w.settled() {
		return 0, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.code, true
}

// Check returns the fault of a Failed worker and nil otherwise. Every call returns the same fault.
func (w *Worker) Check() error {
	if !w.settled() {
		return nil
	}
	w.mu.Lock()
	failed := w.state == Failed
	w.mu.Unlock()
	if !failed {
		return nil
	}
	return w.loadFault()
}

// settled finalizes a worker whose body has finished but whose supervisor goroutine has not
// caught up yet, and reports whether the worker is in a terminal state.
func (w *Worker) settled() bool {
	w.mu.Lock()
	st := w.state
	w.mu.Unlock()
	switch st {
	case Pending:
		return false
	case Running:
		select {
		case <-w.exec.done():
			w.finalize(false)
		default:
			return false
		}
	}
	return w.State().Terminal()
}

func (w *Worker) loadFault() *capsule.Fault {
	w.faultOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.fault != nil {
			return
		}
		if w.faultRaw != nil {
			f, err := capsule.Decode(w.faultRaw)
			if err == nil {
				w.fault = f
				return
			}
			w.fault = capsule.Capture(fmt.Errorf("worker %s: %w", w.id, err))
			return
		}
		w.fault = capsule.Capture(&ExitError{Code: w.code})
	})
	return w.fault
}

func (w *Worker) finalize(abandoned bool) {
	w.finalizeOnce.Do(func() {
		var res exitResult
		if !abandoned {
			res = w.exec.result()
		}
		w.mu.Lock()
		switch {
		case abandoned:
			w.state = Killed
			w.code = -int(w.policy.Force)
		case res.signaled:
			w.state = Killed
			w.code = res.code
		case w.killRequested:
			// the body noticed the kill and returned, or trapped the signal and exited
			w.state = Killed
			w.code = -int(w.policy.Force)
		case res.code == 0 && res.fault == nil && res.faultRaw == nil:
			w.state = Stopped
			w.code = 0
		default:
			w.state = Failed
			w.code = res.code
			if w.code == 0 {
				w.code = ExitFault
			}
			w.fault = res.fault
			w.faultRaw = res.faultRaw
		}
		id, st, code := w.id, w.state, w.code
		w.mu.Unlock()

		w.reg.remove(id)
		close(w.terminated)
		w.log.Debugw("worker finished", "ID", id, "State", st, "ExitCode", code)
	})
}

// member implementation

func (w *Worker) memberID() ID { return w.ID() }

func (w *Worker) alive() bool {
	select {
	case <-w.exec.done():
		return false
	default:
		return true
	}
}

func (w *Worker) osPID() int { return w.exec.pid() }

func (w *Worker) terminate(force bool) {
	w.mu.Lock()
	if w.state == Running {
		w.killRequested = true
	}
	w.mu.Unlock()
	w.exec.terminate(force)
}
