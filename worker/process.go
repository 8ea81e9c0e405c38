package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"github.com/guseggert/teleport/capsule"
	"github.com/guseggert/teleport/wire"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	reportFD  = 3
	controlFD = 4

	reexecPrefix = "teleport-worker:"

	// exitBootstrap is the exit code of a child that could not read its bootstrap frame.
	exitBootstrap = 2
)

// Entry is a function registered to run in a child process.
type Entry struct {
	name string
	fn   Func
}

func (e Entry) Name() string { return e.name }

// Register makes fn runnable in a child process under name. It must be called during
// package initialization, before Init runs, in every binary that starts or hosts the worker.
func Register(name string, fn Func) Entry {
	e := Entry{name: name, fn: fn}
	reexec.Register(reexecPrefix+name, func() { runChild(e) })
	return e
}

// Init runs the registered entry this process was started for, if any, and never returns
// in that case. It returns false in an ordinary process. Call it first thing in main, and
// in TestMain for tests that start process workers.
func Init() bool {
	return reexec.Init()
}

// runChild is the child side of the pipe protocol.
func runChild(e Entry) {
	syscall.CloseOnExec(reportFD)
	syscall.CloseOnExec(controlFD)
	report := os.NewFile(reportFD, "teleport-report")
	control := os.NewFile(controlFD, "teleport-control")

	f, err := wire.ReadFrame(control, wire.DefaultLimits())
	if err != nil {
		fmt.Fprintf(os.Stderr, "teleport worker %s: reading bootstrap: %s\n", e.name, err)
		os.Exit(exitBootstrap)
	}
	msg, err := wire.ParseMessage(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "teleport worker %s: parsing bootstrap: %s\n", e.name, err)
		os.Exit(exitBootstrap)
	}
	args, _ := msg.Body.([]any)

	self := processID(os.Getpid())
	up := &reporter{w: report}
	defaultRegistry.setUpstream(self, up)

	flag := &StopFlag{}
	go func() {
		// the supervisor closing the control pipe is the stop request
		_, _ = io.Copy(io.Discard, control)
		flag.Stop()
	}()

	ctx := withStopFlag(withWorker(context.Background(), self), flag)
	if fault := capsule.Protect(func() error { return e.fn(ctx, args...) }); fault != nil {
		if err := up.fault(fault); err != nil {
			fmt.Fprintf(os.Stderr, "teleport worker %s: reporting fault: %s\n%s\n", e.name, err, fault.Trace)
		}
		os.Exit(ExitFault)
	}
	os.Exit(0)
}

// processExec runs a registered entry in a re-executed copy of this binary.
type processExec struct {
	log    *zap.SugaredLogger
	entry  Entry
	args   []any
	policy KillPolicy
	reg    *Registry
	stdout io.Writer
	stderr io.Writer

	cmd         *exec.Cmd
	control     *os.File
	controlOnce sync.Once
	doneCh      chan struct{}
	reportsDone chan struct{}

	// faultRaw is only written by the report reader, before reportsDone closes
	faultRaw []byte
}

func (p *processExec) spawn(_ context.Context) (ID, error) {
	if p.entry.fn == nil {
		return "", errors.New("entry was not registered")
	}
	boot, err := wire.Message{Kind: wire.KindCall, Method: p.entry.name, Body: p.args}.Frame()
	if err != nil {
		return "", fmt.Errorf("encoding arguments: %w", err)
	}

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return "", fmt.Errorf("creating report pipe: %w", err)
	}
	controlR, controlW, err := os.Pipe()
	if err != nil {
		reportR.Close()
		reportW.Close()
		return "", fmt.Errorf("creating control pipe: %w", err)
	}

	cmd := reexec.Command(reexecPrefix + p.entry.name)
	cmd.ExtraFiles = []*os.File{reportW, controlR}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	err = cmd.Start()
	reportW.Close()
	controlR.Close()
	if err != nil {
		reportR.Close()
		controlW.Close()
		return "", fmt.Errorf("starting process: %w", err)
	}
	p.cmd = cmd
	p.control = controlW
	id := processID(cmd.Process.Pid)

	go p.readReports(reportR)
	go p.wait()

	if err := wire.WriteFrame(controlW, boot, wire.DefaultLimits()); err != nil {
		// the child died before reading it, which wait will notice
		p.log.Debugw("writing bootstrap", "ID", id, "Error", err)
	}
	return id, nil
}

func (p *processExec) readReports(r *os.File) {
	defer close(p.reportsDone)
	defer r.Close()
	for {
		f, err := wire.ReadFrame(r, wire.DefaultLimits())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.Debugw("reading reports", "Entry", p.entry.name, "Error", err)
			}
			return
		}
		switch f.Kind {
		case reportSpawned:
			var rec spawnedRecord
			if err := msgpack.Unmarshal(f.Head, &rec); err != nil {
				p.log.Debugw("bad spawned record", "Error", err)
				continue
			}
			p.reg.addRemote(rec.Parent, rec.Child, rec.PID, p.policy)
		case reportPruned:
			var rec prunedRecord
			if err := msgpack.Unmarshal(f.Head, &rec); err != nil {
				p.log.Debugw("bad pruned record", "Error", err)
				continue
			}
			p.reg.remove(rec.ID)
		case reportFault:
			p.faultRaw = f.Head
		}
	}
}

// reportDrainTimeout bounds how long wait keeps reading reports after the child exits. A
// grandchild that somehow inherited the report pipe would otherwise hold it open.
const reportDrainTimeout = time.Second

func (p *processExec) wait() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.log.Debugw("waiting for process", "PID", p.cmd.Process.Pid, "Error", err)
	}
	select {
	case <-p.reportsDone:
	case <-time.After(reportDrainTimeout):
		p.log.Debugw("report pipe still open after exit", "PID", p.cmd.Process.Pid)
	}
	p.closeControl()
	close(p.doneCh)
}

func (p *processExec) closeControl() {
	p.controlOnce.Do(func() { p.control.Close() })
}

func (p *processExec) done() <-chan struct{} { return p.doneCh }

func (p *processExec) terminate(force bool) {
	sig := p.policy.Signal
	if force {
		sig = p.policy.Force
	}
	err := p.cmd.Process.Signal(sig)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Debugw("signalling process", "PID", p.cmd.Process.Pid, "Signal", sig, "Error", err)
	}
}

func (p *processExec) result() exitResult {
	select {
	case <-p.reportsDone:
	default:
		// the drain timed out, so faultRaw may still be written
		return p.exitStatus(nil)
	}
	return p.exitStatus(p.faultRaw)
}

func (p *processExec) exitStatus(faultRaw []byte) exitResult {
	state := p.cmd.ProcessState
	if state == nil {
		return exitResult{code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return exitResult{code: -int(ws.Signal()), signaled: true}
	}
	return exitResult{code: state.ExitCode(), faultRaw: faultRaw}
}

func (p *processExec) requestStop() { p.closeControl() }

func (p *processExec) pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *processExec) name() string { return p.entry.name }

// NewProcess creates a Pending worker that runs entry in a child process.
// Cancelling ctx kills the worker.
func NewProcess(ctx context.Context, entry Entry, opts ...Option) *Worker {
	o := newOptions(opts)
	p := &processExec{
		log:         o.log,
		entry:       entry,
		args:        o.args,
		policy:      o.policy,
		reg:         o.registry,
		stdout:      o.stdout,
		stderr:      o.stderr,
		doneCh:      make(chan struct{}),
		reportsDone: make(chan struct{}),
	}
	return newWorker(ctx, p, o)
}
