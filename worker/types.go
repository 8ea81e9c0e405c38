package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ID identifies a worker: proc:<pid> for process workers, thread:<uuid> for thread workers.
type ID string

func processID(pid int) ID { return ID(fmt.Sprintf("proc:%d", pid)) }

func (id ID) IsProcess() bool { return strings.HasPrefix(string(id), "proc:") }

type State int

const (
	Pending State = iota
	Running
	Stopped
	Failed
	Killed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	case Killed:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool { return s >= Stopped }

// ExitFault is the exit code of a worker whose body returned an error or panicked.
const ExitFault = 1

// Func is the body of a worker. A non-nil error or a panic is a fault.
type Func func(ctx context.Context, args ...any) error

// Supervised is the lifecycle surface shared by thread and process workers.
type Supervised interface {
	ID() ID
	Start() error
	Running() bool
	Join(ctx context.Context) error
	Kill()
	ExitCode() (int, bool)
	Check() error
}

var ErrInvalidState = errors.New("worker: invalid state")

// SpawnError is returned by Start when the execution context could not be created.
type SpawnError struct {
	Entry string
	Err   error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawning worker %q: %s", e.Entry, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }
func (e *SpawnError) Kind() string  { return "worker.SpawnError" }

// ExitError stands in for the fault of a process that exited nonzero without reporting one,
// for example because its body called os.Exit or a goroutine it started panicked.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d without reporting a fault", e.Code)
}
func (e *ExitError) Kind() string { return "worker.ExitError" }

// KillPolicy controls how Kill escalates.
// Signal is sent first; members still alive after Grace get Force; members still alive
// after a further Confirm are logged and abandoned.
// Thread workers have no signals: Signal cancels their context and Force detaches them.
type KillPolicy struct {
	Signal  syscall.Signal
	Grace   time.Duration
	Force   syscall.Signal
	Confirm time.Duration
}

func DefaultKillPolicy() KillPolicy {
	return KillPolicy{
		Signal:  syscall.SIGTERM,
		Grace:   1 * time.Second,
		Force:   syscall.SIGKILL,
		Confirm: 5 * time.Second,
	}
}

type options struct {
	log      *zap.SugaredLogger
	policy   KillPolicy
	registry *Registry
	args     []any
	stdout   io.Writer
	stderr   io.Writer
}

type Option func(o *options)

func WithArgs(args ...any) Option {
	return func(o *options) {
		o.args = args
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l.Named("worker").Sugar()
	}
}

func WithKillPolicy(p KillPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithRegistry tracks the worker in r instead of the process-wide registry.
func WithRegistry(r *Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithOutput sets where a process worker's stdout and stderr go. They default to the supervisor's own.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		log:      zap.NewNop().Sugar(),
		policy:   DefaultKillPolicy(),
		registry: defaultRegistry,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type ctxKey int

const (
	workerKey ctxKey = iota
	stopFlagKey
)

func withWorker(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, workerKey, id)
}

// CurrentID returns the ID of the worker whose body ctx was handed to.
func CurrentID(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(workerKey).(ID)
	return id, ok
}

// parentOf is the registry parent of a worker created with ctx. Outside of any worker body
// inside a child process, that is the child process itself.
func parentOf(ctx context.Context, r *Registry) ID {
	if id, ok := CurrentID(ctx); ok {
		return id
	}
	return r.self()
}
