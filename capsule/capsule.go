// Package capsule captures errors and panics into Faults: plain values that
// carry the kind, message and rendered trace of a failure so that it can be
// re-raised on the other side of a process or network boundary.
package capsule

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// KindPanic is the kind of a fault captured from a panic whose value is not an error.
const KindPanic = "panic"

// Fault is a serializable snapshot of a failure.
// A Fault is immutable once captured; the same *Fault may be returned any number of times.
type Fault struct {
	Kind    string `msgpack:"kind"`
	Message string `msgpack:"message"`
	Trace   string `msgpack:"trace"`

	// cause is the original error, only set when the fault was captured in this process.
	cause error
}

func (f *Fault) Error() string {
	if f.Kind == "" {
		return f.Message
	}
	return f.Kind + ": " + f.Message
}

func (f *Fault) Unwrap() error { return f.cause }

// Is reports whether target is a Fault with the same kind and message, so that a fault
// matches its reconstructions after crossing a boundary.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Kind == t.Kind && f.Message == t.Message
}

// Errorf builds a fault of the given kind, with the caller's stack as its trace.
func Errorf(kind string, format string, args ...any) *Fault {
	msg := fmt.Sprintf(format, args...)
	return &Fault{
		Kind:    kind,
		Message: msg,
		Trace:   render(kind, msg, string(debug.Stack())),
	}
}

// Capture converts err into a Fault. Faults are returned unchanged, which keeps
// re-raising a fault from a nested worker faithful to the original.
func Capture(err error) *Fault {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Fault); ok {
		return f
	}
	kind := kindOf(err)
	msg := err.Error()
	return &Fault{
		Kind:    kind,
		Message: msg,
		Trace:   render(kind, msg, stackOf(err)),
		cause:   err,
	}
}

// FromPanic converts a recovered panic value into a Fault.
// stack should be taken with debug.Stack() inside the deferred recover, so it still
// contains the frames of the function that panicked.
func FromPanic(p any, stack []byte) *Fault {
	switch v := p.(type) {
	case *Fault:
		return v
	case error:
		kind := kindOf(v)
		msg := v.Error()
		return &Fault{
			Kind:    kind,
			Message: msg,
			Trace:   render(kind, msg, fmt.Sprintf("panic at [%s]\n%s", identifyPanic(), stack)),
			cause:   v,
		}
	default:
		msg := fmt.Sprint(v)
		return &Fault{
			Kind:    KindPanic,
			Message: msg,
			Trace:   render(KindPanic, msg, fmt.Sprintf("panic at [%s]\n%s", identifyPanic(), stack)),
		}
	}
}

// Protect runs fn and returns the fault it produced, either by returning an error or by panicking.
func Protect(fn func() error) (f *Fault) {
	defer func() {
		if p := recover(); p != nil {
			f = FromPanic(p, debug.Stack())
		}
	}()
	return Capture(fn())
}

// Encode serializes a fault for transport.
func Encode(f *Fault) ([]byte, error) {
	b, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding fault: %w", err)
	}
	return b, nil
}

// Decode reconstructs a fault serialized with Encode.
func Decode(b []byte) (*Fault, error) {
	var f Fault
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decoding fault: %w", err)
	}
	return &f, nil
}

// kindOf names the error by the first Kind method in its chain, otherwise by the
// dynamic type of the innermost pkg/errors cause.
func kindOf(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return fmt.Sprintf("%T", pkgerrors.Cause(err))
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// stackOf prefers the stack recorded by pkg/errors at the point the error was created.
// Without one, the best available is the stack of the capturing goroutine.
func stackOf(err error) string {
	for e := err; e != nil; {
		if st, ok := e.(stackTracer); ok {
			return strings.TrimPrefix(fmt.Sprintf("%+v", st.StackTrace()), "\n")
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return string(debug.Stack())
}

func render(kind, msg, stack string) string {
	var b strings.Builder
	b.WriteString("Traceback:\n")
	b.WriteString(stack)
	if !strings.HasSuffix(stack, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(kind)
	b.WriteString(": ")
	b.WriteString(msg)
	return b.String()
}

// identifyPanic returns the first non-runtime frame above the recover, which is where the panic happened.
func identifyPanic() string {
	var name, file string
	var line int
	var pc [16]uintptr

	n := runtime.Callers(4, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line = fn.FileLine(pc)
		name = fn.Name()
		if !strings.HasPrefix(name, "runtime.") {
			break
		}
	}

	switch {
	case name != "":
		return fmt.Sprintf("%v:%v", name, line)
	case file != "":
		return fmt.Sprintf("%v:%v", file, line)
	}

	return fmt.Sprintf("pc:%x", pc)
}
