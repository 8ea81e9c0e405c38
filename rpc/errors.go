package rpc

import (
	"errors"
	"fmt"
)

// Fault kinds produced by the RPC layer itself rather than by a handler.
const (
	KindUnknownMethod = "rpc.UnknownMethod"
	KindBadArguments  = "rpc.BadArguments"
	KindBadResult     = "rpc.BadResult"
)

var (
	// ErrTimeout is wrapped by Future.Result when its context ends before the result arrives.
	ErrTimeout = errors.New("rpc: timed out waiting for result")
	ErrClosed  = errors.New("rpc: client closed")
)

// TransportError means the connection could not carry a call: it could not be established,
// or it failed while the call was pending.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("rpc transport: %s: %s", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
func (e *TransportError) Kind() string  { return "rpc.TransportError" }
