// Package rpc implements request/response calls over a transport endpoint. A Server
// dispatches Call messages to bound handlers one at a time per connection; a Client issues
// calls without blocking and hands back a Future per call.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/teleport/capsule"
	"github.com/guseggert/teleport/transport"
	"github.com/guseggert/teleport/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler serves one method. args is the decoded call body; a returned error, or a panic,
// is sent back to the caller as a fault.
type Handler func(ctx context.Context, args any) (any, error)

type Server struct {
	log           *zap.SugaredLogger
	endpoint      transport.Endpoint
	transportOpts []transport.Option
	limits        wire.Limits
	metrics       *metrics

	mu       sync.Mutex
	handlers map[string]Handler
	listener net.Listener
	bound    transport.Endpoint
	conns    map[net.Conn]struct{}
	closed   bool
}

type ServerOption func(s *Server)

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.log = l.Named("rpc_server").Sugar()
	}
}

func WithServerLimits(l wire.Limits) ServerOption {
	return func(s *Server) {
		s.limits = l
	}
}

func WithServerTransportOptions(opts ...transport.Option) ServerOption {
	return func(s *Server) {
		s.transportOpts = append(s.transportOpts, opts...)
	}
}

// NewServer creates a server for an endpoint such as tcp://*:2222. It does not listen until Listen or Run.
func NewServer(endpoint string, opts ...ServerOption) (*Server, error) {
	e, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:      zap.NewNop().Sugar(),
		endpoint: e,
		limits:   wire.DefaultLimits(),
		metrics:  newMetrics(),
		handlers: map[string]Handler{},
		conns:    map[net.Conn]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Bind registers h under method, replacing any previous handler.
func (s *Server) Bind(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Methods returns the bound method names, sorted.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Listen binds the endpoint. Calling it again is a no-op.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if s.listener != nil {
		return nil
	}
	l, err := transport.Listen(s.endpoint, s.transportOpts...)
	if err != nil {
		return err
	}
	s.listener = l
	s.bound = s.endpoint.WithAddr(l.Addr())
	s.log.Debugw("listening", "Endpoint", s.bound)
	return nil
}

// Addr is the endpoint the server is bound to, with the port filled in. It is only
// meaningful after Listen.
func (s *Server) Addr() transport.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Run listens if needed and serves connections until ctx is done or Close is called.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		return s.Close()
	})

	var runErr error
	for {
		c, err := l.Accept()
		if err != nil {
			if !s.isClosed() {
				runErr = fmt.Errorf("accepting connection: %w", err)
			}
			break
		}
		if !s.track(c) {
			c.Close()
			break
		}
		g.Go(func() error {
			s.serveConn(ctx, c)
			return nil
		})
	}
	close(stop)
	if err := g.Wait(); err != nil && runErr == nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debugw("closing server", "Error", err)
	}
	return runErr
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Close stops the listener and closes every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	conns := s.conns
	s.conns = map[net.Conn]struct{}{}
	s.mu.Unlock()

	for c := range conns {
		c.Close()
	}
	if l != nil {
		return l.Close()
	}
	return nil
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	defer s.untrack(c)
	conn := wire.NewConn(c, s.limits)
	defer conn.Close()
	log := s.log.With("Remote", c.RemoteAddr())
	log.Debug("connection opened")

	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				if msg.Kind != wire.KindCall {
					log.Debugw("dropping malformed message", "Kind", msg.Kind, "CallID", msg.CallID, "Error", err)
					continue
				}
				s.metrics.calls.WithLabelValues(unknownMethodLabel, outcomeMalformed).Inc()
				log.Debugw("rejecting malformed call", "CallID", msg.CallID, "Error", err)
				f := s.faultFrame(msg, capsule.Errorf(KindBadArguments, "decoding call %d: %s", msg.CallID, err))
				if err := conn.SendFrame(f); err != nil {
					log.Debugw("sending reply", "CallID", msg.CallID, "Error", err)
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				log.Debugw("connection failed", "Error", err)
			}
			return
		}
		if msg.Kind != wire.KindCall {
			log.Debugw("ignoring unexpected message", "Kind", msg.Kind, "CallID", msg.CallID)
			continue
		}
		f := s.dispatch(ctx, msg)
		if err := conn.SendFrame(f); err != nil {
			log.Debugw("sending reply", "CallID", msg.CallID, "Error", err)
			return
		}
	}
}

// dispatch runs the handler for msg and encodes its reply.
func (s *Server) dispatch(ctx context.Context, msg wire.Message) wire.Frame {
	s.mu.Lock()
	h, ok := s.handlers[msg.Method]
	s.mu.Unlock()
	if !ok {
		s.metrics.calls.WithLabelValues(unknownMethodLabel, outcomeUnknownMethod).Inc()
		return s.faultFrame(msg, capsule.Errorf(KindUnknownMethod, "unknown method %q", msg.Method))
	}

	s.metrics.inFlight.Inc()
	start := time.Now()
	var result any
	fault := capsule.Protect(func() (err error) {
		result, err = h(ctx, msg.Body)
		return err
	})
	s.metrics.latency.WithLabelValues(msg.Method).Observe(time.Since(start).Seconds())
	s.metrics.inFlight.Dec()

	if fault != nil {
		s.metrics.calls.WithLabelValues(msg.Method, outcomeFault).Inc()
		s.log.Debugw("handler failed", "Method", msg.Method, "CallID", msg.CallID, "Kind", fault.Kind, "Message", fault.Message)
		return s.faultFrame(msg, fault)
	}
	f, err := wire.Message{Kind: wire.KindResult, CallID: msg.CallID, Body: result}.Frame()
	if err != nil {
		s.metrics.calls.WithLabelValues(msg.Method, outcomeFault).Inc()
		return s.faultFrame(msg, capsule.Errorf(KindBadResult, "encoding result of %s: %s", msg.Method, err))
	}
	s.metrics.calls.WithLabelValues(msg.Method, outcomeOK).Inc()
	return f
}

func (s *Server) faultFrame(msg wire.Message, fault *capsule.Fault) wire.Frame {
	f, err := wire.Message{Kind: wire.KindError, CallID: msg.CallID, Fault: fault}.Frame()
	if err != nil {
		// a fault is three strings, so this only fails if the encoder is broken
		panic(fmt.Sprintf("encoding fault reply: %s", err))
	}
	return f
}
