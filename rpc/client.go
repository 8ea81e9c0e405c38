package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/guseggert/teleport/transport"
	"github.com/guseggert/teleport/wire"
	"go.uber.org/zap"
)

type Client struct {
	log            *zap.SugaredLogger
	endpoint       transport.Endpoint
	transportOpts  []transport.Option
	limits         wire.Limits
	connectTimeout time.Duration

	connectMu sync.Mutex

	mu      sync.Mutex
	conn    *wire.Conn
	pending map[uint64]*Future
	nextID  uint64
	closed  bool
	// broken is set once the connection has failed; every later call fails with it
	broken error
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.log = l.Named("rpc_client").Sugar()
	}
}

// WithConnectTimeout bounds how long Connect keeps retrying.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

func WithClientLimits(l wire.Limits) ClientOption {
	return func(c *Client) {
		c.limits = l
	}
}

func WithClientTransportOptions(opts ...transport.Option) ClientOption {
	return func(c *Client) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	e, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	c := &Client{
		log:            zap.NewNop().Sugar(),
		endpoint:       e,
		limits:         wire.DefaultLimits(),
		connectTimeout: 10 * time.Second,
		pending:        map[uint64]*Future{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Connect dials the server, retrying with exponential backoff until it answers or the
// connect timeout passes. Calling it on a connected client is a no-op; after the
// connection has been lost it dials again.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	closed, connected := c.closed, c.conn != nil && c.broken == nil
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if connected {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	nc, err := backoff.Retry(ctx,
		func() (net.Conn, error) {
			return transport.Dial(ctx, c.endpoint, c.transportOpts...)
		},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.connectTimeout),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Debugw("dial failed, retrying", "Endpoint", c.endpoint, "Error", err, "Backoff", d)
		}),
	)
	if err != nil {
		return &TransportError{Op: "connect " + c.endpoint.String(), Err: err}
	}

	conn := wire.NewConn(nc, c.limits)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.broken = nil
	c.mu.Unlock()

	c.log.Debugw("connected", "Endpoint", c.endpoint)
	go c.readLoop(conn)
	return nil
}

// Call sends a call without waiting for its result.
func (c *Client) Call(method string, args any) *Future {
	f := newFuture(method)

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		f.resolve(nil, ErrClosed)
		return f
	case c.broken != nil:
		err := c.broken
		c.mu.Unlock()
		f.resolve(nil, err)
		return f
	case c.conn == nil:
		c.mu.Unlock()
		f.resolve(nil, &TransportError{Op: "call " + method, Err: errors.New("not connected")})
		return f
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = f
	conn := c.conn
	c.mu.Unlock()

	frame, err := wire.Message{Kind: wire.KindCall, CallID: id, Method: method, Body: args}.Frame()
	if err != nil {
		c.forget(id)
		f.resolve(nil, fmt.Errorf("encoding %s arguments: %w", method, err))
		return f
	}
	if err := conn.SendFrame(frame); err != nil {
		c.forget(id)
		f.resolve(nil, &TransportError{Op: "call " + method, Err: err})
	}
	return f
}

// Method returns a stub that calls name.
func (c *Client) Method(name string) func(args any) *Future {
	return func(args any) *Future { return c.Call(name, args) }
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) readLoop(conn *wire.Conn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				c.rejectReply(msg.CallID, err)
				continue
			}
			c.fail(conn, err)
			return
		}

		c.mu.Lock()
		f := c.pending[msg.CallID]
		delete(c.pending, msg.CallID)
		c.mu.Unlock()
		if f == nil {
			c.log.Debugw("reply for unknown call", "CallID", msg.CallID, "Kind", msg.Kind)
			continue
		}

		switch msg.Kind {
		case wire.KindResult:
			f.resolve(msg.Body, nil)
		case wire.KindError:
			f.resolve(nil, msg.Fault)
		default:
			f.resolve(nil, &TransportError{Op: "call " + f.Method, Err: fmt.Errorf("unexpected %s reply", msg.Kind)})
		}
	}
}

// rejectReply fails the call whose reply could not be decoded. The connection stays up.
func (c *Client) rejectReply(id uint64, cause error) {
	c.mu.Lock()
	f := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if f == nil {
		c.log.Debugw("dropping malformed message", "CallID", id, "Error", cause)
		return
	}
	c.log.Debugw("malformed reply", "Method", f.Method, "CallID", id, "Error", cause)
	f.resolve(nil, &TransportError{Op: "call " + f.Method, Err: cause})
}

// fail resolves every pending call with a transport error.
func (c *Client) fail(conn *wire.Conn, cause error) {
	c.mu.Lock()
	if c.closed {
		cause = ErrClosed
	}
	err := &TransportError{Op: "receive", Err: cause}
	pending := c.pending
	c.pending = map[uint64]*Future{}
	if c.conn == conn {
		c.broken = err
	}
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Debugw("connection lost", "Endpoint", c.endpoint, "Pending", len(pending), "Error", cause)
	}
	for _, f := range pending {
		f.resolve(nil, err)
	}
	conn.Close()
}

// Close closes the connection. Pending calls fail with a TransportError wrapping ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
