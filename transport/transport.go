package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/docker/go-connections/sockets"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type options struct {
	log         *zap.SugaredLogger
	readLimit   int64
	dialTimeout time.Duration
}

type Option func(o *options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l.Named("transport").Sugar()
	}
}

// WithReadLimit bounds the size of a single WebSocket message on ws endpoints.
func WithReadLimit(n int64) Option {
	return func(o *options) {
		o.readLimit = n
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		log:         zap.NewNop().Sugar(),
		readLimit:   (4 << 30) + (64 << 20),
		dialTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Listen starts listening on the endpoint.
func Listen(e Endpoint, opts ...Option) (net.Listener, error) {
	o := newOptions(opts)
	tcpListener, err := sockets.NewTCPSocket(e.ListenAddr(), nil)
	if err != nil {
		return nil, fmt.Errorf("listening TCP on %s: %w", e.ListenAddr(), err)
	}
	switch e.Scheme {
	case SchemeTCP:
		return tcpListener, nil
	case SchemeWS:
		return newWSListener(tcpListener, e.Path, o), nil
	default:
		tcpListener.Close()
		return nil, fmt.Errorf("unsupported scheme %q", e.Scheme)
	}
}

// Dial connects to the endpoint.
func Dial(ctx context.Context, e Endpoint, opts ...Option) (net.Conn, error) {
	o := newOptions(opts)
	switch e.Scheme {
	case SchemeTCP:
		dialer := &net.Dialer{Timeout: o.dialTimeout}
		return dialer.DialContext(ctx, "tcp", e.DialAddr())
	case SchemeWS:
		u := "ws://" + e.DialAddr() + e.Path
		o.log.Debugw("dialing WebSocket", "URL", u)
		dialCtx, cancel := context.WithTimeout(ctx, o.dialTimeout)
		defer cancel()
		wsConn, _, err := websocket.Dial(dialCtx, u, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
		}
		wsConn.SetReadLimit(o.readLimit)
		return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q", e.Scheme)
	}
}

// wsListener accepts WebSocket upgrades on an HTTP server and hands them out as net.Conns.
type wsListener struct {
	log       *zap.SugaredLogger
	tcp       net.Listener
	server    *http.Server
	readLimit int64

	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSListener(tcpListener net.Listener, path string, o *options) *wsListener {
	l := &wsListener{
		log:       o.log.Named("ws_listener"),
		tcp:       tcpListener,
		readLimit: o.readLimit,
		conns:     make(chan net.Conn),
		closed:    make(chan struct{}),
	}
	router := httprouter.New()
	router.GET(path, l.accept)
	l.server = &http.Server{Handler: router}
	go func() {
		err := l.server.Serve(tcpListener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Debugf("WebSocket HTTP server stopped: %s", err)
		}
	}()
	return l
}

func (l *wsListener) accept(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		l.log.Debugf("WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(l.readLimit)

	// the connection lives as long as this handler, so park until either side is done
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := &closeNotifyConn{
		Conn: websocket.NetConn(ctx, wsConn, websocket.MessageBinary),
		done: make(chan struct{}),
	}
	select {
	case l.conns <- conn:
	case <-l.closed:
		conn.Close()
		return
	}
	select {
	case <-conn.done:
	case <-l.closed:
		conn.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}

func (l *wsListener) Addr() net.Addr { return l.tcp.Addr() }

type closeNotifyConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
}

func (c *closeNotifyConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}
