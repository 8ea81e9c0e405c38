package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/teleport/capsule"
	inet "github.com/guseggert/teleport/internal/net"
	"github.com/guseggert/teleport/transport"
	"github.com/guseggert/teleport/wire"
	"github.com/guseggert/teleport/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	if worker.Init() {
		return
	}
	os.Exit(m.Run())
}

func bindTestMethods(s *Server, release <-chan struct{}) {
	s.Bind("add", Typed(func(ctx context.Context, nums []int) (int, error) {
		sum := 0
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	}))
	s.Bind("msg", func(ctx context.Context, args any) (any, error) {
		return map[string]any{"msg": args}, nil
	})
	s.Bind("echo", func(ctx context.Context, args any) (any, error) {
		return args, nil
	})
	s.Bind("fail", func(ctx context.Context, args any) (any, error) {
		return nil, capsule.Errorf("ValueError", "bad value %v", args)
	})
	s.Bind("panic", func(ctx context.Context, args any) (any, error) {
		panic("handler exploded")
	})
	s.Bind("slow", func(ctx context.Context, args any) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// startServer runs a server with the test methods on endpoint until the test ends.
func startServer(t *testing.T, endpoint string, release <-chan struct{}) *Server {
	t.Helper()
	s, err := NewServer(endpoint, WithServerLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	bindTestMethods(s, release)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return s.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, g.Wait())
	})
	return s
}

func connect(t *testing.T, endpoint string, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(endpoint, append([]ClientOption{WithClientLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func result(t *testing.T, f *Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.Result(ctx)
}

func TestCalls(t *testing.T) {
	for _, endpoint := range []string{"tcp://127.0.0.1:0", "ws://127.0.0.1:0/rpc"} {
		t.Run(endpoint, func(t *testing.T) {
			s := startServer(t, endpoint, nil)
			c := connect(t, s.Addr().String())
			assert.Equal(t, []string{"add", "echo", "fail", "msg", "panic", "slow"}, s.Methods())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			add := c.Method("add")
			sum, err := ResultAs[int](ctx, add([]int{1, 2, 3}))
			require.NoError(t, err)
			assert.Equal(t, 6, sum)

			v, err := result(t, c.Call("msg", "hello"))
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"msg": "hello"}, v)

			// several calls in flight on one connection resolve in any order
			futures := make([]*Future, 10)
			for i := range futures {
				futures[i] = add([]int{i, i})
			}
			for i := len(futures) - 1; i >= 0; i-- {
				n, err := ResultAs[int](ctx, futures[i])
				require.NoError(t, err)
				assert.Equal(t, 2*i, n)
			}
		})
	}
}

func TestEchoBuffers(t *testing.T) {
	s := startServer(t, "tcp://127.0.0.1:0", nil)
	c := connect(t, s.Addr().String())

	raw := []byte("raw bytes travel beside the head")
	v, err := result(t, c.Call("echo", map[string]any{
		"raw":   raw,
		"array": wire.Float64Array([]float64{1.5, 2.5, 3.5, 4.5}, 2, 2),
		"n":     7,
	}))
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)

	assert.Equal(t, raw, m["raw"])
	assert.Equal(t, int64(7), m["n"])
	arr, ok := m["array"].(wire.Array)
	require.True(t, ok)
	assert.Equal(t, []int{2, 2}, arr.Shape)
	vals, err := arr.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5, 3.5, 4.5}, vals)
}

func TestFaults(t *testing.T) {
	s := startServer(t, "tcp://127.0.0.1:0", nil)
	c := connect(t, s.Addr().String())

	cases := []struct {
		method  string
		expKind string
		expMsg  string
	}{
		{method: "nope", expKind: KindUnknownMethod, expMsg: `unknown method "nope"`},
		{method: "fail", expKind: "ValueError", expMsg: "bad value 3"},
		{method: "panic", expKind: capsule.KindPanic, expMsg: "handler exploded"},
		{method: "add", expKind: KindBadArguments},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			args := any(3)
			if tc.method == "add" {
				args = "not a list"
			}
			_, err := result(t, c.Call(tc.method, args))
			var f *capsule.Fault
			require.True(t, errors.As(err, &f), "got %v", err)
			assert.Equal(t, tc.expKind, f.Kind)
			if tc.expMsg != "" {
				assert.Equal(t, tc.expMsg, f.Message)
			}
			assert.Contains(t, f.Trace, f.Kind)

			// the connection survives the failure
			v, err := result(t, c.Call("msg", "still here"))
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"msg": "still here"}, v)
		})
	}
}

func TestBodiesTheDecoderCannotRead(t *testing.T) {
	s := startServer(t, "tcp://127.0.0.1:0", nil)
	s.Bind("bool_keys", func(ctx context.Context, args any) (any, error) {
		return map[any]any{true: 1}, nil
	})
	c := connect(t, s.Addr().String())

	_, err := result(t, c.Call("echo", map[int]string{1: "one"}))
	assert.ErrorIs(t, err, wire.ErrUnencodable)

	_, err = result(t, c.Call("bool_keys", nil))
	var f *capsule.Fault
	require.True(t, errors.As(err, &f), "got %v", err)
	assert.Equal(t, KindBadResult, f.Kind)

	reserved := map[string]any{"__teleport_buf__": int64(0), "__teleport_arr__": []any{"x"}}
	v, err := result(t, c.Call("echo", reserved))
	require.NoError(t, err)
	assert.Equal(t, reserved, v)
}

func TestMalformedCallIsAnswered(t *testing.T) {
	s := startServer(t, "tcp://127.0.0.1:0", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nc, err := transport.Dial(ctx, s.Addr())
	require.NoError(t, err)
	conn := wire.NewConn(nc, wire.DefaultLimits())
	defer conn.Close()

	// a buffer placeholder with no buffer behind it
	bad, err := wire.Message{Kind: wire.KindCall, CallID: 5, Method: "echo", Body: []byte("x")}.Frame()
	require.NoError(t, err)
	bad.Buffers = nil
	require.NoError(t, conn.SendFrame(bad))

	reply, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, wire.KindError, reply.Kind)
	assert.Equal(t, uint64(5), reply.CallID)
	require.NotNil(t, reply.Fault)
	assert.Equal(t, KindBadArguments, reply.Fault.Kind)

	require.NoError(t, conn.Send(wire.Message{Kind: wire.KindCall, CallID: 6, Method: "echo", Body: "ok"}))
	reply, err = conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, wire.KindResult, reply.Kind)
	assert.Equal(t, uint64(6), reply.CallID)
	assert.Equal(t, "ok", reply.Body)
}

func TestMalformedReplyFailsCall(t *testing.T) {
	e, err := transport.ParseEndpoint("tcp://127.0.0.1:0")
	require.NoError(t, err)
	l, err := transport.Listen(e)
	require.NoError(t, err)
	defer l.Close()

	// answers the first call with an undecodable result and the second one properly
	var g errgroup.Group
	g.Go(func() error {
		nc, err := l.Accept()
		if err != nil {
			return err
		}
		conn := wire.NewConn(nc, wire.DefaultLimits())
		defer conn.Close()
		for i := 0; i < 2; i++ {
			call, err := conn.Receive()
			if err != nil {
				return err
			}
			f, err := wire.Message{Kind: wire.KindResult, CallID: call.CallID, Body: []byte("x")}.Frame()
			if err != nil {
				return err
			}
			if i == 0 {
				f.Buffers = nil
			}
			if err := conn.SendFrame(f); err != nil {
				return err
			}
		}
		return nil
	})

	c := connect(t, e.WithAddr(l.Addr()).String())
	_, err = result(t, c.Call("echo", 1))
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.ErrorIs(t, err, wire.ErrMalformed)

	v, err := result(t, c.Call("echo", 2))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), v)
	assert.NoError(t, g.Wait())
}

func TestResultTimeout(t *testing.T) {
	release := make(chan struct{})
	s := startServer(t, "tcp://127.0.0.1:0", release)
	c := connect(t, s.Addr().String())

	f := c.Call("slow", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.Result(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the call stays pending, and its late result still arrives
	close(release)
	v, err := result(t, f)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestConnectionLossFailsPendingCalls(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := startServer(t, "tcp://127.0.0.1:0", release)
	c := connect(t, s.Addr().String())

	f := c.Call("slow", nil)
	require.NoError(t, s.Close())

	_, err := result(t, f)
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)

	// later calls fail straight away
	_, err = result(t, c.Call("msg", 1))
	assert.True(t, errors.As(err, &te), "got %v", err)
}

func TestClientClose(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := startServer(t, "tcp://127.0.0.1:0", release)
	c := connect(t, s.Addr().String())

	f := c.Call("slow", nil)
	require.NoError(t, c.Close())
	_, err := result(t, f)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = result(t, c.Call("msg", 1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestCallBeforeConnect(t *testing.T) {
	c, err := NewClient("tcp://127.0.0.1:1")
	require.NoError(t, err)
	_, err = result(t, c.Call("msg", 1))
	var te *TransportError
	assert.True(t, errors.As(err, &te))
}

func TestConnectRetriesUntilServerListens(t *testing.T) {
	endpoint, err := inet.EphemeralEndpoint("tcp")
	require.NoError(t, err)
	c, err := NewClient(endpoint, WithClientLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer c.Close()

	connected := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		connected <- c.Connect(ctx)
	}()
	time.Sleep(100 * time.Millisecond)
	startServer(t, endpoint, nil)
	require.NoError(t, <-connected)

	// connecting again is a no-op
	require.NoError(t, c.Connect(context.Background()))
	v, err := result(t, c.Call("msg", "late"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "late"}, v)
}

func TestConnectTimeout(t *testing.T) {
	endpoint, err := inet.EphemeralEndpoint("tcp")
	require.NoError(t, err)
	c, err := NewClient(endpoint, WithConnectTimeout(200*time.Millisecond))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	var te *TransportError
	assert.True(t, errors.As(err, &te), "got %v", err)
}

func TestStatusHandler(t *testing.T) {
	s := startServer(t, "tcp://127.0.0.1:0", nil)
	c := connect(t, s.Addr().String())
	_, err := result(t, c.Call("add", []int{1}))
	require.NoError(t, err)
	_, err = result(t, c.Call("nope", nil))
	require.Error(t, err)

	status := httptest.NewServer(s.StatusHandler())
	defer status.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(status.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	code, _ := get("/heartbeat")
	assert.Equal(t, http.StatusOK, code)

	code, body := get("/methods")
	assert.Equal(t, http.StatusOK, code)
	var methods []string
	require.NoError(t, json.Unmarshal([]byte(body), &methods))
	assert.Equal(t, s.Methods(), methods)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `teleport_rpc_calls_total{method="add",outcome="ok"} 1`)
	assert.Contains(t, body, `teleport_rpc_calls_total{method="_unknown",outcome="unknown_method"} 1`)
	assert.True(t, strings.Contains(body, "teleport_rpc_handler_duration_seconds"))
}

// serverEntry runs an RPC server inside a process worker until the worker is stopped.
var serverEntry = worker.RegisterStoppable("rpc-test-server", func(sc *worker.StopContext, args ...any) error {
	s, err := NewServer(args[0].(string), WithServerLogger(zap.NewNop()))
	if err != nil {
		return err
	}
	bindTestMethods(s, nil)

	ctx, cancel := context.WithCancel(sc)
	defer cancel()
	go func() {
		for sc.Running() {
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()
	return s.Run(ctx)
})

func TestServerInProcessWorker(t *testing.T) {
	endpoint, err := inet.EphemeralEndpoint("tcp")
	require.NoError(t, err)

	w := worker.NewStoppableProcess(context.Background(), serverEntry,
		worker.WithArgs(endpoint),
		worker.WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, w.Start())
	defer w.Kill()

	c := connect(t, endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sum, err := ResultAs[int](ctx, c.Call("add", []int{40, 2}))
	require.NoError(t, err)
	assert.Equal(t, 42, sum)

	_, err = result(t, c.Call("fail", "remote"))
	var f *capsule.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, "ValueError", f.Kind)

	require.NoError(t, w.Stop(ctx))
	code, ok := w.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code, fmt.Sprintf("worker check: %v", w.Check()))
}
