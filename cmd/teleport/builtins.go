package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/guseggert/teleport/capsule"
	"github.com/guseggert/teleport/rpc"
	"go.uber.org/zap"
)

type addArgs struct {
	Foo any `msgpack:"foo"`
	Bar any `msgpack:"bar"`
}

type addResult struct {
	Result any `msgpack:"result"`
}

type msgArgs struct {
	Msg string `msgpack:"msg"`
}

// bindBuiltins binds the methods the serve and demo commands offer.
func bindBuiltins(s *rpc.Server, log *zap.SugaredLogger) {
	s.Bind("add", rpc.Typed(func(ctx context.Context, a addArgs) (addResult, error) {
		sum, err := add(a.Foo, a.Bar)
		return addResult{Result: sum}, err
	}))
	s.Bind("msg", rpc.Typed(func(ctx context.Context, a msgArgs) (any, error) {
		log.Infow("message from client", "Msg", a.Msg)
		return nil, nil
	}))
	s.Bind("methods", func(ctx context.Context, _ any) (any, error) {
		methods := s.Methods()
		out := make([]any, len(methods))
		for i, m := range methods {
			out[i] = m
		}
		return out, nil
	})
}

// add sums two integers as int64 and anything else numeric as float64. An int64 sum that
// would overflow is computed in float64.
func add(a, b any) (any, error) {
	x, xok := asInt64(a)
	y, yok := asInt64(b)
	if xok && yok && !(y > 0 && x > math.MaxInt64-y) && !(y < 0 && x < math.MinInt64-y) {
		return x + y, nil
	}
	fx, xok := asFloat64(a)
	fy, yok := asFloat64(b)
	if !xok || !yok {
		return nil, capsule.Errorf(rpc.KindBadArguments, "add needs two numbers, got %T and %T", a, b)
	}
	return fx + fy, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	if i, ok := asInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// parseJSONArgs decodes call arguments given on the command line. Whole numbers become
// int64 so that typed handlers expecting integers accept them.
func parseJSONArgs(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parsing --args as JSON: %w", err)
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}

// jsonable converts a decoded result into something encoding/json accepts.
func jsonable(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = jsonable(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = jsonable(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = jsonable(e)
		}
		return out
	default:
		return v
	}
}
