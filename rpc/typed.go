package rpc

import (
	"context"

	"github.com/guseggert/teleport/capsule"
	"github.com/vmihailenco/msgpack/v5"
)

// Decode converts a decoded message body, made of maps, slices and scalars, into R.
// Values that already have type R are returned unchanged.
func Decode[R any](v any) (R, error) {
	var out R
	if r, ok := v.(R); ok {
		return r, nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return out, err
	}
	err = msgpack.Unmarshal(b, &out)
	return out, err
}

// Typed adapts a function with concrete argument and result types to a Handler.
// Arguments that do not convert to A fail the call with KindBadArguments.
func Typed[A, R any](fn func(ctx context.Context, args A) (R, error)) Handler {
	return func(ctx context.Context, args any) (any, error) {
		a, err := Decode[A](args)
		if err != nil {
			return nil, capsule.Errorf(KindBadArguments, "decoding %T arguments: %s", a, err)
		}
		return fn(ctx, a)
	}
}

// ResultAs waits for f and converts its value into R.
func ResultAs[R any](ctx context.Context, f *Future) (R, error) {
	var zero R
	v, err := f.Result(ctx)
	if err != nil {
		return zero, err
	}
	r, err := Decode[R](v)
	if err != nil {
		return zero, capsule.Errorf(KindBadResult, "decoding %s result as %T: %s", f.Method, zero, err)
	}
	return r, nil
}
