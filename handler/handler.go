// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters from ordinary functions to the
// blobject.Blobject interface.
//
// A [Func] is the body of an operation. Use [Sync] to run it inline during
// dispatch, or [Go] to run it on its own goroutine and complete the request
// asynchronously. Use [Ops] to route requests to different bodies by
// operation name.
//
// The typed adapters convert functions with richer signatures into a Func.
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
//
// A body that reports a *blobject.UserException raises a declared user
// exception; any other error is reported to the caller as an unknown
// exception.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"
	"log/slog"

	"github.com/creachadair/blobject"
)

// A Func is the body of an operation. It receives the input parameters of the
// request, and returns the encoded results.
type Func func(ctx context.Context, in []byte) ([]byte, error)

// curContextKey is a context key for the request metadata of a body.
type curContextKey struct{}

// ContextCurrent returns the metadata of the request being handled, or nil if
// ctx has no associated request. The context passed to a Func by the adapters
// in this package has this value.
func ContextCurrent(ctx context.Context) *blobject.Current {
	if v := ctx.Value(curContextKey{}); v != nil {
		return v.(*blobject.Current)
	}
	return nil
}

// Sync adapts f to a Blobject that runs f inline. The future it returns is
// already resolved when InvokeAsync returns, and errors from f are reported
// directly rather than through the future.
func Sync(f Func) blobject.Blobject {
	return blobject.BlobjectFunc(func(ctx context.Context, in []byte, cur *blobject.Current) (*blobject.Future[blobject.InvokeResult], error) {
		out, err := f(context.WithValue(ctx, curContextKey{}, cur), in)
		if err != nil {
			return nil, err
		}
		return blobject.Resolved(blobject.InvokeResult{ReturnValue: true, OutParams: out}), nil
	})
}

// Go adapts f to a Blobject that runs f on a new goroutine and resolves the
// request when it returns. The input is copied before f is started. A panic
// in f fails the request with an unknown exception.
func Go(f Func) blobject.Blobject {
	return blobject.BlobjectFunc(func(ctx context.Context, in []byte, cur *blobject.Current) (*blobject.Future[blobject.InvokeResult], error) {
		pending := blobject.NewFuture[blobject.InvokeResult]()
		input := bytes.Clone(in)
		hctx := context.WithValue(ctx, curContextKey{}, cur)
		go func() {
			defer func() {
				if x := recover(); x != nil {
					settle(hctx, pending.Fail(&blobject.UnknownException{
						Message: fmt.Sprintf("operation %q panicked: %v", cur.Operation(), x),
					}), cur)
				}
			}()
			out, err := f(hctx, input)
			if err != nil {
				settle(hctx, pending.Fail(err), cur)
			} else {
				settle(hctx, pending.Resolve(blobject.InvokeResult{ReturnValue: true, OutParams: out}), cur)
			}
		}()
		return pending, nil
	})
}

// settle logs an attempt to resolve a request that was already resolved.
// The message goes to the logger of the peer serving the request, if any.
func settle(ctx context.Context, err error, cur *blobject.Current) {
	if err == nil {
		return
	}
	log := slog.Default()
	if p := blobject.ContextPeer(ctx); p != nil {
		log = p.Log()
	} else if p := cur.Peer(); p != nil {
		log = p.Log()
	}
	log.Warn("completion rejected", "target", cur.Identity(), "op", cur.Operation(), "err", err)
}

// Ops is a Blobject that routes each request to the servant registered for
// its operation name. A request for an unlisted operation fails with
// OperationNotExist.
type Ops map[string]blobject.Blobject

// InvokeAsync implements the [blobject.Blobject] interface.
func (o Ops) InvokeAsync(ctx context.Context, in []byte, cur *blobject.Current) (*blobject.Future[blobject.InvokeResult], error) {
	b, ok := o[cur.Operation()]
	if !ok {
		return nil, blobject.Failed(blobject.OperationNotExist, cur)
	}
	return b.InvokeAsync(ctx, in, cur)
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a Func.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) Func {
	return func(ctx context.Context, in []byte) ([]byte, error) {
		var p P
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		r, err := f(ctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a Func.
func ParamResult[P, R any](f func(context.Context, P) R) Func {
	return func(ctx context.Context, in []byte) ([]byte, error) {
		var p P
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		return marshal(f(ctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a Func.
func ParamError[P any](f func(context.Context, P) error) Func {
	return func(ctx context.Context, in []byte) ([]byte, error) {
		var p P
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		return nil, f(ctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a Func.
func ResultError[R any](f func(context.Context) (R, error)) Func {
	return func(ctx context.Context, _ []byte) ([]byte, error) {
		r, err := f(ctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a Func.
func ResultOnly[R any](f func(context.Context) R) Func {
	return func(ctx context.Context, _ []byte) ([]byte, error) {
		return marshal(f(ctx))
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
