// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package blobject

import (
	"context"
	"fmt"
)

// A Blobject is a servant that handles requests by dynamic dispatch: it
// receives the encoded input parameters and the request metadata for every
// operation invoked on it, rather than through generated per-operation code.
//
// InvokeAsync must not block. It returns a future that the implementation
// resolves later, from any goroutine, with the InvokeResult of the call. An
// implementation may instead report an error directly; a *UserException
// returned this way is equivalent to a future failed with that exception.
//
// The in slice aliases a transport buffer, and an implementation that retains
// it after InvokeAsync returns must copy it.
type Blobject interface {
	InvokeAsync(ctx context.Context, in []byte, cur *Current) (*Future[InvokeResult], error)
}

// BlobjectFunc adapts a function to the [Blobject] interface.
type BlobjectFunc func(context.Context, []byte, *Current) (*Future[InvokeResult], error)

// InvokeAsync implements the [Blobject] interface.
func (f BlobjectFunc) InvokeAsync(ctx context.Context, in []byte, cur *Current) (*Future[InvokeResult], error) {
	return f(ctx, in, cur)
}

// A Locator finds the servant for an inbound request. If there is none, it
// reports a *RequestFailedError describing why.
type Locator interface {
	Locate(cur *Current) (Blobject, error)
}

// LocatorFunc adapts a function to the [Locator] interface.
type LocatorFunc func(*Current) (Blobject, error)

// Locate implements the [Locator] interface.
func (f LocatorFunc) Locate(cur *Current) (Blobject, error) { return f(cur) }

// Incoming is the transport-facing view of one inbound request.
type Incoming interface {
	// ReadParamEncaps consumes the input encapsulation of the request and
	// returns its payload. It may be called only once per request.
	ReadParamEncaps() ([]byte, error)

	// WriteParamEncaps encodes a complete reply body carrying outParams,
	// flagged as a normal result (ok == true) or a user exception. It does
	// no I/O.
	WriteParamEncaps(outParams []byte, ok bool) []byte
}

// Dispatch delivers one inbound request to b and adapts its asynchronous
// result into a future for the encoded reply.
//
// The input parameters are read from in before b is invoked. If b reports an
// error synchronously, Dispatch returns that error unchanged and attaches no
// continuation. Otherwise Dispatch returns a future that resolves with the
// reply body produced by in.WriteParamEncaps when b's future succeeds, or
// fails with the same error when b's future fails.
//
// Each call to Dispatch produces exactly one outcome: either a synchronous
// error, or a future that resolves once. Calling Dispatch twice for the same
// request is an error by the caller.
func Dispatch(ctx context.Context, in Incoming, b Blobject, cur *Current) (*Future[[]byte], error) {
	params, err := in.ReadParamEncaps()
	if err != nil {
		return nil, &localError{fmt.Errorf("reading input parameters: %w", err)}
	}

	pending, err := b.InvokeAsync(ctx, params, cur)
	if err != nil {
		return nil, err
	} else if pending == nil {
		return nil, &UnknownException{Message: fmt.Sprintf("servant for %v returned no completion handle", cur.Identity())}
	}

	reply := NewFuture[[]byte]()
	pending.OnComplete(func(r InvokeResult, err error) {
		if err != nil {
			reply.Fail(err)
		} else {
			reply.Resolve(in.WriteParamEncaps(r.OutParams, r.ReturnValue))
		}
	})
	return reply, nil
}

// localError marks a failure of the runtime itself, such as a malformed
// request or a panic in a servant, as distinct from an error reported by a
// servant.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }
