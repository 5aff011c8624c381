// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package blobject

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// A Future is a single-assignment container for the eventual outcome of an
// asynchronous operation: either a value of type T or an error.
//
// A Future is resolved exactly once, by a call to Resolve or Fail, from any
// goroutine. Any further attempt to resolve it reports [ErrAlreadyResolved]
// and leaves the first outcome in place. Continuations registered with
// OnComplete run exactly once each, after the future resolves.
//
// A Future must be constructed with [NewFuture], [Resolved], or [Rejected].
type Future[T any] struct {
	claimed atomic.Bool   // set by the first resolution attempt
	done    chan struct{} // closed once the outcome is recorded

	μ     sync.Mutex
	value T
	err   error
	conts []func(T, error) // pending continuations
}

// NewFuture constructs a new unresolved future.
func NewFuture[T any]() *Future[T] { return &Future[T]{done: make(chan struct{})} }

// Resolved returns a future already resolved with v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// Rejected returns a future already failed with err.
func Rejected[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

// Resolve completes f successfully with v. It reports [ErrAlreadyResolved] if
// f was already resolved.
func (f *Future[T]) Resolve(v T) error { return f.settle(v, nil) }

// Fail completes f with err. It reports [ErrAlreadyResolved] if f was already
// resolved. Failing with a nil error is rejected without resolving f.
func (f *Future[T]) Fail(err error) error {
	if err == nil {
		return errNilFailure
	}
	var zero T
	return f.settle(zero, err)
}

var errNilFailure = errors.New("cannot fail a completion handle with a nil error")

func (f *Future[T]) settle(v T, err error) error {
	if !f.claimed.CompareAndSwap(false, true) {
		peerMetrics.handleRejected.Add(1)
		return ErrAlreadyResolved
	}

	f.μ.Lock()
	f.value, f.err = v, err
	conts := f.conts
	f.conts = nil
	close(f.done)
	f.μ.Unlock()

	// Run continuations outside the lock, on the resolving goroutine.
	for _, k := range conts {
		k(v, err)
	}
	return nil
}

// OnComplete registers k to be called with the outcome of f once it resolves.
// If f is already resolved, k is called immediately on the calling goroutine;
// otherwise it is called on the goroutine that resolves f. Each registered
// continuation is called exactly once.
func (f *Future[T]) OnComplete(k func(T, error)) {
	f.μ.Lock()
	select {
	case <-f.done:
		v, err := f.value, f.err
		f.μ.Unlock()
		k(v, err)
	default:
		f.conts = append(f.conts, k)
		f.μ.Unlock()
	}
}

// Done returns a channel that is closed when f has resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsResolved reports whether f has been resolved.
func (f *Future[T]) IsResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until f resolves or ctx ends, and returns the outcome of f.
// If ctx ends first, Wait returns the error from ctx; f is not affected.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.μ.Lock()
		defer f.μ.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
