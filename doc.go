// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package blobject implements asynchronous dynamic dispatch for a
// remote-object runtime, and a peer that speaks the BJ v0 protocol.
//
// A dynamic servant, or [Blobject], handles every operation of the objects it
// serves through a single method. It receives the encoded input parameters of
// the request and a [Current] describing the target, and returns a [Future]
// that it resolves later, from any goroutine, with an [InvokeResult]:
//
//	b := blobject.BlobjectFunc(func(ctx context.Context, in []byte, cur *blobject.Current) (*blobject.Future[blobject.InvokeResult], error) {
//	   f := blobject.NewFuture[blobject.InvokeResult]()
//	   go func() {
//	      f.Resolve(blobject.InvokeResult{ReturnValue: true, OutParams: in})
//	   }()
//	   return f, nil
//	})
//
// # Dispatch
//
// The [Dispatch] function adapts one request to a Blobject. It reads the input
// parameters, invokes the servant, and returns a future for the encoded reply
// body. A servant that fails synchronously has its error returned directly by
// Dispatch, with no future.
//
// Failures are classified by type. A [*UserException] is a declared failure
// and is delivered to the caller as a normal reply flagged as failed; it does
// not matter whether the servant returns it, fails its future with it, or
// resolves its future with the encoded exception and ReturnValue == false. A
// [*RequestFailedError] reports that no servant, facet, or operation matched
// the request. Any other error is reported as an unknown exception.
//
// # Futures
//
// A [Future] is resolved exactly once. A second Resolve or Fail reports
// [ErrAlreadyResolved] and has no other effect. Continuations registered with
// OnComplete run on the goroutine that resolves the future.
//
// # Peers
//
// A [Peer] exchanges requests and replies with another peer over a [Channel].
// To serve objects, register a [Locator] and start the peer:
//
//	p := blobject.NewPeer().Serve(loc)
//	p.Start(ch)
//
// The peer runs until [Peer.Stop] is called, the channel is closed by the
// remote peer, or a protocol fatal error occurs. Call [Peer.Wait] to wait for
// the peer to exit and return its status.
//
// To invoke an operation on the remote peer, use [Peer.Invoke] or [Peer.Call]:
//
//	res, err := p.Call(ctx, blobject.Identity{Name: "hello"}, "greet", params)
//
// Errors reported by Invoke have concrete type [*CallError].
//
// The servants package provides a Locator that maps identities and facets to
// servants, and the handler package adapts ordinary functions to Blobject.
// Channel implementations live in the channel package and its subpackages.
//
// # Metrics
//
// Peers maintain a collection of metrics while running. Use the [Peer.Metrics]
// method to obtain an [expvar.Map] containing the metrics, which are shared
// among all peers:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_dropped: counter of packets received and discarded
//   - dispatches_in: counter of inbound requests received
//   - dispatches_user_failed: counter of dispatches raising a user exception
//   - dispatches_unknown_failed: counter of dispatches failing unexpectedly
//   - dispatches_active: gauge of dispatches awaiting completion
//   - dispatches_timed_out: counter of dispatches abandoned by timeout
//   - calls_out: counter of outbound requests sent
//   - calls_out_failed: counter of outbound requests resulting in errors
//   - calls_pending: gauge of outbound requests awaiting a reply
//   - cancels_in: counter of cancellation requests received
//   - handles_rejected: counter of repeated resolutions of a future
package blobject
