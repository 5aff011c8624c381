// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package blobject_test

import (
	"context"
	"testing"

	"github.com/creachadair/blobject"
	"github.com/creachadair/blobject/channel"
	"github.com/creachadair/blobject/peers"
)

var (
	noop = blobject.BlobjectFunc(func(context.Context, []byte, *blobject.Current) (*blobject.Future[blobject.InvokeResult], error) {
		return blobject.Resolved(blobject.InvokeResult{ReturnValue: true}), nil
	})
	echo = blobject.BlobjectFunc(func(_ context.Context, in []byte, _ *blobject.Current) (*blobject.Future[blobject.InvokeResult], error) {
		return blobject.Resolved(blobject.InvokeResult{ReturnValue: true, OutParams: in}), nil
	})
	deferred = blobject.BlobjectFunc(func(_ context.Context, in []byte, _ *blobject.Current) (*blobject.Future[blobject.InvokeResult], error) {
		f := blobject.NewFuture[blobject.InvokeResult]()
		go f.Resolve(blobject.InvokeResult{ReturnValue: true, OutParams: in})
		return f, nil
	})
)

func only(b blobject.Blobject) blobject.Locator {
	return blobject.LocatorFunc(func(*blobject.Current) (blobject.Blobject, error) { return b, nil })
}

func BenchmarkCall(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Direct-noop", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Serve(only(noop))
		runBench(b, loc.B, nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Serve(only(echo))
		runBench(b, loc.B, payload)
	})
	b.Run("Direct-deferred", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Serve(only(deferred))
		runBench(b, loc.B, payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Serve(only(noop))
		runBench(b, pb, nil)
	})
	b.Run("IO-echo", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Serve(only(echo))
		runBench(b, pb, payload)
	})
}

func BenchmarkDispatch(b *testing.B) {
	req := &blobject.Request{Identity: blobject.Identity{Name: "x"}, Operation: "op", Params: []byte("data")}
	cur := blobject.NewCurrent(req, nil)
	ctx := context.Background()

	for b.Loop() {
		f, err := blobject.Dispatch(ctx, blobject.NewIncoming(req), echo, cur)
		if err != nil {
			b.Fatal(err)
		} else if !f.IsResolved() {
			b.Fatal("reply not resolved")
		}
	}
}

func runBench(b *testing.B, peer *blobject.Peer, data []byte) {
	b.Helper()
	ctx := context.Background()
	target := blobject.Identity{Name: "bench"}

	for b.Loop() {
		_, err := peer.Call(ctx, target, "X", data)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func pipePeers(tb testing.TB) (pa, pb *blobject.Peer) {
	ac, bc := channel.Pipe()
	pa = blobject.NewPeer().Start(ac)
	pb = blobject.NewPeer().Start(bc)
	tb.Cleanup(func() {
		if err := pa.Stop(); err != nil {
			tb.Errorf("A stop: %v", err)
		}
		if err := pb.Stop(); err != nil {
			tb.Errorf("B stop: %v", err)
		}
	})
	return
}
