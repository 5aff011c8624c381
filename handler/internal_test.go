// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/creachadair/blobject"
	"github.com/creachadair/blobject/peers"
	"github.com/fortytw2/leaktest"
)

func TestSettleUsesPeerLogger(t *testing.T) {
	defer leaktest.Check(t)()

	var buf bytes.Buffer
	loc := peers.NewLocal()
	defer loc.Stop()
	loc.A.Logger(slog.New(slog.NewTextHandler(&buf, nil)))

	// Report a rejected completion from inside a dispatch, where the context
	// carries the serving peer.
	loc.A.Serve(blobject.LocatorFunc(func(*blobject.Current) (blobject.Blobject, error) {
		return blobject.BlobjectFunc(func(ctx context.Context, _ []byte, cur *blobject.Current) (*blobject.Future[blobject.InvokeResult], error) {
			settle(ctx, blobject.ErrAlreadyResolved, cur)
			settle(ctx, nil, cur) // no effect
			return blobject.Resolved(blobject.InvokeResult{ReturnValue: true}), nil
		}), nil
	}))
	if _, err := loc.B.Call(context.Background(), blobject.Identity{Name: "twice"}, "op", nil); err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}

	got := buf.String()
	if n := strings.Count(got, "completion rejected"); n != 1 {
		t.Errorf("Peer log has %d rejections, want 1:\n%s", n, got)
	}
	for _, want := range []string{"target=twice", "op=op", blobject.ErrAlreadyResolved.Error()} {
		if !strings.Contains(got, want) {
			t.Errorf("Peer log does not contain %q:\n%s", want, got)
		}
	}
}

func TestSettleFallsBackToCurrentPeer(t *testing.T) {
	var buf bytes.Buffer
	p := blobject.NewPeer().Logger(slog.New(slog.NewTextHandler(&buf, nil)))
	cur := blobject.NewCurrent(&blobject.Request{
		RequestID: 3,
		Identity:  blobject.Identity{Name: "x"},
		Operation: "op",
	}, p)

	settle(context.Background(), blobject.ErrAlreadyResolved, cur)
	if got := buf.String(); !strings.Contains(got, "completion rejected") {
		t.Errorf("Peer log: got %q, want a rejection", got)
	}
}
