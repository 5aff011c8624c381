// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package natschan_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/creachadair/blobject"
	"github.com/creachadair/blobject/channel/natschan"
	"github.com/creachadair/blobject/handler"
	"github.com/creachadair/blobject/peers"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// startServer runs an in-process NATS server for the duration of the test,
// and returns a client connected to it.
func startServer(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("Create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server did not start")
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

func TestChannel(t *testing.T) {
	nc := startServer(t)

	a, err := natschan.New(nc, "test.ab", "test.ba")
	if err != nil {
		t.Fatalf("New A: %v", err)
	}
	b, err := natschan.New(nc, "test.ba", "test.ab")
	if err != nil {
		t.Fatalf("New B: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	want := &blobject.Packet{Type: blobject.PacketRequest, Payload: []byte("hello")}
	if err := a.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Packet (-want, +got):\n%s", diff)
	}

	// Closing A ends the stream at B.
	if err := a.Close(); err != nil {
		t.Errorf("Close A: %v", err)
	}
	if _, err := b.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv after close: got %v, want %v", err, io.EOF)
	}
	if err := a.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Close A again: got %v, want %v", err, net.ErrClosed)
	}
	if err := a.Send(want); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := b.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Close B after EOF: got %v, want %v", err, net.ErrClosed)
	}
}

func TestPeers(t *testing.T) {
	nc := startServer(t)

	lst, err := natschan.Listen(nc, "test.svc")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	base := blobject.NewPeer().Serve(blobject.LocatorFunc(func(*blobject.Current) (blobject.Blobject, error) {
		return handler.Go(func(_ context.Context, in []byte) ([]byte, error) {
			return append([]byte("echo: "), in...), nil
		}), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := taskgroup.Go(func() error { return peers.Loop(ctx, lst, base) })

	for _, msg := range []string{"one", "two", "three"} {
		dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
		ch, err := natschan.Dial(dctx, nc, "test.svc")
		dcancel()
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		cli := blobject.NewPeer().Start(ch)

		res, err := cli.Call(ctx, blobject.Identity{Name: "echo"}, "say", []byte(msg))
		if err != nil {
			t.Errorf("Call %q: unexpected error: %v", msg, err)
		} else if got, want := string(res.OutParams), "echo: "+msg; got != want {
			t.Errorf("Call %q: got %q, want %q", msg, got, want)
		}
		if err := cli.Stop(); err != nil {
			t.Errorf("Client stop: %v", err)
		}
	}

	if err := lst.Close(); err != nil {
		t.Errorf("Close listener: %v", err)
	}
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}

func TestDialNoListener(t *testing.T) {
	nc := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := natschan.Dial(ctx, nc, "test.nobody")
	if err == nil {
		ch.Close()
		t.Fatal("Dial with no listener should fail")
	}
	t.Logf("Dial failed as expected: %v", err)
}
